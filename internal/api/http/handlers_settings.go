package apihttp

import (
	"context"
	"fmt"
	"net/http"

	"torrentcore/internal/app"
	"torrentcore/internal/domain"
)

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

type runtimeSettingsResponse struct {
	Config   app.RuntimeConfig    `json:"config"`
	Planned  domain.NativeOptions `json:"planned"`
	Warnings []string             `json:"warnings,omitempty"`
}

func newRuntimeSettingsResponse(cfg app.RuntimeConfig) runtimeSettingsResponse {
	planned, warnings := app.PlanEngineOptions(cfg)
	return runtimeSettingsResponse{Config: cfg, Planned: planned, Warnings: warnings}
}

func (s *Server) handleGetRuntimeSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "runtime settings not configured")
		return
	}
	writeJSON(w, http.StatusOK, newRuntimeSettingsResponse(s.settings.Get()))
}

func (s *Server) handleUpdateRuntimeSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "runtime settings not configured")
		return
	}
	var cfg app.RuntimeConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), replyTimeout)
	defer cancel()
	if err := s.settings.Update(ctx, cfg); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newRuntimeSettingsResponse(s.settings.Get()))
}
