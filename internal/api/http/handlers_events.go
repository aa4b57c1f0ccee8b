package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"torrentcore/internal/events"
)

const sseHeartbeat = 15 * time.Second

type laggedNotice struct {
	Missed uint64 `json:"missed"`
}

type laggedFrame struct {
	Type string       `json:"type"`
	Data laggedNotice `json:"data"`
}

type lastEventIDResponse struct {
	LastEventID *uint64 `json:"lastEventId"`
}

func asLagged(err error) (*events.LaggedError, bool) {
	var lagged *events.LaggedError
	if errors.As(err, &lagged) {
		return lagged, true
	}
	return nil, false
}

// parseSince reads the resume cursor from the Last-Event-ID header, falling
// back to the since query parameter. Absent means live only.
func parseSince(r *http.Request) (*uint64, error) {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("since"))
	}
	if raw == "" {
		return nil, nil
	}
	since, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid event id %q", raw)
	}
	return &since, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream not configured")
		return
	}
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	rc := http.NewResponseController(w)
	sub := s.events.Subscribe(since)
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Error("sse flush unsupported", slog.String("error", err.Error()))
		return
	}

	ctx := r.Context()
	for {
		env, err := nextWithHeartbeat(ctx, sub)
		switch {
		case err == nil:
			if err := writeSSEEnvelope(w, env); err != nil {
				return
			}
		case errors.Is(err, errHeartbeat):
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		default:
			lagged, ok := asLagged(err)
			if !ok {
				return
			}
			if err := writeSSEFrame(w, "", "lagged", laggedNotice{Missed: lagged.Missed}); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

var errHeartbeat = errors.New("heartbeat")

func nextWithHeartbeat(ctx context.Context, sub *events.Subscription) (events.Envelope, error) {
	waitCtx, cancel := context.WithTimeout(ctx, sseHeartbeat)
	defer cancel()
	env, err := sub.Next(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return events.Envelope{}, errHeartbeat
	}
	return env, err
}

func writeSSEEnvelope(w io.Writer, env events.Envelope) error {
	return writeSSEFrame(w, strconv.FormatUint(env.ID, 10), string(env.Event.Kind()), env)
}

func writeSSEFrame(w io.Writer, id, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var b strings.Builder
	if id != "" {
		b.WriteString("id: ")
		b.WriteString(id)
		b.WriteByte('\n')
	}
	b.WriteString("event: ")
	b.WriteString(event)
	b.WriteByte('\n')
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")
	_, err = io.WriteString(w, b.String())
	return err
}

func (s *Server) handleLastEventID(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream not configured")
		return
	}
	var resp lastEventIDResponse
	if id, ok := s.events.LastEventID(); ok {
		resp.LastEventID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status   string                   `json:"status"`
	Degraded []events.HealthComponent `json:"degraded,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Degraded: s.currentDegraded()}
	if len(resp.Degraded) > 0 {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}
