package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/go-cmp/cmp"

	"torrentcore/internal/app"
	"torrentcore/internal/domain"
	"torrentcore/internal/events"
	"torrentcore/internal/metrics"
)

// startup warms the caches from the resume store. Load problems degrade
// resume_store but never stop the worker.
func (w *Worker) startup(ctx context.Context) {
	if err := w.store.EnsureInitialized(ctx); err != nil {
		w.degrade(ComponentResumeStore, fmt.Sprintf("initialize: %v", err))
		w.logger.Error("resume store init failed", slog.String("error", err.Error()))
		return
	}

	entries, err := w.store.LoadAll(ctx)
	var problems []string
	if err != nil {
		w.logger.Warn("resume store load reported errors", slog.String("error", err.Error()))
		problems = append(problems, err.Error())
	}

	for _, entry := range entries {
		if len(entry.ResumeData) == 0 {
			w.bus.Publish(events.SelectionReconciled{
				ID:     entry.ID,
				Group:  "resume_data",
				Reason: "stored entry has no resume data",
			})
			problems = append(problems, fmt.Sprintf("%s: missing resume data", entry.ID))
		}
		if entry.Metadata == nil {
			w.bus.Publish(events.SelectionReconciled{
				ID:     entry.ID,
				Group:  "metadata",
				Reason: "stored entry has no metadata",
			})
			problems = append(problems, fmt.Sprintf("%s: missing metadata", entry.ID))
		}
		if !entry.Complete() {
			continue
		}
		w.resume[entry.ID] = entry.ResumeData
		w.metadata[entry.ID] = *entry.Metadata
	}

	if len(problems) > 0 {
		w.degrade(ComponentResumeStore, strings.Join(problems, "; "))
	}
	w.logger.Info("resume store loaded",
		slog.Int("entries", len(entries)),
		slog.Int("resume", len(w.resume)),
		slog.Int("metadata", len(w.metadata)),
	)
}

// poll drains engine events and republishes them.
func (w *Worker) poll(ctx context.Context) {
	evs, err := w.session.PollEvents(ctx)
	if err != nil {
		w.degrade(ComponentSession, fmt.Sprintf("poll: %v", err))
		w.logger.Warn("poll events failed", slog.String("error", err.Error()))
		return
	}
	for _, ev := range evs {
		w.translate(ctx, ev)
	}
	if !w.anyFailed() {
		w.heal(ComponentSession)
	}
	w.refreshTransferMetrics()
}

func (w *Worker) translate(ctx context.Context, ev domain.EngineEvent) {
	id := ev.TorrentID()
	if _, known := w.transfers[id]; !known {
		w.logger.Debug("dropping event for unknown transfer",
			slog.String("torrentId", id.String()),
			slog.String("event", fmt.Sprintf("%T", ev)),
		)
		return
	}

	switch e := ev.(type) {
	case domain.FilesDiscoveredEvent:
		if len(e.Files) == 0 {
			return
		}
		w.bus.Publish(events.FilesDiscovered{ID: id, Files: e.Files})
	case domain.ProgressEvent:
		w.rates[id] = e.Progress
		w.bus.Publish(events.Progress{ID: id, Progress: e.Progress, Ratio: e.Progress.Ratio()})
	case domain.StateChangedEvent:
		w.transfers[id] = e.State.State
		w.bus.Publish(events.StateChanged{ID: id, State: e.State})
	case domain.CompletedEvent:
		w.transfers[id] = domain.StateCompleted
		w.bus.Publish(events.StateChanged{ID: id, State: domain.TransferState{State: domain.StateCompleted}})
		w.bus.Publish(events.Completed{ID: id})
	case domain.MetadataUpdatedEvent:
		w.bus.Publish(events.MetadataUpdated{
			ID:         id,
			Name:       e.Name,
			InfoHash:   e.InfoHash,
			TotalBytes: e.TotalBytes,
			NumPieces:  e.NumPieces,
		})
	case domain.ResumeDataEvent:
		w.resume[id] = e.Data
		if err := w.store.WriteFastresume(ctx, id, e.Data); err != nil {
			w.degrade(ComponentResumeStore, fmt.Sprintf("write fastresume %s: %v", id, err))
			return
		}
		w.heal(ComponentResumeStore)
	case domain.ErrorEvent:
		w.transfers[id] = domain.StateFailed
		w.bus.Publish(events.StateChanged{ID: id, State: domain.Failed(e.Message)})
		w.degrade(ComponentSession, fmt.Sprintf("%s: %s", id, e.Message))
	}
}

func (w *Worker) anyFailed() bool {
	for _, state := range w.transfers {
		if state == domain.StateFailed {
			return true
		}
	}
	return false
}

func (w *Worker) refreshTransferMetrics() {
	active := 0
	for _, state := range w.transfers {
		if state.Active() {
			active++
		}
	}
	var down, up int64
	for id, p := range w.rates {
		if !w.transfers[id].Active() && w.transfers[id] != domain.StateSeeding {
			continue
		}
		down += p.DownloadRate
		up += p.UploadRate
	}
	metrics.ActiveTransfers.Set(float64(active))
	metrics.DownloadSpeedBytes.Set(float64(down))
	metrics.UploadSpeedBytes.Set(float64(up))
}

// degrade logs every failure; health changes are published only on a
// transition.
func (w *Worker) degrade(component, detail string) {
	w.logger.Warn("component degraded",
		slog.String("component", component),
		slog.String("detail", detail),
	)
	if w.health.mark(component, detail) {
		metrics.DegradedComponents.WithLabelValues(component).Set(1)
		w.bus.Publish(events.HealthChanged{Degraded: w.health.snapshot()})
	}
}

func (w *Worker) heal(component string) {
	if w.health.clear(component) {
		metrics.DegradedComponents.WithLabelValues(component).Set(0)
		w.bus.Publish(events.HealthChanged{Degraded: w.health.snapshot()})
		w.logger.Info("component recovered", slog.String("component", component))
	}
}

// applyConfig plans native options and hands them to the session only when
// they changed since the last successful apply.
func (w *Worker) applyConfig(ctx context.Context, cfg app.RuntimeConfig) error {
	opts, warnings := app.PlanEngineOptions(cfg)
	for _, warning := range warnings {
		w.logger.Warn("engine options adjusted", slog.String("warning", warning))
	}
	if w.lastOptions != nil && cmp.Equal(*w.lastOptions, opts) {
		return nil
	}
	if err := w.session.ApplyConfig(ctx, opts); err != nil {
		return err
	}
	w.lastOptions = &opts
	w.bus.Publish(events.SettingsChanged{Options: opts, Warnings: warnings})
	return nil
}
