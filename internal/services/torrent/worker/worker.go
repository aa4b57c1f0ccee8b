// Package worker serializes every mutation of the engine session through a
// single goroutine and republishes engine activity on the event bus.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"torrentcore/internal/domain"
	"torrentcore/internal/domain/ports"
	"torrentcore/internal/events"
	"torrentcore/internal/metrics"
	"torrentcore/internal/telemetry"
)

const (
	DefaultQueueSize    = 128
	DefaultPollInterval = 200 * time.Millisecond

	flushTimeout = 5 * time.Second
)

// Health component names.
const (
	ComponentResumeStore = "resume_store"
	ComponentSession     = "session"
)

type Config struct {
	Session      ports.Session
	Store        ports.ResumeStore
	Bus          *events.Bus
	Logger       *slog.Logger
	QueueSize    int
	PollInterval time.Duration
}

// Worker owns the session, the resume store handle and the per-transfer
// caches. Only Run's goroutine touches them.
type Worker struct {
	session      ports.Session
	store        ports.ResumeStore
	bus          *events.Bus
	logger       *slog.Logger
	pollInterval time.Duration
	tracer       trace.Tracer
	now          func() time.Time

	queue <-chan command
	done  chan struct{}

	metadata  map[domain.TorrentID]domain.StoredTorrentMetadata
	resume    map[domain.TorrentID][]byte
	transfers map[domain.TorrentID]domain.LifecycleState
	rates     map[domain.TorrentID]domain.Progress
	health    *healthSet

	lastOptions *domain.NativeOptions
}

func New(cfg Config) (*Worker, *Handle) {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	queue := make(chan command, size)
	done := make(chan struct{})
	w := &Worker{
		session:      cfg.Session,
		store:        cfg.Store,
		bus:          cfg.Bus,
		logger:       logger,
		pollInterval: interval,
		tracer:       telemetry.Tracer("torrentcore/worker"),
		now:          time.Now,
		queue:        queue,
		done:         done,
		metadata:     make(map[domain.TorrentID]domain.StoredTorrentMetadata),
		resume:       make(map[domain.TorrentID][]byte),
		transfers:    make(map[domain.TorrentID]domain.LifecycleState),
		rates:        make(map[domain.TorrentID]domain.Progress),
		health:       newHealthSet(),
	}
	return w, &Handle{queue: queue, done: done}
}

// Run loads stored state and processes commands until the handle is closed
// or ctx ends. It always finishes with one last poll so queued engine events
// reach the bus.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	w.startup(ctx)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(ctx)
			return nil
		case cmd, ok := <-w.queue:
			if !ok {
				w.flush(ctx)
				return nil
			}
			w.handle(ctx, cmd)
			w.poll(ctx)
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) flush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	w.poll(flushCtx)
}

func (w *Worker) handle(ctx context.Context, cmd command) {
	name := cmd.name()
	ctx, span := w.tracer.Start(ctx, "worker."+name)
	defer span.End()

	attrs := []any{slog.String("command", name)}
	if id, ok := target(cmd); ok {
		span.SetAttributes(attribute.String("torrent.id", id.String()))
		attrs = append(attrs, slog.String("torrentId", id.String()))
	}

	start := time.Now()
	err := w.dispatch(ctx, cmd)
	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, domain.ErrNotFound) {
			result = "not_found"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		attrs = append(attrs, slog.String("error", err.Error()))
		if isQuery(cmd) {
			w.logger.Debug("command failed", attrs...)
		} else {
			w.logger.Warn("command failed", attrs...)
		}
	}
	metrics.CommandsTotal.WithLabelValues(name, result).Inc()
	metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	metrics.CommandQueueDepth.Set(float64(len(w.queue)))
}

func (w *Worker) dispatch(ctx context.Context, cmd command) error {
	switch c := cmd.(type) {
	case addCmd:
		return w.handleAdd(ctx, c.req)
	case removeCmd:
		return w.handleRemove(ctx, c.id, c.withData)
	case pauseCmd:
		return w.session.PauseTorrent(ctx, c.id)
	case resumeCmd:
		return w.session.ResumeTorrent(ctx, c.id)
	case setSequentialCmd:
		if err := w.session.SetSequential(ctx, c.id, c.sequential); err != nil {
			return err
		}
		w.updateMetadata(ctx, c.id, func(md *domain.StoredTorrentMetadata) {
			md.Sequential = c.sequential
		})
		return nil
	case updateLimitsCmd:
		return w.session.UpdateLimits(ctx, c.id, c.limits)
	case updateSelectionCmd:
		if err := w.session.UpdateSelection(ctx, c.id, c.selection); err != nil {
			return err
		}
		w.updateMetadata(ctx, c.id, func(md *domain.StoredTorrentMetadata) {
			md.Selection = c.selection.Clone()
		})
		return nil
	case updateOptionsCmd:
		return w.session.UpdateOptions(ctx, c.id, c.options)
	case updateTrackersCmd:
		return w.session.UpdateTrackers(ctx, c.id, c.update)
	case updateWebSeedsCmd:
		return w.session.UpdateWebSeeds(ctx, c.id, c.update)
	case setPieceDeadlineCmd:
		return w.session.SetPieceDeadline(ctx, c.id, c.deadline)
	case reannounceCmd:
		return w.session.Reannounce(ctx, c.id)
	case moveStorageCmd:
		return w.handleMove(ctx, c.id, c.dir)
	case recheckCmd:
		return w.session.Recheck(ctx, c.id)
	case createTorrentCmd:
		res, err := w.session.CreateTorrent(ctx, c.req)
		c.reply <- createResult{result: res, err: err}
		return err
	case queryPeersCmd:
		peers, err := w.session.Peers(ctx, c.id)
		c.reply <- peersResult{peers: peers, err: err}
		return err
	case applyConfigCmd:
		err := w.applyConfig(ctx, c.cfg)
		c.reply <- err
		return err
	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
}

func (w *Worker) handleAdd(ctx context.Context, req domain.AddTorrentRequest) error {
	var cached *domain.StoredTorrentMetadata
	if md, ok := w.metadata[req.ID]; ok {
		cached = &md
	}
	effective, reconciled := reconcile(req, cached)
	for _, r := range reconciled {
		w.bus.Publish(events.SelectionReconciled{ID: req.ID, Group: r.group, Reason: r.reason})
	}

	if err := w.session.AddTorrent(ctx, effective); err != nil {
		w.bus.Publish(events.StateChanged{ID: req.ID, State: domain.Failed(err.Error())})
		return err
	}
	w.transfers[req.ID] = domain.StateQueued

	if blob, ok := w.resume[req.ID]; ok {
		if err := w.session.LoadFastresume(ctx, req.ID, blob); err != nil {
			w.degrade(ComponentResumeStore, fmt.Sprintf("load fastresume %s: %v", req.ID, err))
		}
	}

	sequential := effective.Sequential != nil && *effective.Sequential
	w.bus.Publish(events.TorrentAdded{
		ID:          req.ID,
		Name:        effective.DisplayName(),
		DownloadDir: effective.DownloadDir,
		Sequential:  sequential,
		Paused:      effective.Paused,
		SeedMode:    effective.SeedMode,
	})

	md := domain.StoredTorrentMetadata{
		DownloadDir: effective.DownloadDir,
		Sequential:  sequential,
	}
	if effective.Selection != nil {
		md.Selection = effective.Selection.Clone()
	}
	w.persistMetadata(ctx, req.ID, md)
	return nil
}

// handleRemove purges stored artifacts and caches even when the session no
// longer knows the id.
func (w *Worker) handleRemove(ctx context.Context, id domain.TorrentID, withData bool) error {
	err := w.session.RemoveTorrent(ctx, id, withData)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if storeErr := w.store.Remove(ctx, id); storeErr != nil {
		w.degrade(ComponentResumeStore, fmt.Sprintf("remove %s: %v", id, storeErr))
	}
	delete(w.metadata, id)
	delete(w.resume, id)
	delete(w.transfers, id)
	delete(w.rates, id)
	w.refreshTransferMetrics()

	if err != nil {
		return err
	}
	w.bus.Publish(events.TorrentRemoved{ID: id, DeletedData: withData})
	return nil
}

func (w *Worker) handleMove(ctx context.Context, id domain.TorrentID, dir string) error {
	w.bus.Publish(events.FsopsStarted{ID: id, Target: dir})
	if err := w.session.MoveTorrent(ctx, id, dir); err != nil {
		w.bus.Publish(events.FsopsFailed{ID: id, Message: err.Error()})
		return err
	}
	w.bus.Publish(events.FsopsCompleted{ID: id, Target: dir})
	w.updateMetadata(ctx, id, func(md *domain.StoredTorrentMetadata) {
		md.DownloadDir = dir
	})
	return nil
}

// updateMetadata edits the cached metadata of an admitted transfer and
// persists it.
func (w *Worker) updateMetadata(ctx context.Context, id domain.TorrentID, mutate func(*domain.StoredTorrentMetadata)) {
	md := w.metadata[id]
	md.Selection = md.Selection.Clone()
	mutate(&md)
	w.persistMetadata(ctx, id, md)
}

func (w *Worker) persistMetadata(ctx context.Context, id domain.TorrentID, md domain.StoredTorrentMetadata) {
	md.UpdatedAt = w.now().UTC()
	w.metadata[id] = md
	if err := w.store.WriteMetadata(ctx, id, md); err != nil {
		w.degrade(ComponentResumeStore, fmt.Sprintf("write metadata %s: %v", id, err))
		return
	}
	w.heal(ComponentResumeStore)
}
