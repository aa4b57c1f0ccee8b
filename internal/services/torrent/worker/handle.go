package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"torrentcore/internal/app"
	"torrentcore/internal/domain"
	"torrentcore/internal/metrics"
)

var ErrWorkerClosed = errors.New("worker closed")

// Handle submits commands to a Worker. It is safe for concurrent use; all
// copies of the pointer share one queue.
type Handle struct {
	queue chan command
	done  <-chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Close stops accepting commands. The worker drains what is queued, flushes
// pending engine events and exits.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.queue)
}

// send blocks while the queue is full, until ctx ends or the worker exits.
func (h *Handle) send(ctx context.Context, cmd command) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrWorkerClosed
	}
	select {
	case <-h.done:
		return ErrWorkerClosed
	default:
	}
	select {
	case h.queue <- cmd:
		metrics.CommandQueueDepth.Set(float64(len(h.queue)))
		return nil
	case <-h.done:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func await[T any](ctx context.Context, h *Handle, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-h.done:
		return zero, ErrWorkerClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Add queues admission under the caller-supplied id.
func (h *Handle) Add(ctx context.Context, req domain.AddTorrentRequest) (domain.TorrentID, error) {
	if err := req.Validate(); err != nil {
		return domain.TorrentID{}, err
	}
	if req.Selection != nil {
		sel := req.Selection.Clone()
		req.Selection = &sel
	}
	return req.ID, h.send(ctx, addCmd{req: req})
}

func (h *Handle) Remove(ctx context.Context, id domain.TorrentID, withData bool) error {
	return h.send(ctx, removeCmd{id: id, withData: withData})
}

func (h *Handle) Pause(ctx context.Context, id domain.TorrentID) error {
	return h.send(ctx, pauseCmd{id: id})
}

func (h *Handle) Resume(ctx context.Context, id domain.TorrentID) error {
	return h.send(ctx, resumeCmd{id: id})
}

func (h *Handle) SetSequential(ctx context.Context, id domain.TorrentID, sequential bool) error {
	return h.send(ctx, setSequentialCmd{id: id, sequential: sequential})
}

// UpdateLimits changes one transfer's caps, or the client-wide caps when id
// is nil.
func (h *Handle) UpdateLimits(ctx context.Context, id *domain.TorrentID, limits domain.Limits) error {
	if err := limits.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if id != nil {
		copied := *id
		id = &copied
	}
	return h.send(ctx, updateLimitsCmd{id: id, limits: limits})
}

func (h *Handle) UpdateSelection(ctx context.Context, id domain.TorrentID, sel domain.FileSelection) error {
	return h.send(ctx, updateSelectionCmd{id: id, selection: sel.Clone()})
}

func (h *Handle) UpdateOptions(ctx context.Context, id domain.TorrentID, opts domain.TorrentOptions) error {
	return h.send(ctx, updateOptionsCmd{id: id, options: opts})
}

func (h *Handle) UpdateTrackers(ctx context.Context, id domain.TorrentID, update domain.TrackerUpdate) error {
	return h.send(ctx, updateTrackersCmd{id: id, update: update})
}

func (h *Handle) UpdateWebSeeds(ctx context.Context, id domain.TorrentID, update domain.WebSeedUpdate) error {
	return h.send(ctx, updateWebSeedsCmd{id: id, update: update})
}

func (h *Handle) SetPieceDeadline(ctx context.Context, id domain.TorrentID, deadline domain.PieceDeadline) error {
	if deadline.Piece < 0 {
		return fmt.Errorf("%w: piece index must not be negative", domain.ErrInvalidRequest)
	}
	return h.send(ctx, setPieceDeadlineCmd{id: id, deadline: deadline})
}

func (h *Handle) Reannounce(ctx context.Context, id domain.TorrentID) error {
	return h.send(ctx, reannounceCmd{id: id})
}

func (h *Handle) MoveStorage(ctx context.Context, id domain.TorrentID, dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: target directory is required", domain.ErrInvalidRequest)
	}
	return h.send(ctx, moveStorageCmd{id: id, dir: dir})
}

func (h *Handle) Recheck(ctx context.Context, id domain.TorrentID) error {
	return h.send(ctx, recheckCmd{id: id})
}

// CreateTorrent waits for the worker and returns the authored metainfo.
func (h *Handle) CreateTorrent(ctx context.Context, req domain.CreateTorrentRequest) (domain.CreateTorrentResult, error) {
	reply := make(chan createResult, 1)
	if err := h.send(ctx, createTorrentCmd{req: req, reply: reply}); err != nil {
		return domain.CreateTorrentResult{}, err
	}
	res, err := await(ctx, h, reply)
	if err != nil {
		return domain.CreateTorrentResult{}, err
	}
	return res.result, res.err
}

// QueryPeers waits for the worker and returns the transfer's connected peers.
func (h *Handle) QueryPeers(ctx context.Context, id domain.TorrentID) ([]domain.PeerInfo, error) {
	reply := make(chan peersResult, 1)
	if err := h.send(ctx, queryPeersCmd{id: id, reply: reply}); err != nil {
		return nil, err
	}
	res, err := await(ctx, h, reply)
	if err != nil {
		return nil, err
	}
	return res.peers, res.err
}

// ApplyConfig waits until the worker has applied cfg so callers can roll
// back on failure.
func (h *Handle) ApplyConfig(ctx context.Context, cfg app.RuntimeConfig) error {
	reply := make(chan error, 1)
	if err := h.send(ctx, applyConfigCmd{cfg: cfg, reply: reply}); err != nil {
		return err
	}
	applyErr, err := await(ctx, h, reply)
	if err != nil {
		return err
	}
	return applyErr
}
