package anacrolix

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/anacrolix/torrent"

	"torrentcore/internal/domain"
)

// PollEvents diffs every transfer against what was last reported, runs
// admission and drains the queued events.
func (e *Engine) PollEvents(_ context.Context) ([]domain.EngineEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	transfers := make([]*transfer, 0, len(e.transfers))
	for _, tr := range e.transfers {
		transfers = append(transfers, tr)
	}
	slices.SortFunc(transfers, func(a, b *transfer) int {
		if c := cmp.Compare(a.admitSeq, b.admitSeq); c != 0 {
			return c
		}
		return cmp.Compare(a.id.String(), b.id.String())
	})
	for _, tr := range transfers {
		e.pollTransferLocked(tr, now)
	}
	e.admitLocked()

	out := e.pending
	e.pending = nil
	return out, nil
}

func (e *Engine) pollTransferLocked(tr *transfer, now time.Time) {
	select {
	case <-tr.t.Closed():
		e.detachLocked(tr)
		e.emitLocked(domain.ErrorEvent{ID: tr.id, Message: "torrent closed by client"})
		return
	default:
	}

	if msg := tr.takeFailure(); msg != "" && tr.state != domain.StateFailed {
		hardPause(tr.t)
		tr.state = domain.StateFailed
		e.emitLocked(domain.ErrorEvent{ID: tr.id, Message: msg})
		return
	}
	if tr.state == domain.StateFailed {
		return
	}

	ready := torrentInfoReady(tr.t)
	if ready && !tr.infoSeen {
		e.reportMetadataLocked(tr)
	}

	stats := tr.t.Stats()
	down, up := e.sampleSpeed(tr.id, stats, now)
	progress := domain.Progress{
		DownloadRate: down,
		UploadRate:   up,
		Peers:        stats.ActivePeers,
	}

	if ready {
		length := tr.t.Length()
		completed := tr.t.BytesCompleted()
		// After a restart the client re-verifies pieces from disk and
		// BytesCompleted can dip below what was already reported.
		tr.peakCompleted = max(tr.peakCompleted, completed)
		progress.BytesCompleted = tr.peakCompleted
		progress.BytesTotal = length

		_, bitfield := pieceBitfield(tr.t)
		before := countBits(tr.peakBitfield)
		tr.peakBitfield = mergeBitfield(tr.peakBitfield, bitfield)
		if countBits(tr.peakBitfield) > before {
			tr.resumeDirty = true
		}

		if tr.sequential && tr.state.Active() {
			e.advanceWindow(tr)
		}
		e.expireDeadlines(tr, now)
	}

	if progress != tr.lastProgress {
		tr.lastProgress = progress
		e.emitLocked(domain.ProgressEvent{ID: tr.id, Progress: progress})
	}

	if ready && !tr.completedSent && isComplete(tr.t, tr.selection) && domain.CanTransition(tr.state, domain.StateCompleted) {
		tr.completedSent = true
		tr.state = domain.StateCompleted
		e.emitLocked(domain.CompletedEvent{ID: tr.id})
		e.emitResumeLocked(tr)
		return
	}

	e.throttleLocked(tr, down, up)

	if tr.resumeDirty && now.Sub(tr.lastResumeAt) >= resumeInterval {
		e.emitResumeLocked(tr)
	}
}

func (e *Engine) reportMetadataLocked(tr *transfer) {
	tr.infoSeen = true
	info := tr.t.Info()
	if info.Name != "" {
		tr.name = info.Name
	}
	e.emitLocked(domain.MetadataUpdatedEvent{
		ID:         tr.id,
		Name:       tr.name,
		InfoHash:   tr.infoHash.HexString(),
		TotalBytes: tr.t.Length(),
		NumPieces:  tr.t.NumPieces(),
	})
	e.applyPriorities(tr)
	e.emitLocked(domain.FilesDiscoveredEvent{ID: tr.id, Files: mapFiles(tr.t, tr.selection)})
	if tr.state == domain.StateFetchingMetadata {
		e.setStateLocked(tr, domain.TransferState{State: domain.StateDownloading})
	}
	tr.resumeDirty = true
	tr.lastResumeAt = time.Time{}
}

// isComplete reports whether every piece the selection wants is on disk.
func isComplete(t *torrent.Torrent, sel domain.FileSelection) bool {
	if t.Length() <= 0 {
		return false
	}
	wantsAny := false
	for i, want := range wantedPieces(t, sel) {
		if !want {
			continue
		}
		wantsAny = true
		if !t.PieceState(i).Complete {
			return false
		}
	}
	return wantsAny
}

// throttleLocked enforces per-transfer caps by pausing transfer in the
// direction that overran the cap until the next poll.
func (e *Engine) throttleLocked(tr *transfer, down, up int64) {
	if tr.state == domain.StateStopped {
		return
	}
	over := overLimit(tr.limits, down, up)
	switch {
	case over && !tr.throttled:
		tr.throttled = true
		tr.t.DisallowDataDownload()
		tr.t.DisallowDataUpload()
	case !over && tr.throttled:
		e.unthrottleLocked(tr)
	}
}

func (e *Engine) unthrottleLocked(tr *transfer) {
	tr.throttled = false
	tr.t.AllowDataUpload()
	if tr.state.Active() {
		tr.t.AllowDataDownload()
	}
}

func overLimit(l domain.Limits, down, up int64) bool {
	return (l.DownloadBPS > 0 && down > l.DownloadBPS) || (l.UploadBPS > 0 && up > l.UploadBPS)
}

type speedSample struct {
	at           time.Time
	bytesRead    int64
	bytesWritten int64
}

func (e *Engine) sampleSpeed(id domain.TorrentID, stats torrent.TorrentStats, now time.Time) (int64, int64) {
	currentRead := stats.BytesReadUsefulData.Int64()
	currentWritten := stats.BytesWrittenData.Int64()

	e.speedMu.Lock()
	defer e.speedMu.Unlock()

	prev, ok := e.speeds[id]
	e.speeds[id] = speedSample{
		at:           now,
		bytesRead:    currentRead,
		bytesWritten: currentWritten,
	}

	if !ok || prev.at.IsZero() {
		return 0, 0
	}

	dt := now.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0, 0
	}

	deltaRead := max(currentRead-prev.bytesRead, 0)
	deltaWritten := max(currentWritten-prev.bytesWritten, 0)

	download := int64(float64(deltaRead) / dt)
	upload := int64(float64(deltaWritten) / dt)
	return download, upload
}

func (e *Engine) forgetSpeed(id domain.TorrentID) {
	e.speedMu.Lock()
	delete(e.speeds, id)
	e.speedMu.Unlock()
}
