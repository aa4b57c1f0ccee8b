package inmem

import (
	"fmt"
	"slices"
	"time"

	"torrentcore/internal/domain"
)

// Snapshot is a copy of what the session holds for one transfer.
type Snapshot struct {
	State       domain.TransferState
	Sequential  bool
	Selection   domain.FileSelection
	DownloadDir string
	Files       []domain.FileInfo
	Progress    domain.Progress
	Limits      domain.Limits
	Options     domain.TorrentOptions
	Trackers    []string
	WebSeeds    []string
	Deadlines   map[int]time.Duration
	Resume      []byte
	Announces   int
	Rechecks    int
}

func (s *Session) Snapshot(id domain.TorrentID) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.torrents[id]
	if !ok {
		return Snapshot{}, false
	}
	deadlines := make(map[int]time.Duration, len(t.deadlines))
	for k, v := range t.deadlines {
		deadlines[k] = v
	}
	return Snapshot{
		State:       t.state,
		Sequential:  t.sequential,
		Selection:   t.selection.Clone(),
		DownloadDir: t.downloadDir,
		Files:       slices.Clone(t.files),
		Progress:    t.progress,
		Limits:      t.limits,
		Options:     t.options,
		Trackers:    slices.Clone(t.trackers),
		WebSeeds:    slices.Clone(t.webSeeds),
		Deadlines:   deadlines,
		Resume:      slices.Clone(t.resume),
		Announces:   t.announces,
		Rechecks:    t.rechecks,
	}, true
}

// IDs lists the transfers the session currently holds.
func (s *Session) IDs() []domain.TorrentID {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.TorrentID, 0, len(s.torrents))
	for id := range s.torrents {
		out = append(out, id)
	}
	slices.SortFunc(out, func(a, b domain.TorrentID) int {
		return compareIDs(a, b)
	})
	return out
}

// AppliedConfigs counts successful ApplyConfig calls.
func (s *Session) AppliedConfigs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// StartFetching moves a queued transfer into metadata fetching.
func (s *Session) StartFetching(id domain.TorrentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.torrents[id]
	if !ok {
		return domain.NotFound(id)
	}
	return s.transition("fetch_metadata", id, t, domain.TransferState{State: domain.StateFetchingMetadata})
}

// DiscoverFiles plays the arrival of metadata. A running transfer moves to
// downloading; a stopped one stays stopped.
func (s *Session) DiscoverFiles(id domain.TorrentID, name string, files []domain.FileInfo, numPieces int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.torrents[id]
	if !ok {
		return domain.NotFound(id)
	}
	t.files = slices.Clone(files)
	t.numPieces = numPieces
	t.applySelection()

	var total int64
	for _, f := range files {
		total += f.Length
	}
	t.progress.BytesTotal = total

	s.emit(domain.MetadataUpdatedEvent{
		ID:         id,
		Name:       name,
		InfoHash:   domain.InfoHashFromMagnet(t.req.Source.Magnet),
		TotalBytes: total,
		NumPieces:  numPieces,
	})
	s.emit(domain.FilesDiscoveredEvent{ID: id, Files: slices.Clone(t.files)})

	switch t.state.State {
	case domain.StateQueued, domain.StateFetchingMetadata:
		return s.transition("discover_files", id, t, domain.TransferState{State: domain.StateDownloading})
	}
	return nil
}

// AdvanceProgress sets the completed byte count and queues a progress sample.
func (s *Session) AdvanceProgress(id domain.TorrentID, completed int64, peers int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.torrents[id]
	if !ok {
		return domain.NotFound(id)
	}
	if completed < t.progress.BytesCompleted {
		return fmt.Errorf("progress cannot go backwards: %d < %d", completed, t.progress.BytesCompleted)
	}
	t.progress.DownloadRate = completed - t.progress.BytesCompleted
	t.progress.BytesCompleted = completed
	t.progress.Peers = peers
	s.emit(domain.ProgressEvent{ID: id, Progress: t.progress})
	return nil
}

// Complete marks every byte done. The session records the completed state
// and queues only a CompletedEvent.
func (s *Session) Complete(id domain.TorrentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.torrents[id]
	if !ok {
		return domain.NotFound(id)
	}
	if !domain.CanTransition(t.state.State, domain.StateCompleted) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.state.State, domain.StateCompleted)
	}
	t.completed = true
	t.progress.BytesCompleted = t.progress.BytesTotal
	for i := range t.files {
		t.files[i].BytesCompleted = t.files[i].Length
	}
	t.state = domain.TransferState{State: domain.StateCompleted}
	s.emit(domain.CompletedEvent{ID: id})
	return nil
}

// EmitResumeData queues a resume blob as if the engine had saved one.
func (s *Session) EmitResumeData(id domain.TorrentID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.torrents[id]; !ok {
		return domain.NotFound(id)
	}
	s.emit(domain.ResumeDataEvent{ID: id, Data: slices.Clone(data)})
	return nil
}

// Fail puts the transfer into the failed state and queues an ErrorEvent.
func (s *Session) Fail(id domain.TorrentID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.torrents[id]
	if !ok {
		return domain.NotFound(id)
	}
	t.state = domain.Failed(message)
	s.emit(domain.ErrorEvent{ID: id, Message: message})
	return nil
}

// SetPeers replaces the peer list returned by Peers.
func (s *Session) SetPeers(id domain.TorrentID, peers []domain.PeerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.torrents[id]
	if !ok {
		return domain.NotFound(id)
	}
	t.peers = slices.Clone(peers)
	return nil
}

// Emit queues an arbitrary engine event.
func (s *Session) Emit(ev domain.EngineEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(ev)
}

func compareIDs(a, b domain.TorrentID) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
