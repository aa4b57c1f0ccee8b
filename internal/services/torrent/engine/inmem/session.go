// Package inmem is a deterministic, in-memory Session. It models the same
// lifecycle as the native engine without touching the network or disk and
// exposes drivers that let tests play the engine's part.
package inmem

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"torrentcore/internal/domain"
)

// Operation names accepted by FailNext.
const (
	OpAddTorrent       = "add_torrent"
	OpCreateTorrent    = "create_torrent"
	OpRemoveTorrent    = "remove_torrent"
	OpPauseTorrent     = "pause_torrent"
	OpResumeTorrent    = "resume_torrent"
	OpSetSequential    = "set_sequential"
	OpLoadFastresume   = "load_fastresume"
	OpUpdateLimits     = "update_limits"
	OpUpdateSelection  = "update_selection"
	OpUpdateOptions    = "update_options"
	OpUpdateTrackers   = "update_trackers"
	OpUpdateWebSeeds   = "update_web_seeds"
	OpSetPieceDeadline = "set_piece_deadline"
	OpReannounce       = "reannounce"
	OpMoveTorrent      = "move_torrent"
	OpRecheck          = "recheck"
	OpPeers            = "peers"
	OpApplyConfig      = "apply_config"
	OpPollEvents       = "poll_events"
)

type transfer struct {
	req         domain.AddTorrentRequest
	state       domain.TransferState
	sequential  bool
	selection   domain.FileSelection
	downloadDir string
	files       []domain.FileInfo
	numPieces   int
	progress    domain.Progress
	completed   bool
	limits      domain.Limits
	options     domain.TorrentOptions
	trackers    []string
	webSeeds    []string
	deadlines   map[int]time.Duration
	resume      []byte
	peers       []domain.PeerInfo
	announces   int
	rechecks    int
}

// Session implements ports.Session in memory. It is safe for concurrent use
// so tests can drive it while a worker polls it.
type Session struct {
	mu       sync.Mutex
	torrents map[domain.TorrentID]*transfer
	pending  []domain.EngineEvent
	options  domain.NativeOptions
	applied  int
	global   domain.Limits
	failNext map[string]error
}

func New() *Session {
	return &Session{
		torrents: make(map[domain.TorrentID]*transfer),
		failNext: make(map[string]error),
	}
}

// FailNext makes the next call of op fail with an OperationError wrapping err.
func (s *Session) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = err
}

func (s *Session) AddTorrent(_ context.Context, req domain.AddTorrentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpAddTorrent, &req.ID); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return domain.OperationFailed(OpAddTorrent, &req.ID, err)
	}
	if _, exists := s.torrents[req.ID]; exists {
		return domain.OperationFailed(OpAddTorrent, &req.ID, errors.New("torrent already added"))
	}

	t := &transfer{
		req:         req,
		downloadDir: req.DownloadDir,
		trackers:    slices.Clone(req.Trackers),
		webSeeds:    slices.Clone(req.WebSeeds),
		deadlines:   make(map[int]time.Duration),
	}
	if t.downloadDir == "" && s.options.HasDownloadRoot {
		t.downloadDir = s.options.DownloadRoot
	}
	if req.Sequential != nil {
		t.sequential = *req.Sequential
	}
	if req.Selection != nil {
		t.selection = req.Selection.Clone()
	}

	switch {
	case req.SeedMode:
		t.state = domain.TransferState{State: domain.StateSeeding}
		t.completed = true
	case req.Paused:
		t.state = domain.TransferState{State: domain.StateStopped}
	default:
		t.state = domain.TransferState{State: domain.StateQueued}
	}
	s.torrents[req.ID] = t
	s.emit(domain.StateChangedEvent{ID: req.ID, State: t.state})
	return nil
}

func (s *Session) CreateTorrent(_ context.Context, req domain.CreateTorrentRequest) (domain.CreateTorrentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpCreateTorrent, nil); err != nil {
		return domain.CreateTorrentResult{}, err
	}
	if _, err := os.Stat(req.SourcePath); err != nil {
		return domain.CreateTorrentResult{}, domain.OperationFailed(OpCreateTorrent, nil, err)
	}

	name := filepath.Base(req.SourcePath)
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%v", req.SourcePath, req.PieceLength, req.Private)))
	hash := hex.EncodeToString(sum[:])
	metainfo := fmt.Sprintf("d4:infod4:name%d:%s12:piece lengthi%dee", len(name), name, req.PieceLength)

	magnet := "magnet:?xt=urn:btih:" + hash + "&dn=" + url.QueryEscape(name)
	for _, tr := range req.Trackers {
		magnet += "&tr=" + url.QueryEscape(tr)
	}
	return domain.CreateTorrentResult{
		Metainfo: []byte(metainfo),
		InfoHash: hash,
		Magnet:   magnet,
	}, nil
}

func (s *Session) RemoveTorrent(_ context.Context, id domain.TorrentID, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(OpRemoveTorrent, id); err != nil {
		return err
	}
	delete(s.torrents, id)
	s.pending = slices.DeleteFunc(s.pending, func(ev domain.EngineEvent) bool {
		return ev.TorrentID() == id
	})
	return nil
}

func (s *Session) PauseTorrent(_ context.Context, id domain.TorrentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(OpPauseTorrent, id)
	if err != nil {
		return err
	}
	if t.state.State == domain.StateStopped {
		return nil
	}
	return s.transition(OpPauseTorrent, id, t, domain.TransferState{State: domain.StateStopped})
}

func (s *Session) ResumeTorrent(_ context.Context, id domain.TorrentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(OpResumeTorrent, id)
	if err != nil {
		return err
	}
	if t.state.State != domain.StateStopped && t.state.State != domain.StateFailed {
		return nil
	}
	return s.transition(OpResumeTorrent, id, t, domain.TransferState{State: s.runningState(t)})
}

func (s *Session) SetSequential(_ context.Context, id domain.TorrentID, sequential bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(OpSetSequential, id)
	if err != nil {
		return err
	}
	t.sequential = sequential
	return nil
}

func (s *Session) LoadFastresume(_ context.Context, id domain.TorrentID, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(OpLoadFastresume, id)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return domain.OperationFailed(OpLoadFastresume, &id, errors.New("empty resume data"))
	}
	t.resume = slices.Clone(data)
	return nil
}

func (s *Session) UpdateLimits(_ context.Context, id *domain.TorrentID, limits domain.Limits) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpUpdateLimits, id); err != nil {
		return err
	}
	if err := limits.Validate(); err != nil {
		return domain.OperationFailed(OpUpdateLimits, id, err)
	}
	if id == nil {
		s.global = limits
		return nil
	}
	t, ok := s.torrents[*id]
	if !ok {
		return domain.NotFound(*id)
	}
	t.limits = limits
	return nil
}

func (s *Session) UpdateSelection(_ context.Context, id domain.TorrentID, sel domain.FileSelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(OpUpdateSelection, id)
	if err != nil {
		return err
	}
	t.selection = sel.Clone()
	t.applySelection()
	return nil
}

func (s *Session) UpdateOptions(_ context.Context, id domain.TorrentID, opts domain.TorrentOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(OpUpdateOptions, id)
	if err != nil {
		return err
	}
	if opts.MaxConnections != nil && *opts.MaxConnections < 0 {
		return domain.OperationFailed(OpUpdateOptions, &id, errors.New("max connections must not be negative"))
	}
	if opts.MaxConnections != nil {
		v := *opts.MaxConnections
		t.options.MaxConnections = &v
	}
	return nil
}

func (s *Session) UpdateTrackers(_ context.Context, id domain.TorrentID, update domain.TrackerUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(OpUpdateTrackers, id)
	if err != nil {
		return err
	}
	t.trackers = mergeURLs(t.trackers, update.Trackers, update.Replace)
	return nil
}

func (s *Session) UpdateWebSeeds(_ context.Context, id domain.TorrentID, update domain.WebSeedUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(OpUpdateWebSeeds, id)
	if err != nil {
		return err
	}
	t.webSeeds = mergeURLs(t.webSeeds, update.URLs, update.Replace)
	return nil
}

func (s *Session) SetPieceDeadline(_ context.Context, id domain.TorrentID, deadline domain.PieceDeadline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(OpSetPieceDeadline, id)
	if err != nil {
		return err
	}
	if deadline.Piece < 0 || (t.numPieces > 0 && deadline.Piece >= t.numPieces) {
		return domain.OperationFailed(OpSetPieceDeadline, &id, fmt.Errorf("piece %d out of range", deadline.Piece))
	}
	t.deadlines[deadline.Piece] = deadline.Deadline
	return nil
}

func (s *Session) Reannounce(_ context.Context, id domain.TorrentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(OpReannounce, id)
	if err != nil {
		return err
	}
	t.announces++
	return nil
}

func (s *Session) MoveTorrent(_ context.Context, id domain.TorrentID, downloadDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(OpMoveTorrent, id)
	if err != nil {
		return err
	}
	if downloadDir == "" {
		return domain.OperationFailed(OpMoveTorrent, &id, errors.New("empty download dir"))
	}
	t.downloadDir = downloadDir
	return nil
}

func (s *Session) Recheck(_ context.Context, id domain.TorrentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(OpRecheck, id)
	if err != nil {
		return err
	}
	t.rechecks++
	if t.state.State == domain.StateQueued {
		return nil
	}
	return s.transition(OpRecheck, id, t, domain.TransferState{State: domain.StateQueued})
}

func (s *Session) Peers(_ context.Context, id domain.TorrentID) ([]domain.PeerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.lookup(OpPeers, id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(t.peers), nil
}

func (s *Session) ApplyConfig(_ context.Context, opts domain.NativeOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpApplyConfig, nil); err != nil {
		return err
	}
	s.options = opts
	s.applied++
	return nil
}

// PollEvents drains the events queued since the last poll.
func (s *Session) PollEvents(_ context.Context) ([]domain.EngineEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.injected(OpPollEvents, nil); err != nil {
		return nil, err
	}
	out := s.pending
	s.pending = nil
	return out, nil
}

func (s *Session) InspectSettings(_ context.Context) (domain.EngineSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := 0
	for _, t := range s.torrents {
		if t.state.State.Active() {
			active++
		}
	}
	return domain.EngineSettings{
		Options:      s.options,
		ActiveCount:  active,
		TorrentCount: len(s.torrents),
		GlobalLimits: s.global,
	}, nil
}

func (s *Session) lookup(op string, id domain.TorrentID) (*transfer, error) {
	if err := s.injected(op, &id); err != nil {
		return nil, err
	}
	t, ok := s.torrents[id]
	if !ok {
		return nil, domain.NotFound(id)
	}
	return t, nil
}

func (s *Session) injected(op string, id *domain.TorrentID) error {
	err, ok := s.failNext[op]
	if !ok {
		return nil
	}
	delete(s.failNext, op)
	return domain.OperationFailed(op, id, err)
}

func (s *Session) transition(op string, id domain.TorrentID, t *transfer, next domain.TransferState) error {
	if !domain.CanTransition(t.state.State, next.State) {
		return domain.OperationFailed(op, &id, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, t.state.State, next.State))
	}
	t.state = next
	s.emit(domain.StateChangedEvent{ID: id, State: next})
	return nil
}

func (s *Session) runningState(t *transfer) domain.LifecycleState {
	switch {
	case t.completed:
		return domain.StateSeeding
	case len(t.files) > 0:
		return domain.StateDownloading
	default:
		return domain.StateQueued
	}
}

func (s *Session) emit(ev domain.EngineEvent) {
	s.pending = append(s.pending, ev)
}

func (t *transfer) applySelection() {
	for i := range t.files {
		t.files[i].Priority = t.selection.Priority(t.files[i].Index, t.files[i].Path)
	}
}

func mergeURLs(current, update []string, replace bool) []string {
	var out []string
	if !replace {
		out = slices.Clone(current)
	}
	for _, u := range update {
		if u != "" && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}
