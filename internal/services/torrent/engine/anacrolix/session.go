package anacrolix

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"

	"torrentcore/internal/domain"
)

// transfer is the adapter's record of one admitted torrent.
type transfer struct {
	id          domain.TorrentID
	t           *torrent.Torrent
	storage     storage.ClientImplCloser
	infoHash    metainfo.Hash
	name        string
	downloadDir string
	state       domain.LifecycleState
	admitSeq    uint64

	sequential bool
	selection  domain.FileSelection
	limits     domain.Limits
	maxConns   int
	throttled  bool
	trackers   []string
	webSeeds   []string
	window     []int
	deadlines  map[int]time.Time

	infoSeen      bool
	completedSent bool
	peakCompleted int64
	peakBitfield  []byte
	lastProgress  domain.Progress
	lastResumeAt  time.Time
	resumeDirty   bool

	failMu  sync.Mutex
	failure string
}

func (tr *transfer) recordFailure(err error) {
	tr.failMu.Lock()
	defer tr.failMu.Unlock()
	if tr.failure == "" {
		tr.failure = err.Error()
	}
}

func (tr *transfer) takeFailure() string {
	tr.failMu.Lock()
	defer tr.failMu.Unlock()
	msg := tr.failure
	tr.failure = ""
	return msg
}

func (tr *transfer) closeStorage(logger *slog.Logger) {
	if tr.storage == nil {
		return
	}
	if err := tr.storage.Close(); err != nil {
		logger.Debug("close transfer storage",
			slog.String("torrentId", tr.id.String()),
			slog.String("error", err.Error()),
		)
	}
	tr.storage = nil
}

func (e *Engine) AddTorrent(_ context.Context, req domain.AddTorrentRequest) error {
	const op = "add_torrent"
	if err := req.Validate(); err != nil {
		return domain.OperationFailed(op, &req.ID, err)
	}
	if e.client == nil {
		return domain.OperationFailed(op, &req.ID, errClientNotConfigured)
	}

	spec, err := torrentSpec(req.Source)
	if err != nil {
		return domain.OperationFailed(op, &req.ID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.transfers[req.ID]; exists {
		return domain.OperationFailed(op, &req.ID, errors.New("torrent already added"))
	}
	if other, exists := e.byHash[spec.InfoHash]; exists {
		return domain.OperationFailed(op, &req.ID, fmt.Errorf("info hash %s already held by %s", spec.InfoHash.HexString(), other))
	}

	dir := req.DownloadDir
	if dir == "" {
		dir = e.downloadRoot(e.options)
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return domain.OperationFailed(op, &req.ID, err)
		}
	}

	spec.Trackers = trackerTiers(spec.Trackers, req.Trackers, e.options.Tracker)
	spec.Webseeds = mergeURLs(spec.Webseeds, req.WebSeeds, false)
	if spec.DisplayName == "" {
		spec.DisplayName = req.Name
	}

	tr := &transfer{
		id:          req.ID,
		infoHash:    spec.InfoHash,
		name:        req.DisplayName(),
		downloadDir: dir,
		maxConns:    defaultMaxConns,
		trackers:    flattenTiers(spec.Trackers),
		webSeeds:    slices.Clone(spec.Webseeds),
		deadlines:   make(map[int]time.Time),
	}
	if req.Sequential != nil {
		tr.sequential = *req.Sequential
	}
	if req.Selection != nil {
		tr.selection = req.Selection.Clone()
	}

	if err := e.attachLocked(tr, spec); err != nil {
		return domain.OperationFailed(op, &req.ID, err)
	}

	switch {
	case req.SeedMode:
		tr.state = domain.StateSeeding
		tr.completedSent = true
		tr.t.AllowDataUpload()
	case req.Paused:
		tr.state = domain.StateStopped
		hardPause(tr.t)
	default:
		tr.state = domain.StateQueued
		e.admitted++
		tr.admitSeq = e.admitted
	}
	e.emitLocked(domain.StateChangedEvent{ID: tr.id, State: domain.TransferState{State: tr.state}})
	e.admitLocked()
	return nil
}

// attachLocked adds spec to the client with per-transfer file storage.
// Downloads stay disallowed until admission lets the transfer run.
func (e *Engine) attachLocked(tr *transfer, spec *torrent.TorrentSpec) error {
	store := storage.NewFile(tr.downloadDir)
	spec.Storage = store
	spec.DisallowDataDownload = true

	t, _, err := e.client.AddTorrentSpec(spec)
	if err != nil {
		_ = store.Close()
		return err
	}
	t.SetOnWriteChunkError(tr.recordFailure)
	tr.t = t
	tr.storage = store
	e.transfers[tr.id] = tr
	e.byHash[tr.infoHash] = tr.id
	return nil
}

func torrentSpec(src domain.TorrentSource) (*torrent.TorrentSpec, error) {
	if src.Magnet != "" {
		return torrent.TorrentSpecFromMagnetUri(src.Magnet)
	}
	mi, err := metainfo.Load(bytes.NewReader(src.Metainfo))
	if err != nil {
		return nil, fmt.Errorf("parse metainfo: %w", err)
	}
	return torrent.TorrentSpecFromMetaInfoErr(mi)
}

// trackerTiers folds request trackers and configured defaults into the
// announce list. ReplaceTrackers keeps only the defaults.
func trackerTiers(tiers [][]string, extra []string, cfg domain.NativeTrackerOptions) [][]string {
	if cfg.ReplaceTrackers && len(cfg.DefaultTrackers) > 0 {
		return [][]string{slices.Clone(cfg.DefaultTrackers)}
	}
	out := slices.Clone(tiers)
	seen := make(map[string]struct{})
	for _, tier := range out {
		for _, tr := range tier {
			seen[tr] = struct{}{}
		}
	}
	for _, group := range [][]string{extra, cfg.DefaultTrackers} {
		var tier []string
		for _, tr := range group {
			if _, ok := seen[tr]; ok || tr == "" {
				continue
			}
			seen[tr] = struct{}{}
			tier = append(tier, tr)
		}
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}
	return out
}

func flattenTiers(tiers [][]string) []string {
	var out []string
	for _, tier := range tiers {
		out = append(out, tier...)
	}
	return out
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

func (e *Engine) RemoveTorrent(_ context.Context, id domain.TorrentID, withData bool) error {
	e.mu.Lock()
	tr, err := e.lookupLocked(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	name := ""
	if torrentInfoReady(tr.t) {
		name = tr.t.Info().Name
	}
	e.detachLocked(tr)
	e.pending = slices.DeleteFunc(e.pending, func(ev domain.EngineEvent) bool {
		return ev.TorrentID() == id
	})
	e.admitLocked()
	e.mu.Unlock()

	e.forgetSpeed(id)
	freeOSMemory()

	if withData && name != "" {
		if err := os.RemoveAll(filepath.Join(tr.downloadDir, name)); err != nil {
			return domain.OperationFailed("remove_torrent", &id, err)
		}
	}
	return nil
}

func (e *Engine) detachLocked(tr *transfer) {
	delete(e.transfers, tr.id)
	delete(e.byHash, tr.infoHash)
	if tr.t != nil {
		tr.t.Drop()
	}
	tr.closeStorage(e.logger)
}

// hardPause stops all network activity for a torrent.
func hardPause(t *torrent.Torrent) {
	if t == nil {
		return
	}
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	t.SetMaxEstablishedConns(0)
}

func (e *Engine) PauseTorrent(_ context.Context, id domain.TorrentID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	if tr.state == domain.StateStopped {
		return nil
	}
	hardPause(tr.t)
	tr.throttled = false
	e.setStateLocked(tr, domain.TransferState{State: domain.StateStopped})
	e.emitResumeLocked(tr)
	e.admitLocked()
	return nil
}

func (e *Engine) ResumeTorrent(_ context.Context, id domain.TorrentID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	if tr.state != domain.StateStopped && tr.state != domain.StateFailed {
		return nil
	}
	tr.t.SetMaxEstablishedConns(tr.maxConns)
	tr.t.AllowDataUpload()
	if tr.completedSent && tr.state == domain.StateStopped {
		e.setStateLocked(tr, domain.TransferState{State: domain.StateSeeding})
		return nil
	}
	e.setStateLocked(tr, domain.TransferState{State: domain.StateQueued})
	e.admitLocked()
	return nil
}

func (e *Engine) SetSequential(_ context.Context, id domain.TorrentID, sequential bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	tr.sequential = sequential
	e.applyPriorities(tr)
	return nil
}

func (e *Engine) UpdateSelection(_ context.Context, id domain.TorrentID, sel domain.FileSelection) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	tr.selection = sel.Clone()
	e.applyPriorities(tr)
	return nil
}

func (e *Engine) UpdateOptions(_ context.Context, id domain.TorrentID, opts domain.TorrentOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	if opts.MaxConnections == nil {
		return nil
	}
	if *opts.MaxConnections < 0 {
		return domain.OperationFailed("update_options", &id, errors.New("max connections must not be negative"))
	}
	tr.maxConns = *opts.MaxConnections
	if tr.maxConns == 0 {
		tr.maxConns = defaultMaxConns
	}
	if tr.state != domain.StateStopped {
		tr.t.SetMaxEstablishedConns(tr.maxConns)
	}
	return nil
}

func (e *Engine) UpdateTrackers(_ context.Context, id domain.TorrentID, update domain.TrackerUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	tr.trackers = mergeURLs(tr.trackers, update.Trackers, update.Replace)
	if update.Replace {
		tr.t.ModifyTrackers([][]string{slices.Clone(tr.trackers)})
	} else if len(update.Trackers) > 0 {
		tr.t.AddTrackers([][]string{slices.Clone(update.Trackers)})
	}
	tr.resumeDirty = true
	return nil
}

// UpdateWebSeeds adds seeds to the live torrent. The client cannot drop a
// web seed, so Replace only rewrites the list carried in resume data.
func (e *Engine) UpdateWebSeeds(_ context.Context, id domain.TorrentID, update domain.WebSeedUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	var added []string
	for _, u := range update.URLs {
		if u != "" && !slices.Contains(tr.webSeeds, u) {
			added = append(added, u)
		}
	}
	tr.webSeeds = mergeURLs(tr.webSeeds, update.URLs, update.Replace)
	if len(added) > 0 {
		tr.t.AddWebSeeds(added)
	}
	tr.resumeDirty = true
	return nil
}

func (e *Engine) SetPieceDeadline(_ context.Context, id domain.TorrentID, deadline domain.PieceDeadline) error {
	const op = "set_piece_deadline"
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	if !torrentInfoReady(tr.t) {
		return domain.OperationFailed(op, &id, errors.New("metadata not available yet"))
	}
	if deadline.Piece < 0 || deadline.Piece >= tr.t.NumPieces() {
		return domain.OperationFailed(op, &id, fmt.Errorf("piece %d out of range", deadline.Piece))
	}
	tr.deadlines[deadline.Piece] = e.now().Add(deadline.Deadline)
	tr.t.Piece(deadline.Piece).SetPriority(deadlinePriority(deadline.Deadline))
	return nil
}

// Reannounce starts a DHT announce on every DHT server. Tracker announces
// follow the client's own schedule.
func (e *Engine) Reannounce(_ context.Context, id domain.TorrentID) error {
	e.mu.Lock()
	tr, err := e.lookupLocked(id)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	servers := e.client.DhtServers()
	if len(servers) == 0 && len(tr.trackers) == 0 {
		return domain.OperationFailed("reannounce", &id, errors.New("no dht servers or trackers"))
	}
	for _, s := range servers {
		done, stop, err := tr.t.AnnounceToDht(s)
		if err != nil {
			e.logger.Warn("dht announce failed",
				slog.String("torrentId", id.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		go func() {
			defer stop()
			select {
			case <-done:
			case <-time.After(2 * time.Minute):
			}
		}()
	}
	return nil
}

// MoveTorrent drops the torrent, renames its payload and re-adds it at the
// new location with the same info.
func (e *Engine) MoveTorrent(_ context.Context, id domain.TorrentID, downloadDir string) error {
	const op = "move_torrent"
	if downloadDir == "" {
		return domain.OperationFailed(op, &id, errors.New("empty download dir"))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tr, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	if filepath.Clean(downloadDir) == filepath.Clean(tr.downloadDir) {
		return nil
	}
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return domain.OperationFailed(op, &id, err)
	}

	spec, name := reattachSpec(tr)

	oldDir := tr.downloadDir
	e.detachLocked(tr)

	if name != "" {
		src := filepath.Join(oldDir, name)
		if _, statErr := os.Stat(src); statErr == nil {
			if err := os.Rename(src, filepath.Join(downloadDir, name)); err != nil {
				if reErr := e.reattachLocked(tr, spec); reErr != nil {
					return domain.OperationFailed(op, &id, errors.Join(err, reErr))
				}
				return domain.OperationFailed(op, &id, err)
			}
		}
	}

	tr.downloadDir = downloadDir
	if err := e.reattachLocked(tr, spec); err != nil {
		e.setStateLocked(tr, domain.Failed(err.Error()))
		return domain.OperationFailed(op, &id, err)
	}
	return nil
}

// reattachSpec describes tr for re-adding after a move. name is the payload
// root, empty until the info dictionary is known.
func reattachSpec(tr *transfer) (*torrent.TorrentSpec, string) {
	spec := &torrent.TorrentSpec{
		DisplayName: tr.name,
		Trackers:    [][]string{slices.Clone(tr.trackers)},
		Webseeds:    slices.Clone(tr.webSeeds),
	}
	spec.InfoHash = tr.infoHash
	if !torrentInfoReady(tr.t) {
		return spec, ""
	}
	spec.InfoBytes = tr.t.Metainfo().InfoBytes
	return spec, tr.t.Info().Name
}

// reattachLocked re-adds a detached transfer and restores its run state.
func (e *Engine) reattachLocked(tr *transfer, spec *torrent.TorrentSpec) error {
	if err := e.attachLocked(tr, spec); err != nil {
		e.transfers[tr.id] = tr
		return err
	}
	switch {
	case tr.state == domain.StateStopped:
		hardPause(tr.t)
	case tr.state.Active():
		tr.t.AllowDataDownload()
	}
	tr.infoSeen = false
	tr.window = nil
	return nil
}

func (e *Engine) Recheck(_ context.Context, id domain.TorrentID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tr, err := e.lookupLocked(id)
	if err != nil {
		return err
	}
	if !torrentInfoReady(tr.t) {
		return domain.OperationFailed("recheck", &id, errors.New("metadata not available yet"))
	}
	tr.peakBitfield = nil
	tr.peakCompleted = 0
	tr.completedSent = false
	go tr.t.VerifyData()

	if tr.state != domain.StateStopped {
		e.setStateLocked(tr, domain.TransferState{State: domain.StateQueued})
		tr.t.DisallowDataDownload()
		e.admitLocked()
	}
	return nil
}

func (e *Engine) Peers(_ context.Context, id domain.TorrentID) ([]domain.PeerInfo, error) {
	e.mu.Lock()
	tr, err := e.lookupLocked(id)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	numPieces := 0
	if torrentInfoReady(tr.t) {
		numPieces = tr.t.NumPieces()
	}
	conns := tr.t.PeerConns()
	peers := make([]domain.PeerInfo, 0, len(conns))
	for _, pc := range conns {
		info := domain.PeerInfo{Network: pc.Network}
		if pc.RemoteAddr != nil {
			info.Addr = pc.RemoteAddr.String()
		}
		if name, ok := pc.PeerClientName.Load().(string); ok {
			info.Client = name
		}
		if numPieces > 0 {
			if have := pc.PeerPieces(); have != nil {
				info.Progress = float64(have.GetCardinality()) / float64(numPieces)
			}
		}
		peers = append(peers, info)
	}
	slices.SortFunc(peers, func(a, b domain.PeerInfo) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		}
		return 0
	})
	return peers, nil
}

// admitLocked enforces MaxActive: queued transfers start in queue order
// while there is room, and the most recently queued active transfers go back
// to the queue when the limit shrinks.
func (e *Engine) admitLocked() {
	var active, queued []*transfer
	for _, tr := range e.transfers {
		switch {
		case tr.state.Active():
			active = append(active, tr)
		case tr.state == domain.StateQueued:
			queued = append(queued, tr)
		}
	}
	bySeq := func(a, b *transfer) int { return cmp.Compare(a.admitSeq, b.admitSeq) }
	slices.SortFunc(queued, bySeq)
	slices.SortFunc(active, bySeq)

	promote, demote := admissionPlan(len(active), len(queued), e.options.MaxActive)
	for _, tr := range queued[:promote] {
		next := domain.StateFetchingMetadata
		if torrentInfoReady(tr.t) {
			next = domain.StateDownloading
		}
		tr.t.AllowDataDownload()
		e.setStateLocked(tr, domain.TransferState{State: next})
	}
	for _, tr := range active[len(active)-demote:] {
		tr.t.DisallowDataDownload()
		e.setStateLocked(tr, domain.TransferState{State: domain.StateQueued})
	}
}

// admissionPlan returns how many queued transfers to start and how many
// active ones to queue again under limit. A non-positive limit is unlimited.
func admissionPlan(active, queued int, limit int64) (promote, demote int) {
	if limit <= 0 {
		return queued, 0
	}
	room := int(limit) - active
	if room < 0 {
		return 0, -room
	}
	return min(room, queued), 0
}
