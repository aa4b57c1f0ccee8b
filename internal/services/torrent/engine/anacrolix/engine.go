package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"golang.org/x/time/rate"

	"torrentcore/internal/domain"
	"torrentcore/internal/domain/ports"
)

var _ ports.Session = (*Engine)(nil)

// defaultMaxConns is restored when a hard-paused transfer resumes.
const defaultMaxConns = 35

const (
	// resumeInterval bounds how often a changing transfer re-emits resume data.
	resumeInterval = 30 * time.Second
	// sequentialWindow is the number of pieces kept at next priority ahead of
	// the first missing piece in sequential mode.
	sequentialWindow = 16
	// minLimiterBurst keeps the burst above the client's chunk size so
	// WaitN never fails.
	minLimiterBurst = 1 << 16
)

var errClientNotConfigured = errors.New("torrent client not configured")

type Config struct {
	DataDir string
	Options domain.NativeOptions
	Logger  *slog.Logger
}

// Engine is the native Session backed by an anacrolix client.
type Engine struct {
	client  *torrent.Client
	logger  *slog.Logger
	dataDir string
	now     func() time.Time

	downLimiter *rate.Limiter
	upLimiter   *rate.Limiter

	mu            sync.Mutex
	transfers     map[domain.TorrentID]*transfer
	byHash        map[metainfo.Hash]domain.TorrentID
	options       domain.NativeOptions
	running       domain.NativeOptions
	restartNeeded []string
	global        domain.Limits
	pending       []domain.EngineEvent
	admitted      uint64

	speedMu sync.Mutex
	speeds  map[domain.TorrentID]speedSample
}

func New(cfg Config) (*Engine, error) {
	e := newEngine(nil, cfg)
	client, err := torrent.NewClient(e.clientConfig(cfg.Options))
	if err != nil {
		return nil, err
	}
	e.client = client
	if cfg.Options.Proxy.ProxyPeers {
		e.logger.Warn("peer connections are not proxied; proxy applies to tracker requests only")
	}
	return e, nil
}

func newEngine(client *torrent.Client, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:      client,
		logger:      logger,
		dataDir:     cfg.DataDir,
		now:         time.Now,
		downLimiter: newLimiter(cfg.Options.DownloadRateLimit),
		upLimiter:   newLimiter(cfg.Options.UploadRateLimit),
		transfers:   make(map[domain.TorrentID]*transfer),
		byHash:      make(map[metainfo.Hash]domain.TorrentID),
		options:     cfg.Options,
		running:     cfg.Options,
		speeds:      make(map[domain.TorrentID]speedSample),
	}
}

func (e *Engine) clientConfig(opts domain.NativeOptions) *torrent.ClientConfig {
	cfg := torrent.NewDefaultClientConfig()
	cfg.Seed = true
	if dir := e.downloadRoot(opts); dir != "" {
		cfg.DataDir = dir
	}
	if opts.HasListenPort {
		cfg.ListenPort = opts.ListenPort
	}
	cfg.NoDHT = !opts.DHT
	cfg.DisablePEX = !opts.PEX
	cfg.HeaderObfuscationPolicy = obfuscationPolicy(opts.Encryption)
	cfg.DownloadRateLimiter = e.downLimiter
	cfg.UploadRateLimiter = e.upLimiter

	if opts.Tracker.HasUserAgent {
		cfg.HTTPUserAgent = opts.Tracker.UserAgent
	}
	if opts.Tracker.HasAnnounceIP {
		if ip := net.ParseIP(opts.Tracker.AnnounceIP); ip != nil {
			if ip4 := ip.To4(); ip4 != nil {
				cfg.PublicIp4 = ip4
			} else {
				cfg.PublicIp6 = ip
			}
		}
	}
	if u := proxyURL(opts.Proxy); u != nil {
		cfg.HTTPProxy = http.ProxyURL(u)
	}
	return cfg
}

func obfuscationPolicy(policy domain.EncryptionPolicy) torrent.HeaderObfuscationPolicy {
	switch policy {
	case domain.EncryptionRequire:
		return torrent.HeaderObfuscationPolicy{Preferred: true, RequirePreferred: true}
	case domain.EncryptionDisable:
		return torrent.HeaderObfuscationPolicy{Preferred: false, RequirePreferred: true}
	default:
		return torrent.HeaderObfuscationPolicy{Preferred: true}
	}
}

// proxyURL returns nil unless both host and port are set.
func proxyURL(p domain.NativeProxyOptions) *url.URL {
	if !p.HasHost || !p.HasPort {
		return nil
	}
	scheme := "http"
	if p.HasType && p.Type != "" {
		scheme = p.Type
	}
	u := &url.URL{Scheme: scheme, Host: net.JoinHostPort(p.Host, strconv.Itoa(p.Port))}
	if p.HasUsername {
		if p.HasPassword {
			u.User = url.UserPassword(p.Username, p.Password)
		} else {
			u.User = url.User(p.Username)
		}
	}
	return u
}

func proxyKey(p domain.NativeProxyOptions) string {
	u := proxyURL(p)
	if u == nil {
		return ""
	}
	return u.String()
}

func newLimiter(bps int64) *rate.Limiter {
	l := rate.NewLimiter(rate.Inf, 0)
	setLimiter(l, bps)
	return l
}

// setLimiter retunes a shared limiter in place; the client holds the pointer.
func setLimiter(l *rate.Limiter, bps int64) {
	if bps <= 0 {
		l.SetLimit(rate.Inf)
		l.SetBurst(0)
		return
	}
	l.SetLimit(rate.Limit(bps))
	l.SetBurst(int(max(bps, minLimiterBurst)))
}

func (e *Engine) downloadRoot(opts domain.NativeOptions) string {
	if opts.HasDownloadRoot && opts.DownloadRoot != "" {
		return opts.DownloadRoot
	}
	return e.dataDir
}

// restartFields names options that only take effect on a new client.
func restartFields(running, next domain.NativeOptions) []string {
	var fields []string
	if running.HasListenPort != next.HasListenPort || running.ListenPort != next.ListenPort {
		fields = append(fields, "listen_port")
	}
	if running.DHT != next.DHT {
		fields = append(fields, "dht")
	}
	if running.PEX != next.PEX {
		fields = append(fields, "pex")
	}
	if running.Encryption != next.Encryption {
		fields = append(fields, "encryption")
	}
	if running.Tracker.HasUserAgent != next.Tracker.HasUserAgent || running.Tracker.UserAgent != next.Tracker.UserAgent {
		fields = append(fields, "tracker.user_agent")
	}
	if running.Tracker.HasAnnounceIP != next.Tracker.HasAnnounceIP || running.Tracker.AnnounceIP != next.Tracker.AnnounceIP {
		fields = append(fields, "tracker.announce_ip")
	}
	if proxyKey(running.Proxy) != proxyKey(next.Proxy) {
		fields = append(fields, "proxy")
	}
	return fields
}

// ApplyConfig retunes what a live client can change and records the rest as
// needing a restart.
func (e *Engine) ApplyConfig(_ context.Context, opts domain.NativeOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.global.DownloadBPS == 0 {
		setLimiter(e.downLimiter, opts.DownloadRateLimit)
	}
	if e.global.UploadBPS == 0 {
		setLimiter(e.upLimiter, opts.UploadRateLimit)
	}
	e.options = opts
	e.restartNeeded = restartFields(e.running, opts)
	if len(e.restartNeeded) > 0 {
		e.logger.Info("engine options need a restart to take effect",
			slog.Any("fields", e.restartNeeded),
		)
	}
	e.admitLocked()
	return nil
}

func (e *Engine) InspectSettings(_ context.Context) (domain.EngineSettings, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	settings := domain.EngineSettings{
		Options:       e.options,
		TorrentCount:  len(e.transfers),
		GlobalLimits:  e.global,
		RestartNeeded: slices.Clone(e.restartNeeded),
	}
	for _, tr := range e.transfers {
		if tr.state.Active() {
			settings.ActiveCount++
		}
	}
	if e.client != nil {
		if port := e.client.LocalPort(); port > 0 {
			settings.ListenAddr = fmt.Sprintf(":%d", port)
		}
	}
	return settings, nil
}

// UpdateLimits sets per-transfer caps, or the client-wide caps when id is nil.
// Zero lifts a cap.
func (e *Engine) UpdateLimits(_ context.Context, id *domain.TorrentID, limits domain.Limits) error {
	if err := limits.Validate(); err != nil {
		return domain.OperationFailed("update_limits", id, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if id == nil {
		e.global = limits
		setLimiter(e.downLimiter, firstPositive(limits.DownloadBPS, e.options.DownloadRateLimit))
		setLimiter(e.upLimiter, firstPositive(limits.UploadBPS, e.options.UploadRateLimit))
		return nil
	}
	tr, err := e.lookupLocked(*id)
	if err != nil {
		return err
	}
	prev := tr.limits
	tr.limits = limits
	if prev != limits {
		e.logger.Info("transfer rate limit changed",
			slog.String("torrentId", id.String()),
			slog.Int64("downloadBps", limits.DownloadBPS),
			slog.Int64("uploadBps", limits.UploadBPS),
		)
	}
	if tr.throttled && limits == (domain.Limits{}) {
		e.unthrottleLocked(tr)
	}
	return nil
}

func firstPositive(values ...int64) int64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func (e *Engine) Close() error {
	e.mu.Lock()
	for id, tr := range e.transfers {
		tr.closeStorage(e.logger)
		delete(e.transfers, id)
	}
	e.mu.Unlock()

	if e.client == nil {
		return nil
	}
	errList := e.client.Close()
	if len(errList) > 0 {
		return errors.Join(errList...)
	}
	return nil
}

func (e *Engine) lookupLocked(id domain.TorrentID) (*transfer, error) {
	tr, ok := e.transfers[id]
	if !ok {
		return nil, domain.NotFound(id)
	}
	return tr, nil
}

func (e *Engine) emitLocked(ev domain.EngineEvent) {
	e.pending = append(e.pending, ev)
}

// setStateLocked moves a transfer and queues the change. Transitions the
// lifecycle forbids are logged and ignored.
func (e *Engine) setStateLocked(tr *transfer, next domain.TransferState) {
	if tr.state == next.State && next.State != domain.StateFailed {
		return
	}
	if !domain.CanTransition(tr.state, next.State) {
		e.logger.Warn("ignoring invalid transition",
			slog.String("torrentId", tr.id.String()),
			slog.String("from", string(tr.state)),
			slog.String("to", string(next.State)),
		)
		return
	}
	tr.state = next.State
	if next.State == domain.StateQueued {
		e.admitted++
		tr.admitSeq = e.admitted
	}
	e.emitLocked(domain.StateChangedEvent{ID: tr.id, State: next})
}

// freeOSMemory returns freed memory to the OS after a transfer is dropped.
func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

func mapFiles(t *torrent.Torrent, sel domain.FileSelection) (mapped []domain.FileInfo) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.FileInfo, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.FileInfo{
			Index:          i,
			Path:           f.Path(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
			Priority:       sel.Priority(i, f.Path()),
		})
	}
	return mapped
}
