package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"torrentcore/internal/app"
	"torrentcore/internal/domain"
	"torrentcore/internal/events"
)

// EngineController is the command surface of the engine worker.
type EngineController interface {
	Add(ctx context.Context, req domain.AddTorrentRequest) (domain.TorrentID, error)
	Remove(ctx context.Context, id domain.TorrentID, withData bool) error
	Pause(ctx context.Context, id domain.TorrentID) error
	Resume(ctx context.Context, id domain.TorrentID) error
	Recheck(ctx context.Context, id domain.TorrentID) error
	Reannounce(ctx context.Context, id domain.TorrentID) error
	SetSequential(ctx context.Context, id domain.TorrentID, sequential bool) error
	UpdateSelection(ctx context.Context, id domain.TorrentID, sel domain.FileSelection) error
	UpdateLimits(ctx context.Context, id *domain.TorrentID, limits domain.Limits) error
	UpdateOptions(ctx context.Context, id domain.TorrentID, opts domain.TorrentOptions) error
	UpdateTrackers(ctx context.Context, id domain.TorrentID, update domain.TrackerUpdate) error
	UpdateWebSeeds(ctx context.Context, id domain.TorrentID, update domain.WebSeedUpdate) error
	SetPieceDeadline(ctx context.Context, id domain.TorrentID, deadline domain.PieceDeadline) error
	MoveStorage(ctx context.Context, id domain.TorrentID, dir string) error
	QueryPeers(ctx context.Context, id domain.TorrentID) ([]domain.PeerInfo, error)
	CreateTorrent(ctx context.Context, req domain.CreateTorrentRequest) (domain.CreateTorrentResult, error)
}

type SettingsController interface {
	Get() app.RuntimeConfig
	Update(ctx context.Context, cfg app.RuntimeConfig) error
}

// EventSource is the replayable event log streamed to clients.
type EventSource interface {
	Subscribe(since *uint64) *events.Subscription
	LastEventID() (uint64, bool)
}

type Server struct {
	engine         EngineController
	settings       SettingsController
	events         EventSource
	allowedOrigins []string
	rateLimit      float64
	rateBurst      int
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub

	healthMu sync.RWMutex
	degraded []events.HealthComponent
}

type ServerOption func(*Server)

func WithEngine(engine EngineController) ServerOption {
	return func(s *Server) {
		s.engine = engine
	}
}

func WithSettings(settings SettingsController) ServerOption {
	return func(s *Server) {
		s.settings = settings
	}
}

func WithEvents(source EventSource) ServerOption {
	return func(s *Server) {
		s.events = source
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithRateLimit sets the global request budget. Non-positive values keep
// the default.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.rateLimit = rps
		}
		if burst > 0 {
			s.rateBurst = burst
		}
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		rateLimit: 100,
		rateBurst: 200,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /torrents", s.handleAddTorrent)
	mux.HandleFunc("POST /torrents/create", s.handleCreateTorrent)
	mux.HandleFunc("DELETE /torrents/{id}", s.handleRemoveTorrent)
	mux.HandleFunc("POST /torrents/{id}/{action}", s.handleTorrentAction)
	mux.HandleFunc("PUT /torrents/{id}/sequential", s.handleSetSequential)
	mux.HandleFunc("PUT /torrents/{id}/selection", s.handleUpdateSelection)
	mux.HandleFunc("PUT /torrents/{id}/limits", s.handleUpdateLimits)
	mux.HandleFunc("PUT /torrents/{id}/options", s.handleUpdateOptions)
	mux.HandleFunc("PUT /torrents/{id}/trackers", s.handleUpdateTrackers)
	mux.HandleFunc("PUT /torrents/{id}/webseeds", s.handleUpdateWebSeeds)
	mux.HandleFunc("PUT /torrents/{id}/deadline", s.handleSetPieceDeadline)
	mux.HandleFunc("GET /torrents/{id}/peers", s.handlePeers)
	mux.HandleFunc("PUT /limits", s.handleUpdateGlobalLimits)
	mux.HandleFunc("GET /settings/runtime", s.handleGetRuntimeSettings)
	mux.HandleFunc("PUT /settings/runtime", s.handleUpdateRuntimeSettings)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /events/ws", s.handleWS)
	mux.HandleFunc("GET /events/last-id", s.handleLastEventID)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "torrent-engine",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz" && !strings.HasPrefix(p, "/events")
		}),
	)
	s.handler = recoveryMiddleware(s.logger,
		rateLimitMiddleware(s.rateLimit, s.rateBurst,
			metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Run feeds the websocket hub and the health snapshot from one bus
// subscription until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if s.events == nil {
		<-ctx.Done()
		return nil
	}
	sub := s.events.Subscribe(nil)
	defer sub.Close()

	for {
		env, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if lagged, ok := asLagged(err); ok {
				s.logger.Warn("event pump lagged", slog.Uint64("missed", lagged.Missed))
				s.wsHub.BroadcastLagged(lagged.Missed)
				continue
			}
			return err
		}
		if health, ok := env.Event.(events.HealthChanged); ok {
			s.setDegraded(health.Degraded)
		}
		s.wsHub.BroadcastEnvelope(env)
	}
}

func (s *Server) setDegraded(components []events.HealthComponent) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	s.degraded = components
}

func (s *Server) currentDegraded() []events.HealthComponent {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.degraded
}

// Close disconnects all websocket clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
