package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"golang.org/x/sync/errgroup"

	apihttp "torrentcore/internal/api/http"
	"torrentcore/internal/app"
	"torrentcore/internal/domain/ports"
	"torrentcore/internal/eventrelay"
	"torrentcore/internal/events"
	"torrentcore/internal/metrics"
	"torrentcore/internal/repository/fsresume"
	mongorepo "torrentcore/internal/repository/mongo"
	"torrentcore/internal/services/torrent/engine/anacrolix"
	"torrentcore/internal/services/torrent/worker"
	"torrentcore/internal/telemetry"
)

const serviceName = "torrent-engine"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv(serviceName))
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("dataDir", cfg.TorrentDataDir),
		slog.String("resumeBackend", cfg.ResumeBackend),
		slog.String("runtimeConfig", cfg.RuntimeConfigPath),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg app.Config, logger *slog.Logger) error {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openResumeStore(rootCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	runtimeCfg, err := app.LoadRuntimeConfig(cfg.RuntimeConfigPath, app.DefaultRuntimeConfig(cfg))
	if err != nil {
		logger.Warn("runtime config load failed, using defaults", slog.String("error", err.Error()))
		runtimeCfg = app.DefaultRuntimeConfig(cfg)
	}
	planned, warnings := app.PlanEngineOptions(runtimeCfg)
	for _, warning := range warnings {
		logger.Warn("engine option dropped", slog.String("warning", warning))
	}

	engine, err := anacrolix.New(anacrolix.Config{
		DataDir: cfg.TorrentDataDir,
		Options: planned,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("torrent engine init: %w", err)
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("engine close error", slog.String("error", err.Error()))
		}
	}()

	bus, err := events.New(cfg.EventBufferSize)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}

	w, handle := worker.New(worker.Config{
		Session:      engine,
		Store:        store,
		Bus:          bus,
		Logger:       logger,
		QueueSize:    cfg.CommandQueueSize,
		PollInterval: cfg.PollInterval,
	})
	settings := app.NewRuntimeSettingsManager(handle, cfg.RuntimeConfigPath, runtimeCfg)

	server := apihttp.NewServer(
		apihttp.WithEngine(handle),
		apihttp.WithSettings(settings),
		apihttp.WithEvents(bus),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithRateLimit(float64(cfg.RateLimitRPS), int(cfg.RateLimitRPS)*2),
		apihttp.WithLogger(logger),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)

	// The worker stops when its queue closes, after HTTP has drained.
	g.Go(func() error {
		return w.Run(context.WithoutCancel(ctx))
	})

	applyCtx, cancelApply := context.WithTimeout(ctx, 10*time.Second)
	if err := settings.Apply(applyCtx, runtimeCfg); err != nil {
		logger.Warn("initial runtime config apply failed", slog.String("error", err.Error()))
	}
	cancelApply()

	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error {
		return app.ConfigWatcher{
			Path:     cfg.RuntimeConfigPath,
			Defaults: app.DefaultRuntimeConfig(cfg),
			Settings: settings,
			Logger:   logger,
		}.Run(ctx)
	})

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := eventrelay.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis not reachable, event relay disabled", slog.String("error", err.Error()))
		} else {
			defer closeRedis(client, logger)
			relay := eventrelay.New(eventrelay.Config{
				Client: client,
				Stream: cfg.RedisStream,
				MaxLen: cfg.RedisStreamMaxLen,
				Logger: logger,
			})
			g.Go(func() error { return relay.Run(ctx, bus) })
		}
	}

	g.Go(func() error {
		logger.Info("server started", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", slog.String("error", err.Error()))
		}
		handle.Close()
		return nil
	})

	return g.Wait()
}

// openResumeStore picks the resume backend named by RESUME_BACKEND.
func openResumeStore(ctx context.Context, cfg app.Config, logger *slog.Logger) (ports.ResumeStore, func(), error) {
	switch cfg.ResumeBackend {
	case "", "fs":
		return fsresume.New(cfg.ResumeDir, logger), func() {}, nil
	case "mongo":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		client, err := mongorepo.Connect(connectCtx, cfg.MongoURI, options.Client().SetMonitor(otelmongo.NewMonitor()))
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connect: %w", err)
		}
		if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
			disconnectMongo(client, logger)
			return nil, nil, fmt.Errorf("mongo ping: %w", err)
		}
		store := mongorepo.NewResumeStore(client, cfg.MongoDatabase, cfg.MongoCollection)
		return store, func() { disconnectMongo(client, logger) }, nil
	default:
		return nil, nil, fmt.Errorf("unknown resume backend %q", cfg.ResumeBackend)
	}
}

func disconnectMongo(client *mongo.Client, logger *slog.Logger) {
	if err := client.Disconnect(context.Background()); err != nil {
		logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
	}
}

func closeRedis(client *redis.Client, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("redis close error", slog.String("error", err.Error()))
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	handlerOpts := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
