// Package eventrelay mirrors the engine event bus into a Redis stream so
// consumers outside the process can follow transfer state.
package eventrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"torrentcore/internal/events"
	"torrentcore/internal/metrics"
)

const (
	DefaultStream = "torrentcore:events"
	DefaultMaxLen = 10000
)

// Source is the subset of the event bus the relay reads from.
type Source interface {
	Subscribe(since *uint64) *events.Subscription
}

type Config struct {
	Client *redis.Client
	Stream string
	MaxLen int64
	Logger *slog.Logger
}

type Relay struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
}

func New(cfg Config) *Relay {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = DefaultStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client: cfg.Client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With(slog.String("component", "eventrelay")),
	}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Run relays live events until ctx ends. Write failures are logged and
// counted; the relay keeps going.
func (r *Relay) Run(ctx context.Context, source Source) error {
	sub := source.Subscribe(nil)
	defer sub.Close()

	r.logger.Info("event relay started", slog.String("stream", r.stream), slog.Int64("maxLen", r.maxLen))
	for {
		env, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var lagged *events.LaggedError
			if errors.As(err, &lagged) {
				metrics.RelayedEventsTotal.WithLabelValues("lagged").Add(float64(lagged.Missed))
				r.logger.Warn("event relay lagged", slog.Uint64("missed", lagged.Missed))
				continue
			}
			return err
		}
		if err := r.publish(ctx, env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.RelayedEventsTotal.WithLabelValues("error").Inc()
			r.logger.Warn("event relay write failed",
				slog.Uint64("eventId", env.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		metrics.RelayedEventsTotal.WithLabelValues("ok").Inc()
	}
}

func (r *Relay) publish(ctx context.Context, env events.Envelope) error {
	data, err := json.Marshal(env.Event)
	if err != nil {
		return err
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":        strconv.FormatUint(env.ID, 10),
			"type":      string(env.Event.Kind()),
			"timestamp": env.Timestamp.UTC().Format(time.RFC3339Nano),
			"data":      string(data),
		},
	}).Err()
}
