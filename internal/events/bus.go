package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"torrentcore/internal/metrics"
)

// DefaultCapacity is the replay and broadcast window size.
const DefaultCapacity = 1024

var (
	ErrZeroCapacity       = errors.New("event bus capacity must be positive")
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// LaggedError reports envelopes a subscriber missed because it fell behind
// the broadcast window. The subscription stays usable.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged, missed %d events", e.Missed)
}

// Bus is the process-wide event log: a history ring serves replay on
// reconnect and a broadcast window serves live fan-out.
type Bus struct {
	mu        sync.Mutex
	lastID    uint64
	history   *history
	broadcast *broadcast
	now       func() time.Time
}

func New(capacity int) (*Bus, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrZeroCapacity, capacity)
	}
	return &Bus{
		history:   newHistory(capacity),
		broadcast: newBroadcast(capacity),
		now:       time.Now,
	}, nil
}

// Publish assigns the next id and delivers the event. It never waits for
// subscribers.
func (b *Bus) Publish(ev Event) uint64 {
	b.mu.Lock()
	b.lastID++
	env := Envelope{ID: b.lastID, Timestamp: b.now(), Event: ev}
	b.history.push(env)
	b.broadcast.send(env)
	b.mu.Unlock()

	metrics.EventsPublishedTotal.WithLabelValues(string(ev.Kind())).Inc()
	metrics.EventBusLastID.Set(float64(env.ID))
	return env.ID
}

// LastEventID returns the id of the newest event, or false when nothing has
// been published.
func (b *Bus) LastEventID() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastID, b.lastID > 0
}

// Subscribe replays retained envelopes newer than since, then streams live
// ones. A nil since skips replay.
func (b *Bus) Subscribe(since *uint64) *Subscription {
	b.mu.Lock()
	var replay []Envelope
	if since != nil {
		replay = b.history.after(*since)
	}
	cursor := b.lastID + 1
	b.mu.Unlock()

	metrics.EventSubscribers.Inc()
	return &Subscription{
		replay:    replay,
		cursor:    cursor,
		broadcast: b.broadcast,
		done:      make(chan struct{}),
	}
}

// Subscription is a single consumer's ordered view of the bus. It is not
// safe for concurrent use by multiple goroutines.
type Subscription struct {
	replay    []Envelope
	cursor    uint64
	broadcast *broadcast
	done      chan struct{}
	closeOnce sync.Once
}

// Next returns the next envelope. A *LaggedError means envelopes were
// skipped; the following call continues from the oldest retained one.
func (s *Subscription) Next(ctx context.Context) (Envelope, error) {
	select {
	case <-s.done:
		return Envelope{}, ErrSubscriptionClosed
	default:
	}

	if len(s.replay) > 0 {
		env := s.replay[0]
		s.replay = s.replay[1:]
		return env, nil
	}

	env, err := s.broadcast.recv(ctx, s.done, &s.cursor)
	var lagged *LaggedError
	if errors.As(err, &lagged) {
		metrics.EventsLaggedTotal.Add(float64(lagged.Missed))
	}
	if err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Close releases the subscription and unblocks a pending Next.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		metrics.EventSubscribers.Dec()
	})
}
