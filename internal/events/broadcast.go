package events

import (
	"context"
	"sync"
)

// broadcast is a bounded fan-out window. Receivers keep their own cursor,
// so a slow receiver never holds up the sender; it is told how many
// envelopes it missed once the window has moved past it.
type broadcast struct {
	mu     sync.Mutex
	buf    []Envelope
	tail   uint64 // id of the newest envelope, 0 when empty
	notify chan struct{}
}

func newBroadcast(capacity int) *broadcast {
	return &broadcast{
		buf:    make([]Envelope, capacity),
		notify: make(chan struct{}),
	}
}

// send stores env and wakes waiting receivers. Ids must arrive in
// increasing, gap-free order.
func (b *broadcast) send(env Envelope) {
	b.mu.Lock()
	b.buf[(env.ID-1)%uint64(len(b.buf))] = env
	b.tail = env.ID
	close(b.notify)
	b.notify = make(chan struct{})
	b.mu.Unlock()
}

func (b *broadcast) oldest() uint64 {
	capacity := uint64(len(b.buf))
	if b.tail <= capacity {
		return 1
	}
	return b.tail - capacity + 1
}

// recv returns the envelope at *cursor and advances it, waiting when the
// receiver is caught up. A closed done channel ends the wait.
func (b *broadcast) recv(ctx context.Context, done <-chan struct{}, cursor *uint64) (Envelope, error) {
	for {
		b.mu.Lock()
		if *cursor <= b.tail {
			if oldest := b.oldest(); *cursor < oldest {
				missed := oldest - *cursor
				*cursor = oldest
				b.mu.Unlock()
				return Envelope{}, &LaggedError{Missed: missed}
			}
			env := b.buf[(*cursor-1)%uint64(len(b.buf))]
			*cursor++
			b.mu.Unlock()
			return env, nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-done:
			return Envelope{}, ErrSubscriptionClosed
		case <-wait:
		}
	}
}
