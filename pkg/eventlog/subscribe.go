package eventlog

import (
	"context"
	"sync"

	"github.com/logabell/conversator/pkg/models"
)

// Subscription is an ordered, gap-free view of the log starting at a caller
// chosen sequence number. The appender pushes into an unbounded internal
// buffer and never blocks on a consumer; slow consumers accumulate buffer,
// and it is the fan-out layer's job to disconnect clients it will not wait
// for. The same fromSeq always yields the same events.
type Subscription struct {
	id    int64
	store *Store

	mu     sync.Mutex
	buf    []*models.Event
	notify chan struct{}
	closed bool
}

// Subscribe returns a subscription delivering every event with seq > fromSeq
// in order, then live-tailing. Backfill and registration happen under the
// appender lock, so no event can slip between them.
func (s *Store) Subscribe(fromSeq int64) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	backfill, err := s.readRange(fromSeq)
	if err != nil {
		return nil, err
	}

	s.nextSub++
	sub := &Subscription{
		id:     s.nextSub,
		store:  s,
		buf:    backfill,
		notify: make(chan struct{}, 1),
	}
	s.subs[sub.id] = sub
	return sub, nil
}

// push appends an event to the subscription buffer. Called by the appender
// under the store lock.
func (sub *Subscription) push(ev *models.Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.buf = append(sub.buf, ev)
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// Next returns the next event in order, blocking until one is available or
// ctx is done. Returns ctx.Err() on cancellation and ErrSubscriptionClosed
// after Close.
func (sub *Subscription) Next(ctx context.Context) (*models.Event, error) {
	for {
		sub.mu.Lock()
		if len(sub.buf) > 0 {
			ev := sub.buf[0]
			sub.buf = sub.buf[1:]
			sub.mu.Unlock()
			return ev, nil
		}
		closed := sub.closed
		sub.mu.Unlock()
		if closed {
			return nil, ErrSubscriptionClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sub.notify:
		}
	}
}

// TryNext returns the next buffered event without blocking, or nil.
func (sub *Subscription) TryNext() *models.Event {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.buf) == 0 {
		return nil
	}
	ev := sub.buf[0]
	sub.buf = sub.buf[1:]
	return ev
}

// Depth returns the number of undelivered events.
func (sub *Subscription) Depth() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return len(sub.buf)
}

// Close unregisters the subscription from the store.
func (sub *Subscription) Close() {
	sub.store.mu.Lock()
	delete(sub.store.subs, sub.id)
	sub.store.mu.Unlock()
	sub.close()
}

// close marks the subscription closed and wakes any blocked Next.
func (sub *Subscription) close() {
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}
