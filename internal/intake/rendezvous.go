package intake

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaykit/relay/internal/event"
)

// ErrGetTimeout reports that a rendezvous wait exceeded its try budget or
// wall-clock timeout without observing a matching event.
var ErrGetTimeout = errors.New("intake: no matching event before timeout or try limit")

// Rendezvous is a single-slot broadcast: each published event replaces
// the slot and wakes every waiter. A waiter claims a matching event
// exclusively and at most once; claiming marks the offer handled but does
// not remove the event from normal dispatch.
type Rendezvous struct {
	mu      sync.Mutex
	offer   *offer
	notify  chan struct{}
	waiters atomic.Int32
}

// offer wraps one published event with its claim flag. The claimed flag
// transitions false→true at most once, via compare-and-swap.
type offer struct {
	ev      event.Event
	claimed atomic.Bool
}

// NewRendezvous creates an empty slot.
func NewRendezvous() *Rendezvous {
	return &Rendezvous{notify: make(chan struct{})}
}

// Publish sets the slot to a fresh, unclaimed offer and wakes all
// waiters. Waiters that subscribe after Publish wait for the next one; a
// rendezvous observes future events only.
func (r *Rendezvous) Publish(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offer = &offer{ev: ev}
	close(r.notify)
	r.notify = make(chan struct{})
}

// GetOption configures a rendezvous wait.
type GetOption func(*getConfig)

type getConfig struct {
	eventType string
	maxTry    int
	timeout   time.Duration
}

// WithEventType restricts the wait to events with the given type tag.
// The type filter applies before the predicate.
func WithEventType(t string) GetOption {
	return func(c *getConfig) { c.eventType = t }
}

// WithMaxTryTimes bounds how many non-matching wakes are tolerated
// before the wait fails. 0 means no try bound.
func WithMaxTryTimes(n int) GetOption {
	return func(c *getConfig) { c.maxTry = n }
}

// WithTimeout bounds the wait's wall-clock duration. 0 means no timeout.
func WithTimeout(d time.Duration) GetOption {
	return func(c *getConfig) { c.timeout = d }
}

// Get blocks until the slot publishes an event that is unclaimed, passes
// the type filter and satisfies pred, then claims it atomically and
// returns it. A nil pred matches any event. Waiting suspends only the
// calling goroutine; it never blocks the intake consumer or other
// waiters. Exceeding the try budget or the timeout returns ErrGetTimeout;
// caller cancellation returns ctx.Err().
func (r *Rendezvous) Get(ctx context.Context, pred func(event.Event) bool, opts ...GetOption) (event.Event, error) {
	var cfg getConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var timeout <-chan time.Time
	if cfg.timeout > 0 {
		timer := time.NewTimer(cfg.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	tries := 0
	r.mu.Lock()
	wake := r.notify
	r.mu.Unlock()

	for {
		r.waiters.Add(1)
		select {
		case <-ctx.Done():
			r.waiters.Add(-1)
			return nil, ctx.Err()
		case <-timeout:
			r.waiters.Add(-1)
			return nil, ErrGetTimeout
		case <-wake:
			r.waiters.Add(-1)
		}

		// The offer and the channel announcing its replacement are read
		// under one lock acquisition: a publish landing after this point
		// closes the captured channel, so the next wait returns at once
		// instead of losing the wakeup.
		r.mu.Lock()
		off := r.offer
		wake = r.notify
		r.mu.Unlock()

		if off != nil && r.matches(off, pred, &cfg) && off.claimed.CompareAndSwap(false, true) {
			return off.ev, nil
		}

		tries++
		if cfg.maxTry > 0 && tries > cfg.maxTry {
			return nil, ErrGetTimeout
		}
	}
}

// Waiters reports how many Get calls are currently parked on the slot.
// Test harnesses use it to detect that a dispatch has suspended.
func (r *Rendezvous) Waiters() int {
	return int(r.waiters.Load())
}

func (r *Rendezvous) matches(off *offer, pred func(event.Event) bool, cfg *getConfig) bool {
	if off.claimed.Load() {
		return false
	}
	if cfg.eventType != "" && off.ev.Type() != cfg.eventType {
		return false
	}
	return pred == nil || pred(off.ev)
}
