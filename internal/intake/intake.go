// Package intake accepts newly-arrived events from adapters and feeds
// the dispatch loop. It owns the system's only backpressure point (a
// bounded queue; producers block on overflow) and the rendezvous slot
// that lets any number of waiters observe the next matching event.
package intake

import (
	"context"
	"log/slog"
	"sync"

	"github.com/relaykit/relay/internal/event"
)

// Handler dispatches one event; the intake consumer invokes it as a
// fire-and-forget task per event.
type Handler func(ctx context.Context, ev event.Event)

// Intake is the bounded multi-producer, single-consumer event queue.
type Intake struct {
	items   chan event.HandleOption
	rz      *Rendezvous
	handler Handler
	log     *slog.Logger

	wg sync.WaitGroup
}

// New creates an intake with the given queue bound. size must be >= 1.
func New(size int, handler Handler, log *slog.Logger) *Intake {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Intake{
		items:   make(chan event.HandleOption, size),
		rz:      NewRendezvous(),
		handler: handler,
		log:     log,
	}
}

// Rendezvous returns the intake's rendezvous slot.
func (in *Intake) Rendezvous() *Rendezvous { return in.rz }

// SetHandler replaces the dispatch handler. It exists to break the
// construction cycle between the intake and the dispatcher (the
// dispatcher needs the rendezvous, the intake needs the dispatch
// function) and must be called before Run.
func (in *Intake) SetHandler(h Handler) { in.handler = h }

// Submit enqueues an event for processing. When the queue is full the
// producer blocks until space frees up or ctx is cancelled; there is no
// drop policy.
func (in *Intake) Submit(ctx context.Context, item event.HandleOption) error {
	select {
	case in.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled. Items eligible for
// rendezvous are published to the slot (waking every waiter) before being
// dispatched; the rendezvous only observes events, it never consumes them
// away from normal dispatch. Run returns after all in-flight dispatch
// tasks have finished.
func (in *Intake) Run(ctx context.Context) error {
	defer in.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-in.items:
			if item.HandleGet {
				in.rz.Publish(item.Event)
			}
			in.wg.Add(1)
			go func() {
				defer in.wg.Done()
				in.handler(ctx, item.Event)
			}()
		}
	}
}
