// Package dispatch implements the per-event state machine: walk the node
// registry in priority order, gate each node by event type, permission
// and rule, invoke the matched instance, and interpret its control
// signals to pick the next chain index.
//
// The walk is strictly sequential per event; distinct events are
// dispatched as independent concurrent tasks by the intake. Recovery
// favors continuation: one misbehaving node never stops independent
// nodes from being offered the event.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/intake"
	"github.com/relaykit/relay/internal/registry"
	"github.com/relaykit/relay/internal/state"
)

// Replier is the external "send message" capability. Transport,
// formatting and retries are the adapter layer's concern; the engine only
// needs a fire-and-forget call correlated to an event.
type Replier interface {
	Send(ctx context.Context, ev event.Event, message string) error
}

// Hook is an event pre/post-processing callback. Pre hooks run before the
// first index, post hooks after the walk terminates; hook errors are
// logged and never abort the dispatch.
type Hook func(ctx context.Context, ev event.Event) error

// ConfigSource decodes the named node's configuration section into out.
type ConfigSource func(name string, out any) error

// Dispatcher walks the registry for each event.
type Dispatcher struct {
	reg   *registry.Registry
	store *state.Store

	rz        *intake.Rendezvous
	replier   Replier
	config    ConfigSource
	pre, post []Hook
	bot       any
	log       *slog.Logger
	tracer    Tracer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRendezvous wires the rendezvous slot used by reject and
// Context.Get.
func WithRendezvous(rz *intake.Rendezvous) Option {
	return func(d *Dispatcher) { d.rz = rz }
}

// WithReplier wires the external reply channel.
func WithReplier(r Replier) Option {
	return func(d *Dispatcher) { d.replier = r }
}

// WithConfigSource wires per-node configuration decoding.
func WithConfigSource(cs ConfigSource) Option {
	return func(d *Dispatcher) { d.config = cs }
}

// WithPreHooks appends event pre-processing hooks.
func WithPreHooks(hooks ...Hook) Option {
	return func(d *Dispatcher) { d.pre = append(d.pre, hooks...) }
}

// WithPostHooks appends event post-processing hooks.
func WithPostHooks(hooks ...Hook) Option {
	return func(d *Dispatcher) { d.post = append(d.post, hooks...) }
}

// WithBot seeds the bot handle into every per-dispatch resolver.
func WithBot(bot any) Option {
	return func(d *Dispatcher) { d.bot = bot }
}

// WithLogger sets the dispatch logger.
func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = log }
}

// WithTracer records every dispatch step; used by the scenario harness.
func WithTracer(t Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// New creates a dispatcher over a built registry and state store.
func New(reg *registry.Registry, store *state.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		reg:   reg,
		store: store,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch walks the chain for one event. It never returns an error:
// every failure mode is either isolated to a node or an intentional
// termination.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) {
	if d.tracer != nil {
		d.tracer.DispatchStart(ev)
	}
	d.runHooks(ctx, ev, d.pre, "pre")

	index := 0
	for index >= 0 && index < d.reg.Len() {
		spec, jump := d.reg.At(index)
		d.log.Debug("checking node", "node", spec.Name, "index", index)

		out := d.visit(ctx, index, spec, ev)

		next := index + 1
		switch out.kind {
		case outcomeAdvance:
			// Sequential fall-through.
		case outcomeStop:
			d.log.Debug("node stopped event propagation", "node", spec.Name)
			next = -1
		case outcomeFinish:
			next = -1
		case outcomePrune:
			if jump >= 0 {
				next = jump
			}
		case outcomeJump:
			target, ok := d.reg.IndexOf(out.target)
			switch {
			case !ok:
				d.log.Warn("jump target does not exist", "node", spec.Name, "target", out.target)
			case target <= index:
				d.log.Warn("jump target is not after the current node",
					"node", spec.Name, "target", out.target)
			default:
				next = target
			}
		}

		// Once a blocking node has fired, the remainder of the chain is
		// short-circuited regardless of the control signal.
		if out.blocked && next >= 0 {
			d.log.Debug("blocking node fired; ending chain", "node", spec.Name)
			next = -1
		}
		index = next
	}

	d.runHooks(ctx, ev, d.post, "post")
	if d.tracer != nil {
		d.tracer.DispatchEnd(ev)
	}
	d.log.Debug("event finished", "event_type", ev.Type(), "session", ev.SessionID())
}

func (d *Dispatcher) runHooks(ctx context.Context, ev event.Event, hooks []Hook, phase string) {
	for _, hook := range hooks {
		if err := hook(ctx, ev); err != nil {
			d.log.Warn("event hook failed", "phase", phase, "error", err)
		}
	}
}

func (d *Dispatcher) reply(ctx context.Context, ev event.Event, message string) {
	if d.replier == nil {
		d.log.Warn("no reply channel configured; dropping reply")
		return
	}
	if err := d.replier.Send(ctx, ev, message); err != nil {
		d.log.Warn("reply failed", "error", err)
	}
}
