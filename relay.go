// Package relay is an event-routing engine for message-driven
// applications. Adapters feed events into a bounded intake; each event
// walks a priority-ordered chain of nodes gated by event type,
// permission and rule; matched nodes steer the walk with control
// signals (skip, stop, prune, jump, finish, reject) and can suspend to
// wait for a correlated follow-up event.
//
// The package re-exports the types applications need to define nodes
// and run a bot; the machinery lives in the internal packages.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaykit/relay/internal/config"
	"github.com/relaykit/relay/internal/dispatch"
	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/intake"
	"github.com/relaykit/relay/internal/registry"
	"github.com/relaykit/relay/internal/state"
)

// Adapter connects an external event source to the bot. Run blocks
// until the context is cancelled, submitting events via Bot.HandleEvent.
type Adapter interface {
	Name() string
	Run(ctx context.Context, bot *Bot) error
}

// Bot wires configuration, node registry, state, intake and dispatch
// into one runnable engine.
type Bot struct {
	cfg     *config.Config
	log     *slog.Logger
	replier dispatch.Replier

	specs    []*registry.NodeSpec
	adapters []Adapter
	pre      []dispatch.Hook
	post     []dispatch.Hook

	store *state.Store
	in    *intake.Intake

	mu      sync.Mutex
	running bool
}

// Option configures a Bot.
type Option func(*Bot)

// WithConfig sets the validated configuration. Defaults apply without
// it.
func WithConfig(cfg *config.Config) Option {
	return func(b *Bot) { b.cfg = cfg }
}

// WithLogger sets the bot's logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bot) { b.log = log }
}

// WithReplier wires the outgoing message channel.
func WithReplier(r dispatch.Replier) Option {
	return func(b *Bot) { b.replier = r }
}

// WithAdapters registers event sources started by Run.
func WithAdapters(adapters ...Adapter) Option {
	return func(b *Bot) { b.adapters = append(b.adapters, adapters...) }
}

// WithPreHooks registers event pre-processing hooks.
func WithPreHooks(hooks ...dispatch.Hook) Option {
	return func(b *Bot) { b.pre = append(b.pre, hooks...) }
}

// WithPostHooks registers event post-processing hooks.
func WithPostHooks(hooks ...dispatch.Hook) Option {
	return func(b *Bot) { b.post = append(b.post, hooks...) }
}

// New creates a bot. Nodes are registered afterwards with Register;
// nothing heavy happens until Run.
func New(opts ...Option) *Bot {
	b := &Bot{
		cfg:   config.Default(),
		log:   slog.Default(),
		store: state.NewStore(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds node descriptors to the chain. It must be called before
// Run; the registry is immutable once built.
func (b *Bot) Register(specs ...*registry.NodeSpec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		panic("relay: Register after Run")
	}
	b.specs = append(b.specs, specs...)
}

// Name returns the configured bot name.
func (b *Bot) Name() string { return b.cfg.Bot.Name }

// Superusers returns the configured privileged sessions. It satisfies
// the permission checkers' SuperuserSource contract.
func (b *Bot) Superusers() []string { return b.cfg.Bot.Superusers }

// NodeConfig decodes the named node's configuration section.
func (b *Bot) NodeConfig(name string, out any) error {
	return b.cfg.NodeConfig(name, out)
}

// State returns the bot's state store.
func (b *Bot) State() *state.Store { return b.store }

// HandleOption adjusts how one event enters the engine.
type HandleOption func(*handleConfig)

type handleConfig struct {
	handleGet bool
	quiet     bool
}

// WithHandleGet controls whether the event may satisfy pending
// rendezvous waits. The default is true.
func WithHandleGet(enabled bool) HandleOption {
	return func(c *handleConfig) { c.handleGet = enabled }
}

// WithoutLog suppresses the per-event ingress log line; high-frequency
// adapters use it to keep heartbeat traffic out of the logs.
func WithoutLog() HandleOption {
	return func(c *handleConfig) { c.quiet = true }
}

// HandleEvent submits an event to the intake. It blocks while the queue
// is full; the error is the context's when the caller gives up. By
// default the event may satisfy pending rendezvous waits.
func (b *Bot) HandleEvent(ctx context.Context, ev event.Event, opts ...HandleOption) error {
	b.mu.Lock()
	in := b.in
	b.mu.Unlock()
	if in == nil {
		return fmt.Errorf("relay: bot is not running")
	}
	cfg := handleConfig{handleGet: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !cfg.quiet {
		b.log.Info("event received", "type", ev.Type(), "session", ev.SessionID())
	}
	return in.Submit(ctx, event.HandleOption{Event: ev, HandleGet: cfg.handleGet})
}

// Run builds the registry and dispatcher, starts the adapters and
// consumes the intake until the context is cancelled. It returns after
// all in-flight dispatches have drained; state is cleared on the way
// out.
func (b *Bot) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("relay: already running")
	}
	b.running = true
	specs := b.specs
	b.mu.Unlock()

	reg, err := registry.Build(specs, b.log)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	b.log.Info("nodes loaded", "count", reg.Len(), "order", reg.Names())

	in := intake.New(b.cfg.Bot.EventQueueSize, nil, b.log)
	d := dispatch.New(reg, b.store,
		dispatch.WithLogger(b.log),
		dispatch.WithReplier(b.replier),
		dispatch.WithConfigSource(b.cfg.NodeConfig),
		dispatch.WithBot(b),
		dispatch.WithPreHooks(b.pre...),
		dispatch.WithPostHooks(b.post...),
		dispatch.WithRendezvous(in.Rendezvous()),
	)
	in.SetHandler(d.Dispatch)

	b.mu.Lock()
	b.in = in
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var adapters sync.WaitGroup
	for _, a := range b.adapters {
		a := a
		adapters.Add(1)
		go func() {
			defer adapters.Done()
			b.log.Info("adapter starting", "adapter", a.Name())
			if err := a.Run(runCtx, b); err != nil && runCtx.Err() == nil {
				b.log.Error("adapter stopped", "adapter", a.Name(), "error", err)
			}
		}()
	}

	err = in.Run(runCtx)
	adapters.Wait()

	b.mu.Lock()
	b.in = nil
	b.running = false
	b.mu.Unlock()
	b.store.Clear()
	b.log.Info("bot stopped")
	return err
}
