// Package node defines the contract between the dispatch loop and
// independently authored handlers. A handler implements Node; Rule and
// Fallback are optional extensions the loop probes for.
package node

import (
	"context"
	"errors"
	"log/slog"

	"github.com/relaykit/relay/internal/di"
	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/intake"
	"github.com/relaykit/relay/internal/state"
)

// Well-known resolver seed keys. Every per-dispatch resolver carries
// these; checkers and dependency declarations read them via di.Seeded.
var (
	// BotKey seeds the running bot handle.
	BotKey = di.NewKey("bot")
	// EventKey seeds the event being dispatched.
	EventKey = di.NewKey("event")
	// StateKey seeds the matched node's state namespace.
	StateKey = di.NewKey("state")
	// GlobalStateKey seeds the global shared namespace.
	GlobalStateKey = di.NewKey("global_state")
)

// Node is one prioritized event handler. Handle runs when the node's
// gates and rule match; it returns nil, a flow signal, or a failure.
type Node interface {
	Handle(ctx *Context) error
}

// RuleNode is implemented by nodes with a per-instance matching rule.
// The rule runs after the descriptor gates pass; returning false routes
// the event to Fallback (when present) instead of Handle. Control
// signals returned from Rule are a usage mistake: the loop logs a
// warning and treats the rule as failed.
type RuleNode interface {
	Rule(ctx *Context) (bool, error)
}

// FallbackNode is invoked when the instance rule returned false. The
// default is a no-op; nodes typically use it to reject and re-ask.
type FallbackNode interface {
	Fallback(ctx *Context) error
}

// Capabilities are the engine facilities a Context exposes to the node.
// The dispatch loop wires them; tests may stub them.
type Capabilities struct {
	// Reply sends a message through the external reply channel,
	// correlated to the given event. Fire-and-forget.
	Reply func(ctx context.Context, ev event.Event, message string) error

	// Get waits on the rendezvous for the next matching event.
	Get func(ctx context.Context, pred func(event.Event) bool, opts ...intake.GetOption) (event.Event, error)

	// Config decodes the node's configuration section. The dispatch loop
	// binds the section key (the descriptor's ConfigKey or name) when it
	// wires the capability; the name argument is a fallback for stubs.
	Config func(name string, out any) error
}

// Context carries everything one node invocation needs. A fresh Context
// is built per (event, node) dispatch; persistent values belong in State
// or Global, never on the instance.
type Context struct {
	context.Context

	// Name is the node descriptor's registered name.
	Name string

	// Event is the event being handled.
	Event event.Event

	// State is this node's persistent namespace.
	State *state.Namespace

	// Global is the process-wide shared namespace.
	Global *state.Namespace

	// Resolver is the per-dispatch dependency resolver.
	Resolver *di.Resolver

	// Log is the dispatch logger, annotated with the node name.
	Log *slog.Logger

	caps     Capabilities
	deps     map[string]any
	blockSet bool
	block    bool
}

// NewContext assembles a node context. Used by the dispatch loop and by
// tests that drive nodes directly.
func NewContext(ctx context.Context, name string, ev event.Event, st, global *state.Namespace, r *di.Resolver, log *slog.Logger, caps Capabilities, deps map[string]any) *Context {
	if log == nil {
		log = slog.Default()
	}
	return &Context{
		Context:  ctx,
		Name:     name,
		Event:    ev,
		State:    st,
		Global:   global,
		Resolver: r,
		Log:      log,
		caps:     caps,
		deps:     deps,
	}
}

// Dependency returns a declared dependency resolved for this dispatch.
func (c *Context) Dependency(name string) (any, bool) {
	v, ok := c.deps[name]
	return v, ok
}

// NodeState returns the value produced by this node's state initializer.
func (c *Context) NodeState() (any, bool) {
	return c.State.Get(state.NodeStateKey)
}

// SetNodeState replaces this node's state value.
func (c *Context) SetNodeState(v any) {
	c.State.Set(state.NodeStateKey, v)
}

// SetBlock overrides the descriptor's block flag for this dispatch only.
func (c *Context) SetBlock(block bool) {
	c.blockSet = true
	c.block = block
}

// Block reports the effective block flag given the descriptor default.
func (c *Context) Block(descriptorDefault bool) bool {
	if c.blockSet {
		return c.block
	}
	return descriptorDefault
}

// Reply sends a message through the external reply channel.
func (c *Context) Reply(message string) error {
	if c.caps.Reply == nil {
		return errors.New("node: no reply channel configured")
	}
	return c.caps.Reply(c.Context, c.Event, message)
}

// Get waits for the next event from the same session with the same event
// type as the one being handled.
func (c *Context) Get(opts ...intake.GetOption) (event.Event, error) {
	session := c.Event.SessionID()
	opts = append([]intake.GetOption{intake.WithEventType(c.Event.Type())}, opts...)
	return c.GetMatch(func(ev event.Event) bool {
		return ev.SessionID() == session
	}, opts...)
}

// GetMatch waits for the next event satisfying pred.
func (c *Context) GetMatch(pred func(event.Event) bool, opts ...intake.GetOption) (event.Event, error) {
	if c.caps.Get == nil {
		return nil, errors.New("node: no rendezvous configured")
	}
	return c.caps.Get(c.Context, pred, opts...)
}

// Ask replies with a prompt, then waits for the user's answer: Reply
// followed by Get.
func (c *Context) Ask(message string, opts ...intake.GetOption) (event.Event, error) {
	if err := c.Reply(message); err != nil {
		return nil, err
	}
	return c.Get(opts...)
}

// Config decodes this node's configuration section into out.
func (c *Context) Config(out any) error {
	if c.caps.Config == nil {
		return errors.New("node: no configuration source")
	}
	return c.caps.Config(c.Name, out)
}

// Run resolves an ad-hoc dependency with a fresh cleanup scope that is
// closed before Run returns. The dispatch cache is not shared: the
// declaration sees the same seeded engine values but its scoped
// resources are released immediately.
func (c *Context) Run(decl di.Declaration) (any, error) {
	scope := di.NewScope()
	r := di.NewResolver(scope)
	r.Seed(EventKey, c.Event)
	r.Seed(StateKey, c.State)
	r.Seed(GlobalStateKey, c.Global)
	if bot, ok := c.Resolver.Lookup(BotKey); ok {
		r.Seed(BotKey, bot)
	}
	v, err := r.Resolve(c.Context, decl)
	closeErr := scope.Close(c.Context)
	if err != nil {
		return nil, err
	}
	return v, closeErr
}
