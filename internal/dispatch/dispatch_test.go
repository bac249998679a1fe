package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay/internal/di"
	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/flow"
	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/intake"
	"github.com/relaykit/relay/internal/node"
	"github.com/relaykit/relay/internal/registry"
	"github.com/relaykit/relay/internal/state"
)

// plainNode handles unconditionally.
type plainNode struct {
	handle func(*node.Context) error
}

func (n *plainNode) Handle(ctx *node.Context) error {
	if n.handle == nil {
		return nil
	}
	return n.handle(ctx)
}

// ruleNode adds an instance rule.
type ruleNode struct {
	plainNode
	rule func(*node.Context) (bool, error)
}

func (n *ruleNode) Rule(ctx *node.Context) (bool, error) { return n.rule(ctx) }

// fullNode adds a fallback as well.
type fullNode struct {
	ruleNode
	fallback func(*node.Context) error
}

func (n *fullNode) Fallback(ctx *node.Context) error { return n.fallback(ctx) }

type fakeReplier struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeReplier) Send(_ context.Context, _ event.Event, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeReplier) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func msg(session, text string) *event.Message {
	return event.NewMessage("test", session, text)
}

// visited builds a spec whose node appends its name to seen on handle.
func visited(name string, priority int, seen *[]string, mu *sync.Mutex) *registry.NodeSpec {
	return &registry.NodeSpec{
		Name:     name,
		Priority: priority,
		New: func() node.Node {
			return &plainNode{handle: func(ctx *node.Context) error {
				mu.Lock()
				*seen = append(*seen, name)
				mu.Unlock()
				return nil
			}}
		},
	}
}

func dispatcher(t *testing.T, specs []*registry.NodeSpec, opts ...Option) *Dispatcher {
	t.Helper()
	reg, err := registry.Build(specs, nil)
	require.NoError(t, err)
	return New(reg, state.NewStore(), opts...)
}

func TestDispatchVisitsInChainOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	d := dispatcher(t, []*registry.NodeSpec{
		visited("second", 10, &seen, &mu),
		visited("first", 0, &seen, &mu),
		visited("third", 20, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"first", "second", "third"}, seen)
}

func TestBlockShortCircuitsChain(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	blocker := visited("blocker", 1, &seen, &mu)
	blocker.Block = true
	d := dispatcher(t, []*registry.NodeSpec{
		visited("before", 0, &seen, &mu),
		blocker,
		visited("after", 2, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"before", "blocker"}, seen)
}

func TestSetBlockOverridesDescriptor(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	unblocker := &registry.NodeSpec{
		Name:     "unblocker",
		Priority: 0,
		Block:    true,
		New: func() node.Node {
			return &plainNode{handle: func(ctx *node.Context) error {
				ctx.SetBlock(false)
				return nil
			}}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{
		unblocker,
		visited("after", 1, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"after"}, seen, "instance override must defeat the descriptor block")
}

func TestRuleFalseRoutesToFallback(t *testing.T) {
	var handled, fellBack bool
	n := &fullNode{}
	n.rule = func(*node.Context) (bool, error) { return false, nil }
	n.handle = func(*node.Context) error { handled = true; return nil }
	n.fallback = func(*node.Context) error { fellBack = true; return nil }

	d := dispatcher(t, []*registry.NodeSpec{{
		Name: "picky",
		New:  func() node.Node { return n },
	}})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.False(t, handled)
	assert.True(t, fellBack)
}

func TestRuleFalseWithoutFallbackAdvances(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	picky := &ruleNode{}
	picky.rule = func(*node.Context) (bool, error) { return false, nil }
	picky.handle = func(*node.Context) error {
		mu.Lock()
		seen = append(seen, "picky")
		mu.Unlock()
		return nil
	}
	d := dispatcher(t, []*registry.NodeSpec{
		{Name: "picky", Priority: 0, New: func() node.Node { return picky }},
		visited("after", 1, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"after"}, seen)
}

func TestStopTerminatesDispatch(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	stopper := &registry.NodeSpec{
		Name: "stopper",
		New: func() node.Node {
			return &plainNode{handle: func(*node.Context) error { return flow.Stop() }}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{
		stopper,
		visited("after", 1, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Empty(t, seen)
}

func TestFinishRepliesAndTerminates(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	replier := &fakeReplier{}
	finisher := &registry.NodeSpec{
		Name: "finisher",
		New: func() node.Node {
			return &plainNode{handle: func(*node.Context) error { return flow.Finish("bye") }}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{
		finisher,
		visited("after", 1, &seen, &mu),
	}, WithReplier(replier))

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Empty(t, seen)
	assert.Equal(t, []string{"bye"}, replier.messages())
}

func TestPruneSkipsSubtree(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	parent := &registry.NodeSpec{
		Name: "parent",
		New: func() node.Node {
			return &plainNode{handle: func(*node.Context) error { return flow.Prune() }}
		},
	}
	kid := visited("kid", 0, &seen, &mu)
	kid.Parent = "parent"
	d := dispatcher(t, []*registry.NodeSpec{
		parent,
		kid,
		visited("after", 1, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"after"}, seen)
}

func TestPruneWithoutDescendantsFallsThrough(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	pruner := &registry.NodeSpec{
		Name: "pruner",
		New: func() node.Node {
			return &plainNode{handle: func(*node.Context) error { return flow.Prune() }}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{
		pruner,
		visited("after", 1, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"after"}, seen)
}

func TestJumpToForwardTarget(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	jumper := &registry.NodeSpec{
		Name: "jumper",
		New: func() node.Node {
			return &plainNode{handle: func(*node.Context) error { return flow.JumpTo("far") }}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{
		jumper,
		visited("skipped", 1, &seen, &mu),
		visited("far", 2, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"far"}, seen)
}

func TestJumpToBackwardTargetFallsThrough(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	jumper := &registry.NodeSpec{
		Name:     "jumper",
		Priority: 1,
		New: func() node.Node {
			return &plainNode{handle: func(*node.Context) error { return flow.JumpTo("early") }}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{
		visited("early", 0, &seen, &mu),
		jumper,
		visited("after", 2, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	// The backward jump is refused: the chain continues sequentially and
	// never re-enters "early".
	assert.Equal(t, []string{"early", "after"}, seen)
}

func TestJumpToUnknownTargetFallsThrough(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	jumper := &registry.NodeSpec{
		Name: "jumper",
		New: func() node.Node {
			return &plainNode{handle: func(*node.Context) error { return flow.JumpTo("nowhere") }}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{
		jumper,
		visited("after", 1, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"after"}, seen)
}

func TestRuleSignalIsMisusePrune(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	rogue := &ruleNode{}
	rogue.rule = func(*node.Context) (bool, error) { return false, flow.Stop() }
	rogue.handle = func(*node.Context) error {
		mu.Lock()
		seen = append(seen, "rogue")
		mu.Unlock()
		return nil
	}
	kid := visited("kid", 0, &seen, &mu)
	kid.Parent = "rogue"
	d := dispatcher(t, []*registry.NodeSpec{
		{Name: "rogue", Priority: 0, New: func() node.Node { return rogue }},
		kid,
		visited("after", 1, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	// A signal from Rule never stops the chain; it prunes the rogue
	// node's own subtree and continues.
	assert.Equal(t, []string{"after"}, seen)
}

func TestHandlerErrorIsIsolated(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	broken := &registry.NodeSpec{
		Name: "broken",
		New: func() node.Node {
			return &plainNode{handle: func(*node.Context) error { return errors.New("boom") }}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{
		broken,
		visited("after", 1, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"after"}, seen)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	panicky := &registry.NodeSpec{
		Name:    "panicky",
		Sandbox: true,
		New: func() node.Node {
			return &plainNode{handle: func(*node.Context) error { panic("kaboom") }}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{
		panicky,
		visited("after", 1, &seen, &mu),
	})

	assert.NotPanics(t, func() { d.Dispatch(context.Background(), msg("s1", "hi")) })
	assert.Equal(t, []string{"after"}, seen)
}

func TestEventTypeFilterSkipsNode(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	noticeOnly := visited("notice_only", 0, &seen, &mu)
	noticeOnly.EventTypes = []string{"notice"}
	d := dispatcher(t, []*registry.NodeSpec{
		noticeOnly,
		visited("any", 1, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"any"}, seen)
}

func TestGateMissSkipsNode(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	gated := visited("gated", 0, &seen, &mu)
	gated.Permission = gate.New(func(context.Context, *di.Resolver) (bool, error) {
		return false, nil
	})
	d := dispatcher(t, []*registry.NodeSpec{
		gated,
		visited("open", 1, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"open"}, seen)
}

func TestGateErrorSkipsNode(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	gated := visited("gated", 0, &seen, &mu)
	gated.Rule = gate.New(func(context.Context, *di.Resolver) (bool, error) {
		return false, errors.New("checker broke")
	})
	d := dispatcher(t, []*registry.NodeSpec{
		gated,
		visited("open", 1, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"open"}, seen)
}

func TestGateSeesSeededEvent(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	gated := visited("gated", 0, &seen, &mu)
	gated.Permission = gate.New(func(ctx context.Context, r *di.Resolver) (bool, error) {
		ev, err := di.Seeded[event.Event](r, node.EventKey)
		if err != nil {
			return false, err
		}
		return ev.SessionID() == "s1", nil
	})
	d := dispatcher(t, []*registry.NodeSpec{gated})

	d.Dispatch(context.Background(), msg("s2", "nope"))
	d.Dispatch(context.Background(), msg("s1", "yes"))
	assert.Equal(t, []string{"gated"}, seen)
}

func TestDependenciesResolvedIntoContext(t *testing.T) {
	type clock struct{ now time.Time }
	decl := di.Provide("clock", func(context.Context, *di.Resolver) (*clock, error) {
		return &clock{now: time.Unix(42, 0)}, nil
	})

	var got *clock
	d := dispatcher(t, []*registry.NodeSpec{{
		Name:         "consumer",
		Dependencies: []registry.Dependency{{Name: "clock", Decl: decl}},
		New: func() node.Node {
			return &plainNode{handle: func(ctx *node.Context) error {
				v, ok := ctx.Dependency("clock")
				if ok {
					got = v.(*clock)
				}
				return nil
			}}
		},
	}})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	require.NotNil(t, got)
	assert.Equal(t, time.Unix(42, 0), got.now)
}

func TestDependencyFailureSkipsNode(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	decl := di.Provide("doomed", func(context.Context, *di.Resolver) (int, error) {
		return 0, errors.New("unavailable")
	})
	needy := visited("needy", 0, &seen, &mu)
	needy.Dependencies = []registry.Dependency{{Name: "doomed", Decl: decl}}
	d := dispatcher(t, []*registry.NodeSpec{
		needy,
		visited("after", 1, &seen, &mu),
	})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"after"}, seen)
}

func TestScopedDependencyReleasedAfterVisit(t *testing.T) {
	var released bool
	decl := di.Scoped("conn", func(context.Context, *di.Resolver) (string, func(context.Context) error, error) {
		return "conn", func(context.Context) error { released = true; return nil }, nil
	})
	d := dispatcher(t, []*registry.NodeSpec{{
		Name:         "user",
		Dependencies: []registry.Dependency{{Name: "conn", Decl: decl}},
		New: func() node.Node {
			return &plainNode{handle: func(ctx *node.Context) error {
				assert.False(t, released, "resource must live for the whole visit")
				return nil
			}}
		},
	}})

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.True(t, released)
}

func TestStateInitializedOnceAcrossDispatches(t *testing.T) {
	inits := 0
	counterSpec := &registry.NodeSpec{
		Name:      "counter",
		InitState: func() any { inits++; return map[string]int{"n": 0} },
		New: func() node.Node {
			return &plainNode{handle: func(ctx *node.Context) error {
				st, _ := ctx.NodeState()
				st.(map[string]int)["n"]++
				return nil
			}}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{counterSpec})

	d.Dispatch(context.Background(), msg("s1", "one"))
	d.Dispatch(context.Background(), msg("s1", "two"))

	assert.Equal(t, 1, inits)
	st, ok := d.store.Node("counter").Get(state.NodeStateKey)
	require.True(t, ok)
	assert.Equal(t, 2, st.(map[string]int)["n"])
}

func TestRejectResumesOnFollowUp(t *testing.T) {
	rz := intake.NewRendezvous()
	replier := &fakeReplier{}

	builds := 0
	var answers []string
	asker := &registry.NodeSpec{
		Name: "asker",
		New: func() node.Node {
			builds++
			return &plainNode{handle: func(ctx *node.Context) error {
				text := ctx.Event.(*event.Message).Text
				if text == "start" {
					return flow.Reject("which one?", flow.WithTimeout(time.Second))
				}
				answers = append(answers, text)
				return nil
			}}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{asker},
		WithRendezvous(rz), WithReplier(replier))

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), msg("s1", "start"))
		close(done)
	}()

	require.Eventually(t, func() bool { return len(replier.messages()) == 1 },
		time.Second, 5*time.Millisecond, "reject must reply before waiting")
	rz.Publish(msg("s1", "this one"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch did not resume after the follow-up event")
	}
	assert.Equal(t, []string{"which one?"}, replier.messages())
	assert.Equal(t, []string{"this one"}, answers)
	assert.Equal(t, 2, builds, "the resumed round rebuilds the node from scratch")
}

func TestRejectIgnoresOtherSessions(t *testing.T) {
	rz := intake.NewRendezvous()

	var answers []string
	asker := &registry.NodeSpec{
		Name: "asker",
		New: func() node.Node {
			return &plainNode{handle: func(ctx *node.Context) error {
				text := ctx.Event.(*event.Message).Text
				if text == "start" {
					return flow.Reject("", flow.WithTimeout(time.Second))
				}
				answers = append(answers, text)
				return nil
			}}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{asker}, WithRendezvous(rz))

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), msg("s1", "start"))
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	rz.Publish(msg("other", "wrong session"))
	rz.Publish(msg("s1", "right"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch did not resume")
	}
	assert.Equal(t, []string{"right"}, answers)
}

func TestRejectTimeoutFinishesEvent(t *testing.T) {
	rz := intake.NewRendezvous()

	var mu sync.Mutex
	var seen []string
	asker := &registry.NodeSpec{
		Name: "asker",
		New: func() node.Node {
			return &plainNode{handle: func(*node.Context) error {
				return flow.Reject("", flow.WithTimeout(30*time.Millisecond))
			}}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{
		asker,
		visited("after", 1, &seen, &mu),
	}, WithRendezvous(rz))

	d.Dispatch(context.Background(), msg("s1", "start"))
	// The degraded reject ends the chain like finish: later nodes never
	// see the event.
	assert.Empty(t, seen)
}

func TestRejectWithoutRendezvousFinishes(t *testing.T) {
	asker := &registry.NodeSpec{
		Name: "asker",
		New: func() node.Node {
			return &plainNode{handle: func(*node.Context) error { return flow.Reject("") }}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{asker})

	done := make(chan struct{})
	go func() {
		d.Dispatch(context.Background(), msg("s1", "start"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reject without a rendezvous must not block")
	}
}

func TestHooksRunAroundDispatch(t *testing.T) {
	var order []string
	var mu sync.Mutex
	var seen []string
	d := dispatcher(t, []*registry.NodeSpec{visited("n", 0, &seen, &mu)},
		WithPreHooks(func(context.Context, event.Event) error {
			order = append(order, "pre")
			return nil
		}),
		WithPostHooks(func(context.Context, event.Event) error {
			order = append(order, "post")
			return nil
		}),
	)

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"pre", "post"}, order)
}

func TestHookErrorDoesNotAbortDispatch(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	d := dispatcher(t, []*registry.NodeSpec{visited("n", 0, &seen, &mu)},
		WithPreHooks(func(context.Context, event.Event) error { return errors.New("hook broke") }),
	)

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, []string{"n"}, seen)
}

func TestNodeConfigDecodedThroughConfigKey(t *testing.T) {
	var requested []string
	source := func(name string, out any) error {
		requested = append(requested, name)
		if p, ok := out.(*string); ok {
			*p = "configured"
		}
		return nil
	}

	var got string
	d := dispatcher(t, []*registry.NodeSpec{
		{
			Name: "plain",
			New: func() node.Node {
				return &plainNode{handle: func(ctx *node.Context) error {
					return ctx.Config(&got)
				}}
			},
		},
		{
			Name:      "aliased",
			Priority:  1,
			ConfigKey: "shared",
			New: func() node.Node {
				return &plainNode{handle: func(ctx *node.Context) error {
					var s string
					return ctx.Config(&s)
				}}
			},
		},
	}, WithConfigSource(source))

	d.Dispatch(context.Background(), msg("s1", "hi"))
	assert.Equal(t, "configured", got)
	assert.Equal(t, []string{"plain", "shared"}, requested)
}

func TestRecorderCapturesTrace(t *testing.T) {
	rec := NewRecorder()
	stopper := &registry.NodeSpec{
		Name: "stopper",
		New: func() node.Node {
			return &plainNode{handle: func(*node.Context) error { return flow.Stop() }}
		},
	}
	d := dispatcher(t, []*registry.NodeSpec{stopper}, WithTracer(rec))

	d.Dispatch(context.Background(), msg("s1", "hi"))
	steps := rec.Trace("message", "s1")
	require.Len(t, steps, 2)
	assert.Equal(t, Step{Node: "stopper", Action: "handled"}, steps[0])
	assert.Equal(t, Step{Node: "stopper", Action: "signal", Signal: "stop"}, steps[1])
}
