package dispatch

import (
	"context"
	"fmt"

	"github.com/relaykit/relay/internal/di"
	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/flow"
	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/intake"
	"github.com/relaykit/relay/internal/node"
	"github.com/relaykit/relay/internal/registry"
)

type outcomeKind int

const (
	outcomeAdvance outcomeKind = iota
	outcomeStop
	outcomePrune
	outcomeJump
	outcomeFinish
)

// outcome is the chain-level result of visiting one node.
type outcome struct {
	kind outcomeKind

	// target is the jump destination name for outcomeJump.
	target string

	// blocked is true when the node handled the event with an effective
	// block flag. It overrides any continuation.
	blocked bool
}

// visit runs one node against the event, looping through reject rounds:
// every reject tears the instance down, waits on the rendezvous for the
// follow-up event, and rebuilds the node from scratch against it.
func (d *Dispatcher) visit(ctx context.Context, index int, spec *registry.NodeSpec, ev event.Event) outcome {
	cur := ev
	for {
		out, rej := d.attempt(ctx, spec, cur)
		if rej == nil {
			return out
		}

		if rej.Message() != "" {
			d.reply(ctx, cur, rej.Message())
		}
		next, err := d.awaitFollowUp(ctx, cur, rej)
		if err != nil {
			d.log.Debug("reject wait ended without a follow-up; finishing event",
				"node", spec.Name, "error", err)
			return outcome{kind: outcomeFinish}
		}
		d.trace(cur, Step{Node: spec.Name, Action: "resumed"})
		cur = next
	}
}

// awaitFollowUp blocks on the rendezvous for the next event of the same
// type from the same session, bounded by the reject signal's timeout and
// try budget.
func (d *Dispatcher) awaitFollowUp(ctx context.Context, ev event.Event, rej *flow.Signal) (event.Event, error) {
	if d.rz == nil {
		return nil, fmt.Errorf("no rendezvous configured")
	}
	session := ev.SessionID()
	return d.rz.Get(ctx,
		func(candidate event.Event) bool { return candidate.SessionID() == session },
		intake.WithEventType(ev.Type()),
		intake.WithTimeout(rej.Timeout()),
		intake.WithMaxTryTimes(rej.MaxTryTimes()),
	)
}

// attempt performs a single gate-resolve-run round for the node. A nil
// signal return means the outcome stands; a non-nil signal is a reject
// the caller must satisfy before retrying.
func (d *Dispatcher) attempt(ctx context.Context, spec *registry.NodeSpec, ev event.Event) (outcome, *flow.Signal) {
	if !spec.MatchesType(ev.Type()) {
		return outcome{kind: outcomeAdvance}, nil
	}

	scope := di.NewScope()
	defer func() {
		if err := scope.Close(ctx); err != nil {
			d.log.Warn("dependency cleanup failed", "node", spec.Name, "error", err)
		}
	}()
	r := di.NewResolver(scope)
	ns := d.store.Node(spec.Name)
	r.Seed(node.EventKey, ev)
	r.Seed(node.StateKey, ns)
	r.Seed(node.GlobalStateKey, d.store.Global())
	if d.bot != nil {
		r.Seed(node.BotKey, d.bot)
	}

	if pass, err := d.checkGate(ctx, spec, spec.Permission, r, "permission", ev); err != nil || !pass {
		return outcome{kind: outcomeAdvance}, nil
	}
	if pass, err := d.checkGate(ctx, spec, spec.Rule, r, "rule", ev); err != nil || !pass {
		return outcome{kind: outcomeAdvance}, nil
	}

	ns.InitOnce(spec.InitState)

	deps := make(map[string]any, len(spec.Dependencies))
	for _, dep := range spec.Dependencies {
		v, err := r.Resolve(ctx, dep.Decl)
		if err != nil {
			d.log.Error("dependency resolution failed",
				"node", spec.Name, "dependency", dep.Name, "error", err)
			d.trace(ev, Step{Node: spec.Name, Action: "error", Detail: "dependency"})
			return outcome{kind: outcomeAdvance}, nil
		}
		deps[dep.Name] = v
	}

	inst := spec.New()
	nctx := node.NewContext(ctx, spec.Name, ev, ns, d.store.Global(), r,
		d.log.With("node", spec.Name), d.capabilities(spec), deps)

	return d.run(spec, inst, nctx)
}

// checkGate evaluates one descriptor gate. Gate errors demote to a miss:
// the node is skipped and the chain continues.
func (d *Dispatcher) checkGate(ctx context.Context, spec *registry.NodeSpec, g *gate.Gate, r *di.Resolver, which string, ev event.Event) (bool, error) {
	pass, err := g.Check(ctx, r)
	if err != nil {
		d.log.Warn("gate check failed; skipping node",
			"node", spec.Name, "gate", which, "error", err)
		d.trace(ev, Step{Node: spec.Name, Action: "gate_error", Detail: which})
		return false, err
	}
	if !pass {
		d.trace(ev, Step{Node: spec.Name, Action: "gate_miss", Detail: which})
	}
	return pass, nil
}

// run executes the instance rule, then Handle or Fallback, and folds the
// returned error into a chain outcome.
func (d *Dispatcher) run(spec *registry.NodeSpec, inst node.Node, nctx *node.Context) (outcome, *flow.Signal) {
	matched := true
	if rn, ok := inst.(node.RuleNode); ok {
		pass, err := d.callRule(spec, rn, nctx)
		if err != nil {
			if sig, isSignal := flow.Decode(err); isSignal {
				// Control flow belongs in Handle. A rule that signals is
				// treated as a failed match that also prunes the subtree.
				d.log.Warn("rule returned a control signal; pruning",
					"node", spec.Name, "signal", sig.Kind().String())
				d.trace(nctx.Event, Step{Node: spec.Name, Action: "rule_misuse", Signal: sig.Kind().String()})
				return outcome{kind: outcomePrune}, nil
			}
			d.log.Error("rule failed", "node", spec.Name, "error", err)
			d.trace(nctx.Event, Step{Node: spec.Name, Action: "error", Detail: "rule"})
			return outcome{kind: outcomeAdvance}, nil
		}
		matched = pass
	}

	var handled bool
	var err error
	if matched {
		handled = true
		err = d.callHandle(spec, inst, nctx)
		d.trace(nctx.Event, Step{Node: spec.Name, Action: "handled"})
	} else if fb, ok := inst.(node.FallbackNode); ok {
		err = d.callFallback(spec, fb, nctx)
		d.trace(nctx.Event, Step{Node: spec.Name, Action: "fallback"})
	} else {
		d.trace(nctx.Event, Step{Node: spec.Name, Action: "rule_false"})
		return outcome{kind: outcomeAdvance}, nil
	}

	blocked := handled && nctx.Block(spec.Block)

	if err == nil {
		return outcome{kind: outcomeAdvance, blocked: blocked}, nil
	}
	sig, isSignal := flow.Decode(err)
	if !isSignal {
		d.log.Error("node failed", "node", spec.Name, "error", err)
		d.trace(nctx.Event, Step{Node: spec.Name, Action: "error", Detail: "handle"})
		return outcome{kind: outcomeAdvance, blocked: blocked}, nil
	}

	d.trace(nctx.Event, Step{Node: spec.Name, Action: "signal", Signal: sig.Kind().String()})
	switch sig.Kind() {
	case flow.KindSkip:
		return outcome{kind: outcomeAdvance, blocked: blocked}, nil
	case flow.KindStop:
		return outcome{kind: outcomeStop}, nil
	case flow.KindPrune:
		return outcome{kind: outcomePrune, blocked: blocked}, nil
	case flow.KindJumpTo:
		return outcome{kind: outcomeJump, target: sig.Target(), blocked: blocked}, nil
	case flow.KindFinish:
		if sig.Message() != "" {
			d.reply(nctx.Context, nctx.Event, sig.Message())
		}
		return outcome{kind: outcomeFinish}, nil
	case flow.KindReject:
		return outcome{}, sig
	default:
		d.log.Warn("unknown control signal", "node", spec.Name, "signal", sig.Kind().String())
		return outcome{kind: outcomeAdvance, blocked: blocked}, nil
	}
}

func (d *Dispatcher) callRule(spec *registry.NodeSpec, rn node.RuleNode, nctx *node.Context) (pass bool, err error) {
	defer d.recoverPanic(spec, "rule", &err)
	return rn.Rule(nctx)
}

func (d *Dispatcher) callHandle(spec *registry.NodeSpec, inst node.Node, nctx *node.Context) (err error) {
	defer d.recoverPanic(spec, "handle", &err)
	return inst.Handle(nctx)
}

func (d *Dispatcher) callFallback(spec *registry.NodeSpec, fb node.FallbackNode, nctx *node.Context) (err error) {
	defer d.recoverPanic(spec, "fallback", &err)
	return fb.Fallback(nctx)
}

// recoverPanic converts a node panic into an ordinary node failure so one
// buggy handler cannot take the whole process down. Sandboxed nodes are
// logged quietly; for the rest a panic is loud.
func (d *Dispatcher) recoverPanic(spec *registry.NodeSpec, method string, err *error) {
	r := recover()
	if r == nil {
		return
	}
	*err = fmt.Errorf("panic in %s: %v", method, r)
	if spec.Sandbox {
		d.log.Debug("sandboxed node panicked", "node", spec.Name, "method", method, "panic", r)
	} else {
		d.log.Error("node panicked", "node", spec.Name, "method", method, "panic", r)
	}
}

func (d *Dispatcher) capabilities(spec *registry.NodeSpec) node.Capabilities {
	var caps node.Capabilities
	if d.config != nil {
		key := spec.ConfigKey
		if key == "" {
			key = spec.Name
		}
		src := d.config
		caps.Config = func(_ string, out any) error { return src(key, out) }
	}
	if d.replier != nil {
		caps.Reply = d.replier.Send
	}
	if d.rz != nil {
		caps.Get = d.rz.Get
	}
	return caps
}

func (d *Dispatcher) trace(ev event.Event, step Step) {
	if d.tracer != nil {
		d.tracer.Step(ev, step)
	}
}
