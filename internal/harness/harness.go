// Package harness runs declarative dispatch scenarios: a YAML script of
// incoming events is replayed through a real dispatcher, and the
// resulting decision trace and replies are checked by assertions or
// compared against golden files.
//
// Scenarios exercise the engine end to end with deterministic output:
// events are dispatched sequentially, so the trace order is stable and
// suitable for golden comparison.
package harness

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaykit/relay/internal/dispatch"
	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/intake"
	"github.com/relaykit/relay/internal/registry"
	"github.com/relaykit/relay/internal/state"
)

// Scenario is a declarative dispatch test.
type Scenario struct {
	// Name uniquely identifies the scenario; it also names the golden
	// file.
	Name string `yaml:"name"`

	// Description explains what the scenario validates.
	Description string `yaml:"description"`

	// Events is the incoming event script, replayed in order.
	Events []EventStep `yaml:"events"`

	// Assertions validate the replies and the decision trace.
	Assertions []Assertion `yaml:"assertions"`
}

// EventStep describes one scripted incoming event.
type EventStep struct {
	// Session identifies the conversation. Required.
	Session string `yaml:"session"`

	// Text is the message text.
	Text string `yaml:"text"`

	// Type overrides the event type tag; empty means "message".
	Type string `yaml:"type,omitempty"`

	// ToMe marks the event as addressing the bot.
	ToMe bool `yaml:"to_me,omitempty"`
}

// Assertion validates one aspect of a scenario run.
type Assertion struct {
	// Type selects the check: reply_contains, reply_count, trace_contains
	// or trace_order.
	Type string `yaml:"type"`

	// Message is the expected reply text (reply_contains).
	Message string `yaml:"message,omitempty"`

	// Count is the expected number of replies (reply_count).
	Count int `yaml:"count,omitempty"`

	// Node and Action name one expected trace step (trace_contains).
	Node   string `yaml:"node,omitempty"`
	Action string `yaml:"action,omitempty"`

	// Steps is the expected "node/action" sequence (trace_order),
	// checked as a subsequence of the full trace.
	Steps []string `yaml:"steps,omitempty"`
}

// Assertion type constants.
const (
	AssertReplyContains = "reply_contains"
	AssertReplyCount    = "reply_count"
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
)

// LoadScenario reads and parses a scenario file. Unknown YAML fields are
// rejected so a typo fails the scenario instead of silently passing.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("harness: reading scenario: %w", err)
	}
	var s Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("harness: parsing scenario: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("harness: invalid scenario %s: %w", path, err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("events list is required and must be non-empty")
	}
	for i, ev := range s.Events {
		if ev.Session == "" {
			return fmt.Errorf("events[%d]: session is required", i)
		}
	}
	for i, a := range s.Assertions {
		switch a.Type {
		case AssertReplyContains:
			if a.Message == "" {
				return fmt.Errorf("assertions[%d]: message is required for reply_contains", i)
			}
		case AssertReplyCount:
			if a.Count < 0 {
				return fmt.Errorf("assertions[%d]: count must be non-negative", i)
			}
		case AssertTraceContains:
			if a.Node == "" || a.Action == "" {
				return fmt.Errorf("assertions[%d]: node and action are required for trace_contains", i)
			}
		case AssertTraceOrder:
			if len(a.Steps) == 0 {
				return fmt.Errorf("assertions[%d]: steps list is required for trace_order", i)
			}
		default:
			return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
		}
	}
	return nil
}

// Result holds everything a scenario run produced.
type Result struct {
	// Replies are the messages sent through the reply channel, in order.
	Replies []string

	// Trace is the flattened decision trace across all scripted events.
	Trace []TraceStep
}

// TraceStep is one dispatch decision, annotated with the event that
// caused it.
type TraceStep struct {
	Event  string `yaml:"event"`
	Node   string `yaml:"node"`
	Action string `yaml:"action"`
	Signal string `yaml:"signal,omitempty"`
	Detail string `yaml:"detail,omitempty"`
}

// Key returns the step's "node/action" form used by trace assertions.
func (t TraceStep) Key() string { return t.Node + "/" + t.Action }

// recorder flattens dispatch steps in arrival order. Scenario dispatch
// is sequential, so the order is deterministic.
type recorder struct {
	mu    sync.Mutex
	steps []TraceStep
}

func (r *recorder) DispatchStart(event.Event) {}
func (r *recorder) DispatchEnd(event.Event)   {}

func (r *recorder) Step(ev event.Event, step dispatch.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, TraceStep{
		Event:  ev.Type() + "/" + ev.SessionID(),
		Node:   step.Node,
		Action: step.Action,
		Signal: step.Signal,
		Detail: step.Detail,
	})
}

type replyLog struct {
	mu       sync.Mutex
	messages []string
}

func (r *replyLog) Send(_ context.Context, _ event.Event, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
	return nil
}

// Run replays the scenario's events through a dispatcher built over the
// given node specs. Each event is published to the rendezvous before its
// dispatch, the way the intake does, so a dispatch suspended on a reject
// can claim a later scripted event.
//
// Events are serialized: the next scripted event is not dispatched until
// every earlier dispatch has either finished or parked on the rendezvous.
// This keeps the trace order deterministic. Dispatches still parked when
// the script ends are cancelled; their rejects degrade to finish.
func Run(s *Scenario, specs []*registry.NodeSpec, opts ...dispatch.Option) (*Result, error) {
	reg, err := registry.Build(specs, nil)
	if err != nil {
		return nil, fmt.Errorf("harness: building registry: %w", err)
	}

	rec := &recorder{}
	replies := &replyLog{}
	rz := intake.NewRendezvous()
	opts = append([]dispatch.Option{
		dispatch.WithTracer(rec),
		dispatch.WithReplier(replies),
		dispatch.WithRendezvous(rz),
	}, opts...)
	d := dispatch.New(reg, state.NewStore(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var launched, completed atomic.Int32
	// settled: every launched dispatch is either done or parked. The
	// condition must hold for several consecutive polls so a freshly
	// woken waiter is not mistaken for a parked one.
	settle := func() {
		stable := 0
		for stable < 5 {
			if completed.Load()+int32(rz.Waiters()) >= launched.Load() {
				stable++
			} else {
				stable = 0
			}
			time.Sleep(2 * time.Millisecond)
		}
	}

	for _, step := range s.Events {
		ev := event.NewMessage("harness", step.Session, step.Text)
		if step.Type != "" {
			ev.EventType = step.Type
		}
		ev.ToMe = step.ToMe

		rz.Publish(ev)
		settle()
		launched.Add(1)
		go func() {
			d.Dispatch(ctx, ev)
			completed.Add(1)
		}()
		settle()
	}

	cancel()
	for completed.Load() < launched.Load() {
		time.Sleep(2 * time.Millisecond)
	}

	return &Result{Replies: replies.messages, Trace: rec.steps}, nil
}
