package dispatch

import (
	"sync"

	"github.com/relaykit/relay/internal/event"
)

// Step is one recorded dispatch decision. Action names the decision
// point; Signal and Detail qualify it.
type Step struct {
	Node   string `yaml:"node"`
	Action string `yaml:"action"`
	Signal string `yaml:"signal,omitempty"`
	Detail string `yaml:"detail,omitempty"`
}

// Tracer observes dispatch decisions. Implementations must be safe for
// concurrent use; distinct events dispatch concurrently.
type Tracer interface {
	DispatchStart(ev event.Event)
	Step(ev event.Event, step Step)
	DispatchEnd(ev event.Event)
}

// Recorder is a Tracer that accumulates per-event traces in memory. The
// scenario harness snapshots it against golden files.
type Recorder struct {
	mu     sync.Mutex
	traces map[string][]Step
	order  []string
}

// NewRecorder creates an empty trace recorder.
func NewRecorder() *Recorder {
	return &Recorder{traces: make(map[string][]Step)}
}

func (rec *Recorder) DispatchStart(ev event.Event) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	key := rec.key(ev)
	if _, seen := rec.traces[key]; !seen {
		rec.traces[key] = nil
		rec.order = append(rec.order, key)
	}
}

func (rec *Recorder) Step(ev event.Event, step Step) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	key := rec.key(ev)
	rec.traces[key] = append(rec.traces[key], step)
}

func (rec *Recorder) DispatchEnd(event.Event) {}

func (rec *Recorder) key(ev event.Event) string {
	return ev.Type() + "/" + ev.SessionID()
}

// Trace returns the recorded steps for an event's type/session key, in
// dispatch order.
func (rec *Recorder) Trace(eventType, session string) []Step {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Step(nil), rec.traces[eventType+"/"+session]...)
}

// Keys returns the recorded event keys in first-seen order.
func (rec *Recorder) Keys() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.order...)
}
