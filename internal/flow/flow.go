// Package flow defines the control signals a node returns from Handle,
// Rule or Fallback to steer event propagation. Signals are not failures:
// they are typed error values the dispatch loop decodes into transitions,
// so a plain `return flow.Stop()` replaces raised-exception control flow.
package flow

import (
	"fmt"
	"time"
)

// DefaultRejectTimeout bounds a reject's rendezvous wait when the node
// does not specify one.
const DefaultRejectTimeout = 600 * time.Second

// Kind enumerates the control signals.
type Kind int

const (
	// KindSkip advances to the next node and continues the chain.
	KindSkip Kind = iota + 1
	// KindStop terminates the whole dispatch for this event.
	KindStop
	// KindPrune resumes past this node's nested subtree.
	KindPrune
	// KindJumpTo resumes at a named node registered after this one.
	KindJumpTo
	// KindFinish ends the chain for this event without marking it as an
	// anomalous stop.
	KindFinish
	// KindReject suspends this node and waits for a correlated follow-up
	// event, then restarts handling on it.
	KindReject
)

func (k Kind) String() string {
	switch k {
	case KindSkip:
		return "skip"
	case KindStop:
		return "stop"
	case KindPrune:
		return "prune"
	case KindJumpTo:
		return "jump_to"
	case KindFinish:
		return "finish"
	case KindReject:
		return "reject"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Signal is a control-flow signal. It implements error so nodes can
// return it through the ordinary error path; the dispatch loop decodes it
// with Decode before treating anything as a handler failure.
type Signal struct {
	kind    Kind
	target  string
	message string
	maxTry  int
	timeout time.Duration
}

// Error implements error.
func (s *Signal) Error() string {
	switch s.kind {
	case KindJumpTo:
		return fmt.Sprintf("flow: %s(%s)", s.kind, s.target)
	default:
		return "flow: " + s.kind.String()
	}
}

// Kind returns the signal's kind.
func (s *Signal) Kind() Kind { return s.kind }

// Target returns the jump destination node name (jump_to only).
func (s *Signal) Target() string { return s.target }

// Message returns the optional reply message (finish/reject).
func (s *Signal) Message() string { return s.message }

// MaxTryTimes returns the reject retry bound; 0 means unbounded tries
// within the timeout.
func (s *Signal) MaxTryTimes() int { return s.maxTry }

// Timeout returns the reject wait bound.
func (s *Signal) Timeout() time.Duration { return s.timeout }

// Decode extracts a control signal from an error chain. It returns false
// for nil and for ordinary errors.
func Decode(err error) (*Signal, bool) {
	for err != nil {
		if s, ok := err.(*Signal); ok {
			return s, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// Skip continues the chain at the next node.
func Skip() error { return &Signal{kind: KindSkip} }

// Stop terminates the whole dispatch for this event.
func Stop() error { return &Signal{kind: KindStop} }

// Prune resumes past this node's nested subtree; without descendants it
// falls through to the next node.
func Prune() error { return &Signal{kind: KindPrune} }

// JumpTo resumes at the named node. The target must be registered after
// the current node; otherwise the dispatch loop logs a warning and falls
// through to the next node.
func JumpTo(node string) error { return &Signal{kind: KindJumpTo, target: node} }

// Finish ends the chain for this event, optionally replying first.
func Finish(message ...string) error {
	s := &Signal{kind: KindFinish}
	if len(message) > 0 {
		s.message = message[0]
	}
	return s
}

// RejectOption configures a reject signal.
type RejectOption func(*Signal)

// WithMaxTryTimes bounds the number of non-matching rendezvous wakes
// tolerated before the reject is abandoned.
func WithMaxTryTimes(n int) RejectOption {
	return func(s *Signal) { s.maxTry = n }
}

// WithTimeout bounds the reject's wall-clock wait.
func WithTimeout(d time.Duration) RejectOption {
	return func(s *Signal) { s.timeout = d }
}

// Reject suspends this node (not the whole loop), optionally replying
// first, and waits for a new event from the same session with the same
// event type. On success the node restarts on the new event; on timeout
// or try exhaustion the reject degrades to Finish.
func Reject(message string, opts ...RejectOption) error {
	s := &Signal{kind: KindReject, message: message, timeout: DefaultRejectTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
