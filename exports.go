package relay

import (
	"github.com/relaykit/relay/internal/di"
	"github.com/relaykit/relay/internal/event"
	"github.com/relaykit/relay/internal/flow"
	"github.com/relaykit/relay/internal/gate"
	"github.com/relaykit/relay/internal/intake"
	"github.com/relaykit/relay/internal/node"
	"github.com/relaykit/relay/internal/registry"
)

// Event model.
type (
	// Event is the unit of work routed through the engine.
	Event = event.Event
	// MessageEvent is an event carrying plain text.
	MessageEvent = event.MessageEvent
	// Message is the stock text event implementation.
	Message = event.Message
)

// NewMessage creates a message event for the given session.
func NewMessage(source, session, text string) *Message {
	return event.NewMessage(source, session, text)
}

// Node contracts.
type (
	// Node is one prioritized event handler.
	Node = node.Node
	// RuleNode adds a per-instance matching rule.
	RuleNode = node.RuleNode
	// FallbackNode is invoked when the instance rule fails.
	FallbackNode = node.FallbackNode
	// Ctx carries everything one node invocation needs.
	Ctx = node.Context
)

// Registration.
type (
	// NodeSpec describes one handler class.
	NodeSpec = registry.NodeSpec
	// Dependency names one declared dependency of a node.
	Dependency = registry.Dependency
	// Gate is an OR-composed permission or rule checker set.
	Gate = gate.Gate
	// CheckFunc is the gate checker contract.
	CheckFunc = gate.CheckFunc
	// Declaration describes a resolvable dependency.
	Declaration = di.Declaration
)

// NewGate builds a gate from checkers.
func NewGate(checkers ...CheckFunc) *Gate { return gate.New(checkers...) }

// Control signals, returned from Handle (or Fallback) through the error
// path.
var (
	// Skip continues at the next node.
	Skip = flow.Skip
	// Stop terminates the whole dispatch for this event.
	Stop = flow.Stop
	// Prune resumes past this node's nested subtree.
	Prune = flow.Prune
	// JumpTo resumes at a named later node.
	JumpTo = flow.JumpTo
	// Finish ends the chain, optionally replying first.
	Finish = flow.Finish
	// Reject suspends this node until a correlated follow-up event.
	Reject = flow.Reject
)

// Reject options.
var (
	RejectMaxTryTimes = flow.WithMaxTryTimes
	RejectTimeout     = flow.WithTimeout
)

// Rendezvous wait options for Ctx.Get and Ctx.Ask.
type GetOption = intake.GetOption

var (
	GetEventType   = intake.WithEventType
	GetMaxTryTimes = intake.WithMaxTryTimes
	GetTimeout     = intake.WithTimeout
)

// DefaultRejectTimeout bounds a reject's wait when the node gives none.
const DefaultRejectTimeout = flow.DefaultRejectTimeout
