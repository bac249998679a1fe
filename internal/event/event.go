// Package event defines the contract between adapters and the dispatch
// engine. Adapters produce events; the engine never inspects anything
// beyond the type tag and the session identifier.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the unit of work routed through the engine.
//
// Events are produced by adapters and must not be mutated after they have
// been handed to the intake. The "claimed" flag described by the rendezvous
// protocol is not part of this contract; claiming is owned by the
// rendezvous offer so adapters cannot interfere with it.
type Event interface {
	// Type returns the event's type tag (e.g., "message", "notice").
	Type() string

	// SessionID identifies the conversation the event belongs to.
	// Rendezvous waits correlate follow-up events by this value.
	SessionID() string
}

// MessageEvent is implemented by events that carry plain text.
// Text-based rule checkers require it.
type MessageEvent interface {
	Event
	PlainText() string
}

// Directed is implemented by events that know whether they address the
// bot itself (an at-mention, a private message, a wake word).
type Directed interface {
	Event
	IsToMe() bool
}

// Meta is standard metadata adapters may attach to their events.
type Meta struct {
	// ID uniquely identifies this event instance.
	ID string

	// Time is when the adapter received the event.
	Time time.Time

	// Source names the adapter that produced the event.
	Source string
}

// NewMeta creates metadata with a fresh UUID and the current time.
func NewMeta(source string) Meta {
	return Meta{
		ID:     uuid.NewString(),
		Time:   time.Now(),
		Source: source,
	}
}

// Base is a minimal Event implementation for adapters that do not need a
// custom type. Embed it and override methods as needed.
type Base struct {
	Meta      Meta
	EventType string
	Session   string
}

// Type implements Event.
func (b *Base) Type() string { return b.EventType }

// SessionID implements Event.
func (b *Base) SessionID() string { return b.Session }

// SourceName returns the name of the adapter that produced the event.
func (b *Base) SourceName() string { return b.Meta.Source }

func (b *Base) String() string {
	return fmt.Sprintf("%s[%s]", b.EventType, b.Session)
}

// Message is a text-carrying event.
type Message struct {
	Base
	Text string
	ToMe bool
}

// NewMessage creates a message event for the given session.
func NewMessage(source, session, text string) *Message {
	return &Message{
		Base: Base{
			Meta:      NewMeta(source),
			EventType: "message",
			Session:   session,
		},
		Text: text,
	}
}

// PlainText implements MessageEvent.
func (m *Message) PlainText() string { return m.Text }

// IsToMe implements Directed.
func (m *Message) IsToMe() bool { return m.ToMe }

// HandleOption is the queued intake unit: the event plus whether it is
// eligible to satisfy a pending rendezvous wait.
type HandleOption struct {
	Event     Event
	HandleGet bool
}
