// Package events defines the closed set of event records the Session
// Orchestration Core emits, and that EventHub fans out to subscribed
// clients. Each variant is a distinct struct implementing the Event
// interface, whose methods are unexported; this replaces the teacher's ad-hoc
// emitFn func(string, any) callback with a table-driven, exhaustively
// switchable sum type, per spec.md §9's "event fan-out with polymorphic
// emitters" design note.
package events

import "time"

// Channel names clients subscribe to, per spec.md §4.7.
const (
	ChannelSessionListUpdate    = "session-list-update"
	ChannelSessionCreated       = "session-created"
	ChannelSessionTerminated    = "session-terminated"
	ChannelSessionStatusChanged = "session-status-changed"
	ChannelClaudeOutput         = "claude-output"
	ChannelMessageStatus        = "message-status"
	ChannelSessionError         = "session-error"
)

// Event is implemented by every variant below. The two accessor methods are
// unexported so no type outside this package can satisfy Event, keeping the
// set closed.
type Event interface {
	eventChannel() string
	eventSessionID() (string, bool)
	Timestamp() time.Time
}

// SessionSummary is the lightweight per-session view carried by
// session-list-update; it mirrors the REST /sessions listing shape.
type SessionSummary struct {
	ID               string    `json:"id"`
	WorkingDirectory string    `json:"workingDirectory"`
	Status           string    `json:"status"`
	CurrentTask      string    `json:"currentTask,omitempty"`
	QueueLength      int       `json:"queueLength"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivity     time.Time `json:"lastActivity"`
}

type SessionCreatedEvent struct {
	SessionID string
	At        time.Time
}

func (e SessionCreatedEvent) eventChannel() string          { return ChannelSessionCreated }
func (e SessionCreatedEvent) eventSessionID() (string, bool) { return e.SessionID, true }
func (e SessionCreatedEvent) Timestamp() time.Time           { return e.At }

type SessionTerminatedEvent struct {
	SessionID string
	At        time.Time
}

func (e SessionTerminatedEvent) eventChannel() string          { return ChannelSessionTerminated }
func (e SessionTerminatedEvent) eventSessionID() (string, bool) { return e.SessionID, true }
func (e SessionTerminatedEvent) Timestamp() time.Time           { return e.At }

type SessionStatusChangedEvent struct {
	SessionID   string
	OldStatus   string
	NewStatus   string
	CurrentTask string
	At          time.Time
}

func (e SessionStatusChangedEvent) eventChannel() string { return ChannelSessionStatusChanged }
func (e SessionStatusChangedEvent) eventSessionID() (string, bool) {
	return e.SessionID, true
}
func (e SessionStatusChangedEvent) Timestamp() time.Time { return e.At }

// SessionListUpdateEvent carries the full current snapshot list; it is
// unscoped (no single sessionId) because it observes the aggregate view.
type SessionListUpdateEvent struct {
	Sessions []SessionSummary
	At       time.Time
}

func (e SessionListUpdateEvent) eventChannel() string          { return ChannelSessionListUpdate }
func (e SessionListUpdateEvent) eventSessionID() (string, bool) { return "", false }
func (e SessionListUpdateEvent) Timestamp() time.Time           { return e.At }

// OutputEvent carries a throttled current-screen snapshot.
type OutputEvent struct {
	SessionID string
	Screen    []byte
	At        time.Time
}

func (e OutputEvent) eventChannel() string          { return ChannelClaudeOutput }
func (e OutputEvent) eventSessionID() (string, bool) { return e.SessionID, true }
func (e OutputEvent) Timestamp() time.Time           { return e.At }

// MessageLifecycleEvent carries one MessageItem's status transition.
type MessageLifecycleEvent struct {
	SessionID string
	MessageID string
	Status    string
	At        time.Time
}

func (e MessageLifecycleEvent) eventChannel() string          { return ChannelMessageStatus }
func (e MessageLifecycleEvent) eventSessionID() (string, bool) { return e.SessionID, true }
func (e MessageLifecycleEvent) Timestamp() time.Time           { return e.At }

// SessionErrorEvent carries a taxonomy Kind (as a string so this package
// does not depend on orcherr) plus a single-line message.
type SessionErrorEvent struct {
	SessionID string
	Kind      string
	Message   string
	At        time.Time
}

func (e SessionErrorEvent) eventChannel() string          { return ChannelSessionError }
func (e SessionErrorEvent) eventSessionID() (string, bool) { return e.SessionID, true }
func (e SessionErrorEvent) Timestamp() time.Time           { return e.At }

// Channel returns an event's channel name. Exported wrapper around the
// unexported interface method so package consumers (EventHub) can dispatch
// without a type switch in the common case.
func Channel(e Event) string { return e.eventChannel() }

// SessionID returns an event's associated session ID, if any.
func SessionID(e Event) (string, bool) { return e.eventSessionID() }
