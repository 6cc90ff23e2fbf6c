// Package txbus provides a transactional outbox with session-ordered delivery.
//
// Producers record messages in the same database transaction as their domain
// writes (Outbox.Enqueue). A Relay claims committed rows and publishes them to a
// session-capable queue through a Sender, one row at a time per session. A
// Dispatcher consumes the queue, leasing one session per worker so that messages
// sharing a session id are handled in order while failures stay inside their
// own session.
package txbus

import (
	"time"
)

// Message is a domain value that can travel through the bus.
type Message interface {
	// MessageType returns the type tag used to pick a decoder on the receive side.
	MessageType() string
}

// Envelope wraps an encoded message with its routing metadata.
type Envelope struct {
	// MessageID identifies the message across redeliveries.
	MessageID string
	// TypeTag selects the decoder registered for the payload.
	TypeTag string
	// SessionID groups messages that must be handled in order. Empty means no session.
	SessionID string
	// Payload is the content encoded with the codec's Format.
	Payload []byte
	// CreatedAt records when the envelope was sealed.
	CreatedAt time.Time
}

// HasSession reports whether the envelope belongs to an ordered session.
func (e Envelope) HasSession() bool {
	return e.SessionID != ""
}

// SessionUnlockType is the type tag of SessionUnlock.
const SessionUnlockType = "txbus.session.unlock"

// SessionUnlock is a control message that clears the fault state of a session.
// The dispatcher consumes it itself; handlers never see it.
type SessionUnlock struct {
	Reason string `json:"reason,omitempty" msgpack:"reason,omitempty"`
}

// MessageType implements Message.
func (SessionUnlock) MessageType() string {
	return SessionUnlockType
}
