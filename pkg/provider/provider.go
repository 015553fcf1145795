// Package provider defines the contract WAFleet consumes to talk to the
// messaging network. The fleet core never touches the wire protocol or the
// pairing cryptography; it only opens connections, reads the event stream
// and issues sends. Concrete implementations live outside this repository
// and are injected at bootstrap.
package provider

import (
	"context"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Connection contract
// ---------------------------------------------------------------------------

// Provider establishes one stateful connection per session namespace.
type Provider interface {
	// Open establishes a connection using the session material stored under
	// the given namespace. Fails with *OpenError.
	Open(ctx context.Context, namespace string) (Conn, error)
}

// Conn is one live connection. Exactly one Conn may serve a tenant at a
// time; ownership is tracked by the manager's registry, never shared.
type Conn interface {
	// Events returns the lazy, unbounded event stream for this connection.
	// The channel is closed when the connection is torn down.
	Events() <-chan Event
	// Send delivers a text message to a recipient. Fails with *SendError.
	Send(ctx context.Context, recipient, text string) error
	// Close tears the connection down with a human-readable reason.
	Close(reason string)
}

// ---------------------------------------------------------------------------
// Event stream
// ---------------------------------------------------------------------------

// EventType discriminates the variants of Event.
type EventType string

const (
	EventConnectionUpdate EventType = "connection.update"
	EventCredsUpdate      EventType = "creds.update"
	EventMessageUpsert    EventType = "messages.upsert"
)

// Event is a tagged union: exactly one of the payload pointers matching
// Type is non-nil.
type Event struct {
	Type    EventType
	Update  *ConnectionUpdate
	Creds   *CredsUpdate
	Message *Message
}

// ConnState is the connection phase reported by the provider.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOpen       ConnState = "open"
	StateClose      ConnState = "close"
)

// ConnectionUpdate reports a state transition. QR is set when the provider
// needs a fresh pairing scan; CloseReason accompanies StateClose.
type ConnectionUpdate struct {
	State       ConnState
	QR          string
	CloseReason *CloseReason
}

// CredsUpdate carries refreshed session credential material that must be
// persisted so the session survives a restart. Artifacts are grouped per
// chat key and versioned by a monotonically increasing sequence.
type CredsUpdate struct {
	ChatKey string
	Seq     uint64
	Blob    []byte
}

// Message is one inbound message as delivered by the network.
type Message struct {
	Sender     string
	Text       string
	ReceivedAt time.Time
	FromSelf   bool
}

// ---------------------------------------------------------------------------
// Close reasons and errors
// ---------------------------------------------------------------------------

// CodeLoggedOut is the terminal disconnect status: the user unpaired the
// device. Retrying is futile; the tenant needs a fresh pairing flow.
const CodeLoggedOut = 401

// CloseReason describes why a connection dropped.
type CloseReason struct {
	Code    int
	Message string
}

// LoggedOut reports whether the close was a deliberate unpairing.
func (r *CloseReason) LoggedOut() bool {
	return r != nil && r.Code == CodeLoggedOut
}

func (r *CloseReason) String() string {
	if r == nil {
		return "unknown"
	}
	return fmt.Sprintf("%d: %s", r.Code, r.Message)
}

// OpenError signals that a connection could not be established.
type OpenError struct {
	Namespace string
	Err       error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open session %s: %v", e.Namespace, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// SendError signals that an outbound send failed. Sends are not retried
// automatically; the caller decides.
type SendError struct {
	Recipient string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.Recipient, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
