// Package driver defines the session driver contract: the capability that
// performs the actual chat-session automation for one instance.
package driver

import (
	"context"

	"github.com/wa-session-console/backend/internal/model"
)

// EventType identifies an event emitted by a driver for one handle.
type EventType string

const (
	// EventPairing carries a fresh pairing payload (QR / linking code).
	EventPairing EventType = "pairing"

	// EventAuthenticated signals that the credential exchange completed.
	EventAuthenticated EventType = "authenticated"

	// EventReady signals that the session is fully usable.
	EventReady EventType = "ready"

	// EventAuthFailure signals that authentication was rejected.
	EventAuthFailure EventType = "auth_failure"

	// EventDisconnected signals that the session dropped.
	EventDisconnected EventType = "disconnected"
)

// Event is one driver event, attributed to its instance. The set of event
// types is closed; consumers switch exhaustively over Type.
type Event struct {
	InstanceID string
	Type       EventType

	// PairingPayload is set for EventPairing.
	PairingPayload []byte

	// Info is set for EventReady.
	Info *model.SessionInfo

	// Reason is set for EventAuthFailure and EventDisconnected.
	Reason string
}

// Handle is an opaque reference to one running driver session.
type Handle interface {
	// InstanceID returns the instance this handle belongs to.
	InstanceID() string
}

// SessionDriver drives chat sessions. Implementations own the underlying
// automation; the lifecycle engine only starts, stops, sends, and consumes
// the event stream.
type SessionDriver interface {
	// Start begins a session for the instance id and returns its handle.
	Start(ctx context.Context, instanceID string) (Handle, error)

	// Reconnect re-establishes a dropped session in place, keeping the
	// handle. It fails if the underlying session is beyond recovery.
	Reconnect(ctx context.Context, h Handle) error

	// Stop tears the session down. Stopping an already-stopped handle is a
	// no-op.
	Stop(ctx context.Context, h Handle) error

	// Send delivers a message through a ready session.
	Send(ctx context.Context, h Handle, recipient, content string) (*model.MessageResult, error)

	// Events returns the driver's event stream. Events for one instance are
	// emitted in order; the channel is closed when the driver shuts down.
	Events() <-chan Event
}
