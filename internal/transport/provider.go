// Package transport abstracts the messaging-network client library
// behind a provider interface with a single ordered event stream.
package transport

import (
	"context"
	"time"

	"github.com/petzap/wabridge/internal/domain"
)

// Provider opens transport sessions bound to a credential directory.
type Provider interface {
	// Open loads or creates credentials under credDir and starts
	// connecting. The returned session is live immediately; its event
	// channel reports progress.
	Open(ctx context.Context, credDir string) (Session, error)
}

// Session is one live link to the messaging network. Events are
// delivered on a single channel in the order the underlying library
// emitted them; the channel closes when the session ends for good.
type Session interface {
	Events() <-chan Event

	// Authenticated reports whether stored credentials were found at
	// open time (a restored session needs no pairing).
	Authenticated() bool

	// RequestPairingCode asks the network for a phone-linked pairing
	// code. Only valid while unauthenticated.
	RequestPairingCode(ctx context.Context, phone string) (string, error)

	// Send delivers a text message and returns the provider message id.
	Send(ctx context.Context, to string, text string) (string, error)

	// Disconnect tears the socket down without touching credentials.
	Disconnect()

	// Logout invalidates the stored credentials on the network side.
	Logout(ctx context.Context) error
}

// Event is the sum type carried on a session's event channel.
type Event interface {
	transportEvent()
}

// StateEvent reports a connectivity transition.
type StateEvent struct {
	Connected bool
	Reason    domain.DisconnectReason
}

// QREvent carries a fresh scannable-code payload.
type QREvent struct {
	Code string
}

// CredentialsEvent signals that credential material changed on disk
// (pairing completed or keys rotated).
type CredentialsEvent struct{}

// MessageEvent is one inbound message.
type MessageEvent struct {
	ID        string
	Sender    string
	FromMe    bool
	Timestamp time.Time
	Kind      domain.MessageType
	Text      string
	Caption   string
}

func (StateEvent) transportEvent()       {}
func (QREvent) transportEvent()          {}
func (CredentialsEvent) transportEvent() {}
func (MessageEvent) transportEvent()     {}
