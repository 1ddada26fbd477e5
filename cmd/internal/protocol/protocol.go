// Package protocol defines the boundary to the chat-protocol client.
//
// The orchestrator never speaks the wire protocol itself. It drives one Client per
// identity and consumes that client's typed event stream. Drivers live in
// sub-packages.
package protocol

import (
	"context"
	"errors"
	"time"
)

// AuthState is the opaque credential blob a driver needs to resume an identity.
// Registered is true once a pairing has completed and the blob can log in on its own.
type AuthState struct {
	Registered bool      `json:"registered"`
	Blob       []byte    `json:"blob,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Client is one protocol connection bound to a single identity.
//
// Events returns the single stream of lifecycle and message events for this client.
// The channel is closed once the client has fully stopped. Blocking methods honor ctx.
type Client interface {
	Connect(ctx context.Context) error
	Events() <-chan Event

	RequestPairingCode(ctx context.Context, number string) (string, error)
	Send(ctx context.Context, to string, msg OutboundMessage) error
	DownloadMedia(ctx context.Context, media *Media) ([]byte, error)

	// SelfJID is the identity's own chat address once the connection is open.
	SelfJID() string

	// Logout unregisters the device and stops the client.
	Logout(ctx context.Context) error
	// Close stops the client without unregistering.
	Close() error
}

// Factory builds a Client for an identity from its stored credentials.
type Factory interface {
	NewClient(ctx context.Context, id string, state AuthState) (Client, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, id string, state AuthState) (Client, error)

// NewClient calls f.
func (f FactoryFunc) NewClient(ctx context.Context, id string, state AuthState) (Client, error) {
	return f(ctx, id, state)
}

var (
	// ErrClientClosed is returned by methods called after Close or Logout.
	ErrClientClosed = errors.New("protocol: client closed")

	// ErrBadCredentials is returned by factories when the stored blob cannot be used.
	ErrBadCredentials = errors.New("protocol: bad credentials")
)
