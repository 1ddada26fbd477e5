// Package v1 defines the botgate event channel contract, version 1.
//
// It is shared between the server and browser or tool clients so the wire format has
// one authoritative definition. Keep it dependency-light.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is embedded into every envelope.
const Version = "v1"

// Subprotocol is negotiated on the websocket upgrade.
const Subprotocol = "botgate.events.v1"

// Type constants (wire-stable).
const (
	// TypeJoinSession binds the connection to a room (client -> server).
	TypeJoinSession = "join_session"
	// TypeJoinAck confirms the binding (server -> client).
	TypeJoinAck = "join_ack"

	// TypePairingCode carries a pairing artifact for the user to enter or scan.
	TypePairingCode = "pairing_code"
	// TypeConnectionSuccess reports that the identity is connected.
	TypeConnectionSuccess = "connection_success"
	// TypeConnectionLost reports a terminal close.
	TypeConnectionLost = "connection_lost"
	// TypePairingTimeout reports an expired artifact.
	TypePairingTimeout = "pairing_timeout"
	// TypeConnectionError reports a session that could not be constructed.
	TypeConnectionError = "connection_error"
	// TypeBotsUpdate is broadcast to every client when the connected count changes.
	TypeBotsUpdate = "bots_update"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Room    string          `json:"room,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoinSession,
		TypeJoinAck,
		TypePairingCode,
		TypeConnectionSuccess,
		TypeConnectionLost,
		TypePairingTimeout,
		TypeConnectionError,
		TypeBotsUpdate,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// JoinSessionPayload names the room (the socketId handed out by POST /api/connect).
// An empty SocketID asks the server to keep the room it generated for this connection.
type JoinSessionPayload struct {
	SocketID string `json:"socket_id,omitempty"`
}

// JoinAckPayload returns the room the connection is bound to.
type JoinAckPayload struct {
	SocketID string `json:"socket_id"`
}

// PairingCodePayload carries the artifact. Code is what the browser shows:
// a grouped numeric code, or a PNG data URL when pairing by QR. RawCode is the unformatted value.
type PairingCodePayload struct {
	Number    string    `json:"number"`
	Code      string    `json:"code"`
	RawCode   string    `json:"rawCode"`
	Mode      string    `json:"mode"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ConnectionSuccessPayload is emitted once per successful open.
type ConnectionSuccessPayload struct {
	Number string `json:"number"`
}

// ConnectionLostPayload is emitted when the session ends for good.
type ConnectionLostPayload struct {
	Number string `json:"number"`
	Reason string `json:"reason"`
}

// PairingTimeoutPayload is emitted when the artifact expired unused.
type PairingTimeoutPayload struct {
	Number string `json:"number"`
}

// ConnectionErrorPayload is emitted for construction failures; they are not retried.
type ConnectionErrorPayload struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

// BotsUpdatePayload carries the number of connected identities.
type BotsUpdatePayload struct {
	Count int `json:"count"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
