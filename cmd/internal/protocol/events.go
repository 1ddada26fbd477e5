package protocol

import "fmt"

// Event is one item of a client's event stream.
// The concrete types below are the only implementations.
type Event interface {
	isEvent()
}

// QREvent carries a QR payload for the browser to render.
type QREvent struct {
	Code string
}

// PairingCodeEvent carries a numeric pairing code issued by the server side.
type PairingCodeEvent struct {
	Code string
}

// OpenEvent reports a fully authenticated connection.
type OpenEvent struct {
	SelfJID string
}

// CloseEvent reports that the connection is gone.
type CloseEvent struct {
	Reason DisconnectReason
	Err    error
}

// CredsUpdateEvent carries a credential blob that must be persisted.
type CredsUpdateEvent struct {
	State AuthState
}

// MessagesEvent carries a batch of inbound messages in arrival order.
type MessagesEvent struct {
	Messages []InboundMessage
}

func (QREvent) isEvent()          {}
func (PairingCodeEvent) isEvent() {}
func (OpenEvent) isEvent()        {}
func (CloseEvent) isEvent()       {}
func (CredsUpdateEvent) isEvent() {}
func (MessagesEvent) isEvent()    {}

// DisconnectReason is the status code attached to a close.
type DisconnectReason int

// Reason codes follow the status codes the protocol server reports.
const (
	ReasonUnknown             DisconnectReason = 0
	ReasonConnectionClosed    DisconnectReason = 428
	ReasonConnectionLost      DisconnectReason = 408
	ReasonConnectionReplaced  DisconnectReason = 440
	ReasonLoggedOut           DisconnectReason = 401
	ReasonBadSession          DisconnectReason = 500
	ReasonRestartRequired     DisconnectReason = 515
	ReasonMultideviceMismatch DisconnectReason = 411
	ReasonForbidden           DisconnectReason = 403
	ReasonUnavailableService  DisconnectReason = 503
)

// IsLoggedOut reports whether the close is unrecoverable.
func (r DisconnectReason) IsLoggedOut() bool {
	return r == ReasonLoggedOut
}

func (r DisconnectReason) String() string {
	switch r {
	case ReasonConnectionClosed:
		return "connection_closed"
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonConnectionReplaced:
		return "connection_replaced"
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonBadSession:
		return "bad_session"
	case ReasonRestartRequired:
		return "restart_required"
	case ReasonMultideviceMismatch:
		return "multidevice_mismatch"
	case ReasonForbidden:
		return "forbidden"
	case ReasonUnavailableService:
		return "unavailable_service"
	case ReasonUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("status_%d", int(r))
	}
}
