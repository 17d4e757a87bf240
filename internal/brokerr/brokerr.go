// Package brokerr defines the broker's error kinds and binds each to the
// MQTT reason code the flusher sends when the error reaches a client.
package brokerr

import (
	"fmt"

	"github.com/meshbroker/mqttd/packet"
)

// Kind classifies an error by how it must be handled, independent of
// which MQTT reason code it carries to the wire.
type Kind uint8

const (
	// InvalidInput is a caller contract violation at setup time (e.g. a
	// non-power-of-two shard count). Fatal for the affected call; never
	// surfaced to a client.
	InvalidInput Kind = iota
	// MalformedPacket means the bytes didn't parse.
	MalformedPacket
	// ProtocolError means the bytes parsed but violate MQTT v5.
	ProtocolError
	// Disconnected means a channel or socket peer has closed.
	Disconnected
	// SessionTakenOver is surfaced as a DISCONNECT to the evicted client.
	SessionTakenOver
	// SlowClient is produced when back-pressure on a client persists past
	// the configured threshold.
	SlowClient
	// IPCFail means a control reply channel was dropped before a response
	// could be sent.
	IPCFail
	// Fatal means an invariant was violated; the shard panics and cascades
	// shutdown to its peers.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case MalformedPacket:
		return "malformed_packet"
	case ProtocolError:
		return "protocol_error"
	case Disconnected:
		return "disconnected"
	case SessionTakenOver:
		return "session_taken_over"
	case SlowClient:
		return "slow_client"
	case IPCFail:
		return "ipc_fail"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus the MQTT reason code a flusher should send
// when this error is the terminating cause of a connection close.
type Error struct {
	Kind   Kind
	Reason packet.ReasonCode
	Err    error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

func new_(kind Kind, reason packet.ReasonCode, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// NewInvalidInput wraps a caller contract violation. Never reaches a wire
// reason code; reason is retained only for logging consistency.
func NewInvalidInput(format string, args ...any) *Error {
	return new_(InvalidInput, packet.ErrProtocolViolation, fmt.Errorf(format, args...))
}

// NewMalformedPacket wraps an error from the packet codec.
func NewMalformedPacket(err error) *Error {
	return new_(MalformedPacket, packet.ErrMalformedPacket, err)
}

// NewProtocolError wraps a semantic v5 violation, tagged with its
// specific reason code (e.g. packet.ErrProtocolViolationNoTopic).
func NewProtocolError(reason packet.ReasonCode, err error) *Error {
	return new_(ProtocolError, reason, err)
}

// NewDisconnected reports a closed channel or socket peer.
func NewDisconnected(err error) *Error {
	return new_(Disconnected, packet.ErrServerShuttingDown, err)
}

// NewSessionTakenOver is raised against a session being evicted by a
// newer CONNECT for the same ClientID.
func NewSessionTakenOver() *Error {
	return new_(SessionTakenOver, packet.ErrSessionTakenOver, nil)
}

// NewSlowClient is raised when a client's outbound queue has stayed
// blocked past the configured retry budget.
func NewSlowClient() *Error {
	return new_(SlowClient, packet.ErrUnspecifiedError, nil)
}

// NewIPCFail reports a dropped control-channel reply.
func NewIPCFail(err error) *Error {
	return new_(IPCFail, packet.ErrUnspecifiedError, err)
}

// NewFatal reports an invariant violation; the caller should panic after
// logging this, cascading shard shutdown.
func NewFatal(format string, args ...any) *Error {
	return new_(Fatal, packet.ErrUnspecifiedError, fmt.Errorf(format, args...))
}

// As reports whether err is a *Error of the given Kind.
func As(err error, kind Kind) bool {
	be, ok := err.(*Error)
	return ok && be.Kind == kind
}
