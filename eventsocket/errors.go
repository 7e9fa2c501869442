package eventsocket

import (
	"errors"
	"fmt"
)

var (
	// ErrDisconnected is returned to every command that could not complete
	// because its session ended. Callers should treat it as a hangup.
	ErrDisconnected = errors.New("Session is disconnected")

	ErrProtocolDesync   = errors.New("Received a reply while no command was pending")
	ErrDisconnectNotice = errors.New("Switch sent a disconnect notice")
	ErrNoJobStore       = errors.New("No job store configured")

	ErrAuthTimeout     = errors.New("Timed out waiting for an auth request")
	ErrAuthRejected    = errors.New("Authentication rejected")
	ErrConnectRejected = errors.New("Connect rejected")
	ErrSubscribeFailed = errors.New("Event subscription failed")
	ErrLingerFailed    = errors.New("Linger negotiation failed")
)

// ConnectError is returned when a connection handshake fails. It only
// concerns that attempt; the caller decides whether to retry.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("Failed to connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}
