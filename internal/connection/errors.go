package connection

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send when no handshaken transport exists.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrHandshake wraps failures of the CONNECT/CONNECTED exchange.
	ErrHandshake = errors.New("connection: handshake failed")
	// ErrHeartbeatTimeout is reported when the server stays silent too long.
	ErrHeartbeatTimeout = errors.New("connection: heart-beat timeout")
)

// Error is a transport-level failure. It is informational: the manager keeps
// reconnecting until Disconnect is called.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ServerError carries a STOMP ERROR frame sent by the server.
type ServerError struct {
	Message string
	Body    string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return "server error: " + e.Message
	}
	return fmt.Sprintf("server error: %s: %s", e.Message, e.Body)
}
