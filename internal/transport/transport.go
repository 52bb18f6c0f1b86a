// Package transport abstracts the message-oriented link the connection
// manager speaks STOMP over. The production implementation is a WebSocket;
// the memory subpackage provides an in-process pair for tests.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Conn operations after the link has closed.
var ErrClosed = errors.New("transport closed")

// Conn is one live, full-duplex message link. ReadMessage is only ever called
// from a single goroutine; WriteMessage may be called concurrently.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Conn to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}
