// Package memory provides in-process transport implementations for tests and
// local development: a Conn pair and a scripted STOMP broker.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/realtime-job-progress/internal/transport"
)

const pipeBuffer = 64

// Conn is one end of an in-memory pipe.
type Conn struct {
	in   chan []byte
	peer *Conn
	link *link
}

type link struct {
	done chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() { close(l.done) })
}

// Pipe returns two connected ends.
func Pipe() (*Conn, *Conn) {
	l := &link{done: make(chan struct{})}
	a := &Conn{in: make(chan []byte, pipeBuffer), link: l}
	b := &Conn{in: make(chan []byte, pipeBuffer), link: l}
	a.peer, b.peer = b, a
	return a, b
}

// ReadMessage blocks until a message arrives or either end closes.
func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.link.done:
		return nil, transport.ErrClosed
	}
}

// WriteMessage delivers a copy of data to the peer.
func (c *Conn) WriteMessage(data []byte) error {
	msg := append([]byte(nil), data...)
	select {
	case <-c.link.done:
		return transport.ErrClosed
	default:
	}
	select {
	case c.peer.in <- msg:
		return nil
	case <-c.link.done:
		return transport.ErrClosed
	}
}

// Close closes both ends.
func (c *Conn) Close() error {
	c.link.close()
	return nil
}

// Closed reports whether the pipe has been closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.link.done:
		return true
	default:
		return false
	}
}

// Dialer hands out pipes; the server ends are available from Accept.
type Dialer struct {
	mu       sync.Mutex
	accepted chan *Conn
	failures []error
	dials    int
}

// NewDialer constructs a Dialer.
func NewDialer() *Dialer {
	return &Dialer{accepted: make(chan *Conn, pipeBuffer)}
}

// FailNext makes the next dial attempts return errs in order.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

// Dials reports how many Dial calls were made.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	client, server := Pipe()
	select {
	case d.accepted <- server:
		return client, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("dial canceled: %w", ctx.Err())
	}
}

// Accept returns the server end of the next dialed pipe.
func (d *Dialer) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-d.accepted:
		return c, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("accept canceled: %w", ctx.Err())
	}
}
