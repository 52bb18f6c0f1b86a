package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subprotocols advertised during the WebSocket upgrade.
var Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

const (
	closeWriteTimeout   = time.Second
	defaultWriteTimeout = 10 * time.Second
)

// WebSocketConfig tunes the WebSocket dialer.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each frame write so a peer that stopped reading
	// cannot stall the sender; zero uses 10s.
	WriteTimeout time.Duration
	// Header is sent with the upgrade request (e.g. Authorization).
	Header http.Header
	// ReadLimit caps inbound message size in bytes; zero keeps gorilla's default.
	ReadLimit int64
}

// WebSocketDialer dials STOMP-over-WebSocket endpoints with gorilla/websocket.
type WebSocketDialer struct {
	dialer       *websocket.Dialer
	header       http.Header
	readLimit    int64
	writeTimeout time.Duration
}

// NewWebSocketDialer constructs a WebSocketDialer.
func NewWebSocketDialer(cfg WebSocketConfig) *WebSocketDialer {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Subprotocols:     Subprotocols,
	}
	if d.HandshakeTimeout <= 0 {
		d.HandshakeTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &WebSocketDialer{
		dialer:       d,
		header:       cfg.Header.Clone(),
		readLimit:    cfg.ReadLimit,
		writeTimeout: writeTimeout,
	}
}

// Dial opens a WebSocket to endpoint.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, endpoint, d.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	if d.readLimit > 0 {
		ws.SetReadLimit(d.readLimit)
	}
	return &wsConn{ws: ws, writeTimeout: d.writeTimeout}, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
			errors.Is(err, websocket.ErrCloseSent) {
			return nil, fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("websocket write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close does not take writeMu: WriteControl is safe alongside a blocked
// WriteMessage, and closing the socket unblocks that writer.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
