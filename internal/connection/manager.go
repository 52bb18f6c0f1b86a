// Package connection owns the single persistent push connection of a client:
// it dials the transport, performs the STOMP handshake, exchanges heart-beats
// and reconnects after a fixed delay whenever the link is lost.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-progress/internal/metrics"
	"github.com/JakeFAU/realtime-job-progress/internal/stomp"
	"github.com/JakeFAU/realtime-job-progress/internal/transport"
)

const (
	defaultReconnectDelay     = 5 * time.Second
	defaultHandshakeTimeout   = 10 * time.Second
	defaultHeartbeatTolerance = 2.0
	disconnectWriteTimeout    = time.Second
)

// Config controls the Manager.
//   - Endpoint: ws:// or wss:// URL of the push endpoint.
//   - Dialer: transport used to open links (required).
//   - Connect: CONNECT frame options including desired heart-beats.
//   - HeartbeatTolerance: multiple of the negotiated incoming interval after
//     which a silent server is considered gone (default 2).
//   - ReconnectDelay: fixed wait between attempts (default 5s).
//   - HandshakeTimeout: bound on waiting for CONNECTED (default 10s).
type Config struct {
	Endpoint           string
	Dialer             transport.Dialer
	Connect            stomp.ConnectOptions
	HeartbeatTolerance float64
	ReconnectDelay     time.Duration
	HandshakeTimeout   time.Duration
	Hooks              Hooks
	Logger             *zap.Logger
	Metrics            *metrics.Metrics
}

// Manager owns one push connection. Connect, Disconnect, IsConnected and Send
// are safe for concurrent use.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	state     State
	conn      transport.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	listeners []Listener
}

// New validates cfg and returns a disconnected Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("connection: endpoint is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("connection: dialer is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.HeartbeatTolerance < 1 {
		cfg.HeartbeatTolerance = defaultHeartbeatTolerance
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:     cfg,
		logger:  logger.With(zap.String("endpoint", cfg.Endpoint)),
		metrics: cfg.Metrics,
	}
	m.metrics.SetConnectionState(int(Disconnected))
	return m, nil
}

// Attach registers a Listener for inbound messages and teardown notices.
func (m *Manager) Attach(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the handshake has completed on a live transport.
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

// Connect starts the connection loop and returns immediately. It is a no-op
// while the loop is already running, whether connecting, connected or
// waiting to reconnect.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	go m.run(ctx, done)
}

// Disconnect stops the loop, closes the transport and clears every attached
// listener. It waits for the connection goroutine to exit and is safe to call
// when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	connected := m.state == Connected
	m.mu.Unlock()

	if cancel == nil {
		m.notifyClosed()
		return
	}
	cancel()
	if conn != nil {
		if connected {
			m.sendDisconnect(conn)
		}
		_ = conn.Close()
	}
	<-done

	m.mu.Lock()
	// A concurrent Disconnect may have finished and a new Connect started a
	// fresh loop in the meantime; that loop is not ours to clear.
	if m.done == done {
		m.cancel = nil
		m.done = nil
		m.setStateLocked(Disconnected)
	}
	m.mu.Unlock()
	m.logger.Info("push connection closed")
}

// sendDisconnect writes a DISCONNECT frame but gives up after a short wait so
// a peer that stopped reading cannot hold up teardown.
func (m *Manager) sendDisconnect(conn transport.Conn) {
	data, err := stomp.Encode(stomp.Disconnect())
	if err != nil {
		return
	}
	written := make(chan struct{})
	go func() {
		defer close(written)
		_ = conn.WriteMessage(data)
	}()
	timer := time.NewTimer(disconnectWriteTimeout)
	defer timer.Stop()
	select {
	case <-written:
	case <-timer.C:
		m.logger.Debug("DISCONNECT write timed out")
	}
}

// Send writes a frame on the live transport.
func (m *Manager) Send(f *frame.Frame) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if state != Connected || conn == nil {
		return ErrNotConnected
	}
	data, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		return &Error{Op: "write", Err: err}
	}
	return nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		err := m.session(ctx)

		m.mu.Lock()
		m.setStateLocked(Disconnected)
		m.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		m.reportError(err)
		m.logger.Info("reconnecting after delay", zap.Duration("delay", m.cfg.ReconnectDelay))

		timer := time.NewTimer(m.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.mu.Lock()
		if ctx.Err() != nil {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(Connecting)
		m.mu.Unlock()
	}
}

// session runs one transport lifetime: dial, handshake, read until failure.
func (m *Manager) session(ctx context.Context) error {
	m.metrics.ObserveConnectAttempt()
	conn, err := m.cfg.Dialer.Dial(ctx, m.cfg.Endpoint)
	if err != nil {
		return &Error{Op: "dial", Err: err}
	}
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return ctx.Err()
	}
	m.conn = conn
	m.mu.Unlock()
	defer func() {
		_ = conn.Close()
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	connected, err := m.handshake(conn)
	if err != nil {
		return err
	}
	send, expect, err := stomp.Negotiate(m.cfg.Connect, connected)
	if err != nil {
		m.logger.Warn("ignoring malformed heart-beat header", zap.Error(err))
		send, expect = 0, 0
	}

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		return ctx.Err()
	}
	m.setStateLocked(Connected)
	m.mu.Unlock()
	m.metrics.ObserveConnected()
	m.logger.Info("push connection established",
		zap.String("server", connected.Header.Get(frame.Server)),
		zap.Duration("heartbeat_send", send),
		zap.Duration("heartbeat_expect", expect),
	)
	if m.cfg.Hooks.OnConnect != nil {
		m.cfg.Hooks.OnConnect()
	}

	var lastRead atomic.Int64
	var timedOut atomic.Bool
	lastRead.Store(time.Now().UnixNano())
	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	if send > 0 {
		hbWG.Add(1)
		go func() {
			defer hbWG.Done()
			m.sendHeartbeats(hbCtx, conn, send)
		}()
	}
	if expect > 0 {
		hbWG.Add(1)
		go func() {
			defer hbWG.Done()
			m.watchHeartbeats(hbCtx, conn, expect, &lastRead, &timedOut)
		}()
	}
	err = m.readLoop(conn, &lastRead)
	hbCancel()
	_ = conn.Close()
	hbWG.Wait()
	if timedOut.Load() {
		err = &Error{Op: "read", Err: ErrHeartbeatTimeout}
	} else if err != nil {
		err = &Error{Op: "read", Err: err}
	}

	m.mu.Lock()
	m.setStateLocked(Disconnected)
	m.mu.Unlock()
	m.notifyClosed()

	var cause error
	reason := "requested"
	if ctx.Err() == nil {
		cause = err
		reason = "transport"
		if timedOut.Load() {
			reason = "heartbeat"
		}
	}
	m.metrics.ObserveDisconnect(reason)
	m.logger.Info("push connection lost", zap.String("reason", reason), zap.Error(cause))
	if m.cfg.Hooks.OnDisconnect != nil {
		m.cfg.Hooks.OnDisconnect(cause)
	}
	return err
}

func (m *Manager) handshake(conn transport.Conn) (*frame.Frame, error) {
	data, err := stomp.Encode(stomp.Connect(m.cfg.Connect))
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(data); err != nil {
		return nil, &Error{Op: "handshake", Err: err}
	}

	var expired atomic.Bool
	timer := time.AfterFunc(m.cfg.HandshakeTimeout, func() {
		expired.Store(true)
		_ = conn.Close()
	})
	defer timer.Stop()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if expired.Load() {
				return nil, &Error{Op: "handshake", Err: fmt.Errorf("%w: no CONNECTED within %s",
					ErrHandshake, m.cfg.HandshakeTimeout)}
			}
			return nil, &Error{Op: "handshake", Err: err}
		}
		f, err := stomp.Decode(msg)
		if err != nil {
			return nil, &Error{Op: "handshake", Err: fmt.Errorf("%w: %w", ErrHandshake, err)}
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			return f, nil
		case frame.ERROR:
			serverErr := &ServerError{Message: f.Header.Get(frame.Message), Body: string(f.Body)}
			return nil, &Error{Op: "handshake", Err: fmt.Errorf("%w: %w", ErrHandshake, serverErr)}
		default:
			return nil, &Error{Op: "handshake", Err: fmt.Errorf("%w: unexpected %s frame", ErrHandshake, f.Command)}
		}
	}
}

func (m *Manager) readLoop(conn transport.Conn, lastRead *atomic.Int64) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		lastRead.Store(time.Now().UnixNano())
		f, err := stomp.Decode(data)
		if err != nil {
			m.logger.Warn("discarding undecodable frame", zap.Error(err))
			continue
		}
		if f == nil {
			continue
		}
		m.metrics.ObserveFrame(f.Command)
		switch f.Command {
		case frame.MESSAGE:
			for _, l := range m.snapshotListeners() {
				l.HandleMessage(f)
			}
		case frame.ERROR:
			m.reportError(&ServerError{Message: f.Header.Get(frame.Message), Body: string(f.Body)})
		default:
			m.logger.Debug("ignoring frame", zap.String("command", f.Command))
		}
	}
}

// sendHeartbeats writes an EOL every interval. A write may block on a peer
// that stopped reading, so liveness is checked by watchHeartbeats instead.
func (m *Manager) sendHeartbeats(ctx context.Context, conn transport.Conn, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteMessage(stomp.HeartBeat()); err != nil {
				m.logger.Debug("heart-beat write failed", zap.Error(err))
				return
			}
			m.metrics.ObserveHeartbeatSent()
		}
	}
}

// watchHeartbeats closes conn once nothing has been read for tolerance times
// the negotiated interval, which ends the read loop.
func (m *Manager) watchHeartbeats(
	ctx context.Context,
	conn transport.Conn,
	expect time.Duration,
	lastRead *atomic.Int64,
	timedOut *atomic.Bool,
) {
	limit := time.Duration(float64(expect) * m.cfg.HeartbeatTolerance)
	t := time.NewTicker(expect)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			silence := now.Sub(time.Unix(0, lastRead.Load()))
			if silence <= limit {
				continue
			}
			m.metrics.ObserveHeartbeatTimeout()
			m.logger.Warn("server heart-beat missed", zap.Duration("silence", silence))
			timedOut.Store(true)
			_ = conn.Close()
			return
		}
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	m.metrics.ObserveConnectionError()
	m.logger.Warn("push connection error", zap.Error(err))
	if m.cfg.Hooks.OnError != nil {
		m.cfg.Hooks.OnError(err)
	}
}

func (m *Manager) notifyClosed() {
	for _, l := range m.snapshotListeners() {
		l.ConnectionClosed()
	}
}

func (m *Manager) snapshotListeners() []Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Listener(nil), m.listeners...)
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.metrics.SetConnectionState(int(s))
}
