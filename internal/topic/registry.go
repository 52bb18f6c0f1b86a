// Package topic maps destinations on the shared push connection to callbacks.
// It sends SUBSCRIBE/UNSUBSCRIBE frames, decodes inbound progress messages and
// drops every subscription when the connection goes away.
package topic

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-progress/internal/metrics"
	"github.com/JakeFAU/realtime-job-progress/internal/progress"
	"github.com/JakeFAU/realtime-job-progress/internal/stomp"
)

const defaultInboxSize = 256

// Callback receives decoded messages for one destination. Callbacks run on the
// registry's dispatcher goroutine, one at a time.
type Callback func(progress.Message)

// UnsubscribeFunc releases a subscription. It is safe to call more than once
// and after the connection has been torn down.
type UnsubscribeFunc func()

// Conn is the slice of the connection manager the registry needs.
type Conn interface {
	IsConnected() bool
	Send(f *frame.Frame) error
}

// ProtocolError describes an inbound frame whose body could not be decoded.
type ProtocolError struct {
	Destination string
	Err         error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s: %v", e.Destination, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Config carries optional collaborators.
type Config struct {
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	InboxSize int
}

type entry struct {
	id          string
	destination string
	callback    Callback
}

// Registry holds at most one subscription per destination.
type Registry struct {
	conn    Conn
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64

	// sendMu orders frames on the wire. It is acquired before mu is released
	// so writes follow map changes in order, but mu is never held during a
	// write and a slow link cannot stall dispatch.
	sendMu sync.Mutex

	// dispatchMu is held while a frame is matched and delivered so teardown
	// can wait out an in-progress callback.
	dispatchMu sync.Mutex

	inbox     chan *frame.Frame
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New starts the dispatcher goroutine. Attach the returned Registry to the
// connection manager so it receives frames and teardown notices.
func New(conn Conn, cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := cfg.InboxSize
	if size <= 0 {
		size = defaultInboxSize
	}
	r := &Registry{
		conn:    conn,
		logger:  logger.Named("topic"),
		metrics: cfg.Metrics,
		entries: make(map[string]*entry),
		inbox:   make(chan *frame.Frame, size),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.dispatchLoop()
	return r
}

// Subscribe registers callback for destination. While disconnected nothing is
// queued: a warning is logged and an inert UnsubscribeFunc is returned. A
// second Subscribe for the same destination replaces the first.
func (r *Registry) Subscribe(destination string, callback Callback) UnsubscribeFunc {
	noop := func() {}
	if destination == "" || callback == nil {
		r.logger.Warn("subscribe ignored: destination and callback are required")
		return noop
	}
	if !r.conn.IsConnected() {
		r.metrics.ObserveRejectedSubscribe()
		r.logger.Warn("subscribe ignored: not connected", zap.String("destination", destination))
		return noop
	}

	r.mu.Lock()
	r.seq++
	e := &entry{
		id:          "sub-" + strconv.FormatUint(r.seq, 10),
		destination: destination,
		callback:    callback,
	}
	old := r.entries[destination]
	r.entries[destination] = e
	r.metrics.SetActiveSubscriptions(len(r.entries))
	r.sendMu.Lock()
	r.mu.Unlock()

	if old != nil {
		r.logger.Debug("replacing subscription",
			zap.String("destination", destination), zap.String("previous_id", old.id))
		r.send(stomp.Unsubscribe(old.id))
	}
	err := r.conn.Send(stomp.Subscribe(e.id, destination))
	r.sendMu.Unlock()
	if err != nil {
		r.mu.Lock()
		if r.entries[destination] == e {
			delete(r.entries, destination)
		}
		r.metrics.SetActiveSubscriptions(len(r.entries))
		r.mu.Unlock()
		r.logger.Warn("subscribe failed", zap.String("destination", destination), zap.Error(err))
		return noop
	}
	r.logger.Debug("subscribed", zap.String("destination", destination), zap.String("id", e.id))

	return func() { r.release(e) }
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	if r.entries[e.destination] != e {
		r.mu.Unlock()
		return
	}
	delete(r.entries, e.destination)
	r.metrics.SetActiveSubscriptions(len(r.entries))
	r.sendMu.Lock()
	r.mu.Unlock()
	defer r.sendMu.Unlock()

	if r.conn.IsConnected() {
		r.send(stomp.Unsubscribe(e.id))
	}
	r.logger.Debug("unsubscribed", zap.String("destination", e.destination), zap.String("id", e.id))
}

func (r *Registry) send(f *frame.Frame) {
	if err := r.conn.Send(f); err != nil {
		r.logger.Debug("frame not sent", zap.String("command", f.Command), zap.Error(err))
	}
}

// Active reports whether destination currently has a live subscription.
func (r *Registry) Active(destination string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[destination]
	return ok
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// HandleMessage queues an inbound MESSAGE frame for dispatch.
func (r *Registry) HandleMessage(f *frame.Frame) {
	select {
	case r.inbox <- f:
	case <-r.stop:
	}
}

// ConnectionClosed drops every subscription. Outstanding UnsubscribeFuncs
// become no-ops and no callback runs after it returns.
func (r *Registry) ConnectionClosed() {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	r.mu.Lock()
	n := len(r.entries)
	r.entries = make(map[string]*entry)
	r.mu.Unlock()
	r.metrics.SetActiveSubscriptions(0)
	if n > 0 {
		r.logger.Info("connection closed, subscriptions cleared", zap.Int("count", n))
	}
}

// Close stops the dispatcher. Queued frames are discarded.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Registry) dispatchLoop() {
	defer close(r.done)
	for {
		select {
		case f := <-r.inbox:
			r.dispatch(f)
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) dispatch(f *frame.Frame) {
	destination := f.Header.Get(frame.Destination)

	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()

	r.mu.Lock()
	e := r.entries[destination]
	r.mu.Unlock()
	if e == nil {
		r.logger.Debug("dropping frame for inactive destination", zap.String("destination", destination))
		return
	}
	if sub := f.Header.Get(frame.Subscription); sub != "" && sub != e.id {
		r.logger.Debug("dropping frame for released subscription",
			zap.String("destination", destination), zap.String("id", sub))
		return
	}

	msg, err := decode(f.Body)
	if err != nil {
		perr := &ProtocolError{Destination: destination, Err: err}
		r.metrics.ObserveProtocolError()
		r.logger.Warn("discarding malformed progress frame", zap.Error(perr))
		return
	}
	e.callback(msg)
}

func decode(body []byte) (progress.Message, error) {
	var msg progress.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return progress.Message{}, fmt.Errorf("decode progress message: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return progress.Message{}, fmt.Errorf("invalid progress message: %w", err)
	}
	return msg, nil
}
