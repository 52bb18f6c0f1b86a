// Package jobsession correlates one submitted job with its progress topic and
// keeps the derived progress state for callers to poll or wait on.
package jobsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-progress/internal/progress"
	"github.com/JakeFAU/realtime-job-progress/internal/topic"
)

// Subscriber is the subset of topic.Registry used by a Tracker.
type Subscriber interface {
	Subscribe(destination string, callback topic.Callback) topic.UnsubscribeFunc
	Active(destination string) bool
}

// IDGenerator produces session ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock stamps emitted events.
type Clock interface {
	Now() time.Time
}

// Config wires a Tracker.
type Config struct {
	// Kind names the job type and scopes the topic, e.g. "course".
	Kind     string
	Registry Subscriber
	IDs      IDGenerator
	Clock    Clock
	// Emitter receives one event per applied message. Optional.
	Emitter progress.Emitter
	Logger  *zap.Logger
}

// State is a snapshot of a session's progress.
type State struct {
	SessionID          string          `json:"sessionId"`
	Status             progress.Status `json:"status"`
	Processed          *int64          `json:"processed,omitempty"`
	Total              *int64          `json:"total,omitempty"`
	Percent            *float64        `json:"progress,omitempty"`
	Message            string          `json:"message,omitempty"`
	SubscriptionActive bool            `json:"subscriptionActive"`
}

// Destination returns the topic carrying progress for one session.
func Destination(kind, sessionID string) string {
	return "/topic/" + kind + "-progress/" + sessionID
}

// Tracker owns one session id and at most one live subscription for it.
type Tracker struct {
	kind     string
	registry Subscriber
	ids      IDGenerator
	clock    Clock
	emitter  progress.Emitter
	logger   *zap.Logger

	// openMu serializes Open and Close so registry calls happen outside mu.
	openMu      sync.Mutex
	unsubscribe topic.UnsubscribeFunc

	mu       sync.Mutex
	state    State
	inFlight bool
	released bool
	changed  chan struct{}
}

// New validates cfg and returns a tracker in NOT_STARTED.
func New(cfg Config) (*Tracker, error) {
	if cfg.Kind == "" {
		return nil, errors.New("jobsession: kind is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("jobsession: registry is required")
	}
	if cfg.IDs == nil {
		return nil, errors.New("jobsession: id generator is required")
	}
	if cfg.Clock == nil {
		return nil, errors.New("jobsession: clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		kind:     cfg.Kind,
		registry: cfg.Registry,
		ids:      cfg.IDs,
		clock:    cfg.Clock,
		emitter:  cfg.Emitter,
		logger:   logger.Named("jobsession").With(zap.String("kind", cfg.Kind)),
		state:    State{Status: progress.StatusNotStarted},
		changed:  make(chan struct{}),
	}, nil
}

// Kind returns the job kind.
func (t *Tracker) Kind() string {
	return t.kind
}

// CreateSession generates the session id on first use and returns the same
// id on every later call.
func (t *Tracker) CreateSession() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.SessionID != "" {
		return t.state.SessionID, nil
	}
	id, err := t.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	t.state.SessionID = id
	t.logger.Debug("session created", zap.String("session_id", id))
	return id, nil
}

// SessionID returns the id, or "" before CreateSession.
func (t *Tracker) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.SessionID
}

// Destination returns the tracker's topic, or "" before CreateSession.
func (t *Tracker) Destination() string {
	id := t.SessionID()
	if id == "" {
		return ""
	}
	return Destination(t.kind, id)
}

// Open binds the session topic if it is not already bound. It creates the
// session when needed and reports whether a live subscription exists
// afterwards. Calling it again after a reconnect re-binds.
func (t *Tracker) Open() (bool, error) {
	id, err := t.CreateSession()
	if err != nil {
		return false, err
	}
	dest := Destination(t.kind, id)

	t.openMu.Lock()
	defer t.openMu.Unlock()
	if t.unsubscribe != nil && t.registry.Active(dest) {
		return true, nil
	}
	unsubscribe := t.registry.Subscribe(dest, t.handle)
	if !t.registry.Active(dest) {
		t.unsubscribe = nil
		return false, nil
	}
	t.unsubscribe = unsubscribe
	t.mu.Lock()
	t.released = false
	t.mu.Unlock()
	t.logger.Info("listening for job progress", zap.String("destination", dest))
	return true, nil
}

// Close releases the subscription and tells the emitter once that the
// session is done. It is safe to call repeatedly.
func (t *Tracker) Close() {
	t.openMu.Lock()
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
	t.openMu.Unlock()

	if t.emitter == nil {
		return
	}
	t.mu.Lock()
	if t.state.SessionID == "" || t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	evt := t.eventLocked()
	evt.Released = true
	t.mu.Unlock()
	t.emitter.Emit(evt)
}

// Progress returns a snapshot of the current state.
func (t *Tracker) Progress() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// IsUploading reports whether the job is in flight and not yet terminal.
func (t *Tracker) IsUploading() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight && !t.state.Status.Terminal()
}

// MarkSubmitted flags the job as in flight before the first server message.
func (t *Tracker) MarkSubmitted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Status.Terminal() {
		t.inFlight = true
	}
}

// Reset returns the state to NOT_STARTED and keeps the session id.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = State{
		SessionID:          t.state.SessionID,
		Status:             progress.StatusNotStarted,
		SubscriptionActive: t.state.SubscriptionActive,
	}
	t.inFlight = false
	t.notifyLocked()
}

// Wait blocks until the session reaches a terminal status or ctx is done.
func (t *Tracker) Wait(ctx context.Context) (State, error) {
	for {
		t.mu.Lock()
		if t.state.Status.Terminal() {
			s := t.snapshotLocked()
			t.mu.Unlock()
			return s, nil
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return t.Progress(), fmt.Errorf("wait for job outcome: %w", ctx.Err())
		}
	}
}

func (t *Tracker) handle(msg progress.Message) {
	t.mu.Lock()
	if msg.SessionID != "" && msg.SessionID != t.state.SessionID {
		t.mu.Unlock()
		t.logger.Warn("ignoring progress for another session",
			zap.String("session_id", t.state.SessionID), zap.String("message_session_id", msg.SessionID))
		return
	}
	t.applyLocked(msg)
	evt := t.eventLocked()
	t.notifyLocked()
	t.mu.Unlock()

	if msg.Status.Terminal() {
		t.logger.Info("job finished",
			zap.String("session_id", evt.SessionID),
			zap.String("status", string(evt.Status)),
			zap.String("message", evt.Message))
	}
	if t.emitter != nil {
		t.emitter.Emit(evt)
	}
}

func (t *Tracker) applyLocked(msg progress.Message) {
	s := &t.state
	switch msg.Status {
	case progress.StatusUploading, progress.StatusProcessing:
		s.Processed = msg.Processed
		s.Total = msg.Total
		s.Percent = clamped(msg.Progress)
		s.Message = msg.Message
		s.SubscriptionActive = true
		t.inFlight = true
	case progress.StatusSuccess:
		full := 100.0
		s.Percent = &full
		if msg.Processed != nil {
			s.Processed = msg.Processed
		}
		if msg.Total != nil {
			s.Total = msg.Total
		}
		s.Message = msg.Message
		t.inFlight = false
	case progress.StatusFailed:
		if msg.Processed != nil {
			s.Processed = msg.Processed
		}
		if msg.Total != nil {
			s.Total = msg.Total
		}
		if msg.Progress != nil {
			s.Percent = clamped(msg.Progress)
		}
		// No fallback text: an empty server message stays empty.
		s.Message = msg.Message
		t.inFlight = false
	}
	s.Status = msg.Status
}

func (t *Tracker) eventLocked() progress.Event {
	evt := progress.Event{
		SessionID: t.state.SessionID,
		Kind:      t.kind,
		TS:        t.clock.Now(),
		Status:    t.state.Status,
		Message:   t.state.Message,
	}
	if t.state.Processed != nil {
		evt.Processed = *t.state.Processed
	}
	if t.state.Total != nil {
		evt.Total = *t.state.Total
	}
	if t.state.Percent != nil {
		evt.Percent = *t.state.Percent
	}
	return evt
}

func (t *Tracker) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *Tracker) snapshotLocked() State {
	s := t.state
	s.Processed = copyPtr(s.Processed)
	s.Total = copyPtr(s.Total)
	s.Percent = copyPtr(s.Percent)
	return s
}

func clamped(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := progress.ClampPercent(*p)
	return &v
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
