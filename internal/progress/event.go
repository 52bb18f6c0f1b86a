// Package progress defines the job progress vocabulary shared by the tracker,
// the topic registry and the progress sinks.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle position of a job session.
type Status string

// Supported statuses. NOT_STARTED never appears on the wire.
const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusUploading  Status = "UPLOADING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further meaningful transition is expected.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// InFlight reports whether the server is still working on the job.
func (s Status) InFlight() bool {
	return s == StatusUploading || s == StatusProcessing
}

// ValidWire reports whether s may appear in a server message.
func (s Status) ValidWire() bool {
	return s.InFlight() || s.Terminal()
}

// Message is one progress update pushed by the server on a session topic.
type Message struct {
	SessionID string   `json:"sessionId"`
	Status    Status   `json:"status"`
	Processed *int64   `json:"processed,omitempty"`
	Total     *int64   `json:"total,omitempty"`
	Progress  *float64 `json:"progress,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Validate rejects messages that cannot drive the state machine.
func (m Message) Validate() error {
	if !m.Status.ValidWire() {
		return fmt.Errorf("unknown status %q", m.Status)
	}
	if m.Processed != nil && *m.Processed < 0 {
		return errors.New("processed must be >= 0")
	}
	if m.Total != nil && *m.Total < 0 {
		return errors.New("total must be >= 0")
	}
	return nil
}

// ClampPercent bounds p to [0,100].
func ClampPercent(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

// Event records one applied progress update for fan-out to sinks.
type Event struct {
	// SessionID is the client-generated correlation id.
	SessionID string
	// Kind is the job kind the session belongs to (e.g. "course").
	Kind string
	// TS is the UTC time the update was applied.
	TS time.Time
	// Status after the update.
	Status Status
	// Processed and Total are zero when the server did not report them.
	Processed int64
	Total     int64
	// Percent is within [0,100].
	Percent float64
	// Message is the server-supplied text, if any.
	Message string
	// Released marks the client closing the session. No further updates
	// follow for SessionID; Status carries the last known status.
	Released bool
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if !e.Status.ValidWire() && !(e.Released && e.Status == StatusNotStarted) {
		return fmt.Errorf("unknown status %q", e.Status)
	}
	if e.Percent < 0 || e.Percent > 100 {
		return errors.New("percent must be within [0,100]")
	}
	return nil
}
