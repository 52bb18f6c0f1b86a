package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-progress/internal/progress"
)

// Publisher sends a payload under a subject and returns the broker's id.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload any) (string, error)
}

// Outcome is the notification published when a session finishes.
type Outcome struct {
	SessionID  string    `json:"sessionId"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Processed  int64     `json:"processed"`
	Total      int64     `json:"total"`
	Message    string    `json:"message,omitempty"`
	FinishedAt time.Time `json:"finishedAt"`
}

// PublishSink forwards terminal updates to a Publisher, once per session until
// the session is released. In-flight updates are ignored.
type PublishSink struct {
	publisher Publisher
	logger    *zap.Logger

	mu        sync.Mutex
	published map[string]struct{}
}

// NewPublishSink constructs a PublishSink.
func NewPublishSink(publisher Publisher, logger *zap.Logger) *PublishSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublishSink{publisher: publisher, logger: logger, published: make(map[string]struct{})}
}

// Consume publishes one Outcome per finished session. Repeated terminal
// updates are skipped; a failed publish is retried on the next one. Failures
// are joined into the returned error.
func (s *PublishSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if evt.Released {
			s.mu.Lock()
			delete(s.published, evt.SessionID)
			s.mu.Unlock()
			continue
		}
		if !evt.Status.Terminal() || !s.claim(evt.SessionID) {
			continue
		}
		outcome := Outcome{
			SessionID:  evt.SessionID,
			Kind:       evt.Kind,
			Status:     string(evt.Status),
			Processed:  evt.Processed,
			Total:      evt.Total,
			Message:    evt.Message,
			FinishedAt: evt.TS,
		}
		id, err := s.publisher.Publish(ctx, evt.Kind, outcome)
		if err != nil {
			s.unclaim(evt.SessionID)
			errs = append(errs, fmt.Errorf("publish outcome %s: %w", evt.SessionID, err))
			continue
		}
		s.logger.Debug("outcome published", zap.String("session_id", evt.SessionID), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

func (s *PublishSink) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.published[id]; ok {
		return false
	}
	s.published[id] = struct{}{}
	return true
}

func (s *PublishSink) unclaim(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.published, id)
}

// Close implements the Sink interface; it performs no action.
func (s *PublishSink) Close(context.Context) error {
	return nil
}
