package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-job-progress/internal/progress"
	"github.com/JakeFAU/realtime-job-progress/internal/store"
)

// StoreSink persists the latest snapshot of every session in a batch via a
// store.ProgressRepository. Intermediate updates inside one batch are
// collapsed to reduce write amplification.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes one row per session. It respects ctx deadlines and returns
// the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	latest := make(map[uuid.UUID]progress.Event)
	var order []uuid.UUID
	for _, evt := range batch {
		if evt.Released {
			continue
		}
		id, err := uuid.Parse(evt.SessionID)
		if err != nil {
			s.logger.Debug("skipping event with non-uuid session id", zap.String("session_id", evt.SessionID))
			continue
		}
		prev, seen := latest[id]
		if !seen {
			order = append(order, id)
		}
		if !seen || !evt.TS.Before(prev.TS) {
			latest[id] = evt
		}
	}

	for _, id := range order {
		if err := s.repo.UpsertSession(ctx, toRecord(id, latest[id])); err != nil {
			return fmt.Errorf("persist session progress: %w", err)
		}
	}
	return nil
}

func toRecord(id uuid.UUID, evt progress.Event) store.SessionRecord {
	rec := store.SessionRecord{
		SessionID: id,
		Kind:      evt.Kind,
		Status:    string(evt.Status),
		Processed: evt.Processed,
		Total:     evt.Total,
		Percent:   evt.Percent,
		Message:   evt.Message,
		UpdatedAt: evt.TS,
	}
	if evt.Status.Terminal() {
		finished := evt.TS
		rec.FinishedAt = &finished
	}
	return rec
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
