// Package store declares interfaces for persisting job session progress.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("progress record not found")

// SessionRecord models the latest known progress of one job session.
type SessionRecord struct {
	// SessionID is the client-generated correlation id.
	SessionID uuid.UUID
	// Kind is the job kind, e.g. "course".
	Kind string
	// Status mirrors the wire status (UPLOADING, PROCESSING, SUCCESS, FAILED).
	Status    string
	Processed int64
	Total     int64
	Percent   float64
	// Message is the last server-supplied text.
	Message string
	// UpdatedAt is when the last update was applied.
	UpdatedAt time.Time
	// FinishedAt is nil until a terminal status is recorded.
	FinishedAt *time.Time
}

// ProgressRepository persists session progress snapshots.
type ProgressRepository interface {
	// UpsertSession inserts or replaces the snapshot for rec.SessionID. Older
	// updates than the stored one are ignored.
	UpsertSession(ctx context.Context, rec SessionRecord) error
	// GetSession loads one session or returns ErrNotFound.
	GetSession(ctx context.Context, sessionID uuid.UUID) (SessionRecord, error)
	// ListSessions returns sessions filtered by optional status, newest first.
	ListSessions(ctx context.Context, status *string, limit, offset int) ([]SessionRecord, error)
}
