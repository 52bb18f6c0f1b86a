// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-job-progress/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "job_progress"

// ProgressStoreConfig controls the Postgres connection pool used for session rows.
type ProgressStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// ProgressStore implements store.ProgressRepository on a single table keyed
// by session id.
type ProgressStore struct {
	pool  querier
	table string
}

// NewProgressStore connects a pool and returns a ProgressStore.
func NewProgressStore(ctx context.Context, cfg ProgressStoreConfig) (*ProgressStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ProgressStore{pool: pool, table: table}, nil
}

// NewProgressStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewProgressStoreWithPool(pool querier, table string) (*ProgressStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ProgressStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		return defaultTable, nil
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the session table when it does not exist.
func (s *ProgressStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			session_id  UUID PRIMARY KEY,
			kind        TEXT NOT NULL,
			status      TEXT NOT NULL,
			processed   BIGINT NOT NULL DEFAULT 0,
			total       BIGINT NOT NULL DEFAULT 0,
			percent     DOUBLE PRECISION NOT NULL DEFAULT 0,
			message     TEXT NOT NULL DEFAULT '',
			updated_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		);`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// UpsertSession writes rec unless a newer update is already stored.
func (s *ProgressStore) UpsertSession(ctx context.Context, rec store.SessionRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (session_id, kind, status, processed, total, percent, message, updated_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE
		SET kind = EXCLUDED.kind,
			status = EXCLUDED.status,
			processed = EXCLUDED.processed,
			total = EXCLUDED.total,
			percent = EXCLUDED.percent,
			message = EXCLUDED.message,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at
		WHERE %[1]s.updated_at <= EXCLUDED.updated_at;`, s.table)
	_, err := s.pool.Exec(ctx, query,
		rec.SessionID,
		rec.Kind,
		rec.Status,
		rec.Processed,
		rec.Total,
		rec.Percent,
		rec.Message,
		rec.UpdatedAt,
		rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.SessionID, err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *ProgressStore) GetSession(ctx context.Context, sessionID uuid.UUID) (store.SessionRecord, error) {
	query := fmt.Sprintf(`
		SELECT session_id, kind, status, processed, total, percent, message, updated_at, finished_at
		FROM %s
		WHERE session_id = $1;`, s.table)
	rec, err := scanSession(s.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SessionRecord{}, store.ErrNotFound
		}
		return store.SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// ListSessions returns sessions ordered by most recent update.
func (s *ProgressStore) ListSessions(
	ctx context.Context,
	status *string,
	limit,
	offset int,
) ([]store.SessionRecord, error) {
	query := fmt.Sprintf(`
		SELECT session_id, kind, status, processed, total, percent, message, updated_at, finished_at
		FROM %s
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3;`, s.table)
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []store.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

func scanSession(row pgx.Row) (store.SessionRecord, error) {
	var rec store.SessionRecord
	err := row.Scan(
		&rec.SessionID,
		&rec.Kind,
		&rec.Status,
		&rec.Processed,
		&rec.Total,
		&rec.Percent,
		&rec.Message,
		&rec.UpdatedAt,
		&rec.FinishedAt,
	)
	return rec, err
}
