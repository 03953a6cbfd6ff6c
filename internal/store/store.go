package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Store manages the PostgreSQL connection for the swap run ledger.
type Store struct {
	conn *pgx.Conn
}

// RunStart describes a run as it is launched.
type RunStart struct {
	Source            string
	Target            string
	Output            string
	SourceFingerprint string
	TargetFingerprint string
	Engines           int
}

// RunEnd is the outcome recorded when a run finishes.
type RunEnd struct {
	Status        string
	Geometry      string
	Frames        int
	Composited    int
	PassedThrough int
	Error         string
}

// Run is one row of the ledger.
type Run struct {
	ID                int64
	Source            string
	Target            string
	Output            string
	SourceFingerprint string
	TargetFingerprint string
	Engines           int
	Status            string
	Geometry          string
	Frames            int
	Composited        int
	PassedThrough     int
	Error             string
	StartedAt         time.Time
	FinishedAt        *time.Time
}

// FrameEvent is a frame that was written without the swap applied.
type FrameEvent struct {
	Index   int
	Outcome string
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the ledger tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS swap_runs (
			id BIGSERIAL PRIMARY KEY,
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			output TEXT NOT NULL,
			source_fingerprint TEXT NOT NULL DEFAULT '',
			target_fingerprint TEXT NOT NULL DEFAULT '',
			engines INT NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			geometry TEXT NOT NULL DEFAULT '',
			frames INT NOT NULL DEFAULT 0,
			composited INT NOT NULL DEFAULT 0,
			passthrough INT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS swap_frame_events (
			run_id BIGINT NOT NULL REFERENCES swap_runs(id) ON DELETE CASCADE,
			frame_index INT NOT NULL,
			outcome TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS swap_frame_events_run_id_idx ON swap_frame_events (run_id);
		CREATE INDEX IF NOT EXISTS swap_runs_target_fingerprint_idx ON swap_runs (target_fingerprint);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	if s == nil || s.conn == nil {
		return
	}
	s.conn.Close(ctx)
}

// BeginRun records a new run in the running state and returns its ID.
func (s *Store) BeginRun(ctx context.Context, r RunStart) (int64, error) {
	var id int64
	err := s.conn.QueryRow(ctx, `
		INSERT INTO swap_runs (source, target, output, source_fingerprint, target_fingerprint, engines, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, r.Source, r.Target, r.Output, r.SourceFingerprint, r.TargetFingerprint, r.Engines, StatusRunning).Scan(&id)
	return id, err
}

// FinishRun stores the final status and counters of a run.
func (s *Store) FinishRun(ctx context.Context, id int64, end RunEnd) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE swap_runs
		SET status = $2, geometry = $3, frames = $4, composited = $5, passthrough = $6, error = $7, finished_at = NOW()
		WHERE id = $1
	`, id, end.Status, end.Geometry, end.Frames, end.Composited, end.PassedThrough, end.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %d not found", id)
	}
	return nil
}

// RecordFrameEvents bulk-inserts the frames of a run that were passed through.
func (s *Store) RecordFrameEvents(ctx context.Context, runID int64, events []FrameEvent) error {
	if len(events) == 0 {
		return nil
	}
	_, err := s.conn.CopyFrom(ctx,
		pgx.Identifier{"swap_frame_events"},
		[]string{"run_id", "frame_index", "outcome"},
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			return []any{runID, events[i].Index, events[i].Outcome}, nil
		}),
	)
	return err
}

// FrameEvents returns the pass-through frames of a run in frame order.
func (s *Store) FrameEvents(ctx context.Context, runID int64) ([]FrameEvent, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT frame_index, outcome FROM swap_frame_events WHERE run_id = $1 ORDER BY frame_index
	`, runID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (FrameEvent, error) {
		var e FrameEvent
		err := row.Scan(&e.Index, &e.Outcome)
		return e, err
	})
}

// ListRuns returns the most recent runs first. A limit <= 0 returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `
		SELECT id, source, target, output, source_fingerprint, target_fingerprint, engines,
		       status, geometry, frames, composited, passthrough, error, started_at, finished_at
		FROM swap_runs
		ORDER BY id DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Run, error) {
		var r Run
		err := row.Scan(&r.ID, &r.Source, &r.Target, &r.Output, &r.SourceFingerprint, &r.TargetFingerprint,
			&r.Engines, &r.Status, &r.Geometry, &r.Frames, &r.Composited, &r.PassedThrough, &r.Error,
			&r.StartedAt, &r.FinishedAt)
		return r, err
	})
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS swap_frame_events CASCADE;
		DROP TABLE IF EXISTS swap_runs CASCADE;
	`)
	return err
}
