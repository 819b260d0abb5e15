// Package store persists research sessions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/hec-ovi/open-research/internal/research"
)

// Store is the Postgres-backed session store. One row per session, the full
// aggregate serialized as JSONB plus indexed projection columns.
type Store struct {
	DB *sql.DB
}

// New opens a connection pool against the given DSN and verifies it.
func New(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Create inserts a new session record. Session ids are never reused; a
// conflicting id is an error.
func (s *Store) Create(ctx context.Context, sess *research.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO research_sessions (id, query, status, session, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$5)`,
		sess.ID, sess.Query, string(sess.Status), payload, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get loads one session by id.
func (s *Store) Get(ctx context.Context, id string) (*research.Session, error) {
	var payload []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT session FROM research_sessions WHERE id=$1`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, research.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess research.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

// Update applies the mutator atomically: the row is locked for the duration
// of the transaction so concurrent readers never observe a partial write and
// concurrent writers to the same session are serialized.
func (s *Store) Update(ctx context.Context, id string, mutate func(*research.Session) error) (*research.Session, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var payload []byte
	err = tx.QueryRowContext(ctx,
		`SELECT session FROM research_sessions WHERE id=$1 FOR UPDATE`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, research.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var sess research.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	if err := mutate(&sess); err != nil {
		return nil, err
	}
	sess.UpdatedAt = time.Now().UTC()
	out, err := json.Marshal(&sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE research_sessions SET session=$2, status=$3, updated_at=$4 WHERE id=$1`,
		id, out, string(sess.Status), sess.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sess, nil
}

// List returns session summaries, newest first.
func (s *Store) List(ctx context.Context) ([]research.SessionSummary, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, query, status, created_at FROM research_sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []research.SessionSummary
	for rows.Next() {
		var sum research.SessionSummary
		var status string
		if err := rows.Scan(&sum.ID, &sum.Query, &status, &sum.CreatedAt); err != nil {
			return nil, err
		}
		sum.Status = research.Status(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes one session record.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM research_sessions WHERE id=$1`, id)
	return err
}

// DeleteTerminalOlderThan removes terminal sessions created before the
// cutoff age and reports how many rows were deleted.
func (s *Store) DeleteTerminalOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM research_sessions
		 WHERE status IN ('stopped','completed','error') AND created_at < $1`,
		time.Now().UTC().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
