package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Attempt is one graded check run. Failures and Metrics are stored as the
// grader produced them; the store does not interpret their shape.
type Attempt struct {
	SessionID string
	Seq       int64
	Passed    bool
	Failures  json.RawMessage
	Metrics   json.RawMessage
	Notes     string
	CreatedAt time.Time
}

const attemptColumns = `session_id, seq, passed, failures, metrics, notes, created_at`

// AppendAttempt stores a new attempt under the next per-session sequence
// number and returns the stored row. The MAX(seq)+1 read and the insert run
// in one transaction, so sequence numbers are gapless and monotonic.
func (s *Store) AppendAttempt(
	ctx context.Context, sessionID string, passed bool, failures, metrics json.RawMessage, notes string,
) (Attempt, error) {
	if len(failures) == 0 {
		failures = json.RawMessage(`[]`)
	}
	if len(metrics) == 0 {
		metrics = json.RawMessage(`{}`)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Attempt{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM attempts WHERE session_id = ?`,
		sessionID,
	).Scan(&seq); err != nil {
		return Attempt{}, fmt.Errorf("computing attempt seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO attempts (session_id, seq, passed, failures, metrics, notes)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, seq, boolToInt(passed), string(failures), string(metrics), notes,
	); err != nil {
		return Attempt{}, fmt.Errorf("inserting attempt: %w", err)
	}

	attempt, err := scanAttempt(tx.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE session_id = ? AND seq = ?`,
		sessionID, seq,
	))
	if err != nil {
		return Attempt{}, err
	}

	if err := tx.Commit(); err != nil {
		return Attempt{}, fmt.Errorf("committing transaction: %w", err)
	}
	return attempt, nil
}

// ListAttempts returns up to limit attempts for the session, newest first.
// A non-positive limit returns all of them.
func (s *Store) ListAttempts(ctx context.Context, sessionID string, limit int) ([]Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE session_id = ? ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attempt rows: %w", err)
	}
	return out, nil
}

// LatestAttempts returns the newest and second-newest attempts. previous is
// nil when only one attempt exists; ErrNotFound when there are none.
func (s *Store) LatestAttempts(ctx context.Context, sessionID string) (latest Attempt, previous *Attempt, err error) {
	attempts, err := s.ListAttempts(ctx, sessionID, 2)
	if err != nil {
		return Attempt{}, nil, err
	}
	if len(attempts) == 0 {
		return Attempt{}, nil, ErrNotFound
	}
	latest = attempts[0]
	if len(attempts) > 1 {
		previous = &attempts[1]
	}
	return latest, previous, nil
}

func scanAttempt(sc scanner) (Attempt, error) {
	var (
		a                 Attempt
		passed            int
		failures, metrics string
		createdAt         string
	)
	err := sc.Scan(&a.SessionID, &a.Seq, &passed, &failures, &metrics, &a.Notes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, ErrNotFound
	}
	if err != nil {
		return Attempt{}, fmt.Errorf("scanning attempt row: %w", err)
	}
	a.Passed = passed != 0
	a.Failures = json.RawMessage(failures)
	a.Metrics = json.RawMessage(metrics)
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Attempt{}, err
	}
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
