package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session is a persisted lab session row. EndedAt is nil while the session
// is live; a non-nil EndedAt is final and never cleared.
type Session struct {
	ID        string
	UserID    int64
	LabSlug   string
	CreatedAt time.Time
	ExpiresAt time.Time
	EndedAt   *time.Time
}

// Live reports whether the session has not been ended and has not passed
// its expiry as of now.
func (s Session) Live(now time.Time) bool {
	return s.EndedAt == nil && now.Before(s.ExpiresAt)
}

const sessionColumns = `id, user_id, lab_slug, created_at, expires_at, ended_at`

// CreateSession inserts a new session row. Callers pass created_at
// explicitly so that expires_at stays exactly created_at plus the TTL,
// however long provisioning took before the insert.
func (s *Store) CreateSession(ctx context.Context, id string, userID int64, labSlug string, createdAt, expiresAt time.Time) (Session, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, lab_slug, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		id, userID, labSlug, formatTime(createdAt), formatTime(expiresAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Session{}, ErrAlreadyExists
		}
		return Session{}, fmt.Errorf("inserting session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// ActiveSessions returns the not-yet-ended sessions for (userID, labSlug).
// More than one element means a past invariant breach the caller should
// repair by ending all but the newest.
func (s *Store) ActiveSessions(ctx context.Context, userID int64, labSlug string) ([]Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = ? AND lab_slug = ? AND ended_at IS NULL
		 ORDER BY created_at DESC`,
		userID, labSlug,
	)
}

// ActiveSessionsForUser returns every not-yet-ended session the user owns,
// across all labs, newest first.
func (s *Store) ActiveSessionsForUser(ctx context.Context, userID int64) ([]Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE user_id = ? AND ended_at IS NULL
		 ORDER BY created_at DESC`,
		userID,
	)
}

// EndSession sets ended_at once. Ending an already ended session is a no-op
// and the original ended_at survives.
func (s *Store) EndSession(ctx context.Context, id string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL`,
		formatTime(endedAt), id,
	)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	return nil
}

// SweepExpired ends every live session whose expiry has passed, stamping
// ended_at with the expiry itself rather than the sweep time. Returns the
// ids of the sessions it ended.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE sessions SET ended_at = expires_at
		 WHERE ended_at IS NULL AND expires_at <= ?
		 RETURNING id`,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("sweeping expired sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning swept id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating swept rows: %w", err)
	}
	return ids, nil
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return out, nil
}

func scanSession(sc scanner) (Session, error) {
	var (
		sess                 Session
		createdAt, expiresAt string
		endedAt              sql.NullString
	)
	err := sc.Scan(&sess.ID, &sess.UserID, &sess.LabSlug, &createdAt, &expiresAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scanning session row: %w", err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return Session{}, err
	}
	if sess.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return Session{}, err
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return Session{}, err
		}
		sess.EndedAt = &t
	}
	return sess, nil
}
