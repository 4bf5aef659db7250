package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is an authenticated account keyed by its identity provider pair.
type User struct {
	ID                int64
	Provider          string
	ProviderAccountID string
	DisplayName       string
	CreatedAt         time.Time
	LastLoginAt       time.Time
}

const userColumns = `id, provider, provider_account_id, display_name, created_at, last_login_at`

// UpsertUser creates the user on first login and touches last_login_at (and
// refreshes the display name) on every subsequent one.
func (s *Store) UpsertUser(ctx context.Context, provider, accountID, displayName string) (User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM users WHERE provider = ? AND provider_account_id = ?`,
		provider, accountID,
	).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, insertErr := tx.ExecContext(ctx,
			`INSERT INTO users (provider, provider_account_id, display_name) VALUES (?, ?, ?)`,
			provider, accountID, displayName,
		)
		if insertErr != nil {
			return User{}, fmt.Errorf("inserting user: %w", insertErr)
		}
		if id, err = res.LastInsertId(); err != nil {
			return User{}, fmt.Errorf("getting user id: %w", err)
		}
	case err != nil:
		return User{}, fmt.Errorf("looking up user: %w", err)
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET display_name = ?, last_login_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?`,
			displayName, id,
		); err != nil {
			return User{}, fmt.Errorf("touching last login: %w", err)
		}
	}

	user, err := scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return User{}, err
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("committing transaction: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func scanUser(sc scanner) (User, error) {
	var (
		u                    User
		createdAt, lastLogin string
	)
	err := sc.Scan(&u.ID, &u.Provider, &u.ProviderAccountID, &u.DisplayName, &createdAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scanning user row: %w", err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return User{}, err
	}
	if u.LastLoginAt, err = parseTime(lastLogin); err != nil {
		return User{}, err
	}
	return u, nil
}
