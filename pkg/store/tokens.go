package store

import (
	"context"
	"fmt"
)

// InsertToken records a new token hash for the user. Only the HMAC of the
// opaque token is stored; the token itself never touches the database.
func (s *Store) InsertToken(ctx context.Context, userID int64, tokenHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (user_id, token_hash) VALUES (?, ?)`,
		userID, tokenHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting auth token: %w", err)
	}
	return nil
}

// UserByTokenHash resolves a token hash to its user. Revoked tokens resolve
// to ErrNotFound just like unknown ones, so callers cannot tell them apart.
func (s *Store) UserByTokenHash(ctx context.Context, tokenHash string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT u.id, u.provider, u.provider_account_id, u.display_name, u.created_at, u.last_login_at
		 FROM auth_tokens t
		 JOIN users u ON u.id = t.user_id
		 WHERE t.token_hash = ? AND t.revoked_at IS NULL`,
		tokenHash,
	))
}

// RevokeToken marks the token unusable. Revoking an already revoked or
// unknown hash returns ErrNotFound.
func (s *Store) RevokeToken(ctx context.Context, tokenHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_tokens SET revoked_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
		 WHERE token_hash = ? AND revoked_at IS NULL`,
		tokenHash,
	)
	if err != nil {
		return fmt.Errorf("revoking auth token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
