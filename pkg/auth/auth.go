// Package auth issues and verifies the opaque bearer tokens that identify
// users to the orchestrator. Tokens are random; the database only ever sees
// an HMAC of them, so a leaked database cannot be replayed as credentials.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/store"
)

// tokenPrefix marks issued tokens so they are recognizable in logs and
// support tickets without revealing anything.
const tokenPrefix = "dk_"

const tokenBytes = 32

// Authenticator issues tokens and resolves them back to users.
type Authenticator struct {
	store  *store.Store
	secret []byte
}

// New creates an Authenticator over the given store and HMAC secret.
func New(s *store.Store, secret string) *Authenticator {
	return &Authenticator{store: s, secret: []byte(secret)}
}

// Issue mints a fresh token for userID and persists its hash. The returned
// token is shown to the caller exactly once.
func (a *Authenticator) Issue(ctx context.Context, userID int64) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	if err := a.store.InsertToken(ctx, userID, a.hash(token)); err != nil {
		return "", fmt.Errorf("persisting token: %w", err)
	}
	return token, nil
}

// Authenticate resolves a presented token to its user. Malformed, unknown,
// and revoked tokens all produce the same unauthenticated error.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (store.User, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return store.User{}, dkerr.NewUnauthenticated("invalid token")
	}
	user, err := a.store.UserByTokenHash(ctx, a.hash(token))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, dkerr.NewUnauthenticated("invalid token")
		}
		return store.User{}, fmt.Errorf("looking up token: %w", err)
	}
	return user, nil
}

// Revoke invalidates a presented token. Unknown tokens revoke silently so
// logout is idempotent.
func (a *Authenticator) Revoke(ctx context.Context, token string) error {
	err := a.store.RevokeToken(ctx, a.hash(token))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

func (a *Authenticator) hash(token string) string {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}
