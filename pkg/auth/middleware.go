package auth

import (
	"context"
	"net/http"
	"strings"

	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/logger"
	"github.com/dockhand-labs/dockhand/pkg/store"
)

type contextKey struct{}

var userContextKey = contextKey{}

// UserFromContext returns the authenticated user injected by Middleware.
func UserFromContext(ctx context.Context) (store.User, bool) {
	user, ok := ctx.Value(userContextKey).(store.User)
	return user, ok
}

// WithUser returns a context carrying user. Exposed for handler tests.
func WithUser(ctx context.Context, user store.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// Middleware authenticates every request and injects the user into the
// request context. The token comes from the Authorization header, or from a
// token query parameter for WebSocket upgrades where browsers cannot set
// headers.
func Middleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeUnauthenticated(w, "missing credentials")
				return
			}

			user, err := a.Authenticate(r.Context(), token)
			if err != nil {
				if !dkerr.Is(err, dkerr.CodeUnauthenticated) {
					logger.Errorw("token lookup failed", "error", err)
				}
				writeUnauthenticated(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func writeUnauthenticated(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"detail":"` + detail + `"}`))
}
