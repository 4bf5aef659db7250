package v1

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierr "github.com/dockhand-labs/dockhand/pkg/api/errors"
	"github.com/dockhand-labs/dockhand/pkg/auth"
	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/logger"
	"github.com/dockhand-labs/dockhand/pkg/store"
)

// AuthRoutes serves identity exchange and account endpoints. The OAuth
// code/token dance happens in an external collaborator; this endpoint
// receives the verified identity and turns it into an account plus an
// opaque API token.
type AuthRoutes struct {
	auth  *auth.Authenticator
	store *store.Store
}

// NewAuthRoutes creates the auth routes.
func NewAuthRoutes(a *auth.Authenticator, s *store.Store) *AuthRoutes {
	return &AuthRoutes{auth: a, store: s}
}

// Router mounts the auth endpoints. The identity exchange is public;
// everything else sits behind protect, the bearer middleware.
func (a *AuthRoutes) Router(protect func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Post("/oauth/{provider}", apierr.ErrorHandler(a.exchange))
	r.Group(func(pr chi.Router) {
		pr.Use(protect)
		pr.Get("/me", apierr.ErrorHandler(a.me))
		pr.Post("/logout", apierr.ErrorHandler(a.logout))
	})
	return r
}

type exchangeRequest struct {
	ProviderAccountID string `json:"provider_account_id"`
	Email             string `json:"email"`
	Name              string `json:"name,omitempty"`
	AvatarURL         string `json:"avatar_url,omitempty"`
}

type userView struct {
	ID          int64     `json:"id"`
	Provider    string    `json:"provider"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	LastLoginAt time.Time `json:"last_login_at"`
}

func viewUser(u store.User) userView {
	return userView{
		ID:          u.ID,
		Provider:    u.Provider,
		DisplayName: u.DisplayName,
		CreatedAt:   u.CreatedAt,
		LastLoginAt: u.LastLoginAt,
	}
}

func (a *AuthRoutes) exchange(w http.ResponseWriter, r *http.Request) error {
	provider := chi.URLParam(r, "provider")

	var req exchangeRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if provider == "" || req.ProviderAccountID == "" {
		return dkerr.Newf(dkerr.CodeInvalidIdentity, "identity is missing a provider account id")
	}

	displayName := req.Name
	if displayName == "" {
		displayName = req.Email
	}

	user, err := a.store.UpsertUser(r.Context(), provider, req.ProviderAccountID, displayName)
	if err != nil {
		return err
	}
	token, err := a.auth.Issue(r.Context(), user.ID)
	if err != nil {
		return err
	}

	logger.Infow("identity exchanged", "user_id", user.ID, "provider", provider)
	return writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  viewUser(user),
	})
}

func (a *AuthRoutes) me(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, viewUser(user))
}

func (a *AuthRoutes) logout(w http.ResponseWriter, r *http.Request) error {
	if _, err := requestUser(r); err != nil {
		return err
	}

	header := r.Header.Get("Authorization")
	token, _ := strings.CutPrefix(header, "Bearer ")
	if err := a.auth.Revoke(r.Context(), strings.TrimSpace(token)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
