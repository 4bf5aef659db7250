package v1

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierr "github.com/dockhand-labs/dockhand/pkg/api/errors"
	"github.com/dockhand-labs/dockhand/pkg/session"
	"github.com/dockhand-labs/dockhand/pkg/store"
	"github.com/dockhand-labs/dockhand/pkg/telemetry"
)

// defaultHistoryLimit caps attempt history when the caller does not ask
// for a specific window.
const defaultHistoryLimit = 20

// SessionRoutes serves per-session operations: history, stop, ad-hoc
// builds, and the inspector.
type SessionRoutes struct {
	sessions   *session.Manager
	store      *store.Store
	supervisor SupervisorGateway
}

// NewSessionRoutes creates the session routes.
func NewSessionRoutes(sessions *session.Manager, s *store.Store, sup SupervisorGateway) *SessionRoutes {
	return &SessionRoutes{sessions: sessions, store: s, supervisor: sup}
}

// Router mounts the session endpoints.
func (s *SessionRoutes) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/{id}", apierr.ErrorHandler(s.get))
	r.Post("/{id}/stop", apierr.ErrorHandler(s.stop))
	r.Post("/{id}/build", apierr.ErrorHandler(s.build))
	r.Get("/{id}/inspector", apierr.ErrorHandler(s.inspector))
	return r
}

func (s *SessionRoutes) get(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}

	sess, err := s.sessions.Get(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	attempts, err := s.store.ListAttempts(r.Context(), sess.ID, limit)
	if err != nil {
		return err
	}
	views := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		views = append(views, viewAttempt(a, sess.LabSlug))
	}

	return writeJSON(w, http.StatusOK, map[string]any{
		"session":  viewSession(sess),
		"attempts": views,
	})
}

func (s *SessionRoutes) stop(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}

	id := chi.URLParam(r, "id")
	endedAt, err := s.sessions.Stop(r.Context(), user, id)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"ended_at":   endedAt,
	})
}

type buildRequest struct {
	ContextPath    string `json:"context_path"`
	DockerfilePath string `json:"dockerfile_path"`
}

func (s *SessionRoutes) build(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}

	var req buildRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	sess, err := s.sessions.Live(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}

	tag := fmt.Sprintf("dockhand/%s:latest", sess.LabSlug)
	result, err := s.supervisor.Build(r.Context(), sess.ID, req.ContextPath, req.DockerfilePath, tag)
	if err != nil {
		return err
	}
	telemetry.BuildsTotal.Inc()
	return writeJSON(w, http.StatusOK, result)
}

func (s *SessionRoutes) inspector(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}

	report, err := s.sessions.Inspect(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, report)
}
