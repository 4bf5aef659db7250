package v1

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierr "github.com/dockhand-labs/dockhand/pkg/api/errors"
	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/labs"
	"github.com/dockhand-labs/dockhand/pkg/logger"
	"github.com/dockhand-labs/dockhand/pkg/session"
	"github.com/dockhand-labs/dockhand/pkg/store"
	"github.com/dockhand-labs/dockhand/pkg/telemetry"
)

// LabRoutes serves the catalog and the per-lab session and grading
// operations.
type LabRoutes struct {
	labs      *labs.Catalog
	sessions  *session.Manager
	store     *store.Store
	evaluator Evaluator
}

// NewLabRoutes creates the lab routes.
func NewLabRoutes(catalog *labs.Catalog, sessions *session.Manager, s *store.Store, ev Evaluator) *LabRoutes {
	return &LabRoutes{labs: catalog, sessions: sessions, store: s, evaluator: ev}
}

// Router mounts the lab endpoints.
func (l *LabRoutes) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", apierr.ErrorHandler(l.list))
	r.Get("/{slug}", apierr.ErrorHandler(l.get))
	r.Post("/{slug}/start", apierr.ErrorHandler(l.start))
	r.Get("/{slug}/session", apierr.ErrorHandler(l.activeSession))
	r.Post("/{slug}/check", apierr.ErrorHandler(l.check))
	return r
}

func (l *LabRoutes) list(w http.ResponseWriter, _ *http.Request) error {
	return writeJSON(w, http.StatusOK, map[string]any{"labs": l.labs.List()})
}

type labDetail struct {
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
}

func (l *LabRoutes) get(w http.ResponseWriter, r *http.Request) error {
	lab, err := l.labs.Get(chi.URLParam(r, "slug"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, labDetail{
		Slug:        lab.Slug,
		Title:       lab.Title,
		Summary:     lab.Summary,
		Description: lab.Description,
	})
}

func (l *LabRoutes) start(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}

	sess, replaced, err := l.sessions.Start(r.Context(), user, chi.URLParam(r, "slug"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, map[string]any{
		"session":  viewSession(sess),
		"replaced": replaced,
	})
}

func (l *LabRoutes) activeSession(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}

	sess, err := l.sessions.Active(r.Context(), user, chi.URLParam(r, "slug"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{"session": viewSession(sess)})
}

type checkRequest struct {
	SessionID string `json:"session_id"`
}

func (l *LabRoutes) check(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}
	slug := chi.URLParam(r, "slug")
	lab, err := l.labs.Get(slug)
	if err != nil {
		return err
	}

	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	sess, err := l.sessions.Live(r.Context(), user, req.SessionID)
	if err != nil {
		return err
	}
	if sess.LabSlug != slug {
		return dkerr.Newf(dkerr.CodeInvalidRequest, "session %s belongs to lab %q", sess.ID, sess.LabSlug)
	}

	result, err := l.evaluator.Evaluate(r.Context(), lab, sess.ID)
	if err != nil {
		if dkerr.IsWorkerMissing(err) {
			l.sessions.Reconcile(r.Context(), sess.ID)
		}
		return err
	}

	failures, err := json.Marshal(result.Failures)
	if err != nil {
		return err
	}
	metrics, err := json.Marshal(result.Metrics)
	if err != nil {
		return err
	}
	notes, err := json.Marshal(result.Notes)
	if err != nil {
		return err
	}

	attempt, err := l.store.AppendAttempt(r.Context(), sess.ID, result.Passed, failures, metrics, string(notes))
	if err != nil {
		return err
	}

	outcome := "failed"
	if result.Passed {
		outcome = "passed"
	}
	telemetry.GradesRun.WithLabelValues(outcome).Inc()
	logger.Infow("attempt graded",
		"session_id", sess.ID, "lab", slug, "seq", attempt.Seq, "passed", result.Passed)

	return writeJSON(w, http.StatusOK, viewAttempt(attempt, slug))
}
