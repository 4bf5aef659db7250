package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dockhand-labs/dockhand/pkg/agent"
	apierr "github.com/dockhand-labs/dockhand/pkg/api/errors"
	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/session"
	"github.com/dockhand-labs/dockhand/pkg/store"
	"github.com/dockhand-labs/dockhand/pkg/telemetry"
)

// AgentRoutes serves the hint/explain/patch surface. Calls are bounded by
// the agent timeout and admitted through the per-session limiter before
// the adapter sees them.
type AgentRoutes struct {
	sessions   *session.Manager
	store      *store.Store
	supervisor SupervisorGateway
	adapter    agent.Adapter
	limiter    *agent.Limiter
	timeout    time.Duration
}

// NewAgentRoutes creates the agent routes.
func NewAgentRoutes(
	sessions *session.Manager, s *store.Store, sup SupervisorGateway,
	adapter agent.Adapter, limiter *agent.Limiter, timeout time.Duration,
) *AgentRoutes {
	return &AgentRoutes{
		sessions:   sessions,
		store:      s,
		supervisor: sup,
		adapter:    adapter,
		limiter:    limiter,
		timeout:    timeout,
	}
}

// Router mounts the agent endpoints.
func (a *AgentRoutes) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/{kind:hint|explain|patch}", apierr.ErrorHandler(a.ask))
	r.Post("/patch/apply", apierr.ErrorHandler(a.applyPatch))
	return r
}

type askRequest struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
	LabSlug   string `json:"lab_slug,omitempty"`
}

func (a *AgentRoutes) ask(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}
	kind := agent.Kind(chi.URLParam(r, "kind"))

	var req askRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	sess, err := a.sessions.Live(r.Context(), user, req.SessionID)
	if err != nil {
		return err
	}

	if !a.limiter.Allow(sess.ID) {
		telemetry.AgentRequests.WithLabelValues(string(kind), "limited").Inc()
		return dkerr.Newf(dkerr.CodeRateLimited, "agent limit reached for this session, try again shortly")
	}
	telemetry.AgentRequests.WithLabelValues(string(kind), "admitted").Inc()

	labSlug := req.LabSlug
	if labSlug == "" {
		labSlug = sess.LabSlug
	}

	agentReq := agent.Request{
		Kind:    kind,
		Prompt:  req.Prompt,
		LabSlug: labSlug,
	}
	if latest, _, err := a.store.LatestAttempts(r.Context(), sess.ID); err == nil {
		agentReq.Failures = agent.FailuresFromJSON(latest.Failures)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	resp, err := a.adapter.Answer(ctx, agentReq)
	if err != nil {
		return dkerr.New(dkerr.CodeSupervisorUnavailable, "agent backend failed", err)
	}

	return writeJSON(w, http.StatusOK, resp)
}

type applyPatchRequest struct {
	SessionID string `json:"session_id"`
	Files     []struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	} `json:"files"`
}

func (a *AgentRoutes) applyPatch(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}

	var req applyPatchRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if len(req.Files) == 0 {
		return dkerr.Newf(dkerr.CodeInvalidRequest, "patch has no files")
	}

	sess, err := a.sessions.Live(r.Context(), user, req.SessionID)
	if err != nil {
		return err
	}

	// Patches land through the same supervisor fs path user edits take,
	// so path validation and atomic writes apply unchanged.
	written := make([]string, 0, len(req.Files))
	for _, file := range req.Files {
		if err := a.supervisor.FSWrite(r.Context(), sess.ID, file.Path, []byte(file.Content)); err != nil {
			return err
		}
		written = append(written, file.Path)
	}
	return writeJSON(w, http.StatusOK, map[string]any{"written": written})
}
