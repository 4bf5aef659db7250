// Package v1 implements the orchestrator's REST and WebSocket surface.
// Each resource gets a Routes struct with a Router method; the server
// package mounts them and applies the shared middleware stack.
package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dockhand-labs/dockhand/pkg/auth"
	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/grader"
	"github.com/dockhand-labs/dockhand/pkg/labs"
	"github.com/dockhand-labs/dockhand/pkg/store"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/engine"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/workspace"
)

// SupervisorGateway is the slice of the supervisor client the API layer
// drives directly. Satisfied by *client.Client.
type SupervisorGateway interface {
	Build(ctx context.Context, sessionID, contextPath, dockerfilePath, imageTag string) (engine.BuildResult, error)
	FSList(ctx context.Context, sessionID, path string) (workspace.Listing, error)
	FSRead(ctx context.Context, sessionID, path string) ([]byte, error)
	FSWrite(ctx context.Context, sessionID, path string, data []byte) error
	FSCreate(ctx context.Context, sessionID, path, kind string, data []byte) error
	FSRename(ctx context.Context, sessionID, path, newPath string) error
	FSDelete(ctx context.Context, sessionID, path string) error
	DialTerminal(ctx context.Context, sessionID, shell string) (*websocket.Conn, *http.Response, error)
}

// Evaluator grades a session's workspace against a lab. Satisfied by the
// server's grader runner, which binds the registry to a session-scoped
// supervisor handle.
type Evaluator interface {
	Evaluate(ctx context.Context, lab *labs.Lab, sessionID string) (grader.Result, error)
}

// sessionView is the wire shape of a session.
type sessionView struct {
	ID        string     `json:"id"`
	LabSlug   string     `json:"lab_slug"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func viewSession(s store.Session) sessionView {
	return sessionView{
		ID:        s.ID,
		LabSlug:   s.LabSlug,
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		EndedAt:   s.EndedAt,
	}
}

// attemptView is the wire shape of an attempt. Failures and Metrics pass
// through exactly as the grader produced them.
type attemptView struct {
	Seq       int64           `json:"seq"`
	SessionID string          `json:"session_id"`
	LabSlug   string          `json:"lab_slug"`
	CreatedAt time.Time       `json:"created_at"`
	Passed    bool            `json:"passed"`
	Failures  json.RawMessage `json:"failures"`
	Metrics   json.RawMessage `json:"metrics"`
	Notes     json.RawMessage `json:"notes"`
}

func viewAttempt(a store.Attempt, labSlug string) attemptView {
	notes := json.RawMessage(a.Notes)
	if !json.Valid(notes) {
		notes = json.RawMessage(`{}`)
	}
	return attemptView{
		Seq:       a.Seq,
		SessionID: a.SessionID,
		LabSlug:   labSlug,
		CreatedAt: a.CreatedAt,
		Passed:    a.Passed,
		Failures:  a.Failures,
		Metrics:   a.Metrics,
		Notes:     notes,
	}
}

// requestUser returns the user the auth middleware injected. Reaching a
// protected handler without one is a wiring bug, but the client still gets
// a clean 401.
func requestUser(r *http.Request) (store.User, error) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		return store.User{}, dkerr.NewUnauthenticated("missing credentials")
	}
	return user, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return dkerr.Newf(dkerr.CodeInvalidRequest, "invalid request body")
	}
	return nil
}
