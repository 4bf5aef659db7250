package v1

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierr "github.com/dockhand-labs/dockhand/pkg/api/errors"
	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/session"
)

// FSRoutes proxies workspace filesystem operations to the supervisor after
// the session liveness and ownership checks.
type FSRoutes struct {
	sessions   *session.Manager
	supervisor SupervisorGateway
}

// NewFSRoutes creates the filesystem routes.
func NewFSRoutes(sessions *session.Manager, sup SupervisorGateway) *FSRoutes {
	return &FSRoutes{sessions: sessions, supervisor: sup}
}

// Router mounts the filesystem endpoints.
func (f *FSRoutes) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/{session}/list", apierr.ErrorHandler(f.list))
	r.Get("/{session}/read", apierr.ErrorHandler(f.read))
	r.Post("/write", apierr.ErrorHandler(f.write))
	r.Post("/create", apierr.ErrorHandler(f.create))
	r.Post("/rename", apierr.ErrorHandler(f.rename))
	r.Post("/delete", apierr.ErrorHandler(f.delete))
	return r
}

func (f *FSRoutes) list(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}
	sess, err := f.sessions.Live(r.Context(), user, chi.URLParam(r, "session"))
	if err != nil {
		return err
	}

	listing, err := f.supervisor.FSList(r.Context(), sess.ID, r.URL.Query().Get("path"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, listing)
}

func (f *FSRoutes) read(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}
	sess, err := f.sessions.Live(r.Context(), user, chi.URLParam(r, "session"))
	if err != nil {
		return err
	}

	path := r.URL.Query().Get("path")
	data, err := f.supervisor.FSRead(r.Context(), sess.ID, path)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"path":        path,
		"content_b64": base64.StdEncoding.EncodeToString(data),
		"encoding":    "base64",
		"size":        len(data),
	})
}

type fsWriteRequest struct {
	SessionID  string `json:"session_id"`
	Path       string `json:"path"`
	ContentB64 string `json:"content_b64"`
	Encoding   string `json:"encoding,omitempty"`
}

func (f *FSRoutes) write(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}

	var req fsWriteRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	data, err := decodeContent(req.ContentB64)
	if err != nil {
		return err
	}

	sess, err := f.sessions.Live(r.Context(), user, req.SessionID)
	if err != nil {
		return err
	}
	if err := f.supervisor.FSWrite(r.Context(), sess.ID, req.Path, data); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type fsCreateRequest struct {
	SessionID  string `json:"session_id"`
	Path       string `json:"path"`
	Kind       string `json:"kind"`
	ContentB64 string `json:"content_b64,omitempty"`
}

func (f *FSRoutes) create(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}

	var req fsCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Kind != "file" && req.Kind != "directory" {
		return dkerr.Newf(dkerr.CodeInvalidRequest, "kind must be file or directory")
	}
	data, err := decodeContent(req.ContentB64)
	if err != nil {
		return err
	}

	sess, err := f.sessions.Live(r.Context(), user, req.SessionID)
	if err != nil {
		return err
	}
	if err := f.supervisor.FSCreate(r.Context(), sess.ID, req.Path, req.Kind, data); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type fsRenameRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	NewPath   string `json:"new_path"`
}

func (f *FSRoutes) rename(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}

	var req fsRenameRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	sess, err := f.sessions.Live(r.Context(), user, req.SessionID)
	if err != nil {
		return err
	}
	if err := f.supervisor.FSRename(r.Context(), sess.ID, req.Path, req.NewPath); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type fsDeleteRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

func (f *FSRoutes) delete(w http.ResponseWriter, r *http.Request) error {
	user, err := requestUser(r)
	if err != nil {
		return err
	}

	var req fsDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}

	sess, err := f.sessions.Live(r.Context(), user, req.SessionID)
	if err != nil {
		return err
	}
	if err := f.supervisor.FSDelete(r.Context(), sess.ID, req.Path); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func decodeContent(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, dkerr.Newf(dkerr.CodeInvalidRequest, "content_b64 is not valid base64")
	}
	return data, nil
}
