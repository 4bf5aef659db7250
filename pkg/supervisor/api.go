package supervisor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	apierrors "github.com/dockhand-labs/dockhand/pkg/api/errors"
	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/logger"
	"github.com/dockhand-labs/dockhand/pkg/telemetry"
	"github.com/dockhand-labs/dockhand/pkg/terminal"
)

// Routes exposes the supervisor's worker contract over local HTTP.
type Routes struct {
	sup *Supervisor
}

// Router builds the supervisor's HTTP handler.
func Router(sup *Supervisor) http.Handler {
	routes := Routes{sup: sup}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", routes.healthz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/api/workers", func(r chi.Router) {
		r.Post("/start", apierrors.ErrorHandler(routes.startWorker))
		r.Route("/{session}", func(r chi.Router) {
			r.Get("/status", apierrors.ErrorHandler(routes.status))
			r.Post("/stop", apierrors.ErrorHandler(routes.stopWorker))
			r.Post("/build", apierrors.ErrorHandler(routes.build))
			r.Post("/run", apierrors.ErrorHandler(routes.run))
			r.Post("/stop_run", apierrors.ErrorHandler(routes.stopRun))
			r.Post("/exec", apierrors.ErrorHandler(routes.exec))
			r.Post("/probe", apierrors.ErrorHandler(routes.probe))
			r.Get("/logs", apierrors.ErrorHandler(routes.logs))
			r.Get("/fs/list", apierrors.ErrorHandler(routes.fsList))
			r.Get("/fs/read", apierrors.ErrorHandler(routes.fsRead))
			r.Post("/fs/write", apierrors.ErrorHandler(routes.fsWrite))
			r.Post("/fs/create", apierrors.ErrorHandler(routes.fsCreate))
			r.Post("/fs/rename", apierrors.ErrorHandler(routes.fsRename))
			r.Post("/fs/delete", apierrors.ErrorHandler(routes.fsDelete))
			r.Get("/terminal", routes.terminal)
		})
	})

	return r
}

func (rt *Routes) healthz(w http.ResponseWriter, r *http.Request) {
	if err := rt.sup.EnginePing(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "degraded",
			"workers": rt.sup.WorkerCount(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": rt.sup.WorkerCount(),
	})
}

type startWorkerRequest struct {
	SessionID  string `json:"session_id"`
	TTLSeconds int    `json:"ttl_seconds"`
	SeedDir    string `json:"seed_dir"`
}

type startWorkerResponse struct {
	WorkerRef string `json:"worker_ref"`
}

func (rt *Routes) startWorker(w http.ResponseWriter, r *http.Request) error {
	var req startWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.SessionID == "" || req.TTLSeconds <= 0 {
		return dkerr.Newf(dkerr.CodeInvalidRequest, "session_id and a positive ttl_seconds are required")
	}

	ref, err := rt.sup.StartWorker(r.Context(), req.SessionID, time.Duration(req.TTLSeconds)*time.Second, req.SeedDir)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusCreated, startWorkerResponse{WorkerRef: ref})
}

func (rt *Routes) status(w http.ResponseWriter, r *http.Request) error {
	if err := rt.sup.Status(r.Context(), chi.URLParam(r, "session")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (rt *Routes) stopWorker(w http.ResponseWriter, r *http.Request) error {
	if err := rt.sup.StopWorker(r.Context(), chi.URLParam(r, "session")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type buildRequest struct {
	ContextPath    string `json:"context_path"`
	DockerfilePath string `json:"dockerfile_path"`
	ImageTag       string `json:"image_tag"`
}

func (rt *Routes) build(w http.ResponseWriter, r *http.Request) error {
	var req buildRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.ImageTag == "" {
		return dkerr.Newf(dkerr.CodeInvalidRequest, "image_tag is required")
	}

	result, err := rt.sup.Build(r.Context(), chi.URLParam(r, "session"), req.ContextPath, req.DockerfilePath, req.ImageTag)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, result)
}

type runRequest struct {
	Image      string      `json:"image"`
	Ports      map[int]int `json:"ports"`
	Detached   bool        `json:"detached"`
	AutoRemove bool        `json:"auto_remove"`
}

func (rt *Routes) run(w http.ResponseWriter, r *http.Request) error {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Image == "" {
		return dkerr.Newf(dkerr.CodeInvalidRequest, "image is required")
	}

	result, err := rt.sup.Run(r.Context(), chi.URLParam(r, "session"), req.Image, req.Ports, req.Detached, req.AutoRemove)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, result)
}

type stopRunRequest struct {
	ContainerRef   string `json:"container_ref"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Remove         bool   `json:"remove"`
}

func (rt *Routes) stopRun(w http.ResponseWriter, r *http.Request) error {
	var req stopRunRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.ContainerRef == "" {
		return dkerr.Newf(dkerr.CodeInvalidRequest, "container_ref is required")
	}

	if err := rt.sup.StopRun(r.Context(), chi.URLParam(r, "session"), req.ContainerRef, req.TimeoutSeconds, req.Remove); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type execRequest struct {
	Argv    []string `json:"argv"`
	Workdir string   `json:"workdir"`
}

func (rt *Routes) exec(w http.ResponseWriter, r *http.Request) error {
	var req execRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if len(req.Argv) == 0 {
		return dkerr.Newf(dkerr.CodeInvalidRequest, "argv is required")
	}

	result, err := rt.sup.Exec(r.Context(), chi.URLParam(r, "session"), req.Argv, req.Workdir)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]any{
		"exit_code": result.ExitCode,
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
	})
}

type probeRequest struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

func (rt *Routes) probe(w http.ResponseWriter, r *http.Request) error {
	var req probeRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if req.Port <= 0 {
		return dkerr.Newf(dkerr.CodeInvalidRequest, "a positive port is required")
	}

	result, err := rt.sup.Probe(r.Context(), chi.URLParam(r, "session"), req.Port, req.Path)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, result)
}

func (rt *Routes) logs(w http.ResponseWriter, r *http.Request) error {
	ref := r.URL.Query().Get("ref")
	if ref == "" {
		return dkerr.Newf(dkerr.CodeInvalidRequest, "ref query parameter is required")
	}

	out, err := rt.sup.Logs(r.Context(), chi.URLParam(r, "session"), ref)
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]string{"logs": out})
}

func (rt *Routes) fsList(w http.ResponseWriter, r *http.Request) error {
	listing, err := rt.sup.FSList(r.Context(), chi.URLParam(r, "session"), r.URL.Query().Get("path"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, listing)
}

func (rt *Routes) fsRead(w http.ResponseWriter, r *http.Request) error {
	data, err := rt.sup.FSRead(r.Context(), chi.URLParam(r, "session"), r.URL.Query().Get("path"))
	if err != nil {
		return err
	}
	return writeJSON(w, http.StatusOK, map[string]string{
		"bytes_b64": base64.StdEncoding.EncodeToString(data),
	})
}

type fsWriteRequest struct {
	Path     string `json:"path"`
	BytesB64 string `json:"bytes_b64"`
}

func (rt *Routes) fsWrite(w http.ResponseWriter, r *http.Request) error {
	var req fsWriteRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(req.BytesB64)
	if err != nil {
		return dkerr.Newf(dkerr.CodeInvalidRequest, "bytes_b64 is not valid base64")
	}

	if err := rt.sup.FSWrite(r.Context(), chi.URLParam(r, "session"), req.Path, data); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type fsCreateRequest struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	BytesB64 string `json:"bytes_b64"`
}

func (rt *Routes) fsCreate(w http.ResponseWriter, r *http.Request) error {
	var req fsCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	data, err := base64.StdEncoding.DecodeString(req.BytesB64)
	if err != nil {
		return dkerr.Newf(dkerr.CodeInvalidRequest, "bytes_b64 is not valid base64")
	}

	if err := rt.sup.FSCreate(r.Context(), chi.URLParam(r, "session"), req.Path, req.Kind, data); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type fsRenameRequest struct {
	Path    string `json:"path"`
	NewPath string `json:"new_path"`
}

func (rt *Routes) fsRename(w http.ResponseWriter, r *http.Request) error {
	var req fsRenameRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := rt.sup.FSRename(r.Context(), chi.URLParam(r, "session"), req.Path, req.NewPath); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type fsDeleteRequest struct {
	Path string `json:"path"`
}

func (rt *Routes) fsDelete(w http.ResponseWriter, r *http.Request) error {
	var req fsDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	if err := rt.sup.FSDelete(r.Context(), chi.URLParam(r, "session"), req.Path); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// upgrader accepts any origin: the supervisor listens on loopback and is
// reached only by the orchestrator.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// terminal upgrades to a WebSocket and bridges it to a shell inside the
// worker. Binary frames carry PTY bytes; text frames carry resize and ping
// control messages.
func (rt *Routes) terminal(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	shell := r.URL.Query().Get("shell")

	term, err := rt.sup.Terminal(r.Context(), sessionID, shell)
	if err != nil {
		apierrors.WriteError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = term.Close()
		logger.Errorw("terminal upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	g, ctx := errgroup.WithContext(r.Context())

	// Whichever pump exits first cancels ctx; unblock the other side's
	// pending read so the group can drain within the grace window.
	go func() {
		<-ctx.Done()
		_ = term.Close()
		_ = conn.SetReadDeadline(time.Now())
	}()

	// PTY -> socket.
	g.Go(func() error {
		buf := make([]byte, 4096)
		for {
			n, readErr := term.Read(buf)
			if n > 0 {
				if writeErr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); writeErr != nil {
					return writeErr
				}
			}
			if readErr != nil {
				return readErr
			}
		}
	})

	// Socket -> PTY, with control frames interpreted here.
	g.Go(func() error {
		for {
			msgType, data, readErr := conn.ReadMessage()
			if readErr != nil {
				return readErr
			}
			switch msgType {
			case websocket.BinaryMessage:
				if _, writeErr := term.Write(data); writeErr != nil {
					return writeErr
				}
			case websocket.TextMessage:
				frame, ok := terminal.ParseControl(data)
				if !ok {
					continue
				}
				if frame.Type == terminal.TypeResize {
					if resizeErr := term.Resize(ctx, frame.Cols, frame.Rows); resizeErr != nil {
						logger.Debugw("terminal resize failed", "session_id", sessionID, "error", resizeErr)
					}
				}
			}
		}
	})

	err = g.Wait()
	_ = term.Close()

	closeCode := websocket.CloseNormalClosure
	if err != nil && !isExpectedTermination(err) {
		logger.Warnw("terminal closed abnormally", "session_id", sessionID, "error", err)
		closeCode = websocket.CloseInternalServerErr
	}
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, ""), deadline)
	_ = conn.Close()
}

// isExpectedTermination reports whether the proxy loop ended the way
// terminals normally end: the peer closed, or the shell exited (EOF).
func isExpectedTermination(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, io.EOF)
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
