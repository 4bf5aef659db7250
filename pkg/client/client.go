// Package client is the typed HTTP client for the supervisor API. The
// orchestrator's session service and the grader both drive workers through
// it; neither ever talks to a container engine directly.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/engine"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/runtime"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/workspace"
)

// maxRetries bounds retry attempts for transient failures: the first call
// plus at most two retries.
const maxRetries = 3

// Client talks to one supervisor.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for the supervisor at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// Builds run long; per-call contexts carry the real deadlines.
		http: &http.Client{Timeout: 10 * time.Minute},
	}
}

// errorBody mirrors the supervisor's error response shape.
type errorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

// do issues one request and decodes the response into out (when non-nil).
// Transport failures map to supervisor_unavailable; error responses are
// rebuilt into their taxonomy codes. Transient failures are retried with
// jittered exponential backoff.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.doOnce(ctx, method, path, payload, out)
		if err != nil && !dkerr.IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxRetries),
	)
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return dkerr.NewSupervisorUnavailable(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var eb errorBody
		if decodeErr := json.NewDecoder(resp.Body).Decode(&eb); decodeErr != nil || eb.Code == "" {
			return dkerr.Newf(dkerr.CodeSupervisorUnavailable, "supervisor returned status %d", resp.StatusCode)
		}
		return dkerr.FromCode(eb.Code, eb.Detail)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return dkerr.New(dkerr.CodeSupervisorUnavailable, "decoding supervisor response", err)
	}
	return nil
}

// StartWorker asks the supervisor to create a worker for the session,
// seeded from seedDir.
func (c *Client) StartWorker(ctx context.Context, sessionID string, ttl time.Duration, seedDir string) (string, error) {
	req := map[string]any{
		"session_id":  sessionID,
		"ttl_seconds": int(ttl / time.Second),
		"seed_dir":    seedDir,
	}
	var resp struct {
		WorkerRef string `json:"worker_ref"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/workers/start", req, &resp); err != nil {
		return "", err
	}
	return resp.WorkerRef, nil
}

// Status reports whether the session's worker is alive; worker_missing
// when it is not.
func (c *Client) Status(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodGet, "/api/workers/"+url.PathEscape(sessionID)+"/status", nil, nil)
}

// StopWorker tears down the session's worker. Idempotent.
func (c *Client) StopWorker(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/workers/"+url.PathEscape(sessionID)+"/stop", nil, nil)
}

// Build builds an image inside the session's worker.
func (c *Client) Build(ctx context.Context, sessionID, contextPath, dockerfilePath, imageTag string) (engine.BuildResult, error) {
	req := map[string]string{
		"context_path":    contextPath,
		"dockerfile_path": dockerfilePath,
		"image_tag":       imageTag,
	}
	var resp engine.BuildResult
	err := c.do(ctx, http.MethodPost, "/api/workers/"+url.PathEscape(sessionID)+"/build", req, &resp)
	return resp, err
}

// Run starts a container inside the session's worker.
func (c *Client) Run(ctx context.Context, sessionID, image string, ports map[int]int, detached, autoRemove bool) (engine.RunResult, error) {
	req := map[string]any{
		"image":       image,
		"ports":       ports,
		"detached":    detached,
		"auto_remove": autoRemove,
	}
	var resp engine.RunResult
	err := c.do(ctx, http.MethodPost, "/api/workers/"+url.PathEscape(sessionID)+"/run", req, &resp)
	return resp, err
}

// StopRun stops (and optionally removes) a container inside the worker.
func (c *Client) StopRun(ctx context.Context, sessionID, containerRef string, timeoutSeconds int, remove bool) error {
	req := map[string]any{
		"container_ref":   containerRef,
		"timeout_seconds": timeoutSeconds,
		"remove":          remove,
	}
	return c.do(ctx, http.MethodPost, "/api/workers/"+url.PathEscape(sessionID)+"/stop_run", req, nil)
}

// Exec runs argv inside the session's worker.
func (c *Client) Exec(ctx context.Context, sessionID string, argv []string, workdir string) (runtime.ExecResult, error) {
	req := map[string]any{"argv": argv, "workdir": workdir}
	var resp struct {
		ExitCode int    `json:"exit_code"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
	}
	err := c.do(ctx, http.MethodPost, "/api/workers/"+url.PathEscape(sessionID)+"/exec", req, &resp)
	return runtime.ExecResult{ExitCode: resp.ExitCode, Stdout: resp.Stdout, Stderr: resp.Stderr}, err
}

// Probe issues an HTTP probe from inside the worker.
func (c *Client) Probe(ctx context.Context, sessionID string, port int, path string) (engine.ProbeResult, error) {
	req := map[string]any{"port": port, "path": path}
	var resp engine.ProbeResult
	err := c.do(ctx, http.MethodPost, "/api/workers/"+url.PathEscape(sessionID)+"/probe", req, &resp)
	return resp, err
}

// Logs fetches a container's combined output from inside the worker.
func (c *Client) Logs(ctx context.Context, sessionID, containerRef string) (string, error) {
	var resp struct {
		Logs string `json:"logs"`
	}
	path := "/api/workers/" + url.PathEscape(sessionID) + "/logs?ref=" + url.QueryEscape(containerRef)
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Logs, err
}

// FSList lists a workspace path.
func (c *Client) FSList(ctx context.Context, sessionID, path string) (workspace.Listing, error) {
	var resp workspace.Listing
	u := "/api/workers/" + url.PathEscape(sessionID) + "/fs/list?path=" + url.QueryEscape(path)
	err := c.do(ctx, http.MethodGet, u, nil, &resp)
	return resp, err
}

// FSRead reads a workspace file.
func (c *Client) FSRead(ctx context.Context, sessionID, path string) ([]byte, error) {
	var resp struct {
		BytesB64 string `json:"bytes_b64"`
	}
	u := "/api/workers/" + url.PathEscape(sessionID) + "/fs/read?path=" + url.QueryEscape(path)
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(resp.BytesB64)
	if err != nil {
		return nil, dkerr.New(dkerr.CodeSupervisorUnavailable, "decoding file content", err)
	}
	return data, nil
}

// FSWrite writes a workspace file.
func (c *Client) FSWrite(ctx context.Context, sessionID, path string, data []byte) error {
	req := map[string]string{
		"path":      path,
		"bytes_b64": base64.StdEncoding.EncodeToString(data),
	}
	return c.do(ctx, http.MethodPost, "/api/workers/"+url.PathEscape(sessionID)+"/fs/write", req, nil)
}

// FSCreate creates a workspace file or directory.
func (c *Client) FSCreate(ctx context.Context, sessionID, path, kind string, data []byte) error {
	req := map[string]string{
		"path":      path,
		"kind":      kind,
		"bytes_b64": base64.StdEncoding.EncodeToString(data),
	}
	return c.do(ctx, http.MethodPost, "/api/workers/"+url.PathEscape(sessionID)+"/fs/create", req, nil)
}

// FSRename moves a workspace path.
func (c *Client) FSRename(ctx context.Context, sessionID, path, newPath string) error {
	req := map[string]string{"path": path, "new_path": newPath}
	return c.do(ctx, http.MethodPost, "/api/workers/"+url.PathEscape(sessionID)+"/fs/rename", req, nil)
}

// FSDelete removes a workspace path.
func (c *Client) FSDelete(ctx context.Context, sessionID, path string) error {
	req := map[string]string{"path": path}
	return c.do(ctx, http.MethodPost, "/api/workers/"+url.PathEscape(sessionID)+"/fs/delete", req, nil)
}

// DialTerminal opens the supervisor's terminal WebSocket for the session.
func (c *Client) DialTerminal(ctx context.Context, sessionID, shell string) (*websocket.Conn, *http.Response, error) {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) +
		"/api/workers/" + url.PathEscape(sessionID) + "/terminal"
	if shell != "" {
		wsURL += "?shell=" + url.QueryEscape(shell)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, resp, dkerr.NewSupervisorUnavailable(err)
	}
	return conn, resp, nil
}
