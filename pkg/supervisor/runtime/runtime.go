// Package runtime wraps the host container engine. A worker is one
// privileged container per session running its own inner engine; everything
// the supervisor does to a worker goes through this package.
package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/logger"
)

// workerPrefix names worker containers deterministically from session ids.
const workerPrefix = "dockhand-worker-"

// Labels stamped on every worker container so stray ones are discoverable.
const (
	labelManaged = "dockhand"
	labelSession = "dockhand-session"
)

const stopTimeoutSeconds = 10

// workspaceMount is where the session workspace appears inside the worker.
const workspaceMount = "/workspace"

// Runtime is a thin client over the host engine socket. It is stateless and
// safe for concurrent use.
type Runtime struct {
	cli *client.Client
}

// New connects to the host engine using the standard environment settings
// (DOCKER_HOST et al) and verifies the daemon answers.
func New(ctx context.Context) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating engine client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, dkerr.New(dkerr.CodeEngineError, "host engine unreachable", err)
	}
	return &Runtime{cli: cli}, nil
}

// Close releases the engine client.
func (r *Runtime) Close() error {
	return r.cli.Close()
}

// Ping checks that the host engine still answers.
func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return dkerr.New(dkerr.CodeEngineError, "host engine unreachable", err)
	}
	return nil
}

// WorkerName returns the container name for a session's worker.
func WorkerName(sessionID string) string {
	return workerPrefix + sessionID
}

// WorkerSpec describes the worker container to create.
type WorkerSpec struct {
	SessionID string
	Image     string

	// WorkspaceHostDir is bind-mounted at /workspace inside the worker.
	WorkspaceHostDir string

	// Quotas. Memory accepts engine notation like "1536m".
	Memory   string
	CPUQuota float64
	PIDLimit int64
}

// CreateWorker creates and starts the privileged worker container for the
// session. The inner engine daemon is the image's entrypoint; callers should
// wait for it with engine readiness checks before building anything.
func (r *Runtime) CreateWorker(ctx context.Context, spec WorkerSpec) (string, error) {
	memBytes, err := units.RAMInBytes(spec.Memory)
	if err != nil {
		return "", fmt.Errorf("parsing memory quota %q: %w", spec.Memory, err)
	}

	config := &container.Config{
		Image: spec.Image,
		Labels: map[string]string{
			labelManaged: "true",
			labelSession: spec.SessionID,
		},
	}
	hostConfig := &container.HostConfig{
		// The inner engine needs privileged mode to manage cgroups and
		// mount overlayfs. Isolation between learners is the worker
		// boundary itself.
		Privileged: true,
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: spec.WorkspaceHostDir,
			Target: workspaceMount,
		}},
		Resources: container.Resources{
			Memory:    memBytes,
			NanoCPUs:  int64(spec.CPUQuota * 1e9),
			PidsLimit: &spec.PIDLimit,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, nil, WorkerName(spec.SessionID))
	if err != nil {
		return "", dkerr.New(dkerr.CodeEngineError, "creating worker container", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Leave no half-started worker behind.
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", dkerr.New(dkerr.CodeEngineError, "starting worker container", err)
	}

	logger.Infow("worker created", "session_id", spec.SessionID, "container_id", resp.ID)
	return resp.ID, nil
}

// StopWorker stops the session's worker. Already-stopped and already-gone
// workers return success.
func (r *Runtime) StopWorker(ctx context.Context, sessionID string) error {
	timeout := stopTimeoutSeconds
	err := r.cli.ContainerStop(ctx, WorkerName(sessionID), container.StopOptions{Timeout: &timeout})
	if err != nil && !client.IsErrNotFound(err) {
		return dkerr.New(dkerr.CodeEngineError, "stopping worker", err)
	}
	return nil
}

// RemoveWorker force-removes the session's worker. Removing a worker that
// does not exist returns success.
func (r *Runtime) RemoveWorker(ctx context.Context, sessionID string) error {
	err := r.cli.ContainerRemove(ctx, WorkerName(sessionID), container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return dkerr.New(dkerr.CodeEngineError, "removing worker", err)
	}
	return nil
}

// WorkerRunning reports whether the session's worker exists and is running.
func (r *Runtime) WorkerRunning(ctx context.Context, sessionID string) (bool, error) {
	info, err := r.cli.ContainerInspect(ctx, WorkerName(sessionID))
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, dkerr.New(dkerr.CodeEngineError, "inspecting worker", err)
	}
	return info.State != nil && info.State.Running, nil
}

// WorkerInfo is a listing entry for a managed worker.
type WorkerInfo struct {
	SessionID   string
	ContainerID string
	State       string
	Created     time.Time
}

// ListWorkers returns every worker container on the host, running or not.
func (r *Runtime) ListWorkers(ctx context.Context) ([]WorkerInfo, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelManaged+"=true")

	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, dkerr.New(dkerr.CodeEngineError, "listing workers", err)
	}

	result := make([]WorkerInfo, 0, len(containers))
	for _, c := range containers {
		result = append(result, WorkerInfo{
			SessionID:   c.Labels[labelSession],
			ContainerID: c.ID,
			State:       c.State,
			Created:     time.Unix(c.Created, 0),
		})
	}
	return result, nil
}

// ExecResult carries the outcome of a command run inside a worker.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Exec runs argv inside the session's worker, streaming stdout and stderr
// to the given writers, and returns the exit code. A missing worker maps to
// worker_missing so callers can reconcile.
func (r *Runtime) Exec(ctx context.Context, sessionID string, argv []string, workdir string, stdout, stderr io.Writer) (int, error) {
	execID, err := r.cli.ContainerExecCreate(ctx, WorkerName(sessionID), container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return 0, dkerr.NewWorkerMissing(sessionID)
		}
		return 0, dkerr.New(dkerr.CodeEngineError, "creating exec", err)
	}

	resp, err := r.cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, dkerr.New(dkerr.CodeEngineError, "attaching exec", err)
	}
	defer resp.Close()

	// The attached stream is multiplexed; stdcopy demuxes it into the two
	// writers. Respect cancellation while copying.
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, resp.Reader)
		copyDone <- copyErr
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case err := <-copyDone:
		if err != nil {
			return 0, dkerr.New(dkerr.CodeEngineError, "reading exec output", err)
		}
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return 0, dkerr.New(dkerr.CodeEngineError, "inspecting exec", err)
	}
	return inspect.ExitCode, nil
}

// ExecCapture runs argv inside the worker and captures both streams.
func (r *Runtime) ExecCapture(ctx context.Context, sessionID string, argv []string, workdir string) (ExecResult, error) {
	var stdout, stderr strings.Builder
	code, err := r.Exec(ctx, sessionID, argv, workdir, &stdout, &stderr)
	if err != nil {
		return ExecResult{}, err
	}
	return ExecResult{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// Terminal is a live interactive shell inside a worker. The hijacked
// connection carries raw TTY bytes in both directions.
type Terminal struct {
	rt     *Runtime
	execID string
	resp   types.HijackedResponse
}

// OpenTerminal starts shell under a TTY inside the session's worker and
// attaches to it.
func (r *Runtime) OpenTerminal(ctx context.Context, sessionID, shell string) (*Terminal, error) {
	if shell == "" {
		shell = "/bin/sh"
	}

	execID, err := r.cli.ContainerExecCreate(ctx, WorkerName(sessionID), container.ExecOptions{
		Cmd:          []string{shell},
		WorkingDir:   workspaceMount,
		Env:          []string{"TERM=xterm-256color"},
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, dkerr.NewWorkerMissing(sessionID)
		}
		return nil, dkerr.New(dkerr.CodeEngineError, "creating terminal exec", err)
	}

	resp, err := r.cli.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, dkerr.New(dkerr.CodeEngineError, "attaching terminal", err)
	}

	return &Terminal{rt: r, execID: execID.ID, resp: resp}, nil
}

// Read reads PTY output bytes.
func (t *Terminal) Read(p []byte) (int, error) {
	return t.resp.Reader.Read(p)
}

// Write writes input bytes to the PTY.
func (t *Terminal) Write(p []byte) (int, error) {
	return t.resp.Conn.Write(p)
}

// Resize adjusts the PTY window.
func (t *Terminal) Resize(ctx context.Context, cols, rows uint) error {
	err := t.rt.cli.ContainerExecResize(ctx, t.execID, container.ResizeOptions{Width: cols, Height: rows})
	if err != nil {
		return dkerr.New(dkerr.CodeEngineError, "resizing terminal", err)
	}
	return nil
}

// Close tears down the attached stream; the shell exits on EOF.
func (t *Terminal) Close() error {
	t.resp.Close()
	return nil
}
