// Package engine drives the container engine running inside a worker. Every
// operation is a docker CLI invocation exec'd into the worker, so builds and
// runs happen with the learner's own daemon and cache, exactly as they would
// from the worker's shell.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/docker/go-units"

	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/logger"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/runtime"
)

// execer is the slice of the worker runtime the engine needs. Satisfied by
// *runtime.Runtime; stubbed in tests.
type execer interface {
	Exec(ctx context.Context, sessionID string, argv []string, workdir string, stdout, stderr io.Writer) (int, error)
	ExecCapture(ctx context.Context, sessionID string, argv []string, workdir string) (runtime.ExecResult, error)
}

const workdir = "/workspace"

// Engine runs build/run/probe operations inside workers.
type Engine struct {
	rt           execer
	buildTimeout time.Duration
	execTimeout  time.Duration
}

// New creates an Engine over the given runtime.
func New(rt execer, buildTimeout, execTimeout time.Duration) *Engine {
	return &Engine{rt: rt, buildTimeout: buildTimeout, execTimeout: execTimeout}
}

// WaitReady blocks until the worker's inner daemon answers `docker info`,
// retrying with exponential backoff. New workers need a few seconds for the
// daemon to come up.
func (e *Engine) WaitReady(ctx context.Context, sessionID string) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		res, err := e.rt.ExecCapture(ctx, sessionID, []string{"docker", "info"}, workdir)
		if err != nil {
			if dkerr.IsWorkerMissing(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		if res.ExitCode != 0 {
			return struct{}{}, fmt.Errorf("inner daemon not ready: %s", strings.TrimSpace(res.Stderr))
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
	if err != nil {
		if dkerr.IsWorkerMissing(err) {
			return err
		}
		return dkerr.New(dkerr.CodeEngineError, "inner engine did not become ready", err)
	}
	return nil
}

// Layer is one image layer as reported by the inner engine's history.
type Layer struct {
	ID        string  `json:"id"`
	CreatedBy string  `json:"created_by"`
	SizeMB    float64 `json:"size_mb"`
}

// BuildMetrics are the measurements taken from a successful build.
type BuildMetrics struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	ImageSizeMB    float64 `json:"image_size_mb"`
	LayerCount     int     `json:"layer_count"`
	CacheHits      int     `json:"cache_hits"`
	Layers         []Layer `json:"layers"`
}

// BuildResult is the outcome of a build. A failed build is a result, not an
// error: OK is false and Hint carries the last useful stderr line.
type BuildResult struct {
	OK       bool         `json:"ok"`
	ImageTag string       `json:"image_tag"`
	Logs     []string     `json:"logs"`
	Hint     string       `json:"hint,omitempty"`
	Metrics  BuildMetrics `json:"metrics"`
}

// Build runs `docker build` inside the worker and, on success, inspects the
// image for size and layer metrics. The build is bounded by the configured
// build timeout; hitting it cancels the exec and reports a timeout hint.
func (e *Engine) Build(ctx context.Context, sessionID, contextPath, dockerfilePath, imageTag string) (BuildResult, error) {
	if contextPath == "" {
		contextPath = "."
	}
	argv := []string{"docker", "build", "--progress=plain", "-t", imageTag}
	if dockerfilePath != "" {
		argv = append(argv, "-f", dockerfilePath)
	}
	argv = append(argv, contextPath)

	buildCtx, cancel := context.WithTimeout(ctx, e.buildTimeout)
	defer cancel()

	start := time.Now()
	var stdout, stderr strings.Builder
	code, err := e.rt.Exec(buildCtx, sessionID, argv, workdir, &stdout, &stderr)
	elapsed := time.Since(start).Seconds()

	combined := stdout.String() + stderr.String()
	logs := splitLines(combined)

	if err != nil {
		if buildCtx.Err() == context.DeadlineExceeded {
			return BuildResult{
				ImageTag: imageTag,
				Logs:     logs,
				Hint:     fmt.Sprintf("build exceeded the %s timeout", e.buildTimeout),
				Metrics:  BuildMetrics{ElapsedSeconds: elapsed},
			}, nil
		}
		return BuildResult{}, err
	}
	if code != 0 {
		return BuildResult{
			ImageTag: imageTag,
			Logs:     logs,
			Hint:     lastNonEmptyLine(stderr.String()),
			Metrics:  BuildMetrics{ElapsedSeconds: elapsed},
		}, nil
	}

	metrics, err := e.imageMetrics(ctx, sessionID, imageTag)
	if err != nil {
		return BuildResult{}, err
	}
	metrics.ElapsedSeconds = elapsed
	metrics.CacheHits = countCacheHits(logs)

	logger.Debugw("build finished", "session_id", sessionID, "image", imageTag,
		"elapsed_seconds", metrics.ElapsedSeconds, "cache_hits", metrics.CacheHits)

	return BuildResult{OK: true, ImageTag: imageTag, Logs: logs, Metrics: metrics}, nil
}

// imageMetrics reads size and per-layer details for a built image.
func (e *Engine) imageMetrics(ctx context.Context, sessionID, imageTag string) (BuildMetrics, error) {
	res, err := e.capture(ctx, sessionID, "docker", "image", "inspect", "--format", "{{.Size}}", imageTag)
	if err != nil {
		return BuildMetrics{}, err
	}
	sizeBytes, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return BuildMetrics{}, dkerr.New(dkerr.CodeEngineError, "parsing image size", err)
	}

	res, err = e.capture(ctx, sessionID, "docker", "image", "history", "--no-trunc", "--format", "{{json .}}", imageTag)
	if err != nil {
		return BuildMetrics{}, err
	}

	var layers []Layer
	for _, line := range splitLines(res.Stdout) {
		var row struct {
			ID        string `json:"ID"`
			CreatedBy string `json:"CreatedBy"`
			Size      string `json:"Size"`
		}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue
		}
		sizeB, err := units.FromHumanSize(row.Size)
		if err != nil {
			sizeB = 0
		}
		layers = append(layers, Layer{
			ID:        row.ID,
			CreatedBy: row.CreatedBy,
			SizeMB:    toMB(sizeB),
		})
	}

	return BuildMetrics{
		ImageSizeMB: toMB(sizeBytes),
		LayerCount:  len(layers),
		Layers:      layers,
	}, nil
}

// RunResult identifies a started container.
type RunResult struct {
	ContainerRef string `json:"container_ref"`
	Logs         string `json:"logs,omitempty"`
}

// Run starts a container from image inside the worker. Ports maps container
// ports to worker-local host ports. Detached runs return immediately with
// the container ref; foreground runs return combined output as Logs.
func (e *Engine) Run(ctx context.Context, sessionID, image string, ports map[int]int, detached, autoRemove bool) (RunResult, error) {
	argv := []string{"docker", "run"}
	if detached {
		argv = append(argv, "-d")
	}
	if autoRemove {
		argv = append(argv, "--rm")
	}
	// Deterministic flag order keeps logs diffable.
	containerPorts := make([]int, 0, len(ports))
	for cp := range ports {
		containerPorts = append(containerPorts, cp)
	}
	sort.Ints(containerPorts)
	for _, cp := range containerPorts {
		argv = append(argv, "-p", fmt.Sprintf("%d:%d", ports[cp], cp))
	}
	argv = append(argv, image)

	res, err := e.capture(ctx, sessionID, argv...)
	if err != nil {
		return RunResult{}, err
	}
	if res.ExitCode != 0 {
		return RunResult{}, dkerr.Newf(dkerr.CodeEngineError, "run failed: %s", lastNonEmptyLine(res.Stderr))
	}

	if detached {
		return RunResult{ContainerRef: strings.TrimSpace(res.Stdout)}, nil
	}
	return RunResult{Logs: res.Stdout + res.Stderr}, nil
}

// StopRun stops (and optionally removes) a container inside the worker.
// A container that is already gone counts as stopped.
func (e *Engine) StopRun(ctx context.Context, sessionID, containerRef string, timeoutSeconds int, remove bool) error {
	if timeoutSeconds <= 0 {
		timeoutSeconds = 10
	}
	res, err := e.capture(ctx, sessionID, "docker", "stop", "-t", strconv.Itoa(timeoutSeconds), containerRef)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 && !isNoSuchContainer(res.Stderr) {
		return dkerr.Newf(dkerr.CodeEngineError, "stopping container: %s", lastNonEmptyLine(res.Stderr))
	}
	if !remove {
		return nil
	}
	res, err = e.capture(ctx, sessionID, "docker", "rm", "-f", containerRef)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 && !isNoSuchContainer(res.Stderr) {
		return dkerr.Newf(dkerr.CodeEngineError, "removing container: %s", lastNonEmptyLine(res.Stderr))
	}
	return nil
}

// Logs returns the combined output of a container inside the worker.
func (e *Engine) Logs(ctx context.Context, sessionID, containerRef string) (string, error) {
	res, err := e.capture(ctx, sessionID, "docker", "logs", containerRef)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", dkerr.Newf(dkerr.CodeEngineError, "fetching logs: %s", lastNonEmptyLine(res.Stderr))
	}
	return res.Stdout + res.Stderr, nil
}

// ProbeResult is one HTTP probe observation from inside the worker.
type ProbeResult struct {
	OK   bool   `json:"ok"`
	Body string `json:"body"`
}

// Probe fetches http://127.0.0.1:port<path> from inside the worker. A
// refused connection or non-2xx answer reports OK false; only transport
// errors against the worker itself are returned as errors.
func (e *Engine) Probe(ctx context.Context, sessionID string, port int, path string) (ProbeResult, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	res, err := e.capture(ctx, sessionID, "wget", "-q", "-O", "-", "-T", "5", url)
	if err != nil {
		return ProbeResult{}, err
	}
	if res.ExitCode != 0 {
		return ProbeResult{OK: false, Body: strings.TrimSpace(res.Stderr)}, nil
	}
	return ProbeResult{OK: true, Body: res.Stdout}, nil
}

// Exec runs an arbitrary argv inside the worker under the exec timeout.
func (e *Engine) Exec(ctx context.Context, sessionID string, argv []string, dir string) (runtime.ExecResult, error) {
	if dir == "" {
		dir = workdir
	}
	execCtx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()
	return e.rt.ExecCapture(execCtx, sessionID, argv, dir)
}

func (e *Engine) capture(ctx context.Context, sessionID string, argv ...string) (runtime.ExecResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()
	return e.rt.ExecCapture(execCtx, sessionID, argv, workdir)
}

func toMB(bytes int64) float64 {
	return float64(bytes) / (1024 * 1024)
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimRight(line, "\r"); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	return lines
}

func lastNonEmptyLine(s string) string {
	lines := splitLines(s)
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// countCacheHits counts build steps resolved from cache. BuildKit plain
// progress prints "#N CACHED"; the legacy builder prints "Using cache".
func countCacheHits(logs []string) int {
	hits := 0
	for _, line := range logs {
		trimmed := strings.TrimSpace(line)
		if strings.HasSuffix(trimmed, " CACHED") || strings.Contains(trimmed, "Using cache") {
			hits++
		}
	}
	return hits
}

func isNoSuchContainer(stderr string) bool {
	return strings.Contains(stderr, "No such container")
}
