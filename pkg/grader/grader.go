// Package grader runs lab-specific grading pipelines against a session's
// workspace and worker. A handler contributes static and dynamic checks;
// the shared pipeline here does the reading, building, running, and
// probing, always through the same supervisor path user actions take.
package grader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/labs"
	"github.com/dockhand-labs/dockhand/pkg/logger"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/engine"
)

// Stable failure codes shared across lab handlers.
const (
	CodeDockerfileMissing      = "dockerfile_missing"
	CodeDockerignoreMissing    = "dockerignore_missing"
	CodeDockerignoreIncomplete = "dockerignore_incomplete"
	CodeDockerBuildFailed      = "docker_build_failed"
	CodeHealthcheckFailed      = "healthcheck_failed"

	CodeDependencyCopyAfterSource         = "dependency_copy_after_source"
	CodeDependencyInstallBeforeSourceCopy = "dependency_install_before_source_copy"
	CodePipCacheNotDisabled               = "pip_cache_not_disabled"

	CodeImageTooLarge          = "image_too_large"
	CodeSingleStageBuild       = "single_stage_build"
	CodeBuilderAliasMissing    = "builder_alias_missing"
	CodeCopyFromBuilderMissing = "copy_from_builder_missing"
)

const (
	// probeAttempts bounds health probing after the container starts.
	probeAttempts = 6
	// probeInitialDelay seeds the probe backoff.
	probeInitialDelay = 500 * time.Millisecond
	// cleanupTimeout bounds the deferred probe-container teardown.
	cleanupTimeout = 15 * time.Second
	// maxImageSizeMB is the size ceiling labs may enforce.
	maxImageSizeMB = 250.0

	defaultHealthPort = 8000
	defaultHealthPath = "/health"
)

// Failure is one grading rule violation. Code is a stable identifier the
// frontend keys rendering on; Hint is optional guidance.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Result is the outcome of one grading run. Passed holds exactly when
// Failures is empty.
type Result struct {
	Passed   bool
	Failures []Failure
	Metrics  map[string]any
	Notes    map[string]string
}

// SessionHandle is the slice of the supervisor client a grading run may
// touch: one session's workspace and worker, nothing else. Satisfied by
// *client.Session.
type SessionHandle interface {
	ID() string
	FSRead(ctx context.Context, path string) ([]byte, error)
	Build(ctx context.Context, contextPath, dockerfilePath, imageTag string) (engine.BuildResult, error)
	Run(ctx context.Context, image string, ports map[int]int, detached, autoRemove bool) (engine.RunResult, error)
	StopRun(ctx context.Context, containerRef string, timeout time.Duration, remove bool) error
	Probe(ctx context.Context, port int, path string) (engine.ProbeResult, error)
	Logs(ctx context.Context, containerRef string) (string, error)
}

// Handler holds the lab-specific half of the pipeline.
type Handler interface {
	// Static reads workspace files and returns rule violations. A non-nil
	// error means the grading infrastructure failed, not the submission.
	Static(ctx context.Context, sess SessionHandle) ([]Failure, error)

	// Runtime reports whether the lab runs the built image and probes it.
	Runtime() bool

	// Dynamic runs after a successful build. probe is nil when the lab has
	// no runtime phase or the health probe never succeeded.
	Dynamic(build engine.BuildResult, probe *engine.ProbeResult) []Failure
}

// Registry maps grader keys to handlers. The shipped catalog is closed;
// Register exists so additional labs can plug in at startup.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a grader key. Later registrations win.
func (r *Registry) Register(key string, h Handler) {
	r.handlers[key] = h
}

// Default returns a registry with the shipped lab handlers.
func Default() *Registry {
	r := NewRegistry()
	r.Register("first-image", &firstImageHandler{})
	r.Register("layer-cache", &layerCacheHandler{})
	r.Register("multi-stage", &multiStageHandler{})
	return r
}

// Evaluate grades the session's workspace against the lab's rules. The
// returned error is reserved for infrastructure failures; a submission
// that fails every check still yields a nil error and a Result.
func (r *Registry) Evaluate(ctx context.Context, lab *labs.Lab, sess SessionHandle) (Result, error) {
	key := lab.Grader
	if key == "" {
		key = lab.Slug
	}
	handler, ok := r.handlers[key]
	if !ok {
		return Result{}, dkerr.Newf(dkerr.CodeInternal, "no grader registered for lab %q", lab.Slug)
	}

	res := Result{
		Failures: []Failure{},
		Metrics:  map[string]any{},
		Notes:    map[string]string{},
	}

	failures, err := handler.Static(ctx, sess)
	if err != nil {
		return Result{}, err
	}
	if len(failures) > 0 {
		res.Failures = failures
		return finish(res), nil
	}

	imageTag := fmt.Sprintf("dockhand/%s:latest", lab.Slug)
	build, err := sess.Build(ctx, ".", "Dockerfile", imageTag)
	if err != nil {
		return Result{}, err
	}
	res.Notes["build_logs"] = strings.Join(build.Logs, "\n")
	if !build.OK {
		res.Failures = append(res.Failures, Failure{
			Code:    CodeDockerBuildFailed,
			Message: "the image failed to build",
			Hint:    build.Hint,
		})
		return finish(res), nil
	}
	res.Metrics["build"] = build.Metrics

	var probe *engine.ProbeResult
	if handler.Runtime() {
		port, path := healthEndpoint(lab)

		run, err := sess.Run(ctx, imageTag, map[int]int{port: port}, true, false)
		if err != nil {
			return Result{}, err
		}
		defer func() {
			cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			defer cancel()
			if err := sess.StopRun(cleanupCtx, run.ContainerRef, 5*time.Second, true); err != nil {
				logger.Warnw("probe container teardown failed",
					"session_id", sess.ID(), "container_ref", run.ContainerRef, "error", err)
			}
		}()

		probe = probeHealth(ctx, sess, port, path)

		if logs, err := sess.Logs(ctx, run.ContainerRef); err == nil {
			res.Notes["runtime_logs"] = logs
		}
	}

	res.Failures = append(res.Failures, handler.Dynamic(build, probe)...)
	if handler.Runtime() && probe == nil {
		port, path := healthEndpoint(lab)
		res.Failures = append(res.Failures, Failure{
			Code:    CodeHealthcheckFailed,
			Message: fmt.Sprintf("the container never answered GET %s on port %d", path, port),
			Hint:    "check runtime_logs for a crash on startup",
		})
	}

	return finish(res), nil
}

func finish(res Result) Result {
	res.Passed = len(res.Failures) == 0
	return res
}

func healthEndpoint(lab *labs.Lab) (int, string) {
	port := lab.HealthPort
	if port == 0 {
		port = defaultHealthPort
	}
	path := lab.HealthPath
	if path == "" {
		path = defaultHealthPath
	}
	return port, path
}

var errNotReady = errors.New("endpoint not answering yet")

// probeHealth retries the in-worker probe with exponential backoff until
// it answers or the attempt budget runs out. nil means it never answered.
func probeHealth(ctx context.Context, sess SessionHandle, port int, path string) *engine.ProbeResult {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = probeInitialDelay

	result, err := backoff.Retry(ctx, func() (engine.ProbeResult, error) {
		pr, err := sess.Probe(ctx, port, path)
		if err != nil {
			if !dkerr.IsTransient(err) {
				return engine.ProbeResult{}, backoff.Permanent(err)
			}
			return engine.ProbeResult{}, err
		}
		if !pr.OK {
			return engine.ProbeResult{}, errNotReady
		}
		return pr, nil
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(probeAttempts),
	)
	if err != nil {
		return nil
	}
	return &result
}

// readOptional reads a workspace file, distinguishing "not there" from
// infrastructure failure.
func readOptional(ctx context.Context, sess SessionHandle, path string) (data []byte, exists bool, err error) {
	data, err = sess.FSRead(ctx, path)
	if err != nil {
		if dkerr.Is(err, dkerr.CodeInvalidPath) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}
