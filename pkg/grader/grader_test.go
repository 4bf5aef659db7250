package grader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/labs"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/engine"
)

// stubSession scripts a session handle: canned files, one build result,
// and a probe that starts answering on a chosen attempt.
type stubSession struct {
	files map[string]string
	build engine.BuildResult

	probeErr  error
	probeOKOn int
	probeBody string

	builds     int
	runs       int
	probeCalls int
	stops      int
	removed    bool
}

func (s *stubSession) ID() string { return "sess-1" }

func (s *stubSession) FSRead(_ context.Context, path string) ([]byte, error) {
	content, ok := s.files[path]
	if !ok {
		return nil, dkerr.Newf(dkerr.CodeInvalidPath, "no such file: %s", path)
	}
	return []byte(content), nil
}

func (s *stubSession) Build(context.Context, string, string, string) (engine.BuildResult, error) {
	s.builds++
	return s.build, nil
}

func (s *stubSession) Run(context.Context, string, map[int]int, bool, bool) (engine.RunResult, error) {
	s.runs++
	return engine.RunResult{ContainerRef: "cid-1"}, nil
}

func (s *stubSession) StopRun(_ context.Context, _ string, _ time.Duration, remove bool) error {
	s.stops++
	s.removed = remove
	return nil
}

func (s *stubSession) Probe(context.Context, int, string) (engine.ProbeResult, error) {
	s.probeCalls++
	if s.probeErr != nil {
		return engine.ProbeResult{}, s.probeErr
	}
	if s.probeOKOn != 0 && s.probeCalls >= s.probeOKOn {
		return engine.ProbeResult{OK: true, Body: s.probeBody}, nil
	}
	return engine.ProbeResult{OK: false}, nil
}

func (s *stubSession) Logs(context.Context, string) (string, error) {
	return "app listening on :8000", nil
}

func goodBuild() engine.BuildResult {
	return engine.BuildResult{
		OK:       true,
		ImageTag: "dockhand/test:latest",
		Logs:     []string{"#1 [internal] load build definition", "#5 DONE 1.2s"},
		Metrics: engine.BuildMetrics{
			ElapsedSeconds: 4.2,
			ImageSizeMB:    120,
			LayerCount:     6,
			CacheHits:      2,
		},
	}
}

func firstImageLab() *labs.Lab {
	return &labs.Lab{Slug: "first-image", HealthPort: 8000, HealthPath: "/health"}
}

func failureCodes(failures []Failure) []string {
	codes := make([]string, 0, len(failures))
	for _, f := range failures {
		codes = append(codes, f.Code)
	}
	return codes
}

func TestEvaluateFirstImagePass(t *testing.T) {
	t.Parallel()

	sess := &stubSession{
		files: map[string]string{
			"Dockerfile":    "FROM python:3.12-slim\nCOPY . .\nCMD [\"python\", \"app.py\"]\n",
			".dockerignore": "__pycache__\nvenv\n",
		},
		build:     goodBuild(),
		probeOKOn: 1,
		probeBody: `{"status": "ok"}`,
	}

	res, err := Default().Evaluate(context.Background(), firstImageLab(), sess)
	require.NoError(t, err)

	assert.True(t, res.Passed)
	assert.Empty(t, res.Failures)
	assert.Equal(t, engine.BuildMetrics{ElapsedSeconds: 4.2, ImageSizeMB: 120, LayerCount: 6, CacheHits: 2}, res.Metrics["build"])
	assert.Contains(t, res.Notes["build_logs"], "DONE")
	assert.Contains(t, res.Notes["runtime_logs"], "listening")

	// The probe container is always torn down and removed.
	assert.Equal(t, 1, sess.runs)
	assert.Equal(t, 1, sess.stops)
	assert.True(t, sess.removed)
}

func TestEvaluateProbeRetries(t *testing.T) {
	t.Parallel()

	sess := &stubSession{
		files: map[string]string{
			"Dockerfile":    "FROM python:3.12-slim\nCMD [\"python\", \"app.py\"]\n",
			".dockerignore": "__pycache__\nvenv\n",
		},
		build:     goodBuild(),
		probeOKOn: 3,
		probeBody: `{"status": "ok"}`,
	}

	res, err := Default().Evaluate(context.Background(), firstImageLab(), sess)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 3, sess.probeCalls)
}

func TestEvaluateMissingDockerignore(t *testing.T) {
	t.Parallel()

	sess := &stubSession{
		files: map[string]string{"Dockerfile": "FROM python:3.12-slim\n"},
		build: goodBuild(),
	}

	res, err := Default().Evaluate(context.Background(), firstImageLab(), sess)
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.Equal(t, []string{CodeDockerignoreMissing}, failureCodes(res.Failures))
	// Static failures stop the pipeline before any build.
	assert.Zero(t, sess.builds)
	assert.Zero(t, sess.runs)
}

func TestEvaluateDockerignoreIncomplete(t *testing.T) {
	t.Parallel()

	sess := &stubSession{
		files: map[string]string{
			"Dockerfile":    "FROM python:3.12-slim\n",
			".dockerignore": "venv\n",
		},
	}

	res, err := Default().Evaluate(context.Background(), firstImageLab(), sess)
	require.NoError(t, err)

	require.Equal(t, []string{CodeDockerignoreIncomplete}, failureCodes(res.Failures))
	assert.Contains(t, res.Failures[0].Message, "__pycache__")
}

func TestEvaluateBuildFailure(t *testing.T) {
	t.Parallel()

	sess := &stubSession{
		files: map[string]string{
			"Dockerfile":    "FROM python:3.12-slim\nRUN pip install flaskk\n",
			".dockerignore": "__pycache__\nvenv\n",
		},
		build: engine.BuildResult{
			OK:   false,
			Logs: []string{"#4 ERROR: process did not complete"},
			Hint: "ERROR: No matching distribution found for flaskk",
		},
	}

	res, err := Default().Evaluate(context.Background(), firstImageLab(), sess)
	require.NoError(t, err)

	require.Equal(t, []string{CodeDockerBuildFailed}, failureCodes(res.Failures))
	assert.Equal(t, "ERROR: No matching distribution found for flaskk", res.Failures[0].Hint)
	assert.Contains(t, res.Notes["build_logs"], "ERROR")
	assert.Zero(t, sess.runs)
}

func TestEvaluateHealthcheckFailed(t *testing.T) {
	t.Parallel()

	sess := &stubSession{
		files: map[string]string{
			"Dockerfile":    "FROM python:3.12-slim\nCMD [\"python\", \"app.py\"]\n",
			".dockerignore": "__pycache__\nvenv\n",
		},
		build:    goodBuild(),
		probeErr: dkerr.NewWorkerMissing("sess-1"),
	}

	res, err := Default().Evaluate(context.Background(), firstImageLab(), sess)
	require.NoError(t, err)

	assert.Equal(t, []string{CodeHealthcheckFailed}, failureCodes(res.Failures))
	assert.Equal(t, 1, sess.stops)
}

func TestEvaluateFirstImageBodyNotJSON(t *testing.T) {
	t.Parallel()

	sess := &stubSession{
		files: map[string]string{
			"Dockerfile":    "FROM python:3.12-slim\nCMD [\"python\", \"app.py\"]\n",
			".dockerignore": "__pycache__\nvenv\n",
		},
		build:     goodBuild(),
		probeOKOn: 1,
		probeBody: "OK",
	}

	res, err := Default().Evaluate(context.Background(), firstImageLab(), sess)
	require.NoError(t, err)

	require.Equal(t, []string{CodeHealthcheckFailed}, failureCodes(res.Failures))
	assert.Contains(t, res.Failures[0].Message, "JSON")
}

func TestEvaluateLayerCacheBadOrdering(t *testing.T) {
	t.Parallel()

	sess := &stubSession{
		files: map[string]string{
			"Dockerfile": `FROM python:3.12-slim
WORKDIR /app
COPY . .
RUN pip install -r requirements.txt
CMD ["python", "src/app.py"]
`,
		},
	}

	res, err := Default().Evaluate(context.Background(), &labs.Lab{Slug: "layer-cache"}, sess)
	require.NoError(t, err)

	assert.Equal(t, []string{
		CodeDependencyCopyAfterSource,
		CodeDependencyInstallBeforeSourceCopy,
		CodePipCacheNotDisabled,
	}, failureCodes(res.Failures))
	assert.Zero(t, sess.builds)
}

func TestEvaluateLayerCachePass(t *testing.T) {
	t.Parallel()

	sess := &stubSession{
		files: map[string]string{
			"Dockerfile": `FROM python:3.12-slim
WORKDIR /app
COPY requirements.txt .
RUN pip install --no-cache-dir -r requirements.txt
COPY src/ ./src
CMD ["python", "src/app.py"]
`,
		},
		build: goodBuild(),
	}

	res, err := Default().Evaluate(context.Background(), &labs.Lab{Slug: "layer-cache"}, sess)
	require.NoError(t, err)

	assert.True(t, res.Passed)
	assert.Equal(t, 1, sess.builds)
	// No runtime phase for this lab.
	assert.Zero(t, sess.runs)
	assert.Zero(t, sess.probeCalls)
}

func TestEvaluateMultiStageSingleStage(t *testing.T) {
	t.Parallel()

	sess := &stubSession{
		files: map[string]string{"Dockerfile": "FROM python:3.12\nCOPY . .\n"},
	}

	res, err := Default().Evaluate(context.Background(), &labs.Lab{Slug: "multi-stage"}, sess)
	require.NoError(t, err)
	assert.Equal(t, []string{CodeSingleStageBuild}, failureCodes(res.Failures))
}

func TestEvaluateMultiStageNoAlias(t *testing.T) {
	t.Parallel()

	sess := &stubSession{
		files: map[string]string{
			"Dockerfile": "FROM python:3.12\nRUN pip wheel -w /wheels -r requirements.txt\nFROM python:3.12-slim\nCOPY . .\n",
		},
	}

	res, err := Default().Evaluate(context.Background(), &labs.Lab{Slug: "multi-stage"}, sess)
	require.NoError(t, err)
	assert.Equal(t, []string{CodeBuilderAliasMissing}, failureCodes(res.Failures))
}

func TestEvaluateMultiStageNoCopyFrom(t *testing.T) {
	t.Parallel()

	sess := &stubSession{
		files: map[string]string{
			"Dockerfile": "FROM python:3.12 AS builder\nRUN pip wheel -w /wheels -r requirements.txt\nFROM python:3.12-slim\nCOPY src/ ./src\n",
		},
	}

	res, err := Default().Evaluate(context.Background(), &labs.Lab{Slug: "multi-stage"}, sess)
	require.NoError(t, err)
	assert.Equal(t, []string{CodeCopyFromBuilderMissing}, failureCodes(res.Failures))
}

func TestEvaluateMultiStageTooLargeAndUnhealthy(t *testing.T) {
	t.Parallel()

	build := goodBuild()
	build.Metrics.ImageSizeMB = 412

	sess := &stubSession{
		files: map[string]string{
			"Dockerfile": `FROM python:3.12 AS builder
RUN pip wheel -w /wheels -r requirements.txt
FROM python:3.12-slim
COPY --from=builder /wheels /wheels
CMD ["python", "src/app.py"]
`,
		},
		build:    build,
		probeErr: dkerr.NewWorkerMissing("sess-1"),
	}

	res, err := Default().Evaluate(context.Background(), &labs.Lab{Slug: "multi-stage", HealthPort: 8000}, sess)
	require.NoError(t, err)

	// Size is detected at build time, before the probe verdict.
	assert.Equal(t, []string{CodeImageTooLarge, CodeHealthcheckFailed}, failureCodes(res.Failures))
}

func TestEvaluateUnknownGrader(t *testing.T) {
	t.Parallel()

	_, err := Default().Evaluate(context.Background(), &labs.Lab{Slug: "mystery"}, &stubSession{})
	assert.Equal(t, dkerr.CodeInternal, dkerr.CodeOf(err))
}
