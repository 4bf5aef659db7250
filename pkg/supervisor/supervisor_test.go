package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand-labs/dockhand/pkg/config"
	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/engine"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/runtime"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/workspace"
)

// stubRuntime records worker lifecycle calls without touching an engine.
type stubRuntime struct {
	mu      sync.Mutex
	running map[string]bool
	stops   []string
	removes []string
}

func newStubRuntime() *stubRuntime {
	return &stubRuntime{running: make(map[string]bool)}
}

func (s *stubRuntime) CreateWorker(_ context.Context, spec runtime.WorkerSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[spec.SessionID] = true
	return "cid-" + spec.SessionID, nil
}

func (s *stubRuntime) StopWorker(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops = append(s.stops, sessionID)
	delete(s.running, sessionID)
	return nil
}

func (s *stubRuntime) RemoveWorker(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removes = append(s.removes, sessionID)
	return nil
}

func (s *stubRuntime) WorkerRunning(_ context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[sessionID], nil
}

func (*stubRuntime) OpenTerminal(context.Context, string, string) (*runtime.Terminal, error) {
	return nil, dkerr.Newf(dkerr.CodeEngineError, "no terminals in tests")
}

func (*stubRuntime) Ping(context.Context) error { return nil }

// stubEngine answers ready immediately and echoes build requests.
type stubEngine struct {
	builds []string
}

func (*stubEngine) WaitReady(context.Context, string) error { return nil }

func (s *stubEngine) Build(_ context.Context, _, _, _, imageTag string) (engine.BuildResult, error) {
	s.builds = append(s.builds, imageTag)
	return engine.BuildResult{OK: true, ImageTag: imageTag}, nil
}

func (*stubEngine) Run(context.Context, string, string, map[int]int, bool, bool) (engine.RunResult, error) {
	return engine.RunResult{ContainerRef: "ref"}, nil
}

func (*stubEngine) StopRun(context.Context, string, string, int, bool) error { return nil }

func (*stubEngine) Logs(context.Context, string, string) (string, error) { return "", nil }

func (*stubEngine) Probe(context.Context, string, int, string) (engine.ProbeResult, error) {
	return engine.ProbeResult{OK: true}, nil
}

func (*stubEngine) Exec(context.Context, string, []string, string) (runtime.ExecResult, error) {
	return runtime.ExecResult{}, nil
}

func newTestSupervisor(t *testing.T, maxWorkers int) (*Supervisor, *stubRuntime) {
	t.Helper()
	cfg := &config.Supervisor{
		MaxWorkers:    maxWorkers,
		WorkerImage:   "dockhand/worker:test",
		Memory:        "512m",
		CPUQuota:      1,
		PIDLimit:      128,
		SweepInterval: time.Hour,
	}
	rt := newStubRuntime()
	sup := New(cfg, rt, &stubEngine{}, workspace.NewManager(t.TempDir()))
	return sup, rt
}

func TestStartWorkerAndCapacity(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor(t, 2)
	ctx := context.Background()

	ref, err := sup.StartWorker(ctx, "s1", time.Minute, "")
	require.NoError(t, err)
	assert.Equal(t, "dockhand-worker-s1", ref)

	_, err = sup.StartWorker(ctx, "s2", time.Minute, "")
	require.NoError(t, err)
	assert.Equal(t, 2, sup.WorkerCount())

	// The cap is hard: a third worker is refused.
	_, err = sup.StartWorker(ctx, "s3", time.Minute, "")
	assert.True(t, dkerr.Is(err, dkerr.CodeCapacityExhausted))

	// Stopping frees a slot.
	require.NoError(t, sup.StopWorker(ctx, "s1"))
	_, err = sup.StartWorker(ctx, "s3", time.Minute, "")
	assert.NoError(t, err)
}

func TestStopWorkerIdempotent(t *testing.T) {
	t.Parallel()
	sup, rt := newTestSupervisor(t, 4)
	ctx := context.Background()

	_, err := sup.StartWorker(ctx, "s1", time.Minute, "")
	require.NoError(t, err)

	require.NoError(t, sup.StopWorker(ctx, "s1"))
	require.NoError(t, sup.StopWorker(ctx, "s1"))
	require.NoError(t, sup.StopWorker(ctx, "never-existed"))
	assert.Equal(t, 0, sup.WorkerCount())
	assert.GreaterOrEqual(t, len(rt.stops), 2)
}

func TestSessionLockStableAcrossStop(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor(t, 4)
	ctx := context.Background()

	_, err := sup.StartWorker(ctx, "s1", time.Minute, "")
	require.NoError(t, err)

	// The same mutex must guard a session for the process lifetime.
	// Stopping the worker does not mint a fresh one, so a goroutine
	// holding the lock across the stop stays exclusive.
	before := sup.sessionLock("s1")
	require.NoError(t, sup.StopWorker(ctx, "s1"))
	assert.Same(t, before, sup.sessionLock("s1"))
}

func TestOperationsOnMissingWorker(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor(t, 4)
	ctx := context.Background()

	_, err := sup.Build(ctx, "ghost", ".", "Dockerfile", "tag")
	assert.True(t, dkerr.IsWorkerMissing(err))

	_, err = sup.FSRead(ctx, "ghost", "Dockerfile")
	assert.True(t, dkerr.IsWorkerMissing(err))

	err = sup.FSWrite(ctx, "ghost", "a.txt", []byte("x"))
	assert.True(t, dkerr.IsWorkerMissing(err))
}

func TestAdoptsRunningWorker(t *testing.T) {
	t.Parallel()
	sup, rt := newTestSupervisor(t, 4)
	ctx := context.Background()

	// Simulate a worker that survived a supervisor restart: the engine
	// knows it but the registry does not.
	rt.mu.Lock()
	rt.running["orphan"] = true
	rt.mu.Unlock()
	require.NoError(t, workspace.NewManager(t.TempDir()).Provision("orphan", ""))

	_, err := sup.Build(ctx, "orphan", ".", "Dockerfile", "tag")
	require.NoError(t, err)
	assert.Equal(t, 1, sup.WorkerCount())
}

func TestReapExpired(t *testing.T) {
	t.Parallel()
	sup, rt := newTestSupervisor(t, 4)
	ctx := context.Background()

	_, err := sup.StartWorker(ctx, "old", 10*time.Millisecond, "")
	require.NoError(t, err)
	_, err = sup.StartWorker(ctx, "new", time.Hour, "")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	sup.reapExpired()

	assert.Equal(t, 1, sup.WorkerCount())
	assert.Contains(t, rt.stops, "old")
	assert.NotContains(t, rt.stops, "new")
}

func TestFSRoundTripThroughSupervisor(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor(t, 4)
	ctx := context.Background()

	_, err := sup.StartWorker(ctx, "s1", time.Minute, "")
	require.NoError(t, err)

	require.NoError(t, sup.FSWrite(ctx, "s1", "Dockerfile", []byte("FROM scratch\n")))
	data, err := sup.FSRead(ctx, "s1", "/workspace/Dockerfile")
	require.NoError(t, err)
	assert.Equal(t, []byte("FROM scratch\n"), data)

	listing, err := sup.FSList(ctx, "s1", "/workspace")
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
}
