// Package supervisor is the worker host service. It owns the lifecycle of
// privileged worker containers, the workspace directories mounted into
// them, and every operation executed against their inner engines.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/dockhand-labs/dockhand/pkg/config"
	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/logger"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/engine"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/runtime"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/workspace"
	"github.com/dockhand-labs/dockhand/pkg/telemetry"
)

// workerRuntime is the slice of the host engine the supervisor needs.
// Satisfied by *runtime.Runtime; stubbed in tests.
type workerRuntime interface {
	CreateWorker(ctx context.Context, spec runtime.WorkerSpec) (string, error)
	StopWorker(ctx context.Context, sessionID string) error
	RemoveWorker(ctx context.Context, sessionID string) error
	WorkerRunning(ctx context.Context, sessionID string) (bool, error)
	OpenTerminal(ctx context.Context, sessionID, shell string) (*runtime.Terminal, error)
	Ping(ctx context.Context) error
}

// innerEngine is the slice of the in-worker engine operations the
// supervisor exposes. Satisfied by *engine.Engine; stubbed in tests.
type innerEngine interface {
	WaitReady(ctx context.Context, sessionID string) error
	Build(ctx context.Context, sessionID, contextPath, dockerfilePath, imageTag string) (engine.BuildResult, error)
	Run(ctx context.Context, sessionID, image string, ports map[int]int, detached, autoRemove bool) (engine.RunResult, error)
	StopRun(ctx context.Context, sessionID, containerRef string, timeoutSeconds int, remove bool) error
	Logs(ctx context.Context, sessionID, containerRef string) (string, error)
	Probe(ctx context.Context, sessionID string, port int, path string) (engine.ProbeResult, error)
	Exec(ctx context.Context, sessionID string, argv []string, dir string) (runtime.ExecResult, error)
}

// workerState is the supervisor-local record of one live worker.
type workerState struct {
	ContainerID string
	Created     time.Time
	Deadline    time.Time
}

// Supervisor manages workers on this host. The registry is authoritative
// about which workers the supervisor believes exist; the engine is
// authoritative about which actually do, and ensure reconciles the two.
type Supervisor struct {
	cfg *config.Supervisor
	rt  workerRuntime
	eng innerEngine
	ws  *workspace.Manager

	mu      sync.Mutex
	workers map[string]*workerState

	// Per-session mutexes serialize engine writes within one session.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Supervisor. Call Start to launch the TTL reaper.
func New(cfg *config.Supervisor, rt workerRuntime, eng innerEngine, ws *workspace.Manager) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		rt:      rt,
		eng:     eng,
		ws:      ws,
		workers: make(map[string]*workerState),
		locks:   make(map[string]*sync.Mutex),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background TTL reaper. The orchestrator sweeps
// sessions on its own; the reaper covers workers whose orchestrator died,
// so privileged containers never outlive their deadline.
func (s *Supervisor) Start() {
	go s.reapLoop()
}

// Shutdown stops the reaper. Workers are left running so a supervisor
// restart can adopt them.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// EnginePing reports whether the host engine answers.
func (s *Supervisor) EnginePing(ctx context.Context) error {
	return s.rt.Ping(ctx)
}

// StartWorker provisions a workspace seeded from seedDir, creates the
// worker container with the configured quotas, and waits for its inner
// engine. Exceeding the host worker cap fails with capacity_exhausted.
func (s *Supervisor) StartWorker(ctx context.Context, sessionID string, ttl time.Duration, seedDir string) (string, error) {
	s.mu.Lock()
	if _, exists := s.workers[sessionID]; exists {
		s.mu.Unlock()
		return "", dkerr.Newf(dkerr.CodeInternal, "worker for session %q already exists", sessionID)
	}
	if len(s.workers) >= s.cfg.MaxWorkers {
		s.mu.Unlock()
		return "", dkerr.Newf(dkerr.CodeCapacityExhausted, "worker capacity %d reached", s.cfg.MaxWorkers)
	}
	// Reserve the slot so concurrent starts cannot blow the cap.
	now := time.Now()
	s.workers[sessionID] = &workerState{Created: now, Deadline: now.Add(ttl)}
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		delete(s.workers, sessionID)
		s.mu.Unlock()
	}

	if err := s.ws.Provision(sessionID, seedDir); err != nil {
		release()
		return "", err
	}

	containerID, err := s.rt.CreateWorker(ctx, runtime.WorkerSpec{
		SessionID:        sessionID,
		Image:            s.cfg.WorkerImage,
		WorkspaceHostDir: s.ws.SessionDir(sessionID),
		Memory:           s.cfg.Memory,
		CPUQuota:         s.cfg.CPUQuota,
		PIDLimit:         s.cfg.PIDLimit,
	})
	if err != nil {
		_ = s.ws.Destroy(sessionID)
		release()
		return "", err
	}

	if err := s.eng.WaitReady(ctx, sessionID); err != nil {
		_ = s.rt.RemoveWorker(ctx, sessionID)
		_ = s.ws.Destroy(sessionID)
		release()
		return "", err
	}

	s.mu.Lock()
	s.workers[sessionID].ContainerID = containerID
	s.mu.Unlock()

	telemetry.WorkersLive.Set(float64(s.WorkerCount()))
	return runtime.WorkerName(sessionID), nil
}

// StopWorker tears down the session's worker, its workspace, and its
// registry entry. Idempotent across any prior state, including a worker
// that never existed.
func (s *Supervisor) StopWorker(ctx context.Context, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.rt.StopWorker(ctx, sessionID); err != nil {
		return err
	}
	if err := s.rt.RemoveWorker(ctx, sessionID); err != nil {
		return err
	}
	if err := s.ws.Destroy(sessionID); err != nil {
		logger.Warnw("workspace cleanup failed", "session_id", sessionID, "error", err)
	}

	s.mu.Lock()
	delete(s.workers, sessionID)
	s.mu.Unlock()

	// Lock entries are never deleted: removing one while another goroutine
	// holds or is acquiring the mutex would let sessionLock mint a second
	// mutex for the same session.

	telemetry.WorkersLive.Set(float64(s.WorkerCount()))
	return nil
}

// WorkerCount returns the number of registered workers.
func (s *Supervisor) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// ensure verifies the session's worker exists, adopting workers that
// survived a supervisor restart. Returns worker_missing otherwise.
func (s *Supervisor) ensure(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	_, known := s.workers[sessionID]
	s.mu.Unlock()
	if known {
		return nil
	}

	running, err := s.rt.WorkerRunning(ctx, sessionID)
	if err != nil {
		return err
	}
	if !running {
		return dkerr.NewWorkerMissing(sessionID)
	}

	// Adopted workers get a fresh full TTL; the orchestrator's session
	// expiry still bounds their real lifetime.
	now := time.Now()
	s.mu.Lock()
	s.workers[sessionID] = &workerState{Created: now, Deadline: now.Add(time.Hour)}
	s.mu.Unlock()
	logger.Infow("adopted running worker", "session_id", sessionID)
	return nil
}

func (s *Supervisor) sessionLock(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

// Status reports whether the session's worker is alive, as worker_missing
// when it is not. The orchestrator polls this to reconcile sessions whose
// workers died underneath them.
func (s *Supervisor) Status(ctx context.Context, sessionID string) error {
	return s.ensure(ctx, sessionID)
}

// Build runs a build inside the session's worker. Builds for the same
// session serialize on the session lock.
func (s *Supervisor) Build(ctx context.Context, sessionID, contextPath, dockerfilePath, imageTag string) (engine.BuildResult, error) {
	if err := s.ensure(ctx, sessionID); err != nil {
		return engine.BuildResult{}, err
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	telemetry.BuildsTotal.Inc()
	return s.eng.Build(ctx, sessionID, contextPath, dockerfilePath, imageTag)
}

// Run starts a container inside the session's worker.
func (s *Supervisor) Run(ctx context.Context, sessionID, image string, ports map[int]int, detached, autoRemove bool) (engine.RunResult, error) {
	if err := s.ensure(ctx, sessionID); err != nil {
		return engine.RunResult{}, err
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.eng.Run(ctx, sessionID, image, ports, detached, autoRemove)
}

// StopRun stops a container inside the session's worker.
func (s *Supervisor) StopRun(ctx context.Context, sessionID, containerRef string, timeoutSeconds int, remove bool) error {
	if err := s.ensure(ctx, sessionID); err != nil {
		return err
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.eng.StopRun(ctx, sessionID, containerRef, timeoutSeconds, remove)
}

// Logs fetches a container's combined output from inside the worker.
func (s *Supervisor) Logs(ctx context.Context, sessionID, containerRef string) (string, error) {
	if err := s.ensure(ctx, sessionID); err != nil {
		return "", err
	}
	return s.eng.Logs(ctx, sessionID, containerRef)
}

// Probe issues an HTTP probe from inside the worker.
func (s *Supervisor) Probe(ctx context.Context, sessionID string, port int, path string) (engine.ProbeResult, error) {
	if err := s.ensure(ctx, sessionID); err != nil {
		return engine.ProbeResult{}, err
	}
	return s.eng.Probe(ctx, sessionID, port, path)
}

// Exec runs argv inside the session's worker.
func (s *Supervisor) Exec(ctx context.Context, sessionID string, argv []string, dir string) (runtime.ExecResult, error) {
	if err := s.ensure(ctx, sessionID); err != nil {
		return runtime.ExecResult{}, err
	}
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.eng.Exec(ctx, sessionID, argv, dir)
}

// Terminal opens an interactive shell inside the session's worker.
func (s *Supervisor) Terminal(ctx context.Context, sessionID, shell string) (*runtime.Terminal, error) {
	if err := s.ensure(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.rt.OpenTerminal(ctx, sessionID, shell)
}

// Filesystem operations. These run host-side against the bind-mounted
// workspace; writes are atomic renames, so reads never see partial files
// and no session lock is required.

// FSList lists a workspace path.
func (s *Supervisor) FSList(ctx context.Context, sessionID, path string) (workspace.Listing, error) {
	if err := s.ensure(ctx, sessionID); err != nil {
		return workspace.Listing{}, err
	}
	return s.ws.List(sessionID, path)
}

// FSRead reads a workspace file.
func (s *Supervisor) FSRead(ctx context.Context, sessionID, path string) ([]byte, error) {
	if err := s.ensure(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.ws.Read(sessionID, path)
}

// FSWrite writes a workspace file atomically.
func (s *Supervisor) FSWrite(ctx context.Context, sessionID, path string, data []byte) error {
	if err := s.ensure(ctx, sessionID); err != nil {
		return err
	}
	return s.ws.Write(sessionID, path, data)
}

// FSCreate creates a workspace file or directory.
func (s *Supervisor) FSCreate(ctx context.Context, sessionID, path, kind string, data []byte) error {
	if err := s.ensure(ctx, sessionID); err != nil {
		return err
	}
	return s.ws.Create(sessionID, path, kind, data)
}

// FSRename moves a workspace path.
func (s *Supervisor) FSRename(ctx context.Context, sessionID, from, to string) error {
	if err := s.ensure(ctx, sessionID); err != nil {
		return err
	}
	return s.ws.Rename(sessionID, from, to)
}

// FSDelete removes a workspace path.
func (s *Supervisor) FSDelete(ctx context.Context, sessionID, path string) error {
	if err := s.ensure(ctx, sessionID); err != nil {
		return err
	}
	return s.ws.Delete(sessionID, path)
}

func (s *Supervisor) reapLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reapExpired()
		}
	}
}

func (s *Supervisor) reapExpired() {
	now := time.Now()

	s.mu.Lock()
	var expired []string
	for sessionID, state := range s.workers {
		if state.Deadline.Before(now) {
			expired = append(expired, sessionID)
		}
	}
	s.mu.Unlock()

	for _, sessionID := range expired {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := s.StopWorker(ctx, sessionID); err != nil {
			logger.Errorw("reaping expired worker failed", "session_id", sessionID, "error", err)
		} else {
			logger.Infow("reaped expired worker", "session_id", sessionID)
			telemetry.WorkersReaped.Inc()
		}
		cancel()
	}
}
