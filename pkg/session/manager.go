// Package session owns session policy on the orchestrator side: the
// one-active-session-per-(user,lab) rule, TTL expiry, ownership checks, and
// reconciliation with the supervisor's view of workers.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/labs"
	"github.com/dockhand-labs/dockhand/pkg/logger"
	"github.com/dockhand-labs/dockhand/pkg/store"
	"github.com/dockhand-labs/dockhand/pkg/telemetry"
)

// SupervisorClient is the slice of the supervisor client the manager needs.
// Satisfied by *client.Client; stubbed in tests.
type SupervisorClient interface {
	StartWorker(ctx context.Context, sessionID string, ttl time.Duration, seedDir string) (string, error)
	StopWorker(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) error
}

// Manager coordinates session lifecycle between the store and the
// supervisor.
type Manager struct {
	store *store.Store
	sup   SupervisorClient
	labs  *labs.Catalog

	ttl           time.Duration
	sweepInterval time.Duration

	// Per-(user,lab) locks serialize the start critical section.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// onEnd, when set, is invoked with the id of every session that ends,
	// whatever the reason. Used to drop per-session state held elsewhere.
	onEnd func(sessionID string)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a Manager. Call Start to launch the TTL sweeper.
func NewManager(s *store.Store, sup SupervisorClient, catalog *labs.Catalog, ttl, sweepInterval time.Duration) *Manager {
	return &Manager{
		store:         s,
		sup:           sup,
		labs:          catalog,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		locks:         make(map[string]*sync.Mutex),
		stopCh:        make(chan struct{}),
	}
}

// OnSessionEnd registers fn to run with the id of every session that
// ends. Set once during wiring, before any session traffic.
func (m *Manager) OnSessionEnd(fn func(sessionID string)) {
	m.onEnd = fn
}

// StartSweeper launches the background TTL sweeper.
func (m *Manager) StartSweeper() {
	go m.sweepLoop()
}

// Shutdown stops the sweeper.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) pairLock(userID int64, labSlug string) *sync.Mutex {
	key := fmt.Sprintf("%d:%s", userID, labSlug)
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// Start creates a new session for (user, labSlug), first terminating any
// session the user already has on that lab. The returned replaced list
// holds the ids of the sessions that were ended. A capacity_exhausted
// failure from the supervisor still leaves the prior sessions terminated;
// that is the contract, not a bug.
func (m *Manager) Start(ctx context.Context, user store.User, labSlug string) (store.Session, []string, error) {
	lab, err := m.labs.Get(labSlug)
	if err != nil {
		return store.Session{}, nil, err
	}

	lock := m.pairLock(user.ID, labSlug)
	lock.Lock()
	defer lock.Unlock()

	actives, err := m.store.ActiveSessions(ctx, user.ID, labSlug)
	if err != nil {
		return store.Session{}, nil, err
	}

	now := time.Now()
	replaced := make([]string, 0, len(actives))
	for _, prev := range actives {
		if err := m.endSession(ctx, prev.ID, now, "replaced"); err != nil {
			return store.Session{}, nil, err
		}
		replaced = append(replaced, prev.ID)
	}

	ttl := m.ttl
	if lab.TTLSeconds > 0 {
		ttl = time.Duration(lab.TTLSeconds) * time.Second
	}

	sessionID := uuid.NewString()
	if _, err := m.sup.StartWorker(ctx, sessionID, ttl, lab.StarterDir); err != nil {
		return store.Session{}, replaced, err
	}

	// The clock is re-read after provisioning so the expiry window starts
	// when the session row lands, not when provisioning began.
	createdAt := time.Now()
	sess, err := m.store.CreateSession(ctx, sessionID, user.ID, labSlug, createdAt, createdAt.Add(ttl))
	if err != nil {
		// The worker exists but the row could not land; tear the worker
		// down so nothing runs unaccounted for.
		_ = m.sup.StopWorker(ctx, sessionID)
		return store.Session{}, replaced, err
	}

	telemetry.SessionsStarted.Inc()
	logger.Infow("session started", "session_id", sessionID, "user_id", user.ID, "lab", labSlug, "replaced", replaced)
	return sess, replaced, nil
}

// Stop ends the session. Stopping an already ended session succeeds and
// returns the original ended_at.
func (m *Manager) Stop(ctx context.Context, user store.User, sessionID string) (time.Time, error) {
	sess, err := m.owned(ctx, user, sessionID)
	if err != nil {
		return time.Time{}, err
	}
	if sess.EndedAt != nil {
		return *sess.EndedAt, nil
	}

	if err := m.endSession(ctx, sessionID, time.Now(), "stopped"); err != nil {
		return time.Time{}, err
	}
	sess, err = m.store.GetSession(ctx, sessionID)
	if err != nil {
		return time.Time{}, err
	}
	return *sess.EndedAt, nil
}

// Get returns the session if the user owns it.
func (m *Manager) Get(ctx context.Context, user store.User, sessionID string) (store.Session, error) {
	return m.owned(ctx, user, sessionID)
}

// Active returns the user's live session for labSlug, reconciling against
// the supervisor first: a session whose worker died is ended here and
// reported as absent.
func (m *Manager) Active(ctx context.Context, user store.User, labSlug string) (store.Session, error) {
	if _, err := m.labs.Get(labSlug); err != nil {
		return store.Session{}, err
	}

	actives, err := m.store.ActiveSessions(ctx, user.ID, labSlug)
	if err != nil {
		return store.Session{}, err
	}

	now := time.Now()
	for _, sess := range actives {
		if !sess.Live(now) {
			continue
		}
		if err := m.sup.Status(ctx, sess.ID); dkerr.IsWorkerMissing(err) {
			logger.Warnw("worker vanished, ending session", "session_id", sess.ID)
			if endErr := m.endSession(ctx, sess.ID, now, "worker_missing"); endErr != nil {
				return store.Session{}, endErr
			}
			continue
		}
		return sess, nil
	}
	return store.Session{}, dkerr.Newf(dkerr.CodeNoActiveSession, "no active session for lab %q", labSlug)
}

// Live returns the session if the user owns it and it is still live;
// otherwise session_expired. Every operation that touches a workspace or
// worker goes through this guard.
func (m *Manager) Live(ctx context.Context, user store.User, sessionID string) (store.Session, error) {
	sess, err := m.owned(ctx, user, sessionID)
	if err != nil {
		return store.Session{}, err
	}
	if !sess.Live(time.Now()) {
		return store.Session{}, dkerr.NewSessionExpired(sessionID)
	}
	return sess, nil
}

// Reconcile ends the session after its worker was found missing mid-flight.
func (m *Manager) Reconcile(ctx context.Context, sessionID string) {
	if err := m.endSession(ctx, sessionID, time.Now(), "worker_missing"); err != nil {
		logger.Errorw("reconciling session failed", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) owned(ctx context.Context, user store.User, sessionID string) (store.Session, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Session{}, dkerr.NewSessionNotFound(sessionID)
		}
		return store.Session{}, err
	}
	if sess.UserID != user.ID {
		return store.Session{}, dkerr.NewForbidden("session belongs to another user")
	}
	if sess.EndedAt == nil && !time.Now().Before(sess.ExpiresAt) {
		// The TTL has passed but the sweeper has not run yet. End the
		// session here so reads never show an expired session as live.
		if err := m.endSession(ctx, sess.ID, sess.ExpiresAt, "expired"); err != nil {
			logger.Errorw("ending expired session on read failed", "session_id", sess.ID, "error", err)
		}
		ended := sess.ExpiresAt
		sess.EndedAt = &ended
	}
	return sess, nil
}

// endSession tears down the worker and marks the row ended. Worker
// teardown is idempotent, so a missing worker does not block the row
// update.
func (m *Manager) endSession(ctx context.Context, sessionID string, endedAt time.Time, reason string) error {
	if err := m.sup.StopWorker(ctx, sessionID); err != nil && !dkerr.IsWorkerMissing(err) {
		return err
	}
	if err := m.store.EndSession(ctx, sessionID, endedAt); err != nil {
		return err
	}
	telemetry.SessionsEnded.WithLabelValues(reason).Inc()
	if m.onEnd != nil {
		m.onEnd(sessionID)
	}
	return nil
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.SweepOnce(context.Background())
		}
	}
}

// SweepOnce ends every expired session and tears down its worker. Exported
// so tests and shutdown paths can run a deterministic sweep.
func (m *Manager) SweepOnce(ctx context.Context) {
	ids, err := m.store.SweepExpired(ctx, time.Now())
	if err != nil {
		logger.Errorw("session sweep failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := m.sup.StopWorker(ctx, id); err != nil && !dkerr.IsWorkerMissing(err) {
			logger.Errorw("stopping expired worker failed", "session_id", id, "error", err)
		}
		telemetry.SessionsEnded.WithLabelValues("expired").Inc()
		if m.onEnd != nil {
			m.onEnd(id)
		}
		logger.Infow("session expired", "session_id", id)
	}
}
