package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
	"github.com/dockhand-labs/dockhand/pkg/labs"
	"github.com/dockhand-labs/dockhand/pkg/store"
)

// stubSupervisor records calls and lets tests inject failures per method.
type stubSupervisor struct {
	mu         sync.Mutex
	started    []string
	stopped    []string
	startErr   error
	stopErr    error
	startDelay time.Duration
	missing    map[string]bool
}

func (s *stubSupervisor) StartWorker(_ context.Context, sessionID string, _ time.Duration, _ string) (string, error) {
	if s.startDelay > 0 {
		time.Sleep(s.startDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	s.started = append(s.started, sessionID)
	return "dockhand-worker-" + sessionID, nil
}

func (s *stubSupervisor) StopWorker(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopErr != nil {
		return s.stopErr
	}
	s.stopped = append(s.stopped, sessionID)
	return nil
}

func (s *stubSupervisor) Status(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing[sessionID] {
		return dkerr.NewWorkerMissing(sessionID)
	}
	return nil
}

func (s *stubSupervisor) stoppedSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

func writeTestLab(t *testing.T, root, slug string) {
	t.Helper()
	labDir := filepath.Join(root, slug)
	require.NoError(t, os.MkdirAll(filepath.Join(labDir, "starter"), 0o755))
	manifest := fmt.Sprintf("slug: %s\ntitle: Test Lab\nsummary: a lab\n", slug)
	require.NoError(t, os.WriteFile(filepath.Join(labDir, "lab.yaml"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(labDir, "description.md"), []byte("# Test"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(labDir, "starter", "app.py"), []byte("print('hi')\n"), 0o644))
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *stubSupervisor) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	labRoot := t.TempDir()
	writeTestLab(t, labRoot, "first-image")
	catalog, err := labs.Load(labRoot)
	require.NoError(t, err)

	sup := &stubSupervisor{missing: map[string]bool{}}
	m := NewManager(st, sup, catalog, 30*time.Minute, time.Minute)
	t.Cleanup(m.Shutdown)
	return m, st, sup
}

func testUser(t *testing.T, st *store.Store) store.User {
	t.Helper()
	u, err := st.UpsertUser(context.Background(), "github", t.Name(), "Tester")
	require.NoError(t, err)
	return u
}

func TestStartReplacesActiveSession(t *testing.T) {
	t.Parallel()
	m, st, sup := newTestManager(t)
	ctx := context.Background()
	user := testUser(t, st)

	first, replaced, err := m.Start(ctx, user, "first-image")
	require.NoError(t, err)
	assert.Empty(t, replaced)

	second, replaced, err := m.Start(ctx, user, "first-image")
	require.NoError(t, err)
	require.Equal(t, []string{first.ID}, replaced)
	assert.NotEqual(t, first.ID, second.ID)

	ended, err := st.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.NotNil(t, ended.EndedAt)
	assert.Contains(t, sup.stoppedSessions(), first.ID)

	active, err := m.Active(ctx, user, "first-image")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestStartUnknownLab(t *testing.T) {
	t.Parallel()
	m, st, _ := newTestManager(t)
	user := testUser(t, st)

	_, _, err := m.Start(context.Background(), user, "no-such-lab")
	assert.Equal(t, dkerr.CodeLabNotFound, dkerr.CodeOf(err))
}

func TestStartCapacityExhaustedStillEndsPrior(t *testing.T) {
	t.Parallel()
	m, st, sup := newTestManager(t)
	ctx := context.Background()
	user := testUser(t, st)

	first, _, err := m.Start(ctx, user, "first-image")
	require.NoError(t, err)

	sup.startErr = dkerr.Newf(dkerr.CodeCapacityExhausted, "worker capacity exhausted")
	_, replaced, err := m.Start(ctx, user, "first-image")
	require.Equal(t, dkerr.CodeCapacityExhausted, dkerr.CodeOf(err))

	// The contract: prior sessions are already terminated even when the
	// new worker cannot be placed.
	require.Equal(t, []string{first.ID}, replaced)
	ended, err := st.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.NotNil(t, ended.EndedAt)
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	user := testUser(t, st)

	sess, _, err := m.Start(ctx, user, "first-image")
	require.NoError(t, err)

	firstEnd, err := m.Stop(ctx, user, sess.ID)
	require.NoError(t, err)

	secondEnd, err := m.Stop(ctx, user, sess.ID)
	require.NoError(t, err)
	assert.True(t, firstEnd.Equal(secondEnd))
}

func TestStopForeignSessionForbidden(t *testing.T) {
	t.Parallel()
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	owner := testUser(t, st)

	sess, _, err := m.Start(ctx, owner, "first-image")
	require.NoError(t, err)

	other, err := st.UpsertUser(ctx, "github", "someone-else", "Other")
	require.NoError(t, err)

	_, err = m.Stop(ctx, other, sess.ID)
	assert.Equal(t, dkerr.CodeForbidden, dkerr.CodeOf(err))
}

func TestLiveRejectsExpiredSession(t *testing.T) {
	t.Parallel()
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	user := testUser(t, st)

	sess, err := st.CreateSession(ctx, "expired-session", user.ID, "first-image", time.Now().Add(-31*time.Minute), time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = m.Live(ctx, user, sess.ID)
	assert.True(t, dkerr.IsSessionExpired(err))
}

func TestLiveUnknownSession(t *testing.T) {
	t.Parallel()
	m, st, _ := newTestManager(t)
	user := testUser(t, st)

	_, err := m.Live(context.Background(), user, "nope")
	assert.Equal(t, dkerr.CodeSessionNotFound, dkerr.CodeOf(err))
}

func TestActiveReconcilesMissingWorker(t *testing.T) {
	t.Parallel()
	m, st, sup := newTestManager(t)
	ctx := context.Background()
	user := testUser(t, st)

	sess, _, err := m.Start(ctx, user, "first-image")
	require.NoError(t, err)

	sup.mu.Lock()
	sup.missing[sess.ID] = true
	sup.mu.Unlock()

	_, err = m.Active(ctx, user, "first-image")
	assert.Equal(t, dkerr.CodeNoActiveSession, dkerr.CodeOf(err))

	ended, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.NotNil(t, ended.EndedAt)
}

func TestActiveNoSession(t *testing.T) {
	t.Parallel()
	m, st, _ := newTestManager(t)
	user := testUser(t, st)

	_, err := m.Active(context.Background(), user, "first-image")
	assert.Equal(t, dkerr.CodeNoActiveSession, dkerr.CodeOf(err))
}

func TestStartExpiryAnchoredToCreation(t *testing.T) {
	t.Parallel()
	m, st, sup := newTestManager(t)
	ctx := context.Background()
	user := testUser(t, st)

	// Slow provisioning must not eat into the session's TTL window.
	sup.startDelay = 150 * time.Millisecond
	sess, _, err := m.Start(ctx, user, "first-image")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, sess.ExpiresAt.Sub(sess.CreatedAt))

	stored, err := st.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, stored.ExpiresAt.Sub(stored.CreatedAt))
}

func TestGetEndsExpiredSession(t *testing.T) {
	t.Parallel()
	m, st, sup := newTestManager(t)
	ctx := context.Background()
	user := testUser(t, st)

	expiry := time.Now().Add(-time.Minute)
	_, err := st.CreateSession(ctx, "overdue", user.ID, "first-image", expiry.Add(-30*time.Minute), expiry)
	require.NoError(t, err)

	// A read after the TTL has passed reports the session ended even if
	// the sweeper has not run yet, stamping ended_at with the expiry.
	sess, err := m.Get(ctx, user, "overdue")
	require.NoError(t, err)
	require.NotNil(t, sess.EndedAt)
	assert.True(t, sess.EndedAt.Equal(sess.ExpiresAt))

	stored, err := st.GetSession(ctx, "overdue")
	require.NoError(t, err)
	require.NotNil(t, stored.EndedAt)
	assert.Contains(t, sup.stoppedSessions(), "overdue")
}

func TestSessionEndNotifiesObserver(t *testing.T) {
	t.Parallel()
	m, st, _ := newTestManager(t)
	ctx := context.Background()
	user := testUser(t, st)

	var (
		mu    sync.Mutex
		ended []string
	)
	m.OnSessionEnd(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		ended = append(ended, id)
	})

	sess, _, err := m.Start(ctx, user, "first-image")
	require.NoError(t, err)
	_, err = m.Stop(ctx, user, sess.ID)
	require.NoError(t, err)

	_, err = st.CreateSession(ctx, "swept", user.ID, "first-image", time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	m.SweepOnce(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, ended, sess.ID)
	assert.Contains(t, ended, "swept")
}

func TestSweepOnceEndsExpired(t *testing.T) {
	t.Parallel()
	m, st, sup := newTestManager(t)
	ctx := context.Background()
	user := testUser(t, st)

	_, err := st.CreateSession(ctx, "stale-session", user.ID, "first-image", time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
	require.NoError(t, err)

	m.SweepOnce(ctx)

	swept, err := st.GetSession(ctx, "stale-session")
	require.NoError(t, err)
	require.NotNil(t, swept.EndedAt)
	assert.Contains(t, sup.stoppedSessions(), "stale-session")
}
