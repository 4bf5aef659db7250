package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertUser(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertUser(ctx, "github", "octo-1", "Octo")
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.Equal(t, "github", first.Provider)

	// Same identity pair resolves to the same row with a refreshed name.
	again, err := s.UpsertUser(ctx, "github", "octo-1", "Octo Renamed")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "Octo Renamed", again.DisplayName)

	other, err := s.UpsertUser(ctx, "github", "octo-2", "Other")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestTokenLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.UpsertUser(ctx, "github", "u", "U")
	require.NoError(t, err)

	require.NoError(t, s.InsertToken(ctx, user.ID, "hash-a"))
	assert.ErrorIs(t, s.InsertToken(ctx, user.ID, "hash-a"), ErrAlreadyExists)

	got, err := s.UserByTokenHash(ctx, "hash-a")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	_, err = s.UserByTokenHash(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.RevokeToken(ctx, "hash-a"))
	_, err = s.UserByTokenHash(ctx, "hash-a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.RevokeToken(ctx, "hash-a"), ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.UpsertUser(ctx, "github", "u", "U")
	require.NoError(t, err)

	created := time.Now()
	expiry := created.Add(30 * time.Minute)
	sess, err := s.CreateSession(ctx, "sess-1", user.ID, "first-image", created, expiry)
	require.NoError(t, err)
	assert.Nil(t, sess.EndedAt)
	assert.True(t, sess.Live(time.Now()))
	assert.WithinDuration(t, expiry, sess.ExpiresAt, time.Second)

	_, err = s.CreateSession(ctx, "sess-1", user.ID, "first-image", created, expiry)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	active, err := s.ActiveSessions(ctx, user.ID, "first-image")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "sess-1", active[0].ID)

	ended := time.Now()
	require.NoError(t, s.EndSession(ctx, "sess-1", ended))

	// Ending twice keeps the first timestamp.
	require.NoError(t, s.EndSession(ctx, "sess-1", ended.Add(time.Hour)))
	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.WithinDuration(t, ended, *got.EndedAt, time.Second)
	assert.False(t, got.Live(time.Now()))

	active, err = s.ActiveSessions(ctx, user.ID, "first-image")
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSessionKeepsTTLWindow(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.UpsertUser(ctx, "github", "u", "U")
	require.NoError(t, err)

	// created_at comes from the caller, not the insert time: a session
	// whose provisioning took a while still gets its full TTL window.
	ttl := 30 * time.Minute
	created := time.Now().Add(-2 * time.Second)
	sess, err := s.CreateSession(ctx, "sess-1", user.ID, "first-image", created, created.Add(ttl))
	require.NoError(t, err)
	assert.Equal(t, ttl, sess.ExpiresAt.Sub(sess.CreatedAt))
	assert.WithinDuration(t, created, sess.CreatedAt, 10*time.Millisecond)
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.UpsertUser(ctx, "github", "u", "U")
	require.NoError(t, err)

	now := time.Now()
	past := now.Add(-time.Minute)
	_, err = s.CreateSession(ctx, "stale", user.ID, "first-image", past.Add(-30*time.Minute), past)
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "fresh", user.ID, "layer-cache", now, now.Add(time.Hour))
	require.NoError(t, err)

	swept, err := s.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, swept)

	// The stamped ended_at is the expiry, not the sweep time.
	got, err := s.GetSession(ctx, "stale")
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.WithinDuration(t, past, *got.EndedAt, time.Second)

	// Re-sweeping finds nothing.
	swept, err = s.SweepExpired(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestAppendAndListAttempts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	user, err := s.UpsertUser(ctx, "github", "u", "U")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "sess-1", user.ID, "first-image", time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, _, err = s.LatestAttempts(ctx, "sess-1")
	assert.ErrorIs(t, err, ErrNotFound)

	first, err := s.AppendAttempt(ctx, "sess-1", false,
		json.RawMessage(`[{"code":"dockerignore_missing"}]`),
		json.RawMessage(`{"image_size_mb":312.4}`), "first try")
	require.NoError(t, err)
	assert.EqualValues(t, 1, first.Seq)
	assert.False(t, first.Passed)

	second, err := s.AppendAttempt(ctx, "sess-1", true, nil, json.RawMessage(`{"image_size_mb":141.0}`), "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, second.Seq)
	assert.JSONEq(t, `[]`, string(second.Failures))

	list, err := s.ListAttempts(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.EqualValues(t, 2, list[0].Seq)
	assert.EqualValues(t, 1, list[1].Seq)

	latest, previous, err := s.LatestAttempts(ctx, "sess-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, latest.Seq)
	require.NotNil(t, previous)
	assert.EqualValues(t, 1, previous.Seq)
	assert.JSONEq(t, `{"image_size_mb":312.4}`, string(previous.Metrics))
}
