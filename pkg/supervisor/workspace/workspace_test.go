package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(t.TempDir())
	require.NoError(t, m.Provision("sess-1", ""))
	return m
}

func TestResolveRejections(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	cases := []struct {
		path string
		code string
	}{
		{"", dkerr.CodeInvalidPath},
		{"a/../../etc/passwd", dkerr.CodePathEscapesWorkspace},
		{"..", dkerr.CodePathEscapesWorkspace},
		{"/workspace/../etc/passwd", dkerr.CodePathEscapesWorkspace},
		{"/etc/passwd", dkerr.CodePathEscapesWorkspace},
		{"bad\x00name", dkerr.CodePathContainsNul},
	}
	for _, tc := range cases {
		_, err := m.Read("sess-1", tc.path)
		assert.True(t, dkerr.Is(err, tc.code), "path %q: got %v", tc.path, err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	content := []byte("FROM python:3.12-slim\n")
	require.NoError(t, m.Write("sess-1", "Dockerfile", content))

	// Relative and absolute in-worker forms address the same file.
	got, err := m.Read("sess-1", "/workspace/Dockerfile")
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Overwrite replaces the content atomically.
	require.NoError(t, m.Write("sess-1", "Dockerfile", []byte("FROM scratch\n")))
	got, err = m.Read("sess-1", "Dockerfile")
	require.NoError(t, err)
	assert.Equal(t, []byte("FROM scratch\n"), got)

	// No temp files left behind.
	listing, err := m.List("sess-1", "/workspace")
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "Dockerfile", listing.Entries[0].Name)
	assert.Equal(t, "/workspace/Dockerfile", listing.Entries[0].Path)
}

func TestWriteCreatesParents(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	require.NoError(t, m.Write("sess-1", "src/app/main.py", []byte("pass\n")))
	got, err := m.Read("sess-1", "src/app/main.py")
	require.NoError(t, err)
	assert.Equal(t, []byte("pass\n"), got)
}

func TestReadDirectoryFails(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	require.NoError(t, m.Create("sess-1", "src", "directory", nil))
	_, err := m.Read("sess-1", "src")
	assert.True(t, dkerr.Is(err, dkerr.CodeIsADirectory))
}

func TestCreateDeleteList(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	require.NoError(t, m.Create("sess-1", "notes.txt", "file", []byte("hi")))
	require.NoError(t, m.Create("sess-1", "a/b/c", "directory", nil))

	listing, err := m.List("sess-1", "/workspace")
	require.NoError(t, err)
	assert.True(t, listing.IsDir)
	assert.Len(t, listing.Entries, 2)

	require.NoError(t, m.Delete("sess-1", "notes.txt"))
	listing, err = m.List("sess-1", "/workspace")
	require.NoError(t, err)
	require.Len(t, listing.Entries, 1)
	assert.Equal(t, "a", listing.Entries[0].Name)

	// Deleting again reports a missing path.
	err = m.Delete("sess-1", "notes.txt")
	assert.True(t, dkerr.Is(err, dkerr.CodeInvalidPath))

	// The root cannot be deleted.
	err = m.Delete("sess-1", "/workspace")
	assert.True(t, dkerr.Is(err, dkerr.CodeInvalidPath))
}

func TestListMissingPath(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	listing, err := m.List("sess-1", "nope")
	require.NoError(t, err)
	assert.False(t, listing.Exists)
	assert.Empty(t, listing.Entries)
}

func TestRename(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	require.NoError(t, m.Write("sess-1", "old.txt", []byte("data")))
	require.NoError(t, m.Rename("sess-1", "old.txt", "dir/new.txt"))

	_, err := m.Read("sess-1", "old.txt")
	assert.True(t, dkerr.Is(err, dkerr.CodeInvalidPath))
	got, err := m.Read("sess-1", "dir/new.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), got)

	err = m.Rename("sess-1", "missing", "elsewhere")
	assert.True(t, dkerr.Is(err, dkerr.CodeInvalidPath))
}

func TestSymlinkedParentRejected(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(m.SessionDir("sess-1"), "link")))

	_, err := m.Read("sess-1", "link/secret")
	assert.True(t, dkerr.Is(err, dkerr.CodePathEscapesWorkspace))
}

func TestProvisionSeedsStarter(t *testing.T) {
	t.Parallel()
	m := NewManager(t.TempDir())

	starter := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(starter, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(starter, "requirements.txt"), []byte("flask\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(starter, "src", "app.py"), []byte("app\n"), 0o644))

	require.NoError(t, m.Provision("sess-2", starter))

	got, err := m.Read("sess-2", "requirements.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("flask\n"), got)
	got, err = m.Read("sess-2", "src/app.py")
	require.NoError(t, err)
	assert.Equal(t, []byte("app\n"), got)

	require.NoError(t, m.Destroy("sess-2"))
	listing, err := m.List("sess-2", "/workspace")
	require.NoError(t, err)
	assert.False(t, listing.Exists)
}
