// Package workspace manages the per-session workspace directories that get
// bind-mounted into workers. All filesystem operations happen host-side
// against the bind source, so writes are atomic renames on a local
// filesystem, while clients address files by their in-worker paths.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
)

// Root is the fixed prefix clients use to address workspace files. It is
// also the mount target inside the worker.
const Root = "/workspace"

// Manager resolves client paths into a session's host directory and
// performs the filesystem operations on them.
type Manager struct {
	baseDir string
}

// NewManager creates a Manager rooted at baseDir, which holds one
// subdirectory per session.
func NewManager(baseDir string) *Manager {
	return &Manager{baseDir: baseDir}
}

// SessionDir returns the host directory backing the session's workspace.
func (m *Manager) SessionDir(sessionID string) string {
	return filepath.Join(m.baseDir, sessionID)
}

// Provision creates the session's workspace and seeds it by recursively
// copying starterDir. An empty starterDir provisions a bare workspace.
func (m *Manager) Provision(sessionID, starterDir string) error {
	dir := m.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating workspace dir: %w", err)
	}
	if starterDir == "" {
		return nil
	}
	return copyTree(starterDir, dir)
}

// Destroy removes the session's workspace and everything in it.
func (m *Manager) Destroy(sessionID string) error {
	if err := os.RemoveAll(m.SessionDir(sessionID)); err != nil {
		return fmt.Errorf("removing workspace dir: %w", err)
	}
	return nil
}

// resolve validates a client path and maps it onto the session's host
// directory. Rejection order matters: NUL and .. are refused before any
// normalization happens, then the cleaned result must stay under the root
// after resolving symlinks at the leaf's parent.
func (m *Manager) resolve(sessionID, clientPath string) (string, error) {
	if clientPath == "" {
		return "", dkerr.Newf(dkerr.CodeInvalidPath, "empty path")
	}
	if strings.ContainsRune(clientPath, 0) {
		return "", dkerr.Newf(dkerr.CodePathContainsNul, "path contains NUL byte")
	}
	for _, seg := range strings.Split(clientPath, "/") {
		if seg == ".." {
			return "", dkerr.Newf(dkerr.CodePathEscapesWorkspace, "path %q escapes the workspace", clientPath)
		}
	}

	rel := clientPath
	if strings.HasPrefix(clientPath, "/") {
		if clientPath != Root && !strings.HasPrefix(clientPath, Root+"/") {
			return "", dkerr.Newf(dkerr.CodePathEscapesWorkspace, "path %q escapes the workspace", clientPath)
		}
		rel = strings.TrimPrefix(strings.TrimPrefix(clientPath, Root), "/")
	}

	sessionDir := m.SessionDir(sessionID)
	host := filepath.Join(sessionDir, filepath.FromSlash(rel))
	if host != sessionDir && !strings.HasPrefix(host, sessionDir+string(filepath.Separator)) {
		return "", dkerr.Newf(dkerr.CodePathEscapesWorkspace, "path %q escapes the workspace", clientPath)
	}

	if host == sessionDir {
		return host, nil
	}

	// A symlinked parent could point anywhere on the host; resolve it and
	// re-check the prefix. The leaf itself may not exist yet.
	parent := filepath.Dir(host)
	if resolved, err := filepath.EvalSymlinks(parent); err == nil {
		resolvedBase, baseErr := filepath.EvalSymlinks(sessionDir)
		if baseErr != nil {
			resolvedBase = sessionDir
		}
		if resolved != resolvedBase && !strings.HasPrefix(resolved, resolvedBase+string(filepath.Separator)) {
			return "", dkerr.Newf(dkerr.CodePathEscapesWorkspace, "path %q escapes the workspace", clientPath)
		}
		host = filepath.Join(resolved, filepath.Base(host))
	}

	return host, nil
}

// clientPathOf maps a host path back to its in-worker form.
func (m *Manager) clientPathOf(sessionID, host string) string {
	rel, err := filepath.Rel(m.SessionDir(sessionID), host)
	if err != nil || rel == "." {
		return Root
	}
	return Root + "/" + filepath.ToSlash(rel)
}

// Entry is the metadata exposed for a workspace file or directory.
type Entry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	IsDir    bool      `json:"is_dir"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Listing is the result of a List call.
type Listing struct {
	Entries []Entry `json:"entries"`
	Exists  bool    `json:"exists"`
	IsDir   bool    `json:"is_dir"`
}

// List returns the entries under path. A missing path yields an empty
// listing with Exists false rather than an error, so clients can probe.
func (m *Manager) List(sessionID, path string) (Listing, error) {
	host, err := m.resolve(sessionID, path)
	if err != nil {
		return Listing{}, err
	}

	info, err := os.Stat(host)
	if os.IsNotExist(err) {
		return Listing{Entries: []Entry{}}, nil
	}
	if err != nil {
		return Listing{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return Listing{Entries: []Entry{}, Exists: true}, nil
	}

	dirents, err := os.ReadDir(host)
	if err != nil {
		return Listing{}, fmt.Errorf("reading dir %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		fi, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Name:     d.Name(),
			Path:     m.clientPathOf(sessionID, filepath.Join(host, d.Name())),
			IsDir:    d.IsDir(),
			Size:     fi.Size(),
			Modified: fi.ModTime().UTC(),
		})
	}
	return Listing{Entries: entries, Exists: true, IsDir: true}, nil
}

// Read returns the exact bytes of the file at path.
func (m *Manager) Read(sessionID, path string) ([]byte, error) {
	host, err := m.resolve(sessionID, path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(host)
	if os.IsNotExist(err) {
		return nil, dkerr.Newf(dkerr.CodeInvalidPath, "no such file: %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, dkerr.Newf(dkerr.CodeIsADirectory, "%s is a directory", path)
	}

	data, err := os.ReadFile(host)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// Write stores data at path atomically: the bytes land in a temp file in
// the same directory and are renamed over the target. Parent directories
// are created as needed.
func (m *Manager) Write(sessionID, path string, data []byte) error {
	host, err := m.resolve(sessionID, path)
	if err != nil {
		return err
	}
	if info, err := os.Stat(host); err == nil && info.IsDir() {
		return dkerr.Newf(dkerr.CodeIsADirectory, "%s is a directory", path)
	}

	dir := filepath.Dir(host)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating parent dirs: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".dockhand-write-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("setting file mode: %w", err)
	}
	if err := os.Rename(tmpName, host); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Create makes a file or directory at path. Directory creation is
// recursive; file creation writes data (possibly empty) atomically.
func (m *Manager) Create(sessionID, path, kind string, data []byte) error {
	switch kind {
	case "directory":
		host, err := m.resolve(sessionID, path)
		if err != nil {
			return err
		}
		if info, statErr := os.Stat(host); statErr == nil && !info.IsDir() {
			return dkerr.Newf(dkerr.CodeNotADirectory, "%s exists and is not a directory", path)
		}
		if err := os.MkdirAll(host, 0o755); err != nil {
			return fmt.Errorf("creating directory: %w", err)
		}
		return nil
	case "file", "":
		return m.Write(sessionID, path, data)
	default:
		return dkerr.Newf(dkerr.CodeInvalidPath, "unknown kind %q", kind)
	}
}

// Rename moves from to to within the workspace.
func (m *Manager) Rename(sessionID, from, to string) error {
	src, err := m.resolve(sessionID, from)
	if err != nil {
		return err
	}
	dst, err := m.resolve(sessionID, to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return dkerr.Newf(dkerr.CodeInvalidPath, "no such file: %s", from)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating parent dirs: %w", err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("renaming %s to %s: %w", from, to, err)
	}
	return nil
}

// Delete removes the file or directory tree at path. Deleting the
// workspace root itself is refused.
func (m *Manager) Delete(sessionID, path string) error {
	host, err := m.resolve(sessionID, path)
	if err != nil {
		return err
	}
	if host == m.SessionDir(sessionID) {
		return dkerr.Newf(dkerr.CodeInvalidPath, "cannot delete the workspace root")
	}
	if _, err := os.Stat(host); os.IsNotExist(err) {
		return dkerr.Newf(dkerr.CodeInvalidPath, "no such file: %s", path)
	}
	if err := os.RemoveAll(host); err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

// copyTree recursively copies src into dst. Symlinks in starter trees are
// not followed; labs ship plain files.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading starter file %s: %w", path, err)
		}
		return os.WriteFile(target, data, 0o644)
	})
}
