package labs

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed catalog
var embeddedCatalog embed.FS

// LoadDefault loads the catalog from dir when set, otherwise materializes the
// embedded shipped catalog into materializeDir and loads it from there. The
// starter trees have to exist on disk because the supervisor seeds workspaces
// by copying real directories.
func LoadDefault(dir, materializeDir string) (*Catalog, error) {
	if dir != "" {
		return Load(dir)
	}
	if err := materialize(materializeDir); err != nil {
		return nil, err
	}
	return Load(materializeDir)
}

// materialize writes the embedded catalog under dir. Existing files are
// overwritten so upgrades refresh stale starter trees.
func materialize(dir string) error {
	return fs.WalkDir(embeddedCatalog, "catalog", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel("catalog", path)
		if err != nil {
			return err
		}
		target := filepath.Join(dir, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		raw, err := embeddedCatalog.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading embedded %s: %w", path, err)
		}
		return os.WriteFile(target, raw, 0o644)
	})
}
