// Package labs loads the lab catalog: curriculum units with starter files,
// description text, and a grader key. A lab is a directory containing a
// lab.yaml manifest, a description.md, and a starter/ tree that seeds new
// session workspaces.
package labs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	dkerr "github.com/dockhand-labs/dockhand/pkg/errors"
)

// Manifest is the on-disk lab.yaml schema.
type Manifest struct {
	Slug       string `yaml:"slug"`
	Title      string `yaml:"title"`
	Summary    string `yaml:"summary"`
	Grader     string `yaml:"grader,omitempty"`
	HealthPort int    `yaml:"health_port,omitempty"`
	HealthPath string `yaml:"health_path,omitempty"`
	TTLSeconds int    `yaml:"ttl_seconds,omitempty"`
}

// Lab is a loaded catalog entry.
type Lab struct {
	Slug        string
	Title       string
	Summary     string
	Description string
	Grader      string
	HealthPort  int
	HealthPath  string
	TTLSeconds  int

	// StarterDir is the absolute path of the starter tree used to seed
	// workspaces. It is read-only at runtime.
	StarterDir string
}

// Summary is the list-view projection of a lab.
type SummaryView struct {
	Slug    string `json:"slug"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Catalog is an immutable set of labs keyed by slug.
type Catalog struct {
	labs  map[string]*Lab
	order []string
}

// Load reads every lab directory under dir. Directories without a lab.yaml
// are skipped; a malformed manifest fails the whole load so a broken catalog
// is caught at startup rather than at session start.
func Load(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading labs dir %s: %w", dir, err)
	}

	c := &Catalog{labs: make(map[string]*Lab)}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		labDir := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(labDir, "lab.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		lab, err := loadLab(labDir, manifestPath)
		if err != nil {
			return nil, err
		}
		if _, dup := c.labs[lab.Slug]; dup {
			return nil, fmt.Errorf("duplicate lab slug %q", lab.Slug)
		}
		c.labs[lab.Slug] = lab
		c.order = append(c.order, lab.Slug)
	}

	sort.Strings(c.order)
	return c, nil
}

func loadLab(labDir, manifestPath string) (*Lab, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", manifestPath, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", manifestPath, err)
	}
	if m.Slug == "" {
		return nil, fmt.Errorf("%s: slug is required", manifestPath)
	}
	if m.Grader == "" {
		m.Grader = m.Slug
	}
	if m.HealthPath == "" {
		m.HealthPath = "/health"
	}

	description := ""
	if raw, err := os.ReadFile(filepath.Join(labDir, "description.md")); err == nil {
		description = string(raw)
	}

	starter := filepath.Join(labDir, "starter")
	if info, err := os.Stat(starter); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("lab %q: starter directory missing", m.Slug)
	}

	return &Lab{
		Slug:        m.Slug,
		Title:       m.Title,
		Summary:     m.Summary,
		Description: description,
		Grader:      m.Grader,
		HealthPort:  m.HealthPort,
		HealthPath:  m.HealthPath,
		TTLSeconds:  m.TTLSeconds,
		StarterDir:  starter,
	}, nil
}

// List returns lab summaries in slug order.
func (c *Catalog) List() []SummaryView {
	out := make([]SummaryView, 0, len(c.order))
	for _, slug := range c.order {
		lab := c.labs[slug]
		out = append(out, SummaryView{Slug: lab.Slug, Title: lab.Title, Summary: lab.Summary})
	}
	return out
}

// Get returns the lab for slug, or a lab_not_found error.
func (c *Catalog) Get(slug string) (*Lab, error) {
	lab, ok := c.labs[slug]
	if !ok {
		return nil, dkerr.NewLabNotFound(slug)
	}
	return lab, nil
}

// Len returns the number of labs in the catalog.
func (c *Catalog) Len() int {
	return len(c.labs)
}
