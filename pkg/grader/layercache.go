package grader

import (
	"context"
	"strings"

	"github.com/dockhand-labs/dockhand/pkg/supervisor/engine"
)

// layerCacheHandler grades the layer-ordering lab: the dependency manifest
// must be copied and installed before the broad source copy, and the
// installer must not leave a package cache in the layer.
type layerCacheHandler struct{}

func (h *layerCacheHandler) Static(ctx context.Context, sess SessionHandle) ([]Failure, error) {
	raw, exists, err := readOptional(ctx, sess, "Dockerfile")
	if err != nil {
		return nil, err
	}
	if !exists {
		return []Failure{{
			Code:    CodeDockerfileMissing,
			Message: "no Dockerfile at the workspace root",
		}}, nil
	}

	df := ParseDockerfile(raw)

	manifestCopy := -1
	sourceCopy := -1
	installStep := -1
	installCachesPackages := false

	for i, d := range df.Directives {
		switch d.Cmd {
		case "COPY":
			if d.CopyFrom() != "" {
				continue
			}
			if copiesManifest(d) {
				if manifestCopy == -1 {
					manifestCopy = i
				}
			} else if sourceCopy == -1 {
				sourceCopy = i
			}
		case "RUN":
			line := d.RunLine()
			if strings.Contains(line, "pip install") && installStep == -1 {
				installStep = i
				installCachesPackages = !strings.Contains(line, "--no-cache-dir")
			}
		}
	}

	var failures []Failure
	if manifestCopy == -1 || (sourceCopy != -1 && manifestCopy > sourceCopy) {
		failures = append(failures, Failure{
			Code:    CodeDependencyCopyAfterSource,
			Message: "the dependency manifest is not copied before the source tree",
			Hint:    "COPY requirements.txt on its own line before copying the rest",
		})
	}
	if installStep == -1 || (sourceCopy != -1 && installStep > sourceCopy) {
		failures = append(failures, Failure{
			Code:    CodeDependencyInstallBeforeSourceCopy,
			Message: "dependencies are not installed before the source copy",
			Hint:    "run pip install right after copying requirements.txt, so source edits reuse the cached layer",
		})
	}
	if installStep != -1 && installCachesPackages {
		failures = append(failures, Failure{
			Code:    CodePipCacheNotDisabled,
			Message: "pip leaves its download cache in the image layer",
			Hint:    "pass --no-cache-dir to pip install",
		})
	}
	return failures, nil
}

func (h *layerCacheHandler) Runtime() bool { return false }

func (h *layerCacheHandler) Dynamic(engine.BuildResult, *engine.ProbeResult) []Failure {
	return nil
}

// copiesManifest reports whether every source of the COPY is a dependency
// manifest rather than application source.
func copiesManifest(d Directive) bool {
	sources := d.CopySources()
	if len(sources) == 0 {
		return false
	}
	for _, src := range sources {
		base := src[strings.LastIndex(src, "/")+1:]
		if !strings.HasPrefix(base, "requirements") || !strings.HasSuffix(base, ".txt") {
			return false
		}
	}
	return true
}
