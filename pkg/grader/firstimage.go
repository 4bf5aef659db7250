package grader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dockhand-labs/dockhand/pkg/supervisor/engine"
)

// firstImageHandler grades the introductory lab: a Dockerfile, a
// .dockerignore excluding local cruft, and a container answering its
// health endpoint with JSON.
type firstImageHandler struct{}

var requiredIgnoreEntries = []string{"__pycache__", "venv"}

func (h *firstImageHandler) Static(ctx context.Context, sess SessionHandle) ([]Failure, error) {
	var failures []Failure

	if _, exists, err := readOptional(ctx, sess, "Dockerfile"); err != nil {
		return nil, err
	} else if !exists {
		failures = append(failures, Failure{
			Code:    CodeDockerfileMissing,
			Message: "no Dockerfile at the workspace root",
			Hint:    "create a Dockerfile next to app.py",
		})
	}

	ignore, exists, err := readOptional(ctx, sess, ".dockerignore")
	if err != nil {
		return nil, err
	}
	if !exists {
		failures = append(failures, Failure{
			Code:    CodeDockerignoreMissing,
			Message: "no .dockerignore at the workspace root",
			Hint:    "without one, the whole workspace ships in the build context",
		})
		return failures, nil
	}

	var missing []string
	for _, entry := range requiredIgnoreEntries {
		if !bytes.Contains(ignore, []byte(entry)) {
			missing = append(missing, entry)
		}
	}
	if len(missing) > 0 {
		failures = append(failures, Failure{
			Code:    CodeDockerignoreIncomplete,
			Message: fmt.Sprintf(".dockerignore does not exclude %s", strings.Join(missing, ", ")),
			Hint:    "add one line per pattern to exclude",
		})
	}

	return failures, nil
}

func (h *firstImageHandler) Runtime() bool { return true }

func (h *firstImageHandler) Dynamic(_ engine.BuildResult, probe *engine.ProbeResult) []Failure {
	if probe == nil {
		return nil
	}
	if !json.Valid([]byte(strings.TrimSpace(probe.Body))) {
		return []Failure{{
			Code:    CodeHealthcheckFailed,
			Message: "the health endpoint answered, but not with valid JSON",
			Hint:    `return something like {"status": "ok"}`,
		}}
	}
	return nil
}
