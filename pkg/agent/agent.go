// Package agent is the seam to the external hint/explain/patch
// collaborator. The orchestrator only depends on the Adapter interface; a
// deployment plugs in a real backend, and the shipped StaticAdapter
// answers from the last attempt's failure codes so the surface works
// without one.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dockhand-labs/dockhand/pkg/grader"
)

// Kind selects which agent capability a request exercises.
type Kind string

const (
	KindHint    Kind = "hint"
	KindExplain Kind = "explain"
	KindPatch   Kind = "patch"
)

// Request carries what the collaborator needs to answer: the learner's
// prompt plus the grading context the orchestrator already holds.
type Request struct {
	Kind     Kind
	Prompt   string
	LabSlug  string
	Failures []grader.Failure
}

// PatchFile is one file a patch response proposes to write.
type PatchFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Response is the collaborator's answer. Files is populated only for
// patch requests.
type Response struct {
	Text  string      `json:"text"`
	Files []PatchFile `json:"files,omitempty"`
}

// Adapter is the external collaborator. Implementations must respect ctx;
// the orchestrator bounds every call with the configured agent timeout.
type Adapter interface {
	Answer(ctx context.Context, req Request) (Response, error)
}

// StaticAdapter answers from a fixed table keyed on failure codes. It
// never proposes patches.
type StaticAdapter struct{}

// guidance maps failure codes to canned advice, worded for the learner.
var guidance = map[string]string{
	grader.CodeDockerfileMissing:      "Start with a Dockerfile at the workspace root. FROM picks the base image, COPY brings your code in, CMD says what to run.",
	grader.CodeDockerignoreMissing:    "Add a .dockerignore file. Anything not listed there is sent to the builder, including virtualenvs and caches.",
	grader.CodeDockerignoreIncomplete: "Your .dockerignore exists but misses some local cruft. Add __pycache__ and venv, one pattern per line.",
	grader.CodeDockerBuildFailed:      "Read the last few lines of the build log; the failing step is almost always named there. Fix that step and rebuild.",
	grader.CodeHealthcheckFailed:      "The container built but the health endpoint never answered. Check the runtime logs: is the server binding 0.0.0.0 on the expected port?",

	grader.CodeDependencyCopyAfterSource:         "Copy requirements.txt by itself before the rest of the source. Then source edits stop invalidating the dependency layer.",
	grader.CodeDependencyInstallBeforeSourceCopy: "Run pip install right after copying requirements.txt and before copying src/. Layer order is what makes the cache work.",
	grader.CodePipCacheNotDisabled:               "pip keeps a download cache inside the layer. Pass --no-cache-dir so the image does not carry it.",

	grader.CodeSingleStageBuild:       "Split the Dockerfile into two FROM stages: one that builds, one slim stage that only runs.",
	grader.CodeBuilderAliasMissing:    "Name the first stage with FROM <image> AS builder so the final stage can copy from it.",
	grader.CodeCopyFromBuilderMissing: "Use COPY --from=builder to move just the built artifacts into the final stage.",
	grader.CodeImageTooLarge:          "The final image still carries build tooling. Make sure compilers, wheels, and caches stay in the builder stage.",
}

// Answer implements Adapter.
func (StaticAdapter) Answer(_ context.Context, req Request) (Response, error) {
	if len(req.Failures) == 0 {
		return Response{Text: "Your last attempt passed every check. Try tightening the image further, or move on to the next lab."}, nil
	}

	var lines []string
	for _, f := range req.Failures {
		if advice, ok := guidance[f.Code]; ok {
			lines = append(lines, advice)
		} else {
			lines = append(lines, fmt.Sprintf("Check %q: %s", f.Code, f.Message))
		}
	}
	return Response{Text: strings.Join(lines, "\n\n")}, nil
}

// FailuresFromJSON decodes the failures column of a stored attempt. A
// malformed column yields an empty list rather than an error; guidance is
// best-effort.
func FailuresFromJSON(raw json.RawMessage) []grader.Failure {
	var failures []grader.Failure
	if err := json.Unmarshal(raw, &failures); err != nil {
		return nil
	}
	return failures
}
