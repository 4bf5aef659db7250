package grader

import (
	"context"
	"fmt"

	"github.com/dockhand-labs/dockhand/pkg/supervisor/engine"
)

// multiStageHandler grades the multi-stage lab: at least two stages, a
// named builder the final stage copies from, a size ceiling on the result,
// and a live health endpoint.
type multiStageHandler struct{}

func (h *multiStageHandler) Static(ctx context.Context, sess SessionHandle) ([]Failure, error) {
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
	stages := df.Stages()

	var failures []Failure
	if len(stages) < 2 {
		failures = append(failures, Failure{
			Code:    CodeSingleStageBuild,
			Message: "the Dockerfile has a single stage",
			Hint:    "add a second FROM so build tooling stays out of the final image",
		})
		return failures, nil
	}

	aliases := map[string]bool{}
	for _, stage := range stages[:len(stages)-1] {
		if stage.Alias != "" {
			aliases[stage.Alias] = true
		}
	}
	if len(aliases) == 0 {
		failures = append(failures, Failure{
			Code:    CodeBuilderAliasMissing,
			Message: "no builder stage is named",
			Hint:    "write FROM <image> AS builder so later stages can reference it",
		})
		return failures, nil
	}

	copiesFromBuilder := false
	for _, d := range df.Directives {
		if d.Cmd == "COPY" && aliases[d.CopyFrom()] {
			copiesFromBuilder = true
			break
		}
	}
	if !copiesFromBuilder {
		failures = append(failures, Failure{
			Code:    CodeCopyFromBuilderMissing,
			Message: "nothing is copied out of the builder stage",
			Hint:    "use COPY --from=builder to pull only the artifacts you need",
		})
	}

	return failures, nil
}

func (h *multiStageHandler) Runtime() bool { return true }

func (h *multiStageHandler) Dynamic(build engine.BuildResult, _ *engine.ProbeResult) []Failure {
	if build.Metrics.ImageSizeMB > maxImageSizeMB {
		return []Failure{{
			Code: CodeImageTooLarge,
			Message: fmt.Sprintf("the final image is %.0f MB, over the %.0f MB ceiling",
				build.Metrics.ImageSizeMB, maxImageSizeMB),
			Hint: "keep compilers and build caches in the builder stage",
		}}
	}
	return nil
}
