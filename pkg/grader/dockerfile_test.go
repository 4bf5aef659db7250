package grader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDockerfile(t *testing.T) {
	t.Parallel()

	df := ParseDockerfile([]byte(`
# build stage
FROM python:3.12-slim AS builder
WORKDIR /app
COPY requirements.txt .
RUN pip install --no-cache-dir \
    -r requirements.txt

FROM python:3.12-slim
COPY --from=builder /usr/local/lib /usr/local/lib
copy src/ ./src
CMD ["python", "src/app.py"]
`))

	cmds := make([]string, 0, len(df.Directives))
	for _, d := range df.Directives {
		cmds = append(cmds, d.Cmd)
	}
	assert.Equal(t, []string{"FROM", "WORKDIR", "COPY", "RUN", "FROM", "COPY", "COPY", "CMD"}, cmds)

	// The continuation folds into one RUN directive.
	assert.Equal(t, "pip install --no-cache-dir -r requirements.txt", df.Directives[3].RunLine())
}

func TestStages(t *testing.T) {
	t.Parallel()

	df := ParseDockerfile([]byte(`
FROM golang:1.24 AS builder
RUN go build -o /out/app ./...
FROM gcr.io/distroless/static
COPY --from=builder /out/app /app
`))

	stages := df.Stages()
	require.Len(t, stages, 2)
	assert.Equal(t, "golang:1.24", stages[0].Image)
	assert.Equal(t, "builder", stages[0].Alias)
	assert.Equal(t, "gcr.io/distroless/static", stages[1].Image)
	assert.Empty(t, stages[1].Alias)
}

func TestStagesLowercaseAS(t *testing.T) {
	t.Parallel()

	df := ParseDockerfile([]byte("FROM node:22 as deps\nFROM node:22-slim\n"))
	stages := df.Stages()
	require.Len(t, stages, 2)
	assert.Equal(t, "deps", stages[0].Alias)
}

func TestCopyFlagsAndSources(t *testing.T) {
	t.Parallel()

	df := ParseDockerfile([]byte("COPY --from=builder --chown=app:app /out/app requirements.txt /srv/\n"))
	require.Len(t, df.Directives, 1)
	d := df.Directives[0]

	assert.Equal(t, "builder", d.CopyFrom())
	assert.Equal(t, []string{"/out/app", "requirements.txt"}, d.CopySources())
}

func TestCopyWithoutFrom(t *testing.T) {
	t.Parallel()

	df := ParseDockerfile([]byte("COPY . .\n"))
	require.Len(t, df.Directives, 1)
	assert.Empty(t, df.Directives[0].CopyFrom())
	assert.Equal(t, []string{"."}, df.Directives[0].CopySources())
}
