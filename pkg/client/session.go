package client

import (
	"context"
	"time"

	"github.com/dockhand-labs/dockhand/pkg/supervisor/engine"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/workspace"
)

// Session is a handle scoped to a single session's worker. The grader is
// given one of these instead of the full client, so a judge can only touch
// the session under test.
type Session struct {
	c  *Client
	id string
}

// Session returns a handle scoped to sessionID.
func (c *Client) Session(sessionID string) *Session {
	return &Session{c: c, id: sessionID}
}

// ID returns the session id the handle is bound to.
func (s *Session) ID() string { return s.id }

// Build builds an image inside this session's worker.
func (s *Session) Build(ctx context.Context, contextPath, dockerfilePath, imageTag string) (engine.BuildResult, error) {
	return s.c.Build(ctx, s.id, contextPath, dockerfilePath, imageTag)
}

// Run starts a container inside this session's worker.
func (s *Session) Run(ctx context.Context, image string, ports map[int]int, detached, autoRemove bool) (engine.RunResult, error) {
	return s.c.Run(ctx, s.id, image, ports, detached, autoRemove)
}

// StopRun stops a container inside this session's worker.
func (s *Session) StopRun(ctx context.Context, containerRef string, timeout time.Duration, remove bool) error {
	return s.c.StopRun(ctx, s.id, containerRef, int(timeout/time.Second), remove)
}

// Probe issues an HTTP probe from inside this session's worker.
func (s *Session) Probe(ctx context.Context, port int, path string) (engine.ProbeResult, error) {
	return s.c.Probe(ctx, s.id, port, path)
}

// Logs fetches a container's combined output.
func (s *Session) Logs(ctx context.Context, containerRef string) (string, error) {
	return s.c.Logs(ctx, s.id, containerRef)
}

// FSList lists a workspace path.
func (s *Session) FSList(ctx context.Context, path string) (workspace.Listing, error) {
	return s.c.FSList(ctx, s.id, path)
}

// FSRead reads a workspace file.
func (s *Session) FSRead(ctx context.Context, path string) ([]byte, error) {
	return s.c.FSRead(ctx, s.id, path)
}
