// Package api assembles the orchestrator's HTTP surface: the v1 resource
// routers, the shared middleware stack, and the server lifecycle.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dockhand-labs/dockhand/pkg/agent"
	v1 "github.com/dockhand-labs/dockhand/pkg/api/v1"
	"github.com/dockhand-labs/dockhand/pkg/auth"
	"github.com/dockhand-labs/dockhand/pkg/client"
	"github.com/dockhand-labs/dockhand/pkg/config"
	"github.com/dockhand-labs/dockhand/pkg/grader"
	"github.com/dockhand-labs/dockhand/pkg/labs"
	"github.com/dockhand-labs/dockhand/pkg/logger"
	"github.com/dockhand-labs/dockhand/pkg/session"
	"github.com/dockhand-labs/dockhand/pkg/store"
	"github.com/dockhand-labs/dockhand/pkg/telemetry"
)

// GraderRunner binds the grader registry to session-scoped supervisor
// handles, so a judge only ever sees the session under test.
type GraderRunner struct {
	Registry *grader.Registry
	Client   *client.Client
}

// Evaluate implements v1.Evaluator.
func (g *GraderRunner) Evaluate(ctx context.Context, lab *labs.Lab, sessionID string) (grader.Result, error) {
	return g.Registry.Evaluate(ctx, lab, g.Client.Session(sessionID))
}

// Deps carries everything the router needs. All fields are required.
type Deps struct {
	Store      *store.Store
	Auth       *auth.Authenticator
	Sessions   *session.Manager
	Labs       *labs.Catalog
	Supervisor v1.SupervisorGateway
	Evaluator  v1.Evaluator
	Adapter    agent.Adapter
	Limiter    *agent.Limiter
}

// NewRouter builds the orchestrator router.
func NewRouter(cfg *config.Orchestrator, deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(corsOptions(cfg.CORSAllowOrigins)))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", telemetry.Handler())

	protect := auth.Middleware(deps.Auth)

	r.Mount("/auth", v1.NewAuthRoutes(deps.Auth, deps.Store).Router(protect))

	r.Group(func(pr chi.Router) {
		pr.Use(protect)

		// Builds and grading run far past the plain request budget, and
		// terminals stay open for the session's life; only the short
		// CRUD-ish routes get the request timeout.
		pr.Mount("/labs", v1.NewLabRoutes(deps.Labs, deps.Sessions, deps.Store, deps.Evaluator).Router())
		pr.Mount("/sessions", v1.NewSessionRoutes(deps.Sessions, deps.Store, deps.Supervisor).Router())
		pr.Mount("/ws/terminal", v1.NewTerminalRoutes(deps.Sessions, deps.Supervisor, cfg.CORSAllowOrigins).Router())

		pr.Group(func(tr chi.Router) {
			tr.Use(middleware.Timeout(cfg.RequestTimeout))
			tr.Mount("/fs", v1.NewFSRoutes(deps.Sessions, deps.Supervisor).Router())
			tr.Mount("/agent", v1.NewAgentRoutes(
				deps.Sessions, deps.Store, deps.Supervisor,
				deps.Adapter, deps.Limiter, cfg.AgentTimeout,
			).Router())
		})
	})

	return r
}

func corsOptions(origins []string) cors.Options {
	opts := cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.AllowedOrigins = []string{"*"}
		opts.AllowCredentials = false
	}
	return opts
}

// Server wraps the http.Server lifecycle.
type Server struct {
	srv *http.Server
}

// NewServer creates a Server listening on cfg.Address.
func NewServer(cfg *config.Orchestrator, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Address,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// ListenAndServe blocks serving requests until Shutdown or a listener
// failure.
func (s *Server) ListenAndServe() error {
	logger.Infow("orchestrator API listening", "address", s.srv.Addr)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
