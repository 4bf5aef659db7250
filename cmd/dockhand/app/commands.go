// Package app wires the orchestrator process: config, store, lab catalog,
// session manager, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dockhand-labs/dockhand/pkg/agent"
	"github.com/dockhand-labs/dockhand/pkg/api"
	"github.com/dockhand-labs/dockhand/pkg/auth"
	"github.com/dockhand-labs/dockhand/pkg/client"
	"github.com/dockhand-labs/dockhand/pkg/config"
	"github.com/dockhand-labs/dockhand/pkg/grader"
	"github.com/dockhand-labs/dockhand/pkg/labs"
	"github.com/dockhand-labs/dockhand/pkg/logger"
	"github.com/dockhand-labs/dockhand/pkg/session"
	"github.com/dockhand-labs/dockhand/pkg/store"
)

// shutdownGrace bounds how long in-flight requests get on shutdown.
const shutdownGrace = 15 * time.Second

// NewRootCmd creates the dockhand root command.
func NewRootCmd() *cobra.Command {
	var (
		address string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "dockhand",
		Short: "dockhand is the lab session orchestrator",
		Long: `dockhand serves the learner-facing API: lab catalog, session lifecycle,
workspace files, terminals, and grading. It drives isolated worker
containers through a dockhand-supervisor instance.`,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), address, debug)
		},
	}

	cmd.Flags().StringVar(&address, "address", ":8080", "listen address for the API")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func run(ctx context.Context, address string, debug bool) error {
	// A missing .env is the normal production case.
	_ = godotenv.Load()
	logger.Initialize(debug)

	cfg, err := config.LoadOrchestrator(address, debug)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StorePath, cfg.DBTimeout)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = st.Close() }()

	catalog, err := labs.LoadDefault(cfg.LabsDir, filepath.Join(filepath.Dir(cfg.StorePath), "labs"))
	if err != nil {
		return fmt.Errorf("loading lab catalog: %w", err)
	}
	logger.Infow("lab catalog loaded", "labs", catalog.Len())

	supervisor := client.New(cfg.SupervisorBaseURL)
	sessions := session.NewManager(st, supervisor, catalog, cfg.SessionTTL, cfg.SweepInterval)
	limiter := agent.NewLimiter(cfg.AgentRatePerMin)
	// Rate-limiter state for a session is dropped when the session ends.
	sessions.OnSessionEnd(limiter.Forget)
	sessions.StartSweeper()
	defer sessions.Shutdown()

	router := api.NewRouter(cfg, api.Deps{
		Store:      st,
		Auth:       auth.New(st, cfg.TokenSecret),
		Sessions:   sessions,
		Labs:       catalog,
		Supervisor: supervisor,
		Evaluator:  &api.GraderRunner{Registry: grader.Default(), Client: supervisor},
		Adapter:    agent.StaticAdapter{},
		Limiter:    limiter,
	})
	server := api.NewServer(cfg, router)

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining server: %w", err)
	}
	return <-errCh
}
