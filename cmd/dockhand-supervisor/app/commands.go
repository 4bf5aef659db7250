// Package app wires the supervisor process: container runtime access, the
// workspace manager, and the worker API.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dockhand-labs/dockhand/pkg/config"
	"github.com/dockhand-labs/dockhand/pkg/logger"
	"github.com/dockhand-labs/dockhand/pkg/supervisor"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/engine"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/runtime"
	"github.com/dockhand-labs/dockhand/pkg/supervisor/workspace"
)

const shutdownGrace = 15 * time.Second

// NewRootCmd creates the dockhand-supervisor root command.
func NewRootCmd() *cobra.Command {
	var (
		address string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "dockhand-supervisor",
		Short: "dockhand-supervisor hosts isolated lab workers",
		Long: `dockhand-supervisor owns the privileged side of dockhand: it creates and
destroys per-session worker containers, seeds their workspaces, and
exposes the build, run, exec, probe, filesystem, and terminal operations
the orchestrator drives.`,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), address, debug)
		},
	}

	cmd.Flags().StringVar(&address, "address", "127.0.0.1:8091", "listen address for the supervisor API")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func run(ctx context.Context, address string, debug bool) error {
	_ = godotenv.Load()
	logger.Initialize(debug)

	cfg, err := config.LoadSupervisor(address, debug)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx)
	if err != nil {
		return fmt.Errorf("connecting to container runtime: %w", err)
	}

	ws := workspace.NewManager(cfg.WorkspacesDir)
	eng := engine.New(rt, cfg.BuildTimeout, cfg.ExecTimeout)

	sup := supervisor.New(cfg, rt, eng, ws)
	sup.Start()
	defer sup.Shutdown()

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           supervisor.Router(sup),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("supervisor API listening", "address", cfg.Address)
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("draining server: %w", err)
	}
	return <-errCh
}
