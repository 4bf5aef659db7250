// Package main is the entry point for the dockhand orchestrator.
package main

import (
	"os"

	"github.com/dockhand-labs/dockhand/cmd/dockhand/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
