// Package main is the entry point for the dockhand supervisor.
package main

import (
	"os"

	"github.com/dockhand-labs/dockhand/cmd/dockhand-supervisor/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
