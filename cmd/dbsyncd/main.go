// Package main is the entry point for the dbsync orchestrator daemon.
package main

import (
	"os"

	"github.com/basehaven/dbsync/cmd/dbsyncd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
