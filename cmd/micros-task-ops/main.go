// Package main is the entry point for the full task-ops engine.
package main

import (
	"os"

	"github.com/micros-ai/micros/internal/cli"
)

func main() {
	if err := cli.ExecuteTaskOps(); err != nil {
		os.Exit(1)
	}
}
