// Package main is the entry point for the sync worker.
package main

import (
	"os"

	"github.com/micros-ai/micros/internal/cli"
)

func main() {
	if err := cli.ExecuteTaskSync(); err != nil {
		os.Exit(1)
	}
}
