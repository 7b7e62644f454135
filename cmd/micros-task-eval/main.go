// Package main is the entry point for the evaluation worker.
package main

import (
	"os"

	"github.com/micros-ai/micros/internal/cli"
)

func main() {
	if err := cli.ExecuteTaskEval(); err != nil {
		os.Exit(1)
	}
}
