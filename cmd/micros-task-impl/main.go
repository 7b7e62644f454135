// Package main is the entry point for the implementation worker.
package main

import (
	"os"

	"github.com/micros-ai/micros/internal/cli"
)

func main() {
	if err := cli.ExecuteTaskImpl(); err != nil {
		os.Exit(1)
	}
}
