// Package main is the entry point for the micros engine CLI.
package main

import (
	"os"

	"github.com/micros-ai/micros/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
