// Package main is the entry point for the CI runner.
// The runner polls a CI server for jobs and executes them one at a time.
package main

import (
	"os"

	"cirunner/cmd/runner/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
