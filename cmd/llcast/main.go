// Package main is the entry point for the llcast streaming engine.
package main

import (
	"os"

	"github.com/llcast/llcast/cmd/llcast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
