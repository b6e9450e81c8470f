// Package main is the entry point for the sensornn CLI, a host-side driver
// for the acoustic classifier core.
//
// Usage:
//
//	sensornn [flags] <command> [args]
//
// Commands:
//
//	run      - Classify raw PCM files window by window
//	bench    - Time classification cycles on silent windows
//	info     - Initialize the core and show its memory layout
//	weights  - Export the generated model weights
//	version  - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/sensornn/cmd/sensornn/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
