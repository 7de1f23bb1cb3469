// Package main is the entry point for the twinsync edge gateway CLI.
//
// Usage:
//
//	twinsync [flags] <command> [args]
//
// Commands:
//
//	run      - Run the edge gateway from a config file
//	broker   - Run an embedded MQTT broker (development)
//	monitor  - Watch a gateway's data and roster topics
//	version  - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/twinsync/gateway/cmd/twinsync/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
