package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "twinsync",
	Short: "Industrial edge gateway bridging shop-floor devices to MQTT",
	Long: `twinsync - an edge gateway for factory devices.

It maintains supervised sessions to robots (line protocol over TCP) and
PLCs (tag reads), merges the data plans of every connected user into one
per-device union, and publishes sampled frames to a cloud MQTT broker.
Devices are only polled while at least one user wants their data.

Examples:
  # Run a gateway
  twinsync run --config gateway.yaml

  # Local development: embedded broker plus simulated devices
  twinsync broker --addr :1883 &
  twinsync run --config gateway.yaml --sim

  # Watch what a gateway publishes
  twinsync monitor --broker tcp://127.0.0.1:1883 --tenant acme --gateway plant1`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
