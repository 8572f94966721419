package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Log ingestion agent - durable batched telemetry delivery",
	Long: `The log ingestion agent accepts events and crash reports, keeps them in a
local SQLite queue and delivers them in batches to an ingestion backend.

Logs survive restarts and connectivity loss. Crash reports captured by a
previous run can be held until they are confirmed.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (defaults only when empty)")
}
