package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "defragsim",
	Short: "Exercise a defragmenting GPU memory pool against a simulated device",
	Long: `defragsim drives a pool allocator through randomized allocation churn on a
host-memory device. Every tick runs a budgeted defragmentation pass, and every live
allocation's contents are verified once the run is complete.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log allocator activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output the final pool statistics as JSON")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger returns a logger that writes to stderr, including debug output in verbose mode
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.HandlerOptions{Level: level}.NewTextHandler(w))
}
