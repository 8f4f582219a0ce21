// TrialFlow - trial-structured compute dispatch and output assembly.
// Applies a kernel to every trial of a recording and assembles the
// results into one container.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/trialflow/trialflow/pkg/config"
	"github.com/trialflow/trialflow/pkg/lifecycle"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// Global flags
var (
	configFile string
	verbose    bool
	jsonLogs   bool
)

// cfg is loaded once before any command runs.
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "trialflow",
	Short: "TrialFlow - apply kernels to trial-structured recordings",
	Long: `TrialFlow applies a compute kernel to every trial of a recording and
assembles the per-trial results into one output container.

Each trial is written as its own extent, so a failing trial never loses
the others and an interrupted run can resume where it stopped.`,
	Version:           fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: standard locations)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(synthCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(configCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	m := config.NewManager()
	if configFile != "" {
		m = m.WithPaths(configFile)
	}
	if err := m.Load(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	cfg = m.Get()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if jsonLogs {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

var lc *lifecycle.ShutdownManager

// commandContext returns a context canceled on the first interrupt. The
// returned func runs every closer registered with onShutdown.
func commandContext() (context.Context, func()) {
	lc = lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{
		OnInterrupt: func(os.Signal) {
			fmt.Fprintln(os.Stderr, "\nInterrupted, finishing running trials... (again to force)")
		},
	})
	ctx := lc.Context(context.Background())
	return ctx, func() {
		if err := lc.Close(); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
	}
}

func onShutdown(name string, fn func(context.Context) error) {
	lc.Register(name, fn)
}
