// Package main provides the entry point for RepSentinel, an OSINT
// reputation-threat monitoring pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/repsentinel/internal/config"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	cfg        *config.Config
	configPath string
	memoryMode bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	rootCmd := &cobra.Command{
		Use:   "repsentinel",
		Short: "RepSentinel monitors public sources for reputation threats against named entities",
		Long: `RepSentinel searches news feeds, forums and social platforms for mentions of
monitored people and organisations, keeps only mentions that really refer to
them, classifies each by severity and stores it exactly once.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if memoryMode {
				cfg.Database.URL = ""
				cfg.Redis.Addr = ""
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (defaults plus environment when empty)")
	rootCmd.PersistentFlags().BoolVar(&memoryMode, "memory", false, "Use the in-memory store and skip Redis")

	rootCmd.AddCommand(
		serveCmd(),
		scanCmd(),
		predictCmd(),
		healthCmd(),
		migrateCmd(),
		mcpCmd(),
		versionCmd(),
	)

	rootCmd.SetContext(ctx)

	err := rootCmd.Execute()
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		// Skips config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "RepSentinel %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		},
	}
}
