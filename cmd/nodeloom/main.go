// Command nodeloom is the CLI for the node-graph storage engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nodeloom/nodeloom/internal/config"
	"github.com/nodeloom/nodeloom/internal/log"
	"github.com/nodeloom/nodeloom/internal/storage/sqlite"
)

var rootCmd = &cobra.Command{
	Use:   "nodeloom",
	Short: "Embedded storage engine for outliner-style knowledge bases",
	Long: `nodeloom persists a typed node graph - ordered hierarchy, typed
cross-references, full-text search - on an embedded SQLite store, and
bulk-imports million-node datasets.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		logFile, _ := cmd.Flags().GetString("log-file")
		log.Init(log.Config{Level: level, File: logFile})
	},
}

func main() {
	rootCmd.PersistentFlags().String("db", "", "database path (overrides config)")
	rootCmd.PersistentFlags().String("preset", "", "config preset: development, production, testing, high-performance")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "log to a rotating file instead of stderr")

	rootCmd.AddCommand(initCmd, migrateCmd, rollbackCmd, importCmd, searchCmd,
		statsCmd, healthCmd, optimizeCmd, backupCmd, fixCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveConfig builds the effective config from env, preset flag, and db
// path flag, in increasing precedence.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if preset, _ := cmd.Flags().GetString("preset"); preset != "" {
		cfg, err = config.Preset(preset)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return nil, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Path = db
		cfg.Memory = db == config.MemoryPath
	}
	return cfg, nil
}

// openStore opens the store without migrating; commands that need the
// schema call migrate themselves or expect it present.
func openStore(ctx context.Context, cmd *cobra.Command) (*sqlite.Store, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	return sqlite.New(ctx, cfg, log.WithComponent("storage"))
}
