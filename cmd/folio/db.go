package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/history"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect the local history database",
	Long: `Inspect the history database directly, without a running server.

The database lives at ~/.folio/data/history.db unless history.db_path
is set.

Examples:
  folio db path      # Print the database location
  folio db stats     # Record counts, success rate, formats
  folio db cleanup   # Delete expired records`,
}

func openHistory(ctx context.Context) (*history.Store, error) {
	mgr, h, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get().History
	path := cfg.DBPath
	if path == "" {
		path = h.HistoryPath()
	}
	return history.Open(ctx, history.Config{Path: path, Retention: cfg.Retention(), Logger: logger})
}

var dbPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the history database path",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, h, _, err := loadConfig()
		if err != nil {
			return err
		}
		path := mgr.Get().History.DBPath
		if path == "" {
			path = h.HistoryPath()
		}
		fmt.Println(path)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show history statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Stats(cmd.Context())
		if err != nil {
			return err
		}
		return api.Output(stats)
	},
}

var dbCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired history records",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openHistory(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := store.Cleanup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d expired records\n", n)
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbPathCmd)
	dbCmd.AddCommand(dbStatsCmd)
	dbCmd.AddCommand(dbCleanupCmd)
	rootCmd.AddCommand(dbCmd)
}
