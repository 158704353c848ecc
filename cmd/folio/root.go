package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "folio",
	Short: "Page-by-page OCR for PDFs and scanned images",
	Long: `Folio runs OCR over PDF and image documents one page at a time,
tracking every page's outcome so a bad page never sinks the whole document.

It includes:
  - Parallel page workers with retries, per-page timeouts and rate limiting
  - Per-page status, confidence and word counts, plus combined text
  - Optional LLM post-correction of the recognized text
  - A history database of processed documents with automatic expiry`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.folio/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "folio home directory (default: ~/.folio)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the home directory and loads configuration from
// --config, the home config file, or the default search path.
func loadConfig() (*config.Manager, *home.Dir, *slog.Logger, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, nil, nil, err
	}

	file := cfgFile
	if file == "" && homeDir != "" && h.ConfigExists() {
		file = h.ConfigPath()
	}
	mgr, err := config.NewManager(file)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := mgr.Get().Log.NewLogger()
	mgr.SetLogger(logger)
	slog.SetDefault(logger)
	return mgr, h, logger, nil
}
