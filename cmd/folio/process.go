package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/docsrc"
	"github.com/jackzampolin/folio/internal/documents"
	"github.com/jackzampolin/folio/internal/engine"
	"github.com/jackzampolin/folio/internal/export"
	"github.com/jackzampolin/folio/internal/history"
	"github.com/jackzampolin/folio/internal/pages"
	"github.com/jackzampolin/folio/internal/providers"
)

var (
	processStart       int
	processEnd         int
	processWorkers     int
	processRetries     int
	processTimeout     time.Duration
	processStopOnError bool
	processText        bool
	processXLSX        string
	processRecord      bool
)

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Run OCR on a local file without a server",
	Long: `Process a PDF or image in this process using the configured OCR
provider, then print the page summary.

Examples:
  folio process scan.pdf                     # Summary of every page
  folio process scan.pdf --start 3 --end 5   # Only pages 3-5
  folio process scan.pdf --text              # Print the combined text
  folio process scan.pdf --xlsx scan.xlsx    # Write a per-page workbook`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, h, logger, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		registry := providers.NewRegistryFromConfig(cfg.ToProviderRegistryConfig())
		provider, err := registry.GetOCR(cfg.OCR.Provider)
		if err != nil {
			return fmt.Errorf("OCR provider %q is not available: %w", cfg.OCR.Provider, err)
		}

		proc := cfg.Processing
		eng := engine.New(provider, engine.Config{
			RetryDelay:       proc.RetryDelay(),
			MaxRetryDelay:    proc.MaxRetryDelay(),
			MinPageDimension: proc.MinPageDimension,
			MaxPageWidth:     proc.MaxPageWidth,
			MaxPageHeight:    proc.MaxPageHeight,
			Logger:           logger,
		})

		var store *history.Store
		if processRecord && cfg.History.Enabled {
			if err := h.EnsureExists(); err != nil {
				return err
			}
			path := cfg.History.DBPath
			if path == "" {
				path = h.HistoryPath()
			}
			store, err = history.Open(ctx, history.Config{Path: path, Retention: cfg.History.Retention(), Logger: logger})
			if err != nil {
				return err
			}
			defer store.Close()
		}

		docs := documents.NewManager(documents.Config{
			Engine:  eng,
			History: store,
			Defaults: documents.Defaults{
				ContinueOnError:   proc.ContinueOnError,
				MaxRetriesPerPage: proc.MaxRetriesPerPage,
				ParallelWorkers:   proc.ParallelWorkers,
				TimeoutPerPage:    proc.TimeoutPerPage(),
				MaxPages:          proc.MaxPages,
				Source: docsrc.Options{
					MaxSize:   proc.MaxFileSize(),
					Rasterize: proc.Rasterize,
					DPI:       proc.DPI,
				},
			},
			Logger: logger,
		})
		defer docs.Shutdown(ctx)

		req := documents.Request{
			Data:       data,
			FileName:   filepath.Base(args[0]),
			SourceType: history.SourceFile,
			PageStart:  processStart,
			PageEnd:    processEnd,
		}
		flags := cmd.Flags()
		if flags.Changed("workers") {
			req.ParallelWorkers = &processWorkers
		}
		if flags.Changed("retries") {
			req.MaxRetriesPerPage = &processRetries
		}
		if flags.Changed("timeout") {
			req.TimeoutPerPage = &processTimeout
		}
		if processStopOnError {
			cont := false
			req.ContinueOnError = &cont
		}

		doc, err := docs.Process(ctx, req)
		if err != nil {
			return err
		}
		resp := doc.Tracker().Response()

		if processXLSX != "" {
			b, err := export.XLSX(resp)
			if err != nil {
				return err
			}
			if err := os.WriteFile(processXLSX, b, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", processXLSX, err)
			}
			logger.Info("wrote workbook", "path", processXLSX)
		}

		if processText {
			fmt.Println(resp.CombinedText)
		} else if err := api.Output(doc.Tracker().Summary()); err != nil {
			return err
		}

		if resp.Status == pages.StatusFailed {
			return fmt.Errorf("document failed: %s", resp.Error)
		}
		return nil
	},
}

func init() {
	processCmd.Flags().IntVar(&processStart, "start", 0, "First page (1-based)")
	processCmd.Flags().IntVar(&processEnd, "end", 0, "Last page (inclusive)")
	processCmd.Flags().IntVar(&processWorkers, "workers", 0, "Parallel page workers (default from config)")
	processCmd.Flags().IntVar(&processRetries, "retries", 0, "Max retries per page (default from config)")
	processCmd.Flags().DurationVar(&processTimeout, "timeout", 0, "Per-page timeout (default from config)")
	processCmd.Flags().BoolVar(&processStopOnError, "stop-on-error", false, "Stop dispatching pages after the first failure")
	processCmd.Flags().BoolVar(&processText, "text", false, "Print the combined text instead of the summary")
	processCmd.Flags().StringVar(&processXLSX, "xlsx", "", "Also write a per-page Excel workbook to this path")
	processCmd.Flags().BoolVar(&processRecord, "record", false, "Record the run in the history database")

	rootCmd.AddCommand(processCmd)
}
