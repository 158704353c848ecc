package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Folio server",
	Long: `Start the Folio HTTP server.

The server builds the OCR engine for the configured provider, opens the
history database and accepts documents over HTTP. Config file edits are
picked up without a restart (provider credentials, rate limits); changing
the active provider requires a restart.

The server provides:
  - /health                 - Basic server health check
  - /ready                  - Readiness check (engine and history status)
  - /status                 - Provider, rate limiter and active documents
  - /api/v1/ocr             - Submit a document
  - /api/v1/documents/...   - Progress, results, page text, export, events
  - /api/v1/history/...     - Processing history

Examples:
  folio serve                    # Start on the configured port (default 8080)
  folio serve --port 3000        # Start on custom port
  folio serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, h, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}
		mgr.WatchConfig()

		cfg := mgr.Get()
		host, port := cfg.Server.Host, cfg.Server.Port
		if cmd.Flags().Changed("host") {
			host = serveHost
		}
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		srv, err := server.New(server.Config{
			Host:          host,
			Port:          port,
			Home:          h,
			ConfigManager: mgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to (overrides server.host)")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on (overrides server.port)")

	rootCmd.AddCommand(serveCmd)
}
