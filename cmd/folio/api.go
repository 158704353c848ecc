package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/server/endpoints"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running Folio server via HTTP.

These commands require a running server (folio serve).
Use --server to specify a custom server URL.

Examples:
  folio api health                       # Check server health
  folio api ocr scan.pdf --async         # Submit a document
  folio api documents status <id>        # Live page progress
  folio api documents pages <id> 2 4     # Text of pages 2-4
  folio api history stats                # Processing history statistics`,
}

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Document progress and result commands",
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Processing history commands",
}

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	// Add --server flag to api command (persistent so all subcommands inherit it)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8080", "Server URL",
	)

	// Health endpoints at top level of api
	apiCmd.AddCommand((&endpoints.HealthEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.ReadyEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.StatusEndpoint{}).Command(getServerURL))

	// Submission at top level
	apiCmd.AddCommand((&endpoints.OCREndpoint{}).Command(getServerURL))

	for _, ep := range endpoints.DocumentCommands() {
		documentsCmd.AddCommand(ep.Command(getServerURL))
	}
	for _, ep := range endpoints.HistoryCommands() {
		historyCmd.AddCommand(ep.Command(getServerURL))
	}

	apiCmd.AddCommand(documentsCmd)
	apiCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(apiCmd)
}
