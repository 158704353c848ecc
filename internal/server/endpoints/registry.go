package endpoints

import (
	"github.com/jackzampolin/folio/internal/api"
)

// All returns all endpoint instances.
func All() []api.Endpoint {
	eps := []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{},

		// OCR submission
		&OCREndpoint{},
	}
	eps = append(eps, DocumentCommands()...)
	eps = append(eps, HistoryCommands()...)
	return eps
}

// DocumentCommands returns endpoints for document operations.
// This groups document-related commands under "documents" subcommand.
func DocumentCommands() []api.Endpoint {
	return []api.Endpoint{
		&ListDocumentsEndpoint{},
		&DocumentStatusEndpoint{},
		&DocumentResultEndpoint{},
		&DocumentPagesEndpoint{},
		&ExportDocumentEndpoint{},
		&CancelDocumentEndpoint{},
		&DocumentEventsEndpoint{},
	}
}

// HistoryCommands returns endpoints for processing history operations.
// This groups history-related commands under "history" subcommand.
func HistoryCommands() []api.Endpoint {
	return []api.Endpoint{
		&ListHistoryEndpoint{},
		&HistoryStatsEndpoint{},
		&CleanupHistoryEndpoint{},
		&GetHistoryEndpoint{},
	}
}
