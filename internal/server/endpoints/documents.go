package endpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/documents"
	"github.com/jackzampolin/folio/internal/enhance"
	"github.com/jackzampolin/folio/internal/export"
	"github.com/jackzampolin/folio/internal/pages"
	"github.com/jackzampolin/folio/internal/svcctx"
)

// ResultResponse is the full result of a finished document.
type ResultResponse struct {
	pages.Response `yaml:",inline"`
	FileName       string          `json:"file_name"`
	Format         string          `json:"format"`
	PageStart      int             `json:"page_start"`
	PageEnd        int             `json:"page_end"`
	Enhancement    *enhance.Result `json:"enhancement,omitempty"`
}

func resultFor(doc *documents.Document) ResultResponse {
	return ResultResponse{
		Response:    doc.Tracker().Response(),
		FileName:    doc.FileName,
		Format:      string(doc.Format),
		PageStart:   doc.FirstPage,
		PageEnd:     doc.LastPage,
		Enhancement: doc.Enhancement(),
	}
}

// lookupDocument resolves the {id} path value, writing an error response
// when the document is unknown.
func lookupDocument(w http.ResponseWriter, r *http.Request) (*documents.Document, bool) {
	docs := svcctx.DocumentsFrom(r.Context())
	if docs == nil {
		writeError(w, http.StatusServiceUnavailable, "document manager not initialized")
		return nil, false
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "document id is required")
		return nil, false
	}
	doc, err := docs.Get(id)
	if err != nil {
		writeDocumentError(w, err)
		return nil, false
	}
	return doc, true
}

// ListDocumentsResponse is the response for listing documents.
type ListDocumentsResponse struct {
	Documents []documents.Info `json:"documents"`
	Active    int              `json:"active"`
}

// ListDocumentsEndpoint handles GET /api/v1/documents.
type ListDocumentsEndpoint struct{}

func (e *ListDocumentsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/documents", e.handler
}

func (e *ListDocumentsEndpoint) RequiresInit() bool { return true }

func (e *ListDocumentsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	docs := svcctx.DocumentsFrom(r.Context())
	if docs == nil {
		writeError(w, http.StatusServiceUnavailable, "document manager not initialized")
		return
	}
	list := docs.List()
	if list == nil {
		list = []documents.Info{}
	}
	writeJSON(w, http.StatusOK, ListDocumentsResponse{Documents: list, Active: docs.Active()})
}

func (e *ListDocumentsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List documents known to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListDocumentsResponse
			if err := client.Get(cmd.Context(), "/api/v1/documents", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// DocumentStatusResponse is a live view of a document's progress.
type DocumentStatusResponse struct {
	documents.Info `yaml:",inline"`
	Summary        pages.Summary `json:"summary"`
}

// DocumentStatusEndpoint handles GET /api/v1/documents/{id}/status.
type DocumentStatusEndpoint struct{}

func (e *DocumentStatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/documents/{id}/status", e.handler
}

func (e *DocumentStatusEndpoint) RequiresInit() bool { return true }

func (e *DocumentStatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	doc, ok := lookupDocument(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, DocumentStatusResponse{
		Info:    doc.Info(),
		Summary: doc.Tracker().Summary(),
	})
}

func (e *DocumentStatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <document-id>",
		Short: "Show live page progress for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp DocumentStatusResponse
			if err := client.Get(cmd.Context(), "/api/v1/documents/"+args[0]+"/status", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// DocumentResultEndpoint handles GET /api/v1/documents/{id}/result.
type DocumentResultEndpoint struct{}

func (e *DocumentResultEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/documents/{id}/result", e.handler
}

func (e *DocumentResultEndpoint) RequiresInit() bool { return true }

func (e *DocumentResultEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	doc, ok := lookupDocument(w, r)
	if !ok {
		return
	}
	if !doc.Finished() {
		writeError(w, http.StatusConflict, "document is still processing")
		return
	}
	writeJSON(w, http.StatusOK, resultFor(doc))
}

func (e *DocumentResultEndpoint) Command(getServerURL func() string) *cobra.Command {
	var textOnly bool
	cmd := &cobra.Command{
		Use:   "result <document-id>",
		Short: "Get the result of a finished document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ResultResponse
			if err := client.Get(cmd.Context(), "/api/v1/documents/"+args[0]+"/result", &resp); err != nil {
				return err
			}
			if textOnly {
				_, err := fmt.Fprintln(os.Stdout, resp.CombinedText)
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().BoolVar(&textOnly, "text", false, "Print only the combined text")
	return cmd
}

// PageTextResponse is the text of a page range.
type PageTextResponse struct {
	DocumentID string `json:"document_id"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Text       string `json:"text"`
}

// DocumentPagesEndpoint handles GET /api/v1/documents/{id}/pages.
type DocumentPagesEndpoint struct{}

func (e *DocumentPagesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/documents/{id}/pages", e.handler
}

func (e *DocumentPagesEndpoint) RequiresInit() bool { return true }

func (e *DocumentPagesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	doc, ok := lookupDocument(w, r)
	if !ok {
		return
	}
	start, end := doc.FirstPage, doc.LastPage
	for key, dst := range map[string]*int{"start": &start, "end": &end} {
		if v := r.URL.Query().Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, key+" must be a positive integer")
				return
			}
			*dst = n
		}
	}
	if start > end {
		writeError(w, http.StatusBadRequest, "start must not exceed end")
		return
	}
	text, ok := doc.Tracker().PageRangeText(start, end)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no text for pages %d-%d", start, end))
		return
	}
	writeJSON(w, http.StatusOK, PageTextResponse{DocumentID: doc.ID, Start: start, End: end, Text: text})
}

func (e *DocumentPagesEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "pages <document-id> [start] [end]",
		Short: "Get the text of a page range",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/documents/" + args[0] + "/pages"
			switch len(args) {
			case 2:
				path += "?start=" + args[1] + "&end=" + args[1]
			case 3:
				path += "?start=" + args[1] + "&end=" + args[2]
			}
			client := api.NewClient(getServerURL())
			var resp PageTextResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			_, err := fmt.Fprintln(os.Stdout, resp.Text)
			return err
		},
	}
}

// SavedExportResponse reports a workbook written on the server.
type SavedExportResponse struct {
	DocumentID string `json:"document_id"`
	Path       string `json:"path"`
	SizeBytes  int    `json:"size_bytes"`
}

// ExportDocumentEndpoint handles GET /api/v1/documents/{id}/export.xlsx.
type ExportDocumentEndpoint struct{}

func (e *ExportDocumentEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/documents/{id}/export.xlsx", e.handler
}

func (e *ExportDocumentEndpoint) RequiresInit() bool { return true }

func (e *ExportDocumentEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	doc, ok := lookupDocument(w, r)
	if !ok {
		return
	}
	if !doc.Finished() {
		writeError(w, http.StatusConflict, "document is still processing")
		return
	}
	data, err := export.XLSX(doc.Tracker().Response())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// save=true keeps a copy under the home exports directory.
	if r.URL.Query().Get("save") == "true" {
		h := svcctx.HomeFrom(r.Context())
		if h == nil {
			writeError(w, http.StatusServiceUnavailable, "home directory not configured")
			return
		}
		if err := h.EnsureExportsDir(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		path := h.ExportPath(doc.ID)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, SavedExportResponse{DocumentID: doc.ID, Path: path, SizeBytes: len(data)})
		return
	}

	w.Header().Set("Content-Type", export.XLSXContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.xlsx"`, doc.ID))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (e *ExportDocumentEndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		out    string
		remote bool
	)
	cmd := &cobra.Command{
		Use:   "export <document-id>",
		Short: "Download a document's results as an Excel workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			if remote {
				var resp SavedExportResponse
				if err := client.Get(cmd.Context(), "/api/v1/documents/"+args[0]+"/export.xlsx?save=true", &resp); err != nil {
					return err
				}
				return api.Output(resp)
			}
			if out == "" {
				out = args[0] + ".xlsx"
			}
			var buf bytes.Buffer
			if err := client.Download(cmd.Context(), "/api/v1/documents/"+args[0]+"/export.xlsx", &buf); err != nil {
				return err
			}
			if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", out, buf.Len())
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "file", "f", "", "Output path (default: <document-id>.xlsx)")
	cmd.Flags().BoolVar(&remote, "save-on-server", false, "Write the workbook to the server's exports directory instead")
	return cmd
}

// CancelDocumentEndpoint handles POST /api/v1/documents/{id}/cancel.
type CancelDocumentEndpoint struct{}

func (e *CancelDocumentEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/documents/{id}/cancel", e.handler
}

func (e *CancelDocumentEndpoint) RequiresInit() bool { return true }

func (e *CancelDocumentEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	doc, ok := lookupDocument(w, r)
	if !ok {
		return
	}
	if doc.Finished() {
		writeError(w, http.StatusConflict, "document already finished")
		return
	}
	doc.Cancel()
	writeJSON(w, http.StatusAccepted, doc.Info())
}

func (e *CancelDocumentEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <document-id>",
		Short: "Cancel a document that is still processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp documents.Info
			if err := client.Post(cmd.Context(), "/api/v1/documents/"+args[0]+"/cancel", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// DocumentEventsEndpoint handles GET /api/v1/documents/{id}/events.
// It streams a server-sent event per reported page and a final "done"
// event carrying the summary.
type DocumentEventsEndpoint struct{}

func (e *DocumentEventsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/documents/{id}/events", e.handler
}

func (e *DocumentEventsEndpoint) RequiresInit() bool { return true }

func (e *DocumentEventsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	doc, ok := lookupDocument(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	past, events, cancel := doc.Tracker().SubscribeWithHistory(0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(name string, v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, b)
		flusher.Flush()
	}

	for _, ev := range past {
		send("page", ev)
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			send("page", ev)
		case <-doc.Done():
			// Drain anything reported before completion.
		drain:
			for {
				select {
				case ev := <-events:
					send("page", ev)
				default:
					break drain
				}
			}
			send("done", doc.Tracker().Summary())
			return
		}
	}
}

func (e *DocumentEventsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <document-id>",
		Short: "Stream page events for a document until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Download(cmd.Context(), "/api/v1/documents/"+args[0]+"/events", os.Stdout)
		},
	}
}
