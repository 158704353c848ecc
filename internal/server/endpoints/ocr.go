package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/docsrc"
	"github.com/jackzampolin/folio/internal/documents"
	"github.com/jackzampolin/folio/internal/history"
	"github.com/jackzampolin/folio/internal/objstore"
	"github.com/jackzampolin/folio/internal/svcctx"
)

const defaultMaxUpload = 50 << 20

// OCRRequest is the JSON body of POST /api/v1/ocr.
type OCRRequest struct {
	SourceURL string             `json:"source_url"`
	PageStart int                `json:"page_start,omitempty"`
	PageEnd   int                `json:"page_end,omitempty"`
	Async     bool               `json:"async,omitempty"`
	Enhance   bool               `json:"enhance,omitempty"`
	Options   *ProcessingOptions `json:"options,omitempty"`
}

// ProcessingOptions override the server's processing defaults.
type ProcessingOptions struct {
	ContinueOnError   *bool `json:"continue_on_error,omitempty"`
	MaxRetriesPerPage *int  `json:"max_retries_per_page,omitempty"`
	ParallelWorkers   *int  `json:"parallel_workers,omitempty"`
	TimeoutPerPage    *int  `json:"timeout_per_page,omitempty"` // seconds
}

const ocrRequestSchema = `{
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"source_url": {"type": "string", "pattern": "^(gs|https?)://"},
		"page_start": {"type": "integer", "minimum": 1},
		"page_end": {"type": "integer", "minimum": 1},
		"async": {"type": "boolean"},
		"enhance": {"type": "boolean"},
		"options": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"continue_on_error": {"type": "boolean"},
				"max_retries_per_page": {"type": "integer", "minimum": 0, "maximum": 10},
				"parallel_workers": {"type": "integer", "minimum": 1, "maximum": 32},
				"timeout_per_page": {"type": "integer", "minimum": 1, "maximum": 600}
			}
		}
	}
}`

var ocrSchema = jsonschema.MustCompileString("ocr_request.json", ocrRequestSchema)

// SubmitResponse is returned for asynchronous submissions.
type SubmitResponse struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	TotalPages int    `json:"total_pages"`
	StatusURL  string `json:"status_url"`
	ResultURL  string `json:"result_url"`
}

// OCREndpoint handles POST /api/v1/ocr.
type OCREndpoint struct{}

var _ api.Endpoint = (*OCREndpoint)(nil)

func (e *OCREndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/ocr", e.handler
}

func (e *OCREndpoint) RequiresInit() bool { return true }

// handler accepts a multipart upload (field "file") or a JSON body naming
// a source_url. Synchronous requests wait for the result; async ones return
// 202 with the document's status and result URLs.
func (e *OCREndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docs := svcctx.DocumentsFrom(ctx)
	if docs == nil {
		writeError(w, http.StatusServiceUnavailable, "document manager not initialized")
		return
	}

	maxUpload := int64(defaultMaxUpload)
	if cfg := svcctx.ConfigFrom(ctx); cfg != nil && cfg.Server.MaxUploadMB > 0 {
		maxUpload = int64(cfg.Server.MaxUploadMB) << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)

	var (
		req  OCRRequest
		dreq documents.Request
		err  error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		req, dreq, err = parseMultipart(r)
	} else {
		req, err = parseJSON(r)
		if err == nil {
			dreq, err = fetchSource(r, req.SourceURL)
		}
	}
	if err != nil {
		if logger := svcctx.LoggerFrom(ctx); logger != nil {
			logger.Warn("rejected OCR request", "error", err)
		}
		writeDocumentError(w, err)
		return
	}

	dreq.PageStart = req.PageStart
	dreq.PageEnd = req.PageEnd
	dreq.Enhance = req.Enhance
	if o := req.Options; o != nil {
		dreq.ContinueOnError = o.ContinueOnError
		dreq.MaxRetriesPerPage = o.MaxRetriesPerPage
		dreq.ParallelWorkers = o.ParallelWorkers
		if o.TimeoutPerPage != nil {
			d := time.Duration(*o.TimeoutPerPage) * time.Second
			dreq.TimeoutPerPage = &d
		}
	}

	if req.Async {
		doc, err := docs.Submit(dreq)
		if err != nil {
			writeDocumentError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, SubmitResponse{
			DocumentID: doc.ID,
			Status:     string(doc.Tracker().Status()),
			TotalPages: doc.Tracker().Config().TotalPages,
			StatusURL:  "/api/v1/documents/" + doc.ID + "/status",
			ResultURL:  "/api/v1/documents/" + doc.ID + "/result",
		})
		return
	}

	// Whole documents can outlast the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	doc, err := docs.Process(ctx, dreq)
	if err != nil {
		if doc == nil {
			writeDocumentError(w, err)
			return
		}
		// Client went away; the partial result is still recorded.
		writeError(w, http.StatusRequestTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resultFor(doc))
}

func parseJSON(r *http.Request) (OCRRequest, error) {
	var req OCRRequest
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return req, badRequest("failed to read body: %v", err)
	}
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return req, badRequest("invalid JSON: %v", err)
	}
	if err := validate(raw); err != nil {
		return req, err
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, badRequest("invalid request: %v", err)
	}
	if req.SourceURL == "" {
		return req, badRequest("source_url is required for JSON requests; upload a file with multipart/form-data instead")
	}
	return req, nil
}

func parseMultipart(r *http.Request) (OCRRequest, documents.Request, error) {
	var (
		req  OCRRequest
		dreq documents.Request
	)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return req, dreq, fmt.Errorf("%w: upload exceeds %d bytes", docsrc.ErrTooLarge, tooLarge.Limit)
		}
		return req, dreq, badRequest("failed to parse form: %v", err)
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		return req, dreq, badRequest("no file uploaded")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return req, dreq, badRequest("failed to read upload: %v", err)
	}

	// Form values are strings; convert them so one schema covers both
	// request styles.
	raw := map[string]any{}
	options := map[string]any{}
	ints := map[string]map[string]any{
		"page_start": raw, "page_end": raw,
		"max_retries_per_page": options, "parallel_workers": options, "timeout_per_page": options,
	}
	bools := map[string]map[string]any{
		"async": raw, "enhance": raw, "continue_on_error": options,
	}
	for key, dst := range ints {
		if v := r.FormValue(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return req, dreq, badRequest("%s must be an integer", key)
			}
			dst[key] = float64(n)
		}
	}
	for key, dst := range bools {
		if v := r.FormValue(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return req, dreq, badRequest("%s must be a boolean", key)
			}
			dst[key] = b
		}
	}
	if len(options) > 0 {
		raw["options"] = options
	}
	if err := validate(raw); err != nil {
		return req, dreq, err
	}

	// Round-trip through JSON to fill the typed request.
	b, _ := json.Marshal(raw)
	if err := json.Unmarshal(b, &req); err != nil {
		return req, dreq, badRequest("invalid request: %v", err)
	}

	dreq.Data = data
	dreq.FileName = header.Filename
	dreq.SourceType = history.SourceFile
	return req, dreq, nil
}

func fetchSource(r *http.Request, sourceURL string) (documents.Request, error) {
	fetcher := svcctx.FetcherFrom(r.Context())
	if fetcher == nil {
		return documents.Request{}, errors.New("source downloads are not configured")
	}
	obj, err := fetcher.Fetch(r.Context(), sourceURL)
	if err != nil {
		return documents.Request{}, err
	}
	return documents.Request{
		Data:       obj.Data,
		FileName:   obj.Name,
		SourceType: history.SourceURL,
	}, nil
}

func validate(doc any) error {
	if err := ocrSchema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return badRequest("invalid request: %s", describe(verr))
		}
		return badRequest("invalid request: %v", err)
	}
	return nil
}

// describe flattens the innermost validation causes into one line.
func describe(verr *jsonschema.ValidationError) string {
	if len(verr.Causes) == 0 {
		loc := verr.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + verr.Message
	}
	parts := make([]string, 0, len(verr.Causes))
	for _, c := range verr.Causes {
		parts = append(parts, describe(c))
	}
	return strings.Join(parts, "; ")
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// writeDocumentError maps submission errors to HTTP statuses.
func writeDocumentError(w http.ResponseWriter, err error) {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, docsrc.ErrTooLarge), errors.Is(err, documents.ErrTooManyPages):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, docsrc.ErrUnsupportedFormat):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, docsrc.ErrCorrupted):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, documents.ErrInvalidRange),
		errors.Is(err, objstore.ErrUnsupportedScheme),
		errors.Is(err, objstore.ErrGCSDisabled):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, objstore.ErrNotFound), errors.Is(err, documents.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, documents.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (e *OCREndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		sourceURL   string
		async       bool
		enhance     bool
		start, end  int
		workers     int
		retries     int
		timeout     int
		stopOnError bool
	)
	cmd := &cobra.Command{
		Use:   "ocr [file]",
		Short: "Run OCR on a local file or a remote document",
		Long: `Upload a document to the server for OCR, or pass --url to have the
server download it (gs:// or http(s)://).

Without --async the command waits for the result.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (sourceURL == "") {
				return fmt.Errorf("pass either a file or --url")
			}
			client := api.NewClient(getServerURL())
			flags := cmd.Flags()

			var result any = &ResultResponse{}
			if async {
				result = &SubmitResponse{}
			}

			if sourceURL != "" {
				req := OCRRequest{SourceURL: sourceURL, PageStart: start, PageEnd: end, Async: async, Enhance: enhance}
				opts := &ProcessingOptions{}
				if flags.Changed("workers") {
					opts.ParallelWorkers = &workers
				}
				if flags.Changed("retries") {
					opts.MaxRetriesPerPage = &retries
				}
				if flags.Changed("timeout") {
					opts.TimeoutPerPage = &timeout
				}
				if stopOnError {
					cont := false
					opts.ContinueOnError = &cont
				}
				if *opts != (ProcessingOptions{}) {
					req.Options = opts
				}
				if err := client.Post(cmd.Context(), "/api/v1/ocr", req, result); err != nil {
					return err
				}
				return api.Output(result)
			}

			fields := map[string]string{
				"async":   strconv.FormatBool(async),
				"enhance": strconv.FormatBool(enhance),
			}
			if start > 0 {
				fields["page_start"] = strconv.Itoa(start)
			}
			if end > 0 {
				fields["page_end"] = strconv.Itoa(end)
			}
			if flags.Changed("workers") {
				fields["parallel_workers"] = strconv.Itoa(workers)
			}
			if flags.Changed("retries") {
				fields["max_retries_per_page"] = strconv.Itoa(retries)
			}
			if flags.Changed("timeout") {
				fields["timeout_per_page"] = strconv.Itoa(timeout)
			}
			if stopOnError {
				fields["continue_on_error"] = "false"
			}
			if err := client.PostFile(cmd.Context(), "/api/v1/ocr", args[0], fields, result); err != nil {
				return err
			}
			return api.Output(result)
		},
	}
	cmd.Flags().StringVar(&sourceURL, "url", "", "Remote document URL (gs://bucket/object or http(s)://...)")
	cmd.Flags().BoolVar(&async, "async", false, "Return immediately with a document id")
	cmd.Flags().BoolVar(&enhance, "enhance", false, "Post-process text with the configured LLM")
	cmd.Flags().IntVar(&start, "start", 0, "First page (1-based)")
	cmd.Flags().IntVar(&end, "end", 0, "Last page (inclusive)")
	cmd.Flags().IntVar(&workers, "workers", 0, "Parallel page workers")
	cmd.Flags().IntVar(&retries, "retries", 0, "Max retries per page")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "Per-page timeout in seconds")
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "Stop dispatching pages after the first failure")
	return cmd
}
