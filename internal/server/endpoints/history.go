package endpoints

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/api"
	"github.com/jackzampolin/folio/internal/history"
	"github.com/jackzampolin/folio/internal/svcctx"
)

const historyDisabled = "processing history is disabled"

// HistoryRecord is a stored record plus its remaining lifetime.
type HistoryRecord struct {
	history.Record  `yaml:",inline"`
	DaysUntilExpiry float64 `json:"days_until_expiry"`
}

func withExpiry(r history.Record, now time.Time) HistoryRecord {
	return HistoryRecord{Record: r, DaysUntilExpiry: r.DaysUntilExpiry(now)}
}

// ListHistoryResponse is the response for listing history.
type ListHistoryResponse struct {
	Records []HistoryRecord `json:"records"`
	Count   int             `json:"count"`
}

// ListHistoryEndpoint handles GET /api/v1/history.
type ListHistoryEndpoint struct{}

func (e *ListHistoryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/history", e.handler
}

func (e *ListHistoryEndpoint) RequiresInit() bool { return true }

func (e *ListHistoryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.HistoryFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, historyDisabled)
		return
	}

	q, err := parseHistoryQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := store.List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	resp := ListHistoryResponse{Records: make([]HistoryRecord, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, withExpiry(rec, now))
	}
	resp.Count = len(resp.Records)
	writeJSON(w, http.StatusOK, resp)
}

func parseHistoryQuery(v url.Values) (history.Query, error) {
	q := history.Query{
		DocumentID: v.Get("document_id"),
		FileFormat: v.Get("file_format"),
	}
	if s := v.Get("success"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return q, errors.New("success must be a boolean")
		}
		q.Success = &b
	}
	for key, dst := range map[string]**time.Time{"after": &q.After, "before": &q.Before} {
		if s := v.Get(key); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return q, errors.New(key + " must be an RFC 3339 timestamp")
			}
			*dst = &t
		}
	}
	for key, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		if s := v.Get(key); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				return q, errors.New(key + " must be a non-negative integer")
			}
			*dst = n
		}
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	q.IncludeExpired = v.Get("include_expired") == "true"
	return q, nil
}

func (e *ListHistoryEndpoint) Command(getServerURL func() string) *cobra.Command {
	var (
		format, success string
		limit           int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processing history",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if format != "" {
				params.Set("file_format", format)
			}
			if success != "" {
				params.Set("success", success)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/v1/history"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}
			client := api.NewClient(getServerURL())
			var resp ListHistoryResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "Filter by file format (pdf, png, jpeg, ...)")
	cmd.Flags().StringVar(&success, "success", "", "Filter by outcome (true or false)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records to return")
	return cmd
}

// GetHistoryEndpoint handles GET /api/v1/history/{document_id}.
type GetHistoryEndpoint struct{}

func (e *GetHistoryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/history/{document_id}", e.handler
}

func (e *GetHistoryEndpoint) RequiresInit() bool { return true }

func (e *GetHistoryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.HistoryFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, historyDisabled)
		return
	}
	rec, err := store.GetByDocument(r.Context(), r.PathValue("document_id"))
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, withExpiry(*rec, time.Now()))
}

func (e *GetHistoryEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <document-id>",
		Short: "Get the history record of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HistoryRecord
			if err := client.Get(cmd.Context(), "/api/v1/history/"+args[0], &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// CleanupHistoryResponse reports how many expired records were removed.
type CleanupHistoryResponse struct {
	Deleted int64 `json:"deleted"`
}

// CleanupHistoryEndpoint handles POST /api/v1/history/cleanup.
type CleanupHistoryEndpoint struct{}

func (e *CleanupHistoryEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/v1/history/cleanup", e.handler
}

func (e *CleanupHistoryEndpoint) RequiresInit() bool { return true }

func (e *CleanupHistoryEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.HistoryFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, historyDisabled)
		return
	}
	n, err := store.Cleanup(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, CleanupHistoryResponse{Deleted: n})
}

func (e *CleanupHistoryEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired history records",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp CleanupHistoryResponse
			if err := client.Post(cmd.Context(), "/api/v1/history/cleanup", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// HistoryStatsEndpoint handles GET /api/v1/history/stats.
type HistoryStatsEndpoint struct{}

func (e *HistoryStatsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/v1/history/stats", e.handler
}

func (e *HistoryStatsEndpoint) RequiresInit() bool { return true }

func (e *HistoryStatsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	store := svcctx.HistoryFrom(r.Context())
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, historyDisabled)
		return
	}
	stats, err := store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (e *HistoryStatsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show processing history statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp history.Stats
			if err := client.Get(cmd.Context(), "/api/v1/history/stats", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
