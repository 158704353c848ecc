package endpoints

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/jackzampolin/folio/internal/api"
)

func TestAll_RoutesRegister(t *testing.T) {
	reg := api.NewRegistry()
	for _, ep := range All() {
		reg.Register(ep)
	}
	// ServeMux panics on conflicting patterns.
	mux := http.NewServeMux()
	reg.RegisterRoutes(mux, func(h http.HandlerFunc) http.HandlerFunc { return h })

	seen := map[string]bool{}
	for _, ep := range All() {
		method, path, _ := ep.Route()
		key := method + " " + path
		if seen[key] {
			t.Errorf("duplicate route %s", key)
		}
		seen[key] = true
		if ep.Command(func() string { return "" }) == nil {
			t.Errorf("%s has no command", key)
		}
	}
}

func TestHandlers_WithoutServices(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		method  string
		target  string
	}{
		{"ocr", (&OCREndpoint{}).handler, "POST", "/api/v1/ocr"},
		{"documents", (&ListDocumentsEndpoint{}).handler, "GET", "/api/v1/documents"},
		{"history", (&ListHistoryEndpoint{}).handler, "GET", "/api/v1/history"},
		{"history stats", (&HistoryStatsEndpoint{}).handler, "GET", "/api/v1/history/stats"},
		{"ready", (&ReadyEndpoint{}).handler, "GET", "/ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(tt.method, tt.target, strings.NewReader("{}")))
			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", rec.Code)
			}
		})
	}
}

func TestStatus_Starting(t *testing.T) {
	rec := httptest.NewRecorder()
	(&StatusEndpoint{}).handler(rec, httptest.NewRequest("GET", "/status", nil))

	var resp StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Server != "starting" || resp.Provider != "" {
		t.Errorf("status = %+v", resp)
	}
}

func TestParseHistoryQuery(t *testing.T) {
	q, err := parseHistoryQuery(url.Values{
		"file_format": {"pdf"},
		"success":     {"false"},
		"after":       {"2026-01-02T03:04:05Z"},
		"limit":       {"5000"},
		"offset":      {"10"},
	})
	if err != nil {
		t.Fatalf("parseHistoryQuery() error = %v", err)
	}
	if q.FileFormat != "pdf" || q.Success == nil || *q.Success || q.After == nil || q.Before != nil {
		t.Errorf("query = %+v", q)
	}
	if q.Limit != 1000 || q.Offset != 10 {
		t.Errorf("limit/offset = %d/%d", q.Limit, q.Offset)
	}

	bad := []url.Values{
		{"success": {"sometimes"}},
		{"before": {"yesterday"}},
		{"limit": {"-1"}},
	}
	for _, v := range bad {
		if _, err := parseHistoryQuery(v); err == nil {
			t.Errorf("parseHistoryQuery(%v) should fail", v)
		}
	}
}

func TestValidate(t *testing.T) {
	ok := map[string]any{
		"source_url": "gs://bucket/scan.pdf",
		"page_start": float64(2),
		"options":    map[string]any{"parallel_workers": float64(4)},
	}
	if err := validate(ok); err != nil {
		t.Errorf("validate() error = %v", err)
	}

	tests := []struct {
		name string
		doc  map[string]any
		want string
	}{
		{"scheme", map[string]any{"source_url": "ftp://host/a.pdf"}, "/source_url"},
		{"page_start", map[string]any{"page_start": float64(0)}, "/page_start"},
		{"workers", map[string]any{"options": map[string]any{"parallel_workers": float64(64)}}, "/options/parallel_workers"},
		{"unknown", map[string]any{"language": "en"}, "language"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validate(tt.doc)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}
