package objstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackzampolin/folio/internal/docsrc"
)

func newFetcher(t *testing.T, maxSize int64) *Fetcher {
	t.Helper()
	f, err := New(context.Background(), Config{MaxSize: maxSize})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func TestFetchHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/docs/scan.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			_, _ = w.Write([]byte("%PDF-1.4 body"))
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	f := newFetcher(t, 32)
	ctx := context.Background()

	obj, err := f.Fetch(ctx, server.URL+"/docs/scan.pdf")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if obj.Name != "scan.pdf" || obj.ContentType != "application/pdf" || string(obj.Data) != "%PDF-1.4 body" {
		t.Errorf("object = %+v", obj)
	}

	if _, err := f.Fetch(ctx, server.URL+"/big"); !errors.Is(err, docsrc.ErrTooLarge) {
		t.Errorf("expected ErrTooLarge, got %v", err)
	}
	if _, err := f.Fetch(ctx, server.URL+"/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.Fetch(ctx, server.URL+"/broken"); err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestFetchGCS(t *testing.T) {
	var gotBucket, gotObject string
	f := newFetcher(t, 1024).WithOpener(func(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
		gotBucket, gotObject = bucket, object
		if object == "missing.png" {
			return nil, ErrNotFound
		}
		return io.NopCloser(strings.NewReader("image-bytes")), nil
	})
	ctx := context.Background()

	obj, err := f.Fetch(ctx, "gs://scans/2024/page.png")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotBucket != "scans" || gotObject != "2024/page.png" {
		t.Errorf("opened %s/%s", gotBucket, gotObject)
	}
	if obj.Name != "page.png" || string(obj.Data) != "image-bytes" {
		t.Errorf("object = %+v", obj)
	}

	if _, err := f.Fetch(ctx, "gs://scans/missing.png"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.Fetch(ctx, "gs://scans"); err == nil {
		t.Error("expected error for URL without object")
	}
}

func TestFetchRejects(t *testing.T) {
	f := newFetcher(t, 0)
	ctx := context.Background()

	if _, err := f.Fetch(ctx, "gs://bucket/obj"); !errors.Is(err, ErrGCSDisabled) {
		t.Errorf("expected ErrGCSDisabled, got %v", err)
	}
	if _, err := f.Fetch(ctx, "ftp://host/file"); !errors.Is(err, ErrUnsupportedScheme) {
		t.Errorf("expected ErrUnsupportedScheme, got %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
