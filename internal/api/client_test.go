package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok"}`))
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Write(body)
		case "/upload":
			f, hdr, err := r.FormFile("file")
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"no file"}`))
				return
			}
			data, _ := io.ReadAll(f)
			json.NewEncoder(w).Encode(map[string]string{
				"name":  hdr.Filename,
				"data":  string(data),
				"async": r.FormValue("async"),
			})
		case "/raw":
			w.Write([]byte("binary"))
		case "/conflict":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"still processing"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("plain failure"))
		}
	}))
	defer server.Close()

	c := NewClient(server.URL)
	ctx := context.Background()

	t.Run("get", func(t *testing.T) {
		var out map[string]string
		if err := c.Get(ctx, "/ok", &out); err != nil || out["status"] != "ok" {
			t.Errorf("Get() = %v, %v", out, err)
		}
	})

	t.Run("post", func(t *testing.T) {
		var out map[string]int
		if err := c.Post(ctx, "/echo", map[string]int{"n": 3}, &out); err != nil || out["n"] != 3 {
			t.Errorf("Post() = %v, %v", out, err)
		}
	})

	t.Run("post file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "scan.png")
		os.WriteFile(path, []byte("pixels"), 0o644)

		var out map[string]string
		err := c.PostFile(ctx, "/upload", path, map[string]string{"async": "true"}, &out)
		if err != nil {
			t.Fatalf("PostFile() error = %v", err)
		}
		if out["name"] != "scan.png" || out["data"] != "pixels" || out["async"] != "true" {
			t.Errorf("upload = %v", out)
		}
	})

	t.Run("download", func(t *testing.T) {
		var buf bytes.Buffer
		if err := c.Download(ctx, "/raw", &buf); err != nil || buf.String() != "binary" {
			t.Errorf("Download() = %q, %v", buf.String(), err)
		}
	})

	t.Run("json error", func(t *testing.T) {
		err := c.Get(ctx, "/conflict", nil)
		if err == nil || !strings.Contains(err.Error(), "(409): still processing") {
			t.Errorf("expected conflict error, got %v", err)
		}
	})

	t.Run("plain error", func(t *testing.T) {
		err := c.Download(ctx, "/boom", io.Discard)
		if err == nil || !strings.Contains(err.Error(), "plain failure") {
			t.Errorf("expected plain error, got %v", err)
		}
	})
}

func TestOutputTo(t *testing.T) {
	data := map[string]any{"status": "success", "pages": 3}

	var js bytes.Buffer
	if err := OutputTo(&js, OutputFormatJSON, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(js.String(), `"pages": 3`) {
		t.Errorf("json = %s", js.String())
	}

	var ym bytes.Buffer
	if err := OutputTo(&ym, OutputFormatYAML, data); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(ym.String(), "status: success") {
		t.Errorf("yaml = %s", ym.String())
	}

	if err := OutputTo(io.Discard, OutputFormat("xml"), data); err == nil {
		t.Error("expected error for unknown format")
	}
}
