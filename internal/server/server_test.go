package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackzampolin/folio/internal/config"
	"github.com/jackzampolin/folio/internal/home"
	"github.com/jackzampolin/folio/internal/server/endpoints"
	"github.com/jackzampolin/folio/internal/testutil"
)

const mockConfig = `
ocr:
  provider: mock
  providers:
    mock:
      type: mock
      enabled: true
      rate_limit: 1000
processing:
  parallel_workers: 2
  retry_delay_ms: 1
`

type testServer struct {
	srv     *Server
	cfg     testutil.ServerConfig
	starter *testutil.StartServer
}

// startTestServer starts a server backed by the mock OCR provider. extra is
// appended to the config file.
func startTestServer(t *testing.T, extra string) *testServer {
	t.Helper()
	cfg := testutil.NewServerConfig(t)

	if err := os.WriteFile(cfg.ConfigFile, []byte(mockConfig+extra), 0o644); err != nil {
		t.Fatal(err)
	}
	mgr, err := config.NewManager(cfg.ConfigFile)
	if err != nil {
		t.Fatalf("config.NewManager() error = %v", err)
	}
	h, err := home.New(cfg.DataDir)
	if err != nil {
		t.Fatal(err)
	}

	srv, err := New(Config{
		Host:          cfg.Host,
		Port:          cfg.Port,
		Home:          h,
		ConfigManager: mgr,
		Logger:        cfg.Logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Start(ctx)
	}()
	starter := &testutil.StartServer{Cancel: cancel, Done: done}
	t.Cleanup(starter.Stop)

	if err := testutil.WaitForServer(cfg.URL(), 10*time.Second); err != nil {
		t.Fatalf("server did not start: %v", err)
	}
	return &testServer{srv: srv, cfg: cfg, starter: starter}
}

func TestServer_FullLifecycle(t *testing.T) {
	ts := startTestServer(t, "")
	baseURL := ts.cfg.URL()

	t.Run("health_endpoint", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/health")
		if err != nil {
			t.Fatalf("health check failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("ready_endpoint", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/ready")
		if err != nil {
			t.Fatalf("ready check failed: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("ready status = %d, want %d", resp.StatusCode, http.StatusOK)
		}

		var ready endpoints.HealthResponse
		if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if ready.Status != "ok" {
			t.Errorf("ready.Status = %q, want %q", ready.Status, "ok")
		}
	})

	t.Run("status_endpoint", func(t *testing.T) {
		status, err := testutil.GetStatus(baseURL)
		if err != nil {
			t.Fatalf("GetStatus() error = %v", err)
		}
		if status.Provider != "mock" {
			t.Errorf("provider = %q, want mock", status.Provider)
		}
		if !status.History {
			t.Error("expected history to be enabled by default")
		}
	})

	t.Run("history_database_created", func(t *testing.T) {
		path := filepath.Join(ts.cfg.DataDir, home.DataDirName, home.HistoryDBName)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("history database missing: %v", err)
		}
	})

	t.Run("is_running", func(t *testing.T) {
		if !ts.srv.IsRunning() {
			t.Error("IsRunning() = false, want true")
		}
	})

	ts.starter.Stop()

	t.Run("not_running_after_shutdown", func(t *testing.T) {
		if ts.srv.IsRunning() {
			t.Error("IsRunning() = true after shutdown, want false")
		}
	})
}

// TestServer_ContextCancellation tests that the server properly handles context cancellation.
func TestServer_ContextCancellation(t *testing.T) {
	cfg := testutil.NewServerConfig(t)
	os.WriteFile(cfg.ConfigFile, []byte(mockConfig), 0o644)
	mgr, err := config.NewManager(cfg.ConfigFile)
	if err != nil {
		t.Fatal(err)
	}
	h, _ := home.New(cfg.DataDir)

	srv, err := New(Config{Host: cfg.Host, Port: cfg.Port, Home: h, ConfigManager: mgr, Logger: cfg.Logger})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start(ctx)
	}()

	if err := testutil.WaitForServer(cfg.URL(), 10*time.Second); err != nil {
		cancel()
		t.Fatalf("server did not start: %v", err)
	}

	cancel()

	if err := testutil.WaitForShutdown(serverErr, 30*time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := http.Get(cfg.URL() + "/health"); err == nil {
		t.Error("server still answering after cancellation")
	}
}

// TestServer_DoubleStart tests that starting a running server returns an error.
func TestServer_DoubleStart(t *testing.T) {
	ts := startTestServer(t, "")

	if err := ts.srv.Start(context.Background()); err == nil {
		t.Error("second Start() should return error")
	}
}

func TestServer_UnavailableProvider(t *testing.T) {
	cfg := testutil.NewServerConfig(t)
	// huawei without credentials is never registered.
	os.WriteFile(cfg.ConfigFile, []byte("ocr:\n  provider: huawei\n"), 0o644)
	t.Setenv("HUAWEI_ACCESS_KEY", "")
	mgr, err := config.NewManager(cfg.ConfigFile)
	if err != nil {
		t.Fatal(err)
	}
	h, _ := home.New(cfg.DataDir)

	srv, err := New(Config{Host: cfg.Host, Port: cfg.Port, Home: h, ConfigManager: mgr, Logger: cfg.Logger})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Start(ctx); err == nil {
		t.Fatal("Start() should fail without a usable provider")
	}
	if srv.IsRunning() {
		t.Error("IsRunning() = true after failed start")
	}
}

func TestServer_HistoryDisabled(t *testing.T) {
	ts := startTestServer(t, "history:\n  enabled: false\n")

	resp, err := http.Get(ts.cfg.URL() + "/api/v1/history")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
	if ts.srv.History() != nil {
		t.Error("History() should be nil when disabled")
	}
}

func TestNew_RequiresConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without a config manager should fail")
	}
}
