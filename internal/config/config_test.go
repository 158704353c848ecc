package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configFile
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	huawei, ok := cfg.OCR.Providers[cfg.OCR.Provider]
	if !ok {
		t.Fatalf("default provider %q not configured", cfg.OCR.Provider)
	}
	if huawei.AccessKey != "${HUAWEI_ACCESS_KEY}" {
		t.Errorf("expected access key placeholder, got %q", huawei.AccessKey)
	}
	if cfg.History.Retention() != 7*24*time.Hour {
		t.Errorf("retention = %v", cfg.History.Retention())
	}
	if cfg.Processing.MaxFileSize() != 10*1024*1024 {
		t.Errorf("max file size = %d", cfg.Processing.MaxFileSize())
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		t.Setenv("TEST_API_KEY", "secret123")

		result := ResolveEnvVars("${TEST_API_KEY}")
		if result != "secret123" {
			t.Errorf("expected secret123, got %s", result)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		result := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}")
		if result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		result := ResolveEnvVars("literal-value")
		if result != "literal-value" {
			t.Errorf("expected literal-value, got %s", result)
		}
	})

	t.Run("expands inside a larger string", func(t *testing.T) {
		t.Setenv("TEST_REGION", "cn-north-4")
		result := ResolveEnvVars("https://ocr.${TEST_REGION}.example.com")
		if result != "https://ocr.cn-north-4.example.com" {
			t.Errorf("unexpected expansion: %s", result)
		}
	})
}

func TestConfig_ToProviderRegistryConfig(t *testing.T) {
	t.Setenv("TEST_HW_AK", "ak-123")

	cfg := DefaultConfig()
	hw := cfg.OCR.Providers["huawei"]
	hw.AccessKey = "${TEST_HW_AK}"
	hw.SecretKey = "literal-sk"
	cfg.OCR.Providers["huawei"] = hw

	rc := cfg.ToProviderRegistryConfig()
	got := rc.OCRProviders["huawei"]
	if got.AccessKey != "ak-123" || got.SecretKey != "literal-sk" {
		t.Errorf("credentials not resolved: %+v", got)
	}
	if got.Timeout != 30*time.Second || got.RateLimit != 10 {
		t.Errorf("limits = %v, %v", got.Timeout, got.RateLimit)
	}
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		configFile := writeConfig(t, `
server:
  port: "9090"
processing:
  parallel_workers: 8
ocr:
  provider: local
  providers:
    local:
      type: mock
      enabled: true
`)

		mgr, err := NewManager(configFile)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}

		cfg := mgr.Get()
		if cfg.Server.Port != "9090" {
			t.Errorf("expected port 9090, got %s", cfg.Server.Port)
		}
		if cfg.Server.Host != "127.0.0.1" {
			t.Errorf("expected default host, got %s", cfg.Server.Host)
		}
		if cfg.Processing.ParallelWorkers != 8 {
			t.Errorf("expected 8 workers, got %d", cfg.Processing.ParallelWorkers)
		}
		if cfg.Processing.MaxRetriesPerPage != 3 {
			t.Errorf("expected default retries, got %d", cfg.Processing.MaxRetriesPerPage)
		}
		if cfg.OCR.Providers["local"].Type != "mock" {
			t.Errorf("providers = %+v", cfg.OCR.Providers)
		}
	})

	t.Run("missing explicit file uses defaults", func(t *testing.T) {
		mgr, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		if mgr.Get().Server.Port != "8080" {
			t.Errorf("expected default port, got %s", mgr.Get().Server.Port)
		}
	})

	t.Run("environment overrides nested keys", func(t *testing.T) {
		t.Setenv("FOLIO_SERVER_PORT", "7000")
		t.Setenv("FOLIO_PROCESSING_CONTINUE_ON_ERROR", "false")

		mgr, err := NewManager(writeConfig(t, "log:\n  level: debug\n"))
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}
		cfg := mgr.Get()
		if cfg.Server.Port != "7000" {
			t.Errorf("expected env port 7000, got %s", cfg.Server.Port)
		}
		if cfg.Processing.ContinueOnError {
			t.Error("expected continue_on_error overridden to false")
		}
		if cfg.Log.Level != "debug" {
			t.Errorf("expected debug, got %s", cfg.Log.Level)
		}
	})

	t.Run("rejects invalid values", func(t *testing.T) {
		_, err := NewManager(writeConfig(t, `
processing:
  parallel_workers: 0
log:
  format: xml
`))
		if err == nil {
			t.Fatal("expected validation error")
		}
		for _, want := range []string{"parallel_workers", "log.format"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error %q does not mention %s", err, want)
			}
		}
	})
}

func TestManager_OnChange_Multiple(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "server:\n  port: \"8081\"\n"))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 3 {
		t.Errorf("expected 3 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}

func TestManager_Get_ThreadSafe(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "server:\n  port: \"8081\"\n"))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				_ = mgr.Get().Server.Port
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestManager_WatchConfig(t *testing.T) {
	configFile := writeConfig(t, "processing:\n  parallel_workers: 2\n")

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	if got := mgr.Get().Processing.ParallelWorkers; got != 2 {
		t.Fatalf("initial workers = %d", got)
	}

	var callbackCount atomic.Int32
	var lastValue atomic.Int64
	mgr.OnChange(func(cfg *Config) {
		callbackCount.Add(1)
		lastValue.Store(int64(cfg.Processing.ParallelWorkers))
	})

	mgr.WatchConfig()

	// Give fsnotify time to set up the watcher
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(configFile, []byte("processing:\n  parallel_workers: 6\n"), 0644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lastValue.Load() == 6 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if callbackCount.Load() == 0 {
		t.Fatal("callback was not invoked after config file change")
	}
	if got := mgr.Get().Processing.ParallelWorkers; got != 6 {
		t.Errorf("config not updated: expected 6 workers, got %d", got)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	cfg := mgr.Get()
	if cfg.OCR.Provider != "huawei" || cfg.History.RetentionDays != 7 {
		t.Errorf("round-tripped config = %+v", cfg)
	}
	if cfg.OCR.Providers["huawei"].AccessKey != "${HUAWEI_ACCESS_KEY}" {
		t.Error("expected placeholders to be written unresolved")
	}
}
