package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("with explicit path", func(t *testing.T) {
		dir, err := New("/tmp/test-folio")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dir.Path() != "/tmp/test-folio" {
			t.Errorf("expected path /tmp/test-folio, got %s", dir.Path())
		}
	})

	t.Run("with empty path uses default", func(t *testing.T) {
		dir, err := New("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, DefaultDirName)
		if dir.Path() != expected {
			t.Errorf("expected path %s, got %s", expected, dir.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	dir, _ := New("/tmp/test-folio")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"DataPath", dir.DataPath(), "/tmp/test-folio/data"},
		{"ConfigPath", dir.ConfigPath(), "/tmp/test-folio/config.yaml"},
		{"HistoryPath", dir.HistoryPath(), "/tmp/test-folio/data/history.db"},
		{"ExportPath", dir.ExportPath("doc-1"), "/tmp/test-folio/exports/doc-1.xlsx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, tt.got)
			}
		})
	}
}

func TestDir_EnsureExists(t *testing.T) {
	tmpDir := t.TempDir()
	folioDir := filepath.Join(tmpDir, "folio-test")

	dir, err := New(folioDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dir.Exists() {
		t.Error("expected directory to not exist initially")
	}
	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dir.Exists() {
		t.Error("expected directory to exist after EnsureExists")
	}
	if _, err := os.Stat(dir.DataPath()); err != nil {
		t.Errorf("expected data directory to exist: %v", err)
	}
	if dir.ConfigExists() {
		t.Error("expected no config file yet")
	}

	if err := dir.EnsureExportsDir(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(dir.ExportsDir()); err != nil {
		t.Errorf("expected exports directory to exist: %v", err)
	}
}
