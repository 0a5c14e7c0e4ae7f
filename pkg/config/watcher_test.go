package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSettingsFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "polystore.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestNewWatcherRequiresCallback(t *testing.T) {
	if _, err := NewWatcher("polystore.yaml", nil, nil); err == nil {
		t.Error("expected error for nil callback")
	}
}

func TestWatcherReloadDeliversParsedSettings(t *testing.T) {
	path := writeSettingsFile(t, t.TempDir(), `
service:
  name: reloaded
databases:
  - name: primary
    type: memory
`)

	var got *Settings
	w, err := NewWatcher(path, func(s *Settings) { got = s }, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	w.reload()
	if got == nil {
		t.Fatal("reload did not invoke the callback")
	}
	if got.Service.Name != "reloaded" {
		t.Errorf("Service.Name = %s, want reloaded", got.Service.Name)
	}
	// Defaults still apply to fields the file omits.
	if got.Logging.Level != "info" {
		t.Errorf("Logging.Level = %s, want info", got.Logging.Level)
	}
}

func TestWatcherReloadKeepsPreviousSettingsOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeSettingsFile(t, dir, `
service:
  name: first
databases:
  - name: primary
    type: memory
`)

	calls := 0
	w, err := NewWatcher(path, func(*Settings) { calls++ }, nil)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Close()

	w.reload()
	if calls != 1 {
		t.Fatalf("callback calls = %d, want 1", calls)
	}

	// Broken YAML must not reach the callback.
	writeSettingsFile(t, dir, "service: [broken")
	w.reload()
	if calls != 1 {
		t.Errorf("callback called with invalid settings, calls = %d", calls)
	}

	// A file that parses but fails validation is also rejected.
	writeSettingsFile(t, dir, `
service:
  name: second
databases:
  - name: primary
    type: cassandra
`)
	w.reload()
	if calls != 1 {
		t.Errorf("callback called with settings failing validation, calls = %d", calls)
	}
}
