package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/voxmirror/voxmirror/internal/config"
)

const watcherYAMLv1 = `
server:
  listen_addr: ":8080"
  log_level: info
glossary:
  - Markus
`

const watcherYAMLv2 = `
server:
  listen_addr: ":8080"
  log_level: debug
glossary:
  - Markus
  - Captain Reyes
`

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxmirror.yaml")
	writeConfigFile(t, path, watcherYAMLv1)

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("log_level = %q, want info", got)
	}
}

func TestWatcher_InitialLoadFailsOnInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxmirror.yaml")
	writeConfigFile(t, path, "server:\n  log_level: banana\n")

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("expected initial load to fail on invalid config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxmirror.yaml")
	writeConfigFile(t, path, watcherYAMLv1)

	var (
		mu      sync.Mutex
		got     config.ChangeSet
		changed = make(chan struct{}, 1)
	)
	w, err := config.NewWatcher(path, func(_, _ *config.Config, c config.ChangeSet) {
		mu.Lock()
		got = c
		mu.Unlock()
		select {
		case changed <- struct{}{}:
		default:
		}
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	// Backdate the mtime comparison by rewriting with different content.
	time.Sleep(20 * time.Millisecond)
	writeConfigFile(t, path, watcherYAMLv2)

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("change never detected")
	}

	mu.Lock()
	defer mu.Unlock()
	if !got.LogLevelChanged || got.NewLogLevel != config.LogDebug {
		t.Errorf("change set = %+v", got)
	}
	if !got.GlossaryChanged {
		t.Error("glossary change not detected")
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() not updated: %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_KeepsOldConfigOnInvalidEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxmirror.yaml")
	writeConfigFile(t, path, watcherYAMLv1)

	w, err := config.NewWatcher(path, func(_, _ *config.Config, _ config.ChangeSet) {
		t.Error("onChange must not fire for an invalid edit")
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	time.Sleep(20 * time.Millisecond)
	writeConfigFile(t, path, "server:\n  log_level: banana\n")
	time.Sleep(100 * time.Millisecond)

	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() changed to %q after invalid edit", got)
	}
}
