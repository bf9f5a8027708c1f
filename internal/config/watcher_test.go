package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewWatcherValidation(t *testing.T) {
	if _, err := NewWatcher(WatcherConfig{OnChange: func([]AgentDefinition) {}}); err == nil {
		t.Errorf("NewWatcher() without path: expected error")
	}
	if _, err := NewWatcher(WatcherConfig{Path: "agents.yaml"}); err == nil {
		t.Errorf("NewWatcher() without OnChange: expected error")
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	writeFile(t, path, `
agents:
  - name: support
`)

	got := make(chan []AgentDefinition, 8)
	w := startWatcher(t, path, got)
	defer w.Close()

	writeFile(t, path, `
agents:
  - name: support
  - name: billing
`)

	waitForAgents(t, got, 2)
}

func TestWatcherReloadsOnRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	writeFile(t, path, `
agents:
  - name: support
`)

	got := make(chan []AgentDefinition, 8)
	w := startWatcher(t, path, got)
	defer w.Close()

	// Editors typically write a scratch file and rename it over the target.
	tmp := filepath.Join(dir, "agents.yaml.tmp")
	writeFile(t, tmp, `
agents:
  - name: support
  - name: billing
  - name: triage
`)
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}

	waitForAgents(t, got, 3)
}

func TestWatcherKeepsLastGoodOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	writeFile(t, path, `
agents:
  - name: support
`)

	got := make(chan []AgentDefinition, 8)
	w := startWatcher(t, path, got)
	defer w.Close()

	writeFile(t, path, "agents:\n  - name: [broken")
	writeFile(t, path, `
agents:
  - name: fixed
`)

	defs := waitForAgents(t, got, 1)
	if defs[0].Name != "fixed" {
		t.Errorf("defs[0].Name = %q, want fixed", defs[0].Name)
	}
}

func TestWatcherClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	writeFile(t, path, "agents: []")

	got := make(chan []AgentDefinition, 8)
	w := startWatcher(t, path, got)

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	writeFile(t, path, `
agents:
  - name: late
`)
	select {
	case defs := <-got:
		t.Errorf("unexpected reload after Close: %+v", defs)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcherStartTwice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agents.yaml")
	writeFile(t, path, "agents: []")

	got := make(chan []AgentDefinition, 8)
	w := startWatcher(t, path, got)
	defer w.Close()

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
}

func startWatcher(t *testing.T, path string, got chan []AgentDefinition) *Watcher {
	t.Helper()
	w, err := NewWatcher(WatcherConfig{
		Path:     path,
		OnChange: func(defs []AgentDefinition) { got <- defs },
		Debounce: 20 * time.Millisecond,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return w
}

// waitForAgents reads reloads until one carries want definitions. Extra
// intermediate reloads from coalesced file events are tolerated.
func waitForAgents(t *testing.T, got chan []AgentDefinition, want int) []AgentDefinition {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case defs := <-got:
			if len(defs) == want {
				return defs
			}
		case <-deadline:
			t.Fatalf("timed out waiting for reload with %d agents", want)
			return nil
		}
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}
