package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPointerRoundTrip(t *testing.T) {
	w := For(t.TempDir(), "main")
	if err := w.Ensure(); err != nil {
		t.Fatal(err)
	}

	if got := w.ReadPointer(); got != "" {
		t.Errorf("expected empty pointer, got %q", got)
	}

	if err := w.WritePointer("task_a1b2c3d4e5f60718293a"); err != nil {
		t.Fatal(err)
	}
	if got := w.ReadPointer(); got != "task_a1b2c3d4e5f60718293a" {
		t.Errorf("pointer = %q", got)
	}

	if err := w.WritePointer(""); err != nil {
		t.Fatal(err)
	}
	if got := w.ReadPointer(); got != "" {
		t.Errorf("expected cleared pointer, got %q", got)
	}
	data, _ := os.ReadFile(w.PointerPath())
	if !strings.Contains(string(data), "No active focus task") {
		t.Errorf("cleared pointer file body = %q", data)
	}
}

func TestRegistryDiscovery(t *testing.T) {
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "workspace-main"), 0o755)
	os.MkdirAll(filepath.Join(root, "workspace-researcher"), 0o755)
	os.MkdirAll(filepath.Join(root, "logs"), 0o755)
	os.WriteFile(filepath.Join(root, "team-state.json"), []byte("{}"), 0o644)

	r := Registry{Root: root}
	agents := r.Agents()
	if len(agents) != 2 || agents[0] != "main" || agents[1] != "researcher" {
		t.Errorf("agents = %v", agents)
	}
	if !r.Known("main") || r.Known("ghost") || r.Known("") {
		t.Error("Known misclassified agents")
	}
}
