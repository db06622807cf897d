package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Monitor.Port != 4333 || cfg.Monitor.Host != "127.0.0.1" {
		t.Errorf("monitor defaults = %+v", cfg.Monitor)
	}
	if cfg.A2A.MaxConcurrentFlows != 3 || cfg.A2A.QueueTimeoutMs != 30000 {
		t.Errorf("a2a defaults = %+v", cfg.A2A)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	content := `{
  // comments are fine, keys may be bare
  root: "/srv/coordination",
  monitor: { port: 9000 },
  a2a: { maxPingPongTurns: 3 },
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Root != "/srv/coordination" {
		t.Errorf("root = %q", cfg.Root)
	}
	if cfg.Monitor.Port != 9000 {
		t.Errorf("port = %d", cfg.Monitor.Port)
	}
	if cfg.Monitor.Host != "127.0.0.1" {
		t.Errorf("unset field lost its default: host = %q", cfg.Monitor.Host)
	}
	if cfg.A2A.MaxPingPongTurns != 3 || cfg.A2A.MaxConcurrentFlows != 3 {
		t.Errorf("a2a = %+v", cfg.A2A)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Monitor.Port != 4333 {
		t.Errorf("missing file should yield defaults, port = %d", cfg.Monitor.Port)
	}
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json5")
	if err := os.WriteFile(path, []byte("{ root: "), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("truncated config accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TASK_MONITOR_HOST", "0.0.0.0")
	t.Setenv("TASK_MONITOR_PORT", "5001")
	t.Setenv("TASK_HUB_URL", "http://hub.internal:8080")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Monitor.Host != "0.0.0.0" || cfg.Monitor.Port != 5001 {
		t.Errorf("monitor = %+v", cfg.Monitor)
	}
	if cfg.Hub.URL != "http://hub.internal:8080" {
		t.Errorf("hub = %+v", cfg.Hub)
	}

	t.Setenv("TASK_MONITOR_PORT", "zero")
	cfg, err = Load(filepath.Join(t.TempDir(), "absent.json5"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Monitor.Port != 4333 {
		t.Errorf("junk port override applied: %d", cfg.Monitor.Port)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/x"); got != home+"/x" {
		t.Errorf("ExpandHome(~/x) = %q", got)
	}
	if got := ExpandHome("/abs/x"); got != "/abs/x" {
		t.Errorf("ExpandHome(/abs/x) = %q", got)
	}
	if got := ExpandHome("~"); got != home {
		t.Errorf("ExpandHome(~) = %q", got)
	}
}
