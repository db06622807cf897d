package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Root: "~/.openclaw",
		Monitor: MonitorConfig{
			Host: "127.0.0.1",
			Port: 4333,
		},
		A2A: A2AConfig{
			MaxConcurrentFlows: 3,
			QueueTimeoutMs:     30000,
			MaxPingPongTurns:   5,
			JobRetentionHours:  24,
		},
		Triggers: TriggersConfig{
			Path: "~/.openclaw/triggers.json5",
		},
	}
}

// DefaultPath returns the config file location, honoring CLAWTASK_CONFIG.
func DefaultPath() string {
	if v := os.Getenv("CLAWTASK_CONFIG"); v != "" {
		return ExpandHome(v)
	}
	return filepath.Join(ExpandHome("~/.openclaw"), DefaultFileName)
}

// Load reads config from a json5 file, then overlays env vars. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TASK_MONITOR_HOST"); v != "" {
		c.Monitor.Host = v
	}
	if v := os.Getenv("TASK_MONITOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Monitor.Port = port
		}
	}
	if v := os.Getenv("TASK_HUB_URL"); v != "" {
		c.Hub.URL = v
	}
}
