// Package config holds the coordinator configuration: a json5 file overlaid
// with environment variables.
package config

import (
	"os"
)

const DefaultFileName = "clawtask.json5"

// Config is the full coordinator configuration.
type Config struct {
	// Root is the coordination directory holding agent workspaces,
	// logs and team-state.json.
	Root string `json:"root"`

	Monitor  MonitorConfig  `json:"monitor"`
	Hub      HubConfig      `json:"hub"`
	A2A      A2AConfig      `json:"a2a"`
	Triggers TriggersConfig `json:"triggers"`
}

// MonitorConfig controls the read-only HTTP+WS monitor.
type MonitorConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// HubConfig points at the milestone hub. An empty URL disables sync.
type HubConfig struct {
	URL string `json:"url"`
}

// A2AConfig tunes the agent-to-agent flow orchestrator.
type A2AConfig struct {
	MaxConcurrentFlows int `json:"maxConcurrentFlows"`
	QueueTimeoutMs     int `json:"queueTimeoutMs"`
	MaxPingPongTurns   int `json:"maxPingPongTurns"`
	JobRetentionHours  int `json:"jobRetentionHours"`
}

// TriggersConfig locates the cron trigger definitions.
type TriggersConfig struct {
	Path string `json:"path"`
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// RootDir returns the expanded coordination root.
func (c *Config) RootDir() string {
	return ExpandHome(c.Root)
}

// TriggersPath returns the expanded trigger-definitions path.
func (c *Config) TriggersPath() string {
	return ExpandHome(c.Triggers.Path)
}
