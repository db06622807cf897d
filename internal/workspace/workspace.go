// Package workspace models the on-disk layout of agent workspaces under the
// OpenClaw root directory.
//
// Layout per agent, rooted at <root>/workspace-<agentID>/:
//
//	tasks/task_<20hex>.md      active task files
//	task-history/YYYY-MM.md    monthly archives
//	CURRENT_TASK.md            focus pointer
//	.openclaw/plans/           optional plan JSON files
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	TasksDir    = "tasks"
	HistoryDir  = "task-history"
	PointerFile = "CURRENT_TASK.md"
	PlansDir    = ".openclaw/plans"
)

// DefaultRoot returns ~/.openclaw, the global coordination root.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openclaw"
	}
	return filepath.Join(home, ".openclaw")
}

// Workspace is one agent's private directory tree.
type Workspace struct {
	AgentID string
	Dir     string
}

// For returns the workspace for an agent under root, without creating it.
func For(root, agentID string) Workspace {
	return Workspace{AgentID: agentID, Dir: filepath.Join(root, "workspace-"+agentID)}
}

// Ensure creates the workspace directory tree.
func (w Workspace) Ensure() error {
	for _, dir := range []string{w.TasksPath(), w.HistoryPath(), filepath.Join(w.Dir, PlansDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("workspace: mkdir %s: %w", dir, err)
		}
	}
	return nil
}

func (w Workspace) TasksPath() string   { return filepath.Join(w.Dir, TasksDir) }
func (w Workspace) HistoryPath() string { return filepath.Join(w.Dir, HistoryDir) }
func (w Workspace) PointerPath() string { return filepath.Join(w.Dir, PointerFile) }
func (w Workspace) PlansPath() string   { return filepath.Join(w.Dir, PlansDir) }

// TaskFile returns the path of an active task file.
func (w Workspace) TaskFile(taskID string) string {
	return filepath.Join(w.TasksPath(), taskID+".md")
}

// HistoryFile returns the archive path for a YYYY-MM month key.
func (w Workspace) HistoryFile(month string) string {
	return filepath.Join(w.HistoryPath(), month+".md")
}

// ReadPointer returns the current focus task id, or "" when no task is
// focused or the pointer file is absent.
func (w Workspace) ReadPointer() string {
	data, err := os.ReadFile(w.PointerPath())
	if err != nil {
		return ""
	}
	m := pointerRe.FindStringSubmatch(string(data))
	if m == nil {
		return ""
	}
	return m[1]
}

var pointerRe = regexp.MustCompile(`\*\*Focus:\*\*\s*(task_[0-9a-f]+)`)

// WritePointer rewrites CURRENT_TASK.md. An empty taskID records no focus.
func (w Workspace) WritePointer(taskID string) error {
	var body string
	if taskID == "" {
		body = "# Current Task\n\n*(No active focus task)*\n"
	} else {
		body = fmt.Sprintf("# Current Task\n\n**Focus:** %s\n", taskID)
	}
	return os.WriteFile(w.PointerPath(), []byte(body), 0o644)
}

// Registry discovers agents by their workspace directories under root.
type Registry struct {
	Root string
}

// Agents lists known agent ids, sorted.
func (r Registry) Agents() []string {
	entries, err := os.ReadDir(r.Root)
	if err != nil {
		return nil
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, ok := strings.CutPrefix(e.Name(), "workspace-"); ok && id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Known reports whether an agent workspace exists.
func (r Registry) Known(agentID string) bool {
	if agentID == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(r.Root, "workspace-"+agentID))
	return err == nil && info.IsDir()
}

// Workspace returns the workspace for agentID under this registry's root.
func (r Registry) Workspace(agentID string) Workspace {
	return For(r.Root, agentID)
}
