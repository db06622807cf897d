package task

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawtask/internal/lockfile"
	"github.com/nextlevelbuilder/clawtask/internal/workspace"
)

// Store performs atomic read-modify-write of task files, directory listing,
// and archival. All writes go through tmp-file + rename so readers only ever
// observe committed task files.
type Store struct {
	Locks lockfile.Options
	Now   func() time.Time // injected for tests; defaults to time.Now
}

func NewStore() *Store { return &Store{Now: time.Now} }

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Read loads a task by id. Returns nil (not an error) when the file is
// missing or unparsable: a corrupt file must not wedge the whole workspace.
// Ids containing path separators are rejected outright.
func (s *Store) Read(ws workspace.Workspace, taskID string) (*Task, error) {
	if strings.ContainsAny(taskID, "/\\") || strings.Contains(taskID, "..") {
		return nil, fmt.Errorf("task: invalid task id %q", taskID)
	}
	data, err := os.ReadFile(ws.TaskFile(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("task: read %s: %w", taskID, err)
	}
	t, err := Unmarshal(data)
	if err != nil {
		slog.Warn("task: unparsable task file treated as missing",
			"agent", ws.AgentID, "task", taskID, "error", err)
		return nil, nil
	}
	return t, nil
}

// Write persists a task atomically. A missing work-session id is assigned
// here so every stored task can be referenced across restarts.
func (s *Store) Write(ws workspace.Workspace, t *Task) error {
	if t.WorkSession == "" {
		t.WorkSession = NewWorkSession()
	}
	if err := os.MkdirAll(ws.TasksPath(), 0o755); err != nil {
		return fmt.Errorf("task: ensure tasks dir: %w", err)
	}

	target := ws.TaskFile(t.ID)
	tmp, err := os.CreateTemp(ws.TasksPath(), "."+t.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("task: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(Marshal(t)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("task: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("task: close temp: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("task: rename into place: %w", err)
	}
	return nil
}

// Delete removes a task file. Idempotent.
func (s *Store) Delete(ws workspace.Workspace, taskID string) error {
	err := os.Remove(ws.TaskFile(taskID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("task: delete %s: %w", taskID, err)
	}
	return nil
}

// List returns all tasks in the workspace, optionally filtered by status,
// sorted by priority (urgent first), then due date (missing sorts last),
// then start date, then creation time.
func (s *Store) List(ws workspace.Workspace, statusFilter ...Status) ([]*Task, error) {
	entries, err := os.ReadDir(ws.TasksPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("task: list %s: %w", ws.AgentID, err)
	}

	var tasks []*Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "task_") || !strings.HasSuffix(name, ".md") {
			continue
		}
		t, err := s.Read(ws, strings.TrimSuffix(name, ".md"))
		if err != nil || t == nil {
			continue
		}
		if len(statusFilter) > 0 && !statusIn(t.Status, statusFilter) {
			continue
		}
		tasks = append(tasks, t)
	}

	sort.SliceStable(tasks, func(i, j int) bool { return taskLess(tasks[i], tasks[j]) })
	return tasks, nil
}

func statusIn(s Status, set []Status) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

func taskLess(a, b *Task) bool {
	if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
		return ra < rb
	}
	if da, db := backlogDate(a, false), backlogDate(b, false); !da.Equal(db) {
		return da.Before(db)
	}
	if sa, sb := backlogDate(a, true), backlogDate(b, true); !sa.Equal(sb) {
		return sa.Before(sb)
	}
	return a.Created.Before(b.Created)
}

// backlogDate returns the task's due date (or start date) for sorting;
// missing dates sort after everything.
func backlogDate(t *Task, start bool) time.Time {
	far := time.Unix(1<<40, 0)
	if t.Backlog == nil {
		return far
	}
	raw := t.Backlog.DueDate
	if start {
		raw = t.Backlog.StartDate
	}
	if raw == "" {
		return far
	}
	ts, err := parseWhen(raw)
	if err != nil {
		return far
	}
	return ts
}

// FindActive returns the single in-progress task, or nil.
func (s *Store) FindActive(ws workspace.Workspace) (*Task, error) {
	tasks, err := s.List(ws, StatusInProgress)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}
	return tasks[0], nil
}

// FindBlocked returns blocked tasks.
func (s *Store) FindBlocked(ws workspace.Workspace) ([]*Task, error) {
	return s.List(ws, StatusBlocked)
}

// FindPendingApproval returns tasks awaiting approval.
func (s *Store) FindPendingApproval(ws workspace.Workspace) ([]*Task, error) {
	return s.List(ws, StatusPendingApproval)
}

// FindBacklog returns backlog tasks whose start date is absent or in the
// past. Deferred tasks stay invisible until their start date arrives.
func (s *Store) FindBacklog(ws workspace.Workspace) ([]*Task, error) {
	tasks, err := s.List(ws, StatusBacklog)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var ready []*Task
	for _, t := range tasks {
		if startDateReached(t, now) {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// FindPickableBacklog returns backlog tasks that are startable and whose
// dependencies are all met.
func (s *Store) FindPickableBacklog(ws workspace.Workspace) ([]*Task, error) {
	ready, err := s.FindBacklog(ws)
	if err != nil {
		return nil, err
	}
	var pickable []*Task
	for _, t := range ready {
		met, err := s.CheckDependenciesMet(ws, t)
		if err != nil {
			return nil, err
		}
		if met {
			pickable = append(pickable, t)
		}
	}
	return pickable, nil
}

func startDateReached(t *Task, now time.Time) bool {
	if t.Backlog == nil || t.Backlog.StartDate == "" {
		return true
	}
	ts, err := parseWhen(t.Backlog.StartDate)
	if err != nil {
		return true // unparsable start date does not hide the task forever
	}
	return !ts.After(now)
}

// CheckDependenciesMet reports whether every dependsOn task is completed.
// A missing file counts as met: completed tasks are archived and deleted.
func (s *Store) CheckDependenciesMet(ws workspace.Workspace, t *Task) (bool, error) {
	if t.Backlog == nil {
		return true, nil
	}
	for _, dep := range t.Backlog.DependsOn {
		d, err := s.Read(ws, dep)
		if err != nil {
			return false, err
		}
		if d == nil {
			continue // archived = completed
		}
		if d.Status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// UpdateCurrentTaskPointer rewrites the CURRENT_TASK pointer.
func (s *Store) UpdateCurrentTaskPointer(ws workspace.Workspace, taskID string) error {
	return ws.WritePointer(taskID)
}

// AppendToHistory appends an archive entry to the current month's history
// file under a per-file lock, creating the monthly header on first write.
func (s *Store) AppendToHistory(ws workspace.Workspace, entry string) error {
	now := s.now()
	month := now.Format("2006-01")
	path := ws.HistoryFile(month)

	if err := os.MkdirAll(ws.HistoryPath(), 0o755); err != nil {
		return fmt.Errorf("task: ensure history dir: %w", err)
	}

	lock, err := lockfile.Acquire(path, s.Locks)
	if err != nil {
		return err
	}
	defer lock.Release()

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("task: read history: %w", err)
	}

	var b strings.Builder
	if len(existing) == 0 {
		fmt.Fprintf(&b, "# Task History - %s\n", now.Format("January 2006"))
	}
	b.WriteString("\n" + strings.TrimRight(entry, "\n") + "\n")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("task: open history: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("task: append history: %w", err)
	}
	return nil
}

// HistoryEntry renders the archive entry for a terminal task.
func HistoryEntry(t *Task, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## [%s] %s\n", now.Format(time.RFC3339), firstLine(t.Description))
	fmt.Fprintf(&b, "- **Task:** %s\n", t.ID)
	fmt.Fprintf(&b, "- **Status:** %s\n", t.Status)
	fmt.Fprintf(&b, "- **Priority:** %s\n", t.Priority)
	if t.WorkSession != "" {
		fmt.Fprintf(&b, "- **Work Session:** %s\n", t.WorkSession)
	}
	if t.Outcome != nil {
		if data, err := json.Marshal(t.Outcome); err == nil {
			fmt.Fprintf(&b, "- **Outcome:** `%s`\n", data)
		}
	}
	if len(t.Progress) > 0 {
		b.WriteString("- **Progress:**\n")
		for _, line := range t.Progress {
			fmt.Fprintf(&b, "  - %s\n", line)
		}
	}
	return b.String()
}

// ReadHistoryMonth returns the raw archive body for a YYYY-MM month key.
func (s *Store) ReadHistoryMonth(ws workspace.Workspace, month string) (string, error) {
	if strings.ContainsAny(month, "/\\") || strings.Contains(month, "..") {
		return "", fmt.Errorf("task: invalid month %q", month)
	}
	data, err := os.ReadFile(ws.HistoryFile(month))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// FindInHistory scans archive files for a task id and returns the matching
// entry body, or "" when not found. Used by the monitor's single-task view
// after a task has been archived.
func (s *Store) FindInHistory(ws workspace.Workspace, taskID string) (string, error) {
	entries, err := os.ReadDir(ws.HistoryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		name := entries[i].Name()
		if !strings.HasSuffix(name, ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(ws.HistoryPath(), name))
		if err != nil {
			continue
		}
		if entry := extractHistoryEntry(string(data), taskID); entry != "" {
			return entry, nil
		}
	}
	return "", nil
}

func extractHistoryEntry(body, taskID string) string {
	chunks := strings.Split(body, "\n## ")
	for _, chunk := range chunks {
		if strings.Contains(chunk, "**Task:** "+taskID) {
			return "## " + strings.TrimSpace(chunk) + "\n"
		}
	}
	return ""
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

