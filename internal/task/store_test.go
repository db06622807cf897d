package task

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawtask/internal/workspace"
)

func testStore(t *testing.T) (*Store, workspace.Workspace) {
	t.Helper()
	ws := workspace.For(t.TempDir(), "main")
	if err := ws.Ensure(); err != nil {
		t.Fatal(err)
	}
	return NewStore(), ws
}

func TestWriteReadDelete(t *testing.T) {
	s, ws := testStore(t)
	tk := sampleTask()
	tk.WorkSession = ""

	if err := s.Write(ws, tk); err != nil {
		t.Fatalf("write: %v", err)
	}
	if tk.WorkSession == "" || !strings.HasPrefix(tk.WorkSession, "ws_") {
		t.Errorf("work session not assigned: %q", tk.WorkSession)
	}

	got, err := s.Read(ws, tk.ID)
	if err != nil || got == nil {
		t.Fatalf("read: %v %v", got, err)
	}
	if got.Description != tk.Description {
		t.Errorf("description = %q", got.Description)
	}

	if err := s.Delete(ws, tk.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ws, tk.ID); err != nil {
		t.Errorf("second delete not idempotent: %v", err)
	}
	got, err = s.Read(ws, tk.ID)
	if err != nil || got != nil {
		t.Errorf("expected nil,nil after delete, got %v,%v", got, err)
	}
}

func TestRead_RejectsPathTraversal(t *testing.T) {
	s, ws := testStore(t)
	for _, id := range []string{"../evil", "a/b", `a\b`, "task_..x"} {
		if _, err := s.Read(ws, id); err == nil {
			t.Errorf("id %q accepted", id)
		}
	}
}

func TestRead_CorruptFileTreatedAsMissing(t *testing.T) {
	s, ws := testStore(t)
	os.WriteFile(ws.TaskFile("task_deadbeefdeadbeef0001"), []byte("not a task"), 0o644)
	got, err := s.Read(ws, "task_deadbeefdeadbeef0001")
	if err != nil || got != nil {
		t.Errorf("expected nil,nil for corrupt file, got %v,%v", got, err)
	}
}

func TestList_Sorting(t *testing.T) {
	s, ws := testStore(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	mk := func(id string, prio Priority, due string, created time.Time) *Task {
		tk := &Task{
			ID: id, Status: StatusBacklog, Priority: prio,
			Description: id, Created: created, LastActivity: created,
		}
		tk.Backlog = &Backlog{CreatedBy: "main", Assignee: "main", DueDate: due}
		return tk
	}

	tasks := []*Task{
		mk("task_00000000000000000001", PriorityLow, "", base),
		mk("task_00000000000000000002", PriorityUrgent, "2026-09-10", base),
		mk("task_00000000000000000003", PriorityUrgent, "2026-09-01", base),
		mk("task_00000000000000000004", PriorityHigh, "", base.Add(time.Hour)),
		mk("task_00000000000000000005", PriorityHigh, "", base),
	}
	for _, tk := range tasks {
		if err := s.Write(ws, tk); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.List(ws)
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	for _, tk := range got {
		order = append(order, tk.ID[len(tk.ID)-1:])
	}
	want := []string{"3", "2", "5", "4", "1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want suffixes %v", order, want)
		}
	}
}

func TestFindBacklog_FutureStartDateHidden(t *testing.T) {
	s, ws := testStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	ready := &Task{ID: "task_00000000000000000010", Status: StatusBacklog, Priority: PriorityMedium,
		Description: "ready", Created: now, LastActivity: now,
		Backlog: &Backlog{CreatedBy: "main", Assignee: "main", StartDate: "2026-08-01"}}
	deferred := &Task{ID: "task_00000000000000000011", Status: StatusBacklog, Priority: PriorityMedium,
		Description: "deferred", Created: now, LastActivity: now,
		Backlog: &Backlog{CreatedBy: "main", Assignee: "main", StartDate: "2026-12-01"}}
	for _, tk := range []*Task{ready, deferred} {
		if err := s.Write(ws, tk); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.FindBacklog(ws)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != ready.ID {
		t.Errorf("backlog = %v", ids(got))
	}
}

func TestFindPickableBacklog_Dependencies(t *testing.T) {
	s, ws := testStore(t)
	now := time.Now()

	dep := &Task{ID: "task_00000000000000000020", Status: StatusInProgress, Priority: PriorityMedium,
		Description: "dep", Created: now, LastActivity: now}
	blockedOnDep := &Task{ID: "task_00000000000000000021", Status: StatusBacklog, Priority: PriorityMedium,
		Description: "needs dep", Created: now, LastActivity: now,
		Backlog: &Backlog{CreatedBy: "main", Assignee: "main", DependsOn: []string{dep.ID}}}
	archivedDep := &Task{ID: "task_00000000000000000022", Status: StatusBacklog, Priority: PriorityMedium,
		Description: "dep archived", Created: now, LastActivity: now,
		Backlog: &Backlog{CreatedBy: "main", Assignee: "main", DependsOn: []string{"task_gone0000000000000000"}}}
	for _, tk := range []*Task{dep, blockedOnDep, archivedDep} {
		if err := s.Write(ws, tk); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.FindPickableBacklog(ws)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != archivedDep.ID {
		t.Errorf("pickable = %v", ids(got))
	}

	// Complete the dependency: now both are pickable.
	dep.Status = StatusCompleted
	dep.Outcome = &Outcome{Kind: OutcomeCompleted}
	if err := s.Write(ws, dep); err != nil {
		t.Fatal(err)
	}
	got, _ = s.FindPickableBacklog(ws)
	if len(got) != 2 {
		t.Errorf("pickable after completion = %v", ids(got))
	}
}

func TestAppendToHistory_MonthlyHeader(t *testing.T) {
	s, ws := testStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	if err := s.AppendToHistory(ws, "## [2026-08-24T12:00:00Z] first\n- **Task:** task_x"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendToHistory(ws, "## [2026-08-24T13:00:00Z] second\n- **Task:** task_y"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(ws.HistoryFile("2026-08"))
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)
	if !strings.HasPrefix(body, "# Task History - August 2026\n") {
		t.Errorf("missing monthly header: %q", body[:40])
	}
	if strings.Count(body, "# Task History") != 1 {
		t.Error("header duplicated on second append")
	}
	if !strings.Contains(body, "first") || !strings.Contains(body, "second") {
		t.Error("entries missing")
	}
}

func TestFindInHistory(t *testing.T) {
	s, ws := testStore(t)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return now }

	tk := sampleTask()
	tk.Status = StatusCompleted
	tk.Steps = nil
	tk.Outcome = &Outcome{Kind: OutcomeCompleted, Summary: "done"}
	if err := s.AppendToHistory(ws, HistoryEntry(tk, now)); err != nil {
		t.Fatal(err)
	}

	entry, err := s.FindInHistory(ws, tk.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(entry, tk.ID) || !strings.Contains(entry, "Refactor the session cache") {
		t.Errorf("history entry = %q", entry)
	}

	missing, _ := s.FindInHistory(ws, "task_ffffffffffffffffffff")
	if missing != "" {
		t.Errorf("expected empty entry, got %q", missing)
	}
}

func ids(tasks []*Task) []string {
	var out []string
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
