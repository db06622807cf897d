// Package lifecycle implements the per-agent task state machine: start,
// update, approve, block, resume, complete, cancel, backlog and pick, plus
// the Stop Guard that refuses to close a task with open steps.
//
// Every mutation acquires the per-task file lock, re-reads current state,
// validates the transition, writes atomically, emits a coordination event,
// and keeps the CURRENT_TASK pointer and the agent's managed-mode flag in
// sync.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawtask/internal/bus"
	"github.com/nextlevelbuilder/clawtask/internal/lockfile"
	"github.com/nextlevelbuilder/clawtask/internal/milestone"
	"github.com/nextlevelbuilder/clawtask/internal/task"
	"github.com/nextlevelbuilder/clawtask/internal/workspace"
	"github.com/nextlevelbuilder/clawtask/pkg/protocol"
)

// Manager drives task lifecycle operations for all agents.
type Manager struct {
	store     *task.Store
	registry  workspace.Registry
	bus       bus.Publisher
	milestone *milestone.Client
	locks     lockfile.Options
	now       func() time.Time

	mu      sync.Mutex
	managed map[string]bool // agentID → has active work
}

func NewManager(store *task.Store, registry workspace.Registry, pub bus.Publisher, ms *milestone.Client) *Manager {
	return &Manager{
		store:     store,
		registry:  registry,
		bus:       pub,
		milestone: ms,
		now:       time.Now,
		managed:   make(map[string]bool),
	}
}

// SetClock injects a deterministic clock for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
	m.store.Now = now
}

// Store exposes the underlying task store for read-only consumers.
func (m *Manager) Store() *task.Store { return m.store }

// Registry exposes agent discovery.
func (m *Manager) Registry() workspace.Registry { return m.registry }

// IsManaged reports whether the agent currently has active work.
func (m *Manager) IsManaged(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.managed[agentID]
}

// refreshManaged recomputes the managed-mode flag from on-disk state.
func (m *Manager) refreshManaged(ws workspace.Workspace) {
	tasks, err := m.store.List(ws,
		task.StatusInProgress, task.StatusBlocked, task.StatusPendingApproval)
	active := err == nil && len(tasks) > 0

	m.mu.Lock()
	m.managed[ws.AgentID] = active
	m.mu.Unlock()
}

func (m *Manager) emit(eventType, agentID string, data map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(bus.Event{Type: eventType, AgentID: agentID, TS: m.now(), Data: data})
}

// withTask runs fn on a freshly read task under its file lock and persists
// the task afterwards unless fn reports a failure or deletes the file.
func (m *Manager) withTask(agentID, taskID string, fn func(ws workspace.Workspace, t *task.Task) (Result, bool)) Result {
	ws := m.registry.Workspace(agentID)

	lock, err := lockfile.Acquire(ws.TaskFile(taskID), m.locks)
	if err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			return fail(KindLocked, fmt.Sprintf("task %s is locked by another writer", taskID))
		}
		return fail(KindIO, err.Error())
	}
	defer lock.Release()

	t, err := m.store.Read(ws, taskID)
	if err != nil {
		return fail(KindValidation, err.Error())
	}
	if t == nil {
		return fail(KindValidation, fmt.Sprintf("task %s not found", taskID))
	}

	res, write := fn(ws, t)
	if write {
		if err := m.store.Write(ws, t); err != nil {
			return fail(KindIO, err.Error())
		}
	}
	return res
}

// requireNoActive refuses a transition into in_progress while another task
// already holds it. At most one task per agent may be in progress, and the
// CURRENT_TASK pointer must match it.
func (m *Manager) requireNoActive(ws workspace.Workspace, taskID string) Result {
	active, err := m.store.FindActive(ws)
	if err != nil {
		return fail(KindIO, err.Error())
	}
	if active != nil && active.ID != taskID {
		return fail(KindPrecondition,
			fmt.Sprintf("task %s is already in progress; finish it first", active.ID))
	}
	return Result{Success: true}
}

// StartOptions configure task creation.
type StartOptions struct {
	Description      string
	Context          string
	Source           string
	Priority         task.Priority
	RequiresApproval bool
	Steps            []string
}

// Start creates a new task for an agent. Initial status is pending_approval
// or in_progress depending on the approval requirement.
func (m *Manager) Start(agentID string, opts StartOptions) Result {
	if !m.registry.Known(agentID) {
		return fail(KindValidation, fmt.Sprintf("unknown agent %q", agentID))
	}
	if strings.TrimSpace(opts.Description) == "" {
		return fail(KindValidation, "description is required")
	}
	if opts.Priority == "" {
		opts.Priority = task.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return fail(KindValidation, fmt.Sprintf("invalid priority %q", opts.Priority))
	}

	ws := m.registry.Workspace(agentID)
	if err := ws.Ensure(); err != nil {
		return fail(KindIO, err.Error())
	}
	if !opts.RequiresApproval {
		if r := m.requireNoActive(ws, ""); !r.Success {
			return r
		}
	}

	now := m.now()
	t := &task.Task{
		ID:           task.NewID(),
		Priority:     opts.Priority,
		Description:  opts.Description,
		Context:      opts.Context,
		Source:       opts.Source,
		Created:      now,
		LastActivity: now,
		WorkSession:  task.NewWorkSession(),
	}
	if opts.RequiresApproval {
		t.Status = task.StatusPendingApproval
		t.AddProgress(now, "Task created - awaiting approval")
	} else {
		t.Status = task.StatusInProgress
		t.AddProgress(now, "Task started")
	}
	if len(opts.Steps) > 0 {
		applySetSteps(t, opts.Steps)
	}

	if err := m.store.Write(ws, t); err != nil {
		return fail(KindIO, err.Error())
	}
	if t.Status == task.StatusInProgress {
		if err := m.store.UpdateCurrentTaskPointer(ws, t.ID); err != nil {
			slog.Warn("lifecycle: pointer update failed", "agent", agentID, "task", t.ID, "error", err)
		}
	}
	m.refreshManaged(ws)
	m.emit(protocol.EventTaskStarted, agentID, map[string]any{
		"taskId": t.ID, "status": string(t.Status), "priority": string(t.Priority),
	})
	return ok(t)
}

// Approve moves a pending_approval task to in_progress.
func (m *Manager) Approve(agentID, taskID string) Result {
	if r := m.requireNoActive(m.registry.Workspace(agentID), taskID); !r.Success {
		return r
	}
	res := m.withTask(agentID, taskID, func(ws workspace.Workspace, t *task.Task) (Result, bool) {
		if t.Status != task.StatusPendingApproval {
			return fail(KindPrecondition,
				fmt.Sprintf("cannot approve task in status %q", t.Status)), false
		}
		t.Status = task.StatusInProgress
		t.AddProgress(m.now(), "Task approved")
		return ok(t), true
	})
	if res.Success {
		ws := m.registry.Workspace(agentID)
		m.store.UpdateCurrentTaskPointer(ws, taskID)
		m.refreshManaged(ws)
		m.emit(protocol.EventTaskApproved, agentID, map[string]any{"taskId": taskID})
	}
	return res
}

// Block transitions an in-progress task to blocked with unblocker metadata.
func (m *Manager) Block(agentID, taskID, reason string, unblockBy []string, unblockAction string) Result {
	unblockers := dedup(unblockBy)
	if len(unblockers) == 0 {
		return fail(KindValidation, "unblock_by must name at least one agent")
	}
	for _, id := range unblockers {
		if id == agentID {
			return fail(KindValidation, "a task cannot be unblocked by its own agent")
		}
		if !m.registry.Known(id) {
			return fail(KindValidation, fmt.Sprintf("unknown agent %q in unblock_by", id))
		}
	}

	res := m.withTask(agentID, taskID, func(ws workspace.Workspace, t *task.Task) (Result, bool) {
		if t.Status != task.StatusInProgress {
			return fail(KindPrecondition,
				fmt.Sprintf("cannot block task in status %q", t.Status)), false
		}
		t.Status = task.StatusBlocked
		t.Blocking = &task.Blocking{
			BlockedReason:   reason,
			UnblockedBy:     unblockers,
			UnblockedAction: unblockAction,
			EscalationState: "none",
		}
		t.AddProgress(m.now(), "Task blocked: "+reason)
		return ok(t), true
	})
	if res.Success {
		m.refreshManaged(m.registry.Workspace(agentID))
		m.emit(protocol.EventTaskBlocked, agentID, map[string]any{
			"taskId": taskID, "reason": reason, "unblockedBy": unblockers,
		})
	}
	return res
}

// Resume transitions a blocked task back to in_progress and clears the
// blocking metadata.
func (m *Manager) Resume(agentID, taskID, note string) Result {
	if r := m.requireNoActive(m.registry.Workspace(agentID), taskID); !r.Success {
		return r
	}
	res := m.withTask(agentID, taskID, func(ws workspace.Workspace, t *task.Task) (Result, bool) {
		if t.Status != task.StatusBlocked {
			return fail(KindPrecondition,
				fmt.Sprintf("cannot resume task in status %q", t.Status)), false
		}
		t.Status = task.StatusInProgress
		t.Blocking = nil
		line := "Task resumed"
		if note != "" {
			line += ": " + note
		}
		t.AddProgress(m.now(), line)
		return ok(t), true
	})
	if res.Success {
		ws := m.registry.Workspace(agentID)
		m.store.UpdateCurrentTaskPointer(ws, taskID)
		m.refreshManaged(ws)
		m.emit(protocol.EventTaskResumed, agentID, map[string]any{"taskId": taskID})
	}
	return res
}

// CompleteOptions configure completion.
type CompleteOptions struct {
	Summary       string
	ForceComplete bool
}

// Complete closes a task. The Stop Guard blocks completion while structured
// steps remain open unless ForceComplete is set. On success the task is
// archived to monthly history, the active file is removed, the pointer is
// cleared, and a linked milestone item is synced (best effort).
func (m *Manager) Complete(ctx context.Context, agentID, taskID string, opts CompleteOptions) Result {
	var archived *task.Task
	res := m.withTask(agentID, taskID, func(ws workspace.Workspace, t *task.Task) (Result, bool) {
		if t.Status.Terminal() {
			return fail(KindPrecondition, fmt.Sprintf("task already %s", t.Status)), false
		}

		if open := t.OpenSteps(); len(open) > 0 && !opts.ForceComplete {
			t.AddProgress(m.now(), fmt.Sprintf(
				"Completion blocked by stop guard: %d step(s) still open", len(open)))
			guard := Result{
				Success:        false,
				TaskID:         t.ID,
				ErrorKind:      KindPrecondition,
				BlockedBy:      "stop_guard",
				RemainingSteps: open,
				Instructions: "Close out every remaining step first: mark each one done " +
					"with complete_step or explicitly skip it with skip_step, then call " +
					"complete again. Pass force_complete=true only if the steps are " +
					"genuinely obsolete.",
			}
			return guard, true
		}

		now := m.now()
		if opts.ForceComplete && len(t.OpenSteps()) > 0 {
			t.AddProgress(now, "Force-completed with open steps remaining")
		}
		t.AddProgress(now, "Task completed")
		t.Status = task.StatusCompleted
		t.Outcome = &task.Outcome{Kind: task.OutcomeCompleted, Summary: opts.Summary}
		if r := m.archive(ws, t); !r.Success {
			return r, false
		}
		archived = t
		return ok(t), false
	})
	if !res.Success || archived == nil {
		return res
	}
	m.emit(protocol.EventTaskCompleted, agentID, map[string]any{
		"taskId": taskID, "summary": opts.Summary,
	})

	m.syncMilestone(ctx, agentID, archived, "completed")
	return res
}

// Cancel terminates a non-terminal task with a cancelled outcome.
func (m *Manager) Cancel(ctx context.Context, agentID, taskID, reason string) Result {
	var archived *task.Task
	res := m.withTask(agentID, taskID, func(ws workspace.Workspace, t *task.Task) (Result, bool) {
		if t.Status.Terminal() {
			return fail(KindPrecondition, fmt.Sprintf("task already %s", t.Status)), false
		}
		now := m.now()
		line := "Task cancelled"
		if reason != "" {
			line += ": " + reason
		}
		t.AddProgress(now, line)
		t.Status = task.StatusCancelled
		t.Outcome = &task.Outcome{Kind: task.OutcomeCancelled, Reason: reason}
		if r := m.archive(ws, t); !r.Success {
			return r, false
		}
		archived = t
		return ok(t), false
	})
	if !res.Success || archived == nil {
		return res
	}
	m.emit(protocol.EventTaskCancelled, agentID, map[string]any{"taskId": taskID, "reason": reason})

	m.syncMilestone(ctx, agentID, archived, "cancelled")
	return res
}

// syncMilestone PUTs the linked milestone item, emitting milestone.sync_failed
// after exhausted retries. Never fails the calling operation.
func (m *Manager) syncMilestone(ctx context.Context, agentID string, t *task.Task, status string) {
	if m.milestone == nil || t.Backlog == nil || t.Backlog.MilestoneID == "" || t.Backlog.MilestoneItemID == "" {
		return
	}
	update := milestone.ItemUpdate{Status: status, TaskID: t.ID, AgentID: agentID}
	if t.Outcome != nil {
		update.Summary = t.Outcome.Summary
	}
	if err := m.milestone.SyncItem(ctx, t.Backlog.MilestoneID, t.Backlog.MilestoneItemID, update); err != nil {
		slog.Warn("lifecycle: milestone sync failed", "task", t.ID, "error", err)
		m.emit(protocol.EventMilestoneSyncFailed, agentID, map[string]any{
			"taskId":      t.ID,
			"milestoneId": t.Backlog.MilestoneID,
			"itemId":      t.Backlog.MilestoneItemID,
			"error":       err.Error(),
		})
	}
}

// BacklogOptions configure backlog task creation.
type BacklogOptions struct {
	Description     string
	Context         string
	Priority        task.Priority
	Assignee        string // defaults to creator
	DependsOn       []string
	EstimatedEffort string
	StartDate       string
	DueDate         string
	MilestoneID     string
	MilestoneItemID string
}

// BacklogAdd creates a backlog task, possibly in another agent's workspace.
func (m *Manager) BacklogAdd(creatorID string, opts BacklogOptions) Result {
	if strings.TrimSpace(opts.Description) == "" {
		return fail(KindValidation, "description is required")
	}
	assignee := opts.Assignee
	if assignee == "" {
		assignee = creatorID
	}
	if !m.registry.Known(assignee) {
		return fail(KindValidation, fmt.Sprintf("unknown assignee %q", assignee))
	}
	if opts.Priority == "" {
		opts.Priority = task.PriorityMedium
	}
	if !opts.Priority.Valid() {
		return fail(KindValidation, fmt.Sprintf("invalid priority %q", opts.Priority))
	}

	ws := m.registry.Workspace(assignee)
	if err := ws.Ensure(); err != nil {
		return fail(KindIO, err.Error())
	}

	now := m.now()
	t := &task.Task{
		ID:           task.NewID(),
		Status:       task.StatusBacklog,
		Priority:     opts.Priority,
		Description:  opts.Description,
		Context:      opts.Context,
		Created:      now,
		LastActivity: now,
		Backlog: &task.Backlog{
			CreatedBy:       creatorID,
			Assignee:        assignee,
			DependsOn:       dedup(opts.DependsOn),
			EstimatedEffort: opts.EstimatedEffort,
			StartDate:       opts.StartDate,
			DueDate:         opts.DueDate,
			MilestoneID:     opts.MilestoneID,
			MilestoneItemID: opts.MilestoneItemID,
		},
	}
	t.AddProgress(now, fmt.Sprintf("Added to backlog by %s", creatorID))

	if err := m.store.Write(ws, t); err != nil {
		return fail(KindIO, err.Error())
	}
	m.emit(protocol.EventTaskBacklog, assignee, map[string]any{
		"taskId": t.ID, "createdBy": creatorID, "assignee": assignee,
	})
	return ok(t)
}

// PickBacklog promotes a pickable backlog task to in_progress. Refuses while
// any task is already in progress. With an empty taskID the highest-priority
// pickable task is chosen.
func (m *Manager) PickBacklog(agentID, taskID string) Result {
	ws := m.registry.Workspace(agentID)

	if r := m.requireNoActive(ws, ""); !r.Success {
		return r
	}

	if taskID == "" {
		pickable, err := m.store.FindPickableBacklog(ws)
		if err != nil {
			return fail(KindIO, err.Error())
		}
		if len(pickable) == 0 {
			return fail(KindPrecondition, "no pickable backlog tasks")
		}
		taskID = pickable[0].ID
	}

	res := m.withTask(agentID, taskID, func(ws workspace.Workspace, t *task.Task) (Result, bool) {
		if t.Status != task.StatusBacklog {
			return fail(KindPrecondition,
				fmt.Sprintf("cannot pick task in status %q", t.Status)), false
		}
		met, err := m.store.CheckDependenciesMet(ws, t)
		if err != nil {
			return fail(KindIO, err.Error()), false
		}
		if !met {
			return fail(KindPrecondition, "task has unmet dependencies"), false
		}
		t.Status = task.StatusInProgress
		t.AddProgress(m.now(), "Picked from backlog")
		return ok(t), true
	})
	if res.Success {
		m.store.UpdateCurrentTaskPointer(ws, taskID)
		m.refreshManaged(ws)
		m.emit(protocol.EventTaskPicked, agentID, map[string]any{"taskId": taskID})
	}
	return res
}

// ReturnToBacklog demotes a stalled in-progress task back to the backlog,
// bumping its reassign count. Used by zombie recovery.
func (m *Manager) ReturnToBacklog(agentID, taskID, reason string) Result {
	res := m.withTask(agentID, taskID, func(ws workspace.Workspace, t *task.Task) (Result, bool) {
		if t.Status != task.StatusInProgress {
			return fail(KindPrecondition,
				fmt.Sprintf("cannot return task in status %q to backlog", t.Status)), false
		}
		t.Status = task.StatusBacklog
		if t.Backlog == nil {
			t.Backlog = &task.Backlog{CreatedBy: agentID, Assignee: agentID}
		}
		t.Backlog.ReassignCount++
		t.PrevWorkSession = t.WorkSession
		t.WorkSession = task.NewWorkSession()
		t.AddProgress(m.now(), "Returned to backlog: "+reason)
		return ok(t), true
	})
	if res.Success {
		ws := m.registry.Workspace(agentID)
		if ws.ReadPointer() == taskID {
			m.store.UpdateCurrentTaskPointer(ws, "")
		}
		m.refreshManaged(ws)
		m.emit(protocol.EventZombieRecovered, agentID, map[string]any{
			"taskId": taskID, "reason": reason,
		})
	}
	return res
}

// Abandon terminates a task that has exhausted its zombie reassigns.
func (m *Manager) Abandon(agentID, taskID, reason string) Result {
	var archived *task.Task
	res := m.withTask(agentID, taskID, func(ws workspace.Workspace, t *task.Task) (Result, bool) {
		if t.Status.Terminal() {
			return fail(KindPrecondition, fmt.Sprintf("task already %s", t.Status)), false
		}
		t.Status = task.StatusAbandoned
		t.Outcome = &task.Outcome{Kind: task.OutcomeInterrupted, By: "zombie_recovery", Reason: reason}
		t.AddProgress(m.now(), "Task abandoned: "+reason)
		if r := m.archive(ws, t); !r.Success {
			return r, false
		}
		archived = t
		return ok(t), false
	})
	if !res.Success || archived == nil {
		return res
	}
	m.emit(protocol.EventTaskAbandoned, agentID, map[string]any{"taskId": taskID, "reason": reason})
	return res
}

// archive appends the terminal task to monthly history, removes the active
// file, clears the pointer, and refreshes the managed flag. Runs under the
// task's file lock.
func (m *Manager) archive(ws workspace.Workspace, t *task.Task) Result {
	if err := m.store.AppendToHistory(ws, task.HistoryEntry(t, m.now())); err != nil {
		return fail(KindIO, fmt.Sprintf("archive failed: %v", err))
	}
	if err := m.store.Delete(ws, t.ID); err != nil {
		return fail(KindIO, err.Error())
	}
	if ws.ReadPointer() == t.ID {
		m.store.UpdateCurrentTaskPointer(ws, "")
	}
	m.refreshManaged(ws)
	return Result{Success: true, TaskID: t.ID}
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
