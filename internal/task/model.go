// Package task defines the durable task model and its file-backed store.
//
// Each task is one markdown file under an agent workspace with labeled
// sections and fenced JSON blocks for structured metadata. The format is a
// shared contract with every agent in the fleet; changes must stay readable
// by humans and by older readers.
package task

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusInProgress      Status = "in_progress"
	StatusBlocked         Status = "blocked"
	StatusBacklog         Status = "backlog"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusAbandoned       Status = "abandoned"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusAbandoned
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingApproval, StatusInProgress, StatusBlocked, StatusBacklog,
		StatusCompleted, StatusCancelled, StatusAbandoned:
		return true
	}
	return false
}

// Priority orders tasks for listing and backlog picking.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the sort rank (urgent first). Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Rank() < 4 }

// StepStatus is the state of one structured sub-step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepDone       StepStatus = "done"
	StepSkipped    StepStatus = "skipped"
)

// Open reports whether the step still needs work (Stop Guard looks at this).
func (s StepStatus) Open() bool { return s == StepPending || s == StepInProgress }

// Step is a structured sub-unit of a task. Ids are "s<n>", unique within the
// task and never reused.
type Step struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	Status  StepStatus `json:"status"`
	Order   int        `json:"order"`
}

// Blocking metadata, present iff the task status is blocked.
type Blocking struct {
	BlockedReason          string     `json:"blockedReason"`
	UnblockedBy            []string   `json:"unblockedBy"`
	UnblockedAction        string     `json:"unblockedAction,omitempty"`
	UnblockRequestCount    int        `json:"unblockRequestCount"`
	LastUnblockerIndex     *int       `json:"lastUnblockerIndex,omitempty"`
	LastUnblockRequestAt   *time.Time `json:"lastUnblockRequestAt,omitempty"`
	EscalationState        string     `json:"escalationState"` // none|requesting|escalated|failed
	UnblockRequestFailures int        `json:"unblockRequestFailures,omitempty"`
}

// Backlog metadata for deferred and cross-agent tasks.
// ReassignCount deliberately has no omitempty: zero must round-trip.
type Backlog struct {
	CreatedBy       string   `json:"createdBy"`
	Assignee        string   `json:"assignee"`
	DependsOn       []string `json:"dependsOn,omitempty"`
	EstimatedEffort string   `json:"estimatedEffort,omitempty"` // small|medium|large
	StartDate       string   `json:"startDate,omitempty"`
	DueDate         string   `json:"dueDate,omitempty"`
	MilestoneID     string   `json:"milestoneId,omitempty"`
	MilestoneItemID string   `json:"milestoneItemId,omitempty"`
	ReassignCount   int      `json:"reassignCount"`
}

// Outcome is the terminal result union. Exactly one kind is set, and only on
// terminal tasks.
type Outcome struct {
	Kind      string `json:"kind"` // completed|cancelled|error|interrupted
	Summary   string `json:"summary,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Msg       string `json:"msg,omitempty"`
	Retriable *bool  `json:"retriable,omitempty"`
	By        string `json:"by,omitempty"`
}

const (
	OutcomeCompleted   = "completed"
	OutcomeCancelled   = "cancelled"
	OutcomeError       = "error"
	OutcomeInterrupted = "interrupted"
)

// Task is the durable unit of agent work.
type Task struct {
	ID              string
	Status          Status
	Priority        Priority
	Description     string
	Context         string
	Source          string
	Created         time.Time
	LastActivity    time.Time
	WorkSession     string // ws_<uuid>
	PrevWorkSession string
	Progress        []string
	Steps           []Step
	Blocking        *Blocking
	Backlog         *Backlog
	Outcome         *Outcome

	// Delegation records and their event trail, owned by this task.
	Delegations      []Delegation      `json:"-"`
	DelegationEvents []DelegationEvent `json:"-"`
}

// NewID generates an opaque task id: task_<20 hex chars>.
func NewID() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform is broken; fall back to uuid.
		return "task_" + uuid.NewString()[:20]
	}
	return "task_" + hex.EncodeToString(b)
}

// NewWorkSession generates a work-session id: ws_<uuid>.
func NewWorkSession() string { return "ws_" + uuid.NewString() }

// Touch stamps last activity.
func (t *Task) Touch(now time.Time) { t.LastActivity = now }

// AddProgress appends a progress line and touches activity. Line breaks are
// collapsed so the line cannot span markdown list entries.
func (t *Task) AddProgress(now time.Time, line string) {
	t.Progress = append(t.Progress, flatten(line))
	t.Touch(now)
}

// StepByID returns the step with the given id, or nil.
func (t *Task) StepByID(id string) *Step {
	for i := range t.Steps {
		if t.Steps[i].ID == id {
			return &t.Steps[i]
		}
	}
	return nil
}

// CurrentStep returns the in-progress step, or nil.
func (t *Task) CurrentStep() *Step {
	for i := range t.Steps {
		if t.Steps[i].Status == StepInProgress {
			return &t.Steps[i]
		}
	}
	return nil
}

// OpenSteps returns steps that are pending or in progress, in order.
func (t *Task) OpenSteps() []Step {
	var open []Step
	for _, s := range t.Steps {
		if s.Status.Open() {
			open = append(open, s)
		}
	}
	return open
}

// DoneStepCount counts steps marked done.
func (t *Task) DoneStepCount() int {
	n := 0
	for _, s := range t.Steps {
		if s.Status == StepDone {
			n++
		}
	}
	return n
}

// NextStepID allocates the next step id by scanning existing ids, so ids are
// monotonic and never reused even after reorders.
func (t *Task) NextStepID() string {
	max := 0
	for _, s := range t.Steps {
		var n int
		if _, err := fmt.Sscanf(s.ID, "s%d", &n); err == nil && n > max {
			max = n
		}
	}
	return fmt.Sprintf("s%d", max+1)
}

// StepsProgress summarizes step completion for monitor views.
type StepsProgress struct {
	Total      int    `json:"total"`
	Done       int    `json:"done"`
	Skipped    int    `json:"skipped"`
	InProgress string `json:"inProgress,omitempty"` // current step id
}

// Progress summary over the task's steps.
func (t *Task) StepsSummary() StepsProgress {
	p := StepsProgress{Total: len(t.Steps)}
	for _, s := range t.Steps {
		switch s.Status {
		case StepDone:
			p.Done++
		case StepSkipped:
			p.Skipped++
		case StepInProgress:
			p.InProgress = s.ID
		}
	}
	return p
}
