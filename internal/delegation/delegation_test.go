package delegation

import (
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawtask/internal/task"
)

func newTaskWithDelegation(t *testing.T, status task.DelegationStatus, retryCount, maxRetries int) *task.Task {
	t.Helper()
	tk := &task.Task{ID: "task_00000000000000000001", Status: task.StatusInProgress}
	tk.Delegations = []task.Delegation{{
		DelegationID: "del_1",
		RunID:        "run_1",
		Status:       status,
		RetryCount:   retryCount,
		MaxRetries:   maxRetries,
	}}
	return tk
}

func TestUpdate_HappyPath(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tk := newTaskWithDelegation(t, task.DelegationSpawned, 0, 2)

	path := []task.DelegationStatus{
		task.DelegationRunning,
		task.DelegationCompleted,
		task.DelegationVerified,
	}
	for i, to := range path {
		now = now.Add(time.Minute)
		ev, err := Update(tk, "del_1", Change{To: to}, now)
		if err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
		if ev.To != to || !ev.TS.Equal(now) {
			t.Errorf("event %d = %+v", i, ev)
		}
	}

	rec := tk.DelegationByID("del_1")
	if rec.Status != task.DelegationVerified {
		t.Errorf("final status = %s", rec.Status)
	}
	if len(tk.DelegationEvents) != 3 {
		t.Errorf("events = %d", len(tk.DelegationEvents))
	}
	// Timestamps monotonic.
	for i := 1; i < len(tk.DelegationEvents); i++ {
		if tk.DelegationEvents[i].TS.Before(tk.DelegationEvents[i-1].TS) {
			t.Error("event timestamps not monotonic")
		}
	}
}

func TestUpdate_RetryLoop(t *testing.T) {
	now := time.Now()
	tk := newTaskWithDelegation(t, task.DelegationRejected, 0, 1)

	if _, err := Update(tk, "del_1", Change{To: task.DelegationRetrying, Error: "bad output"}, now); err != nil {
		t.Fatalf("retrying: %v", err)
	}
	rec := tk.DelegationByID("del_1")
	if rec.RetryCount != 1 {
		t.Errorf("retryCount = %d", rec.RetryCount)
	}
	if len(rec.PreviousErrors) != 1 {
		t.Errorf("previousErrors = %v", rec.PreviousErrors)
	}

	if _, err := Update(tk, "del_1", Change{To: task.DelegationSpawned}, now); err != nil {
		t.Fatalf("respawn: %v", err)
	}

	// Exhaust: rejected again, retrying must fail now.
	Update(tk, "del_1", Change{To: task.DelegationFailed}, now)
	Update(tk, "del_1", Change{To: task.DelegationRejected}, now)
	_, err := Update(tk, "del_1", Change{To: task.DelegationRetrying}, now)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Errorf("expected ErrRetriesExhausted, got %v", err)
	}
	if rec.RetryCount > rec.MaxRetries {
		t.Errorf("retryCount %d exceeds maxRetries %d", rec.RetryCount, rec.MaxRetries)
	}
}

func TestUpdate_NoOpTransitionsAreErrors(t *testing.T) {
	now := time.Now()
	for _, status := range []task.DelegationStatus{task.DelegationRejected, task.DelegationFailed} {
		tk := newTaskWithDelegation(t, status, 0, 1)
		_, err := Update(tk, "del_1", Change{To: status}, now)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s→%s: expected ErrInvalidTransition, got %v", status, status, err)
		}
		if len(tk.DelegationEvents) != 0 {
			t.Errorf("%s→%s: no-op emitted events", status, status)
		}
	}
}

func TestUpdate_InvalidTransitions(t *testing.T) {
	now := time.Now()
	tests := []struct {
		from, to task.DelegationStatus
	}{
		{task.DelegationSpawned, task.DelegationVerified},
		{task.DelegationVerified, task.DelegationRunning},
		{task.DelegationAbandoned, task.DelegationSpawned},
		{task.DelegationCompleted, task.DelegationRunning},
	}
	for _, tt := range tests {
		tk := newTaskWithDelegation(t, tt.from, 0, 1)
		if _, err := Update(tk, "del_1", Change{To: tt.to}, now); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s→%s: expected ErrInvalidTransition, got %v", tt.from, tt.to, err)
		}
	}
}

func TestUpdate_UnknownRecord(t *testing.T) {
	tk := newTaskWithDelegation(t, task.DelegationSpawned, 0, 1)
	if _, err := Update(tk, "del_missing", Change{To: task.DelegationRunning}, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppend(t *testing.T) {
	now := time.Now()
	tk := &task.Task{ID: "task_00000000000000000002", Status: task.StatusInProgress}

	ev, err := Append(tk, task.Delegation{DelegationID: "del_9", RunID: "run_9", TargetAgentID: "researcher", Task: "dig", MaxRetries: 2}, now)
	if err != nil {
		t.Fatal(err)
	}
	if ev.To != task.DelegationSpawned {
		t.Errorf("spawn event = %+v", ev)
	}
	if _, err := Append(tk, task.Delegation{DelegationID: "del_9"}, now); err == nil {
		t.Error("duplicate id accepted")
	}

	sum := tk.SummarizeDelegations()
	if sum.Total != 1 || sum.Spawned != 1 || sum.AllSettled {
		t.Errorf("summary = %+v", sum)
	}
}
