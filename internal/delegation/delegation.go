// Package delegation applies status transitions to the delegation records
// embedded in task files.
//
// Update is pure: it validates the source→destination transition against the
// lattice and returns the mutated record plus the event to append. Callers
// persist both under the task's file lock so the record and its event trail
// never diverge.
package delegation

import (
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/clawtask/internal/task"
)

var (
	ErrNotFound          = errors.New("delegation: record not found")
	ErrInvalidTransition = errors.New("delegation: invalid transition")
	ErrRetriesExhausted  = errors.New("delegation: max retries exhausted")
)

// validTransitions is the delegation status lattice:
// spawned → running → {completed|failed} → {verified|rejected|abandoned},
// rejected → retrying → spawned (bounded by maxRetries).
var validTransitions = map[task.DelegationStatus]map[task.DelegationStatus]bool{
	task.DelegationSpawned: {
		task.DelegationRunning:   true,
		task.DelegationFailed:    true,
		task.DelegationAbandoned: true,
	},
	task.DelegationRunning: {
		task.DelegationCompleted: true,
		task.DelegationFailed:    true,
		task.DelegationAbandoned: true,
	},
	task.DelegationCompleted: {
		task.DelegationVerified:  true,
		task.DelegationRejected:  true,
		task.DelegationAbandoned: true,
	},
	task.DelegationFailed: {
		task.DelegationVerified:  true,
		task.DelegationRejected:  true,
		task.DelegationAbandoned: true,
	},
	task.DelegationRejected: {
		task.DelegationRetrying:  true,
		task.DelegationAbandoned: true,
	},
	task.DelegationRetrying: {
		task.DelegationSpawned:   true,
		task.DelegationAbandoned: true,
	},
}

// Change carries the optional field updates applied alongside a transition.
type Change struct {
	To               task.DelegationStatus
	Note             string
	ResultSnapshot   string
	VerificationNote string
	Error            string // recorded in previousErrors on failed/rejected
}

// Update validates and applies one transition to the delegation with the
// given id inside t, returning the synthesized event. No-op transitions
// (e.g. rejected→rejected) are errors, never silently duplicated events.
func Update(t *task.Task, delegationID string, change Change, now time.Time) (task.DelegationEvent, error) {
	rec := t.DelegationByID(delegationID)
	if rec == nil {
		return task.DelegationEvent{}, fmt.Errorf("%w: %s", ErrNotFound, delegationID)
	}

	from := rec.Status
	if from == change.To {
		return task.DelegationEvent{}, fmt.Errorf("%w: %s → %s (no-op)", ErrInvalidTransition, from, change.To)
	}
	if !validTransitions[from][change.To] {
		return task.DelegationEvent{}, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, change.To)
	}

	// rejected → retrying consumes one retry; refuse when exhausted.
	if change.To == task.DelegationRetrying {
		if rec.RetryCount >= rec.MaxRetries {
			return task.DelegationEvent{}, fmt.Errorf("%w: %d/%d", ErrRetriesExhausted, rec.RetryCount, rec.MaxRetries)
		}
		rec.RetryCount++
	}

	rec.Status = change.To
	rec.UpdatedAt = now
	if change.ResultSnapshot != "" {
		rec.ResultSnapshot = change.ResultSnapshot
	}
	if change.VerificationNote != "" {
		rec.VerificationNote = change.VerificationNote
	}
	if change.Error != "" {
		rec.PreviousErrors = append(rec.PreviousErrors, change.Error)
	}

	event := task.DelegationEvent{
		DelegationID: delegationID,
		From:         from,
		To:           change.To,
		Note:         change.Note,
		TS:           now,
	}
	t.DelegationEvents = append(t.DelegationEvents, event)
	return event, nil
}

// Append adds a fresh spawned delegation record to the task and records the
// spawn event.
func Append(t *task.Task, rec task.Delegation, now time.Time) (task.DelegationEvent, error) {
	if rec.DelegationID == "" {
		return task.DelegationEvent{}, errors.New("delegation: missing id")
	}
	if t.DelegationByID(rec.DelegationID) != nil {
		return task.DelegationEvent{}, fmt.Errorf("delegation: duplicate id %s", rec.DelegationID)
	}
	if rec.Status == "" {
		rec.Status = task.DelegationSpawned
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	t.Delegations = append(t.Delegations, rec)
	event := task.DelegationEvent{DelegationID: rec.DelegationID, To: rec.Status, TS: now}
	t.DelegationEvents = append(t.DelegationEvents, event)
	return event, nil
}
