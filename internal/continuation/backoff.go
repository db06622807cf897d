package continuation

import (
	"sync"
	"time"
)

const backoffCap = 2 * time.Hour

// BackoffState tracks per-(agent, task) continuation failures. State never
// leaks across agents: the key includes both ids.
type BackoffState struct {
	mu      sync.Mutex
	entries map[string]*backoffEntry
}

type backoffEntry struct {
	reason   FailureReason
	attempts int
	until    time.Time
}

func NewBackoffState() *BackoffState {
	return &BackoffState{entries: make(map[string]*backoffEntry)}
}

func key(agentID, taskID string) string { return agentID + "/" + taskID }

// Delay computes the backoff for a 0-indexed attempt: the base at n=0,
// doubling each subsequent attempt, capped at 2h.
func Delay(reason FailureReason, attempt int) time.Duration {
	d := reason.Base()
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d
}

// RecordFailure classifies the error, advances the attempt counter, and
// returns the chosen delay. A server-suggested override (rate limits)
// replaces the computed delay.
func (b *BackoffState) RecordFailure(agentID, taskID, errText string, now time.Time) (FailureReason, time.Duration) {
	reason, override := Classify(errText)

	b.mu.Lock()
	defer b.mu.Unlock()

	k := key(agentID, taskID)
	e := b.entries[k]
	if e == nil || e.reason != reason {
		e = &backoffEntry{reason: reason}
		b.entries[k] = e
	}

	delay := Delay(reason, e.attempts)
	if override > 0 {
		delay = override
	}
	e.attempts++
	e.until = now.Add(delay)
	return reason, delay
}

// RecordSuccess clears the failure state for the task.
func (b *BackoffState) RecordSuccess(agentID, taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key(agentID, taskID))
}

// Expired reports whether the task is free to be continued at now.
func (b *BackoffState) Expired(agentID, taskID string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key(agentID, taskID)]
	return !ok || !now.Before(e.until)
}
