package lifecycle

import (
	"fmt"

	"github.com/nextlevelbuilder/clawtask/internal/task"
	"github.com/nextlevelbuilder/clawtask/internal/workspace"
	"github.com/nextlevelbuilder/clawtask/pkg/protocol"
)

// UnblockRequest is the outcome of one round-robin unblock attempt.
type UnblockRequest struct {
	Result
	Unblocker string `json:"unblocker,omitempty"`
	Escalated bool   `json:"escalated"`
	Attempt   int    `json:"attempt"`
}

// RecordUnblockRequest picks the next unblocker for a blocked task via
// round-robin over unblockedBy and bumps the request counters. Once the
// attempt budget is spent the escalation state flips to escalated and no
// unblocker is returned.
func (m *Manager) RecordUnblockRequest(agentID, taskID string, maxRequests int) UnblockRequest {
	var out UnblockRequest
	res := m.withTask(agentID, taskID, func(ws workspace.Workspace, t *task.Task) (Result, bool) {
		if t.Status != task.StatusBlocked || t.Blocking == nil {
			return fail(KindPrecondition,
				fmt.Sprintf("task %s is not blocked", taskID)), false
		}
		b := t.Blocking

		if b.EscalationState == "escalated" {
			out.Escalated = true
			out.Attempt = b.UnblockRequestCount
			return ok(t), false
		}
		if b.UnblockRequestCount >= maxRequests {
			b.EscalationState = "escalated"
			t.AddProgress(m.now(), fmt.Sprintf(
				"Unblock requests exhausted after %d attempts; escalating", b.UnblockRequestCount))
			out.Escalated = true
			out.Attempt = b.UnblockRequestCount
			return ok(t), true
		}

		next := 0
		if b.LastUnblockerIndex != nil {
			next = (*b.LastUnblockerIndex + 1) % len(b.UnblockedBy)
		}
		unblocker := b.UnblockedBy[next]

		b.LastUnblockerIndex = &next
		b.UnblockRequestCount++
		now := m.now()
		b.LastUnblockRequestAt = &now
		b.EscalationState = "requesting"
		t.AddProgress(now, fmt.Sprintf("Requested unblock from %s (attempt %d)", unblocker, b.UnblockRequestCount))

		out.Unblocker = unblocker
		out.Attempt = b.UnblockRequestCount
		return ok(t), true
	})
	out.Result = res

	if res.Success && out.Unblocker != "" {
		m.emit(protocol.EventUnblockRequested, agentID, map[string]any{
			"taskId": taskID, "unblocker": out.Unblocker, "attempt": out.Attempt,
		})
	}
	return out
}
