package lifecycle

import (
	"github.com/nextlevelbuilder/clawtask/internal/delegation"
	"github.com/nextlevelbuilder/clawtask/internal/task"
	"github.com/nextlevelbuilder/clawtask/internal/workspace"
	"github.com/nextlevelbuilder/clawtask/pkg/protocol"
)

// AppendDelegation attaches a spawned delegation record to the owning task
// under its file lock.
func (m *Manager) AppendDelegation(agentID, taskID string, rec task.Delegation) Result {
	var ev task.DelegationEvent
	res := m.withTask(agentID, taskID, func(ws workspace.Workspace, t *task.Task) (Result, bool) {
		var err error
		ev, err = delegation.Append(t, rec, m.now())
		if err != nil {
			return fail(KindValidation, err.Error()), false
		}
		return ok(t), true
	})
	if res.Success {
		m.emit(protocol.EventDelegation, agentID, map[string]any{
			"taskId": taskID, "delegationId": rec.DelegationID,
			"from": ev.From, "to": ev.To, "target": rec.TargetAgentID,
		})
	}
	return res
}

// ApplyDelegation runs one validated status transition on a delegation record
// under the owning task's file lock.
func (m *Manager) ApplyDelegation(agentID, taskID, delegationID string, change delegation.Change) Result {
	var ev task.DelegationEvent
	res := m.withTask(agentID, taskID, func(ws workspace.Workspace, t *task.Task) (Result, bool) {
		var err error
		ev, err = delegation.Update(t, delegationID, change, m.now())
		if err != nil {
			return fail(KindPrecondition, err.Error()), false
		}
		return ok(t), true
	})
	if res.Success {
		m.emit(protocol.EventDelegation, agentID, map[string]any{
			"taskId": taskID, "delegationId": delegationID,
			"from": ev.From, "to": ev.To,
		})
	}
	return res
}
