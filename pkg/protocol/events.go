package protocol

// Coordination event type names. These appear in the `type` field of every
// event broadcast on the bus and appended to coordination-events.ndjson.
const (
	// Task lifecycle events.
	EventTaskStarted   = "task.started"
	EventTaskUpdated   = "task.updated"
	EventTaskApproved  = "task.approved"
	EventTaskBlocked   = "task.blocked"
	EventTaskResumed   = "task.resumed"
	EventTaskCompleted = "task.completed"
	EventTaskCancelled = "task.cancelled"
	EventTaskBacklog   = "task.backlog_added"
	EventTaskPicked    = "task.picked"
	EventTaskAbandoned = "task.abandoned"

	// Agent run lifecycle (emitted by the LLM adapter, consumed here).
	EventLifecycleStart = "lifecycle:start"
	EventLifecycleEnd   = "lifecycle:end"

	// Continuation controller actions.
	EventContinuationSent     = "continuation.sent"
	EventContinuationEscalate = "continuation.escalated"
	EventContinuationBackoff  = "continuation.backoff"
	EventUnblockRequested     = "continuation.unblock_requested"
	EventZombieRecovered      = "continuation.zombie_recovered"

	// A2A flow events.
	EventA2ASend     = "a2a.send"
	EventA2AResponse = "a2a.response"
	EventA2AComplete = "a2a.complete"
	EventA2ARetry    = "a2a.retry"

	// Delegation lifecycle (payload: delegationId, from/to status).
	EventDelegation = "delegation.updated"

	// Milestone sync.
	EventMilestoneSyncFailed = "milestone.sync_failed"

	// Cron trigger fired.
	EventTriggerFired = "trigger.fired"
)

// Event roles distinguish main-session conversations from delegated
// subagent exchanges in a2a.send events.
const (
	RoleConversationMain   = "conversation.main"
	RoleDelegationSubagent = "delegation.subagent"
)

// Monitor WebSocket message types pushed to connected clients.
const (
	WSConnected       = "connected"
	WSAgentUpdate     = "agent_update"
	WSTaskUpdate      = "task_update"
	WSTaskStepUpdate  = "task_step_update"
	WSTeamStateUpdate = "team_state_update"
	WSEventLog        = "event_log"
	WSPlanUpdate      = "plan_update"
)
