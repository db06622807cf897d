package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawtask/internal/bus"
	"github.com/nextlevelbuilder/clawtask/internal/continuation"
	"github.com/nextlevelbuilder/clawtask/internal/delegation"
	"github.com/nextlevelbuilder/clawtask/internal/lifecycle"
	"github.com/nextlevelbuilder/clawtask/internal/task"
	"github.com/nextlevelbuilder/clawtask/pkg/protocol"
)

// WaitStatus classifies one poll of the agent-wait primitive.
type WaitStatus string

const (
	WaitOK       WaitStatus = "ok"
	WaitPending  WaitStatus = "pending"
	WaitNotFound WaitStatus = "not_found"
	WaitError    WaitStatus = "error"
)

// Stepper is the LLM-side collaborator: it runs agent turns and waits for
// replies. Implemented outside this module.
type Stepper interface {
	// Step runs one turn in the session and returns the agent's reply.
	Step(ctx context.Context, sessionKey, prompt string) (string, error)
	// Wait polls for the target session's reply to the initial message.
	Wait(ctx context.Context, sessionKey string, timeout time.Duration) (string, WaitStatus, error)
	// Announce posts a user-facing summary to a channel target.
	Announce(ctx context.Context, target, summary string) error
}

const (
	roundOneWaitTotal = 5 * time.Minute
	roundOneWaitChunk = 30 * time.Second
	maxRetries        = 3
	retryBase         = time.Second
	retryCap          = 30 * time.Second
	excerptLen        = 120
)

// FlowRequest describes one A2A conversation to drive.
type FlowRequest struct {
	JobID             string          // resume an existing record when set
	FromSession       string          // agent:<id> or agent:<id>:subagent:<label>
	ToSession         string
	DisplayKey        string // human-readable target label for UIs
	Message           string
	Payload           json.RawMessage // optional structured payload
	MaxPingPongTurns  int
	SkipPingPong      bool   // deliver round one only, no exchange
	TaskID            string // delegation wiring target on the requester
	WorkSessionID     string
	ParentConvID      string // parent conversation for nested flows
	Depth             int
	Hop               int
	DelegationRetries int
	AnnounceTarget    string
	AnnounceTimeout   int    // milliseconds
	RoundOneReply     string // pre-collected reply, skips the wait
}

// RequestFromRecord rebuilds the request a persisted job was created from so
// the reaper's resumable set can be re-run without the original caller.
// The announce target is dropped: the requester's channel cannot be
// reconstructed after a restart.
func RequestFromRecord(rec *JobRecord) FlowRequest {
	req := FlowRequest{
		JobID:            rec.JobID,
		FromSession:      rec.FromSession,
		ToSession:        rec.ToSession,
		DisplayKey:       rec.DisplayKey,
		Message:          rec.Message,
		MaxPingPongTurns: rec.MaxPingPongTurns,
		SkipPingPong:     rec.SkipPingPong,
		TaskID:           rec.TaskID,
		WorkSessionID:    rec.WorkSessionID,
		ParentConvID:     rec.ParentConvID,
		Depth:            rec.Depth,
		Hop:              rec.Hop,
	}
	if rec.Payload != nil {
		if raw, err := json.Marshal(rec.Payload); err == nil {
			req.Payload = raw
		}
	}
	return req
}

// FlowResult is the structured outcome of one flow.
type FlowResult struct {
	JobID             string   `json:"jobId"`
	Outcome           string   `json:"outcome"` // ok | blocked | failed
	Replies           []string `json:"replies,omitempty"`
	Intent            Intent   `json:"intent"`
	ConfiguredTurns   int      `json:"configuredMaxTurns"`
	EffectiveTurns    int      `json:"effectiveTurns"`
	ActualTurns       int      `json:"actualTurns"`
	EarlyTermination  bool     `json:"earlyTermination"`
	TerminationReason string   `json:"terminationReason,omitempty"`
	Announced         bool     `json:"announced"`
	Error             string   `json:"error,omitempty"`
}

// Orchestrator runs A2A flows end to end: record + permit, round-1 wait,
// intent-budgeted ping-pong, announce, completion, delegation wiring.
type Orchestrator struct {
	gate    *Gate
	jobs    *JobStore
	stepper Stepper
	lc      *lifecycle.Manager
	bus     bus.Publisher
	now     func() time.Time

	// test seams
	waitTotal time.Duration
	waitChunk time.Duration
	sleep     func(time.Duration)
}

func NewOrchestrator(gate *Gate, jobs *JobStore, stepper Stepper, lc *lifecycle.Manager, pub bus.Publisher) *Orchestrator {
	return &Orchestrator{
		gate:      gate,
		jobs:      jobs,
		stepper:   stepper,
		lc:        lc,
		bus:       pub,
		now:       time.Now,
		waitTotal: roundOneWaitTotal,
		waitChunk: roundOneWaitChunk,
		sleep:     time.Sleep,
	}
}

// Run drives one flow to completion. The job record always ends terminal and
// the concurrency permit is always released.
func (o *Orchestrator) Run(ctx context.Context, req FlowRequest) (FlowResult, error) {
	res := FlowResult{ConfiguredTurns: req.MaxPingPongTurns, Outcome: "failed"}

	rec, resumed, err := o.ensureJob(req)
	if err != nil {
		return res, err
	}
	res.JobID = rec.JobID
	convID := rec.ConversationID
	if convID == "" {
		convID = rec.JobID
	}

	fromAgent := sessionAgent(req.FromSession)
	toAgent := sessionAgent(req.ToSession)
	role := protocol.RoleConversationMain
	if isSubSession(req.FromSession) || isSubSession(req.ToSession) {
		role = protocol.RoleDelegationSubagent
	}

	if _, err := o.jobs.SetStatus(rec.JobID, JobRunning, ""); err != nil {
		return res, err
	}

	if err := o.gate.Acquire(ctx, fromAgent, rec.JobID); err != nil {
		o.finishJob(rec.JobID, JobFailed, err.Error())
		res.Error = err.Error()
		return res, err
	}
	defer o.gate.Release(fromAgent, rec.JobID)

	payload := ParsePayload(req.Payload)
	delegationID := o.wireDelegation(fromAgent, req, rec, toAgent)

	o.emit(protocol.EventA2ASend, fromAgent, map[string]any{
		"toAgent":        toAgent,
		"message":        excerpt(req.Message),
		"conversationId": convID,
		"eventRole":      role,
		"reconstructed":  resumed,
	})

	reply, cause := o.roundOne(ctx, req, convID, fromAgent)
	if reply == "" {
		return o.noReply(fromAgent, req, rec.JobID, convID, delegationID, res, cause)
	}
	res.Replies = append(res.Replies, reply)

	res.Intent = ClassifyIntent(req.Message, payload)
	res.EffectiveTurns = clampTurns(req.MaxPingPongTurns, res.Intent.TurnCeiling())
	if rec.SkipPingPong {
		res.EffectiveTurns = 0
	}

	o.pingPong(ctx, req, rec, convID, fromAgent, toAgent, &res)
	if res.Error != "" {
		o.finishJob(rec.JobID, JobFailed, res.Error)
		o.settleDelegation(fromAgent, req.TaskID, delegationID, false, res.Error, "")
		return res, fmt.Errorf("a2a: flow %s: %s", rec.JobID, res.Error)
	}

	res.Announced = o.announce(ctx, req, resumed, &res)
	res.Outcome = "ok"

	o.emit(protocol.EventA2AComplete, fromAgent, map[string]any{
		"conversationId":     convID,
		"outcome":            res.Outcome,
		"configuredMaxTurns": res.ConfiguredTurns,
		"effectiveTurns":     res.EffectiveTurns,
		"actualTurns":        res.ActualTurns,
		"earlyTermination":   res.EarlyTermination,
		"terminationReason":  res.TerminationReason,
		"announceSkipped":    !res.Announced,
	})
	o.finishJob(rec.JobID, JobDone, "")
	o.settleDelegation(fromAgent, req.TaskID, delegationID, true, "", lastReply(res.Replies))
	return res, nil
}

// ResumeAll reaps the job store and re-runs every resumable record from its
// persisted fields. Failed resumes are reported but do not stop the rest.
func (o *Orchestrator) ResumeAll(ctx context.Context, staleTTL time.Duration) ([]FlowResult, error) {
	report, resumable, err := o.jobs.Reap(staleTTL)
	if err != nil {
		return nil, err
	}
	slog.Info("a2a: resuming persisted flows",
		"resumable", len(resumable), "abandoned", report.Abandoned)

	results := make([]FlowResult, 0, len(resumable))
	for _, rec := range resumable {
		res, err := o.Run(ctx, RequestFromRecord(rec))
		if err != nil {
			slog.Warn("a2a: resume failed", "job", rec.JobID, "error", err)
		}
		results = append(results, res)
	}
	return results, nil
}

// ensureJob loads the record for a resume or creates a fresh one.
func (o *Orchestrator) ensureJob(req FlowRequest) (*JobRecord, bool, error) {
	if req.JobID != "" {
		rec, err := o.jobs.Read(req.JobID)
		if err != nil {
			return nil, false, err
		}
		if rec == nil {
			return nil, false, fmt.Errorf("a2a: job %s not found", req.JobID)
		}
		return rec, true, nil
	}
	rec := &JobRecord{
		FromSession:      req.FromSession,
		ToSession:        req.ToSession,
		DisplayKey:       req.DisplayKey,
		Message:          req.Message,
		Payload:          ParsePayload(req.Payload),
		TaskID:           req.TaskID,
		WorkSessionID:    req.WorkSessionID,
		ParentConvID:     req.ParentConvID,
		Depth:            req.Depth,
		Hop:              req.Hop,
		MaxPingPongTurns: req.MaxPingPongTurns,
		SkipPingPong:     req.SkipPingPong,
		AnnounceTarget:   req.AnnounceTarget,
		AnnounceTimeout:  req.AnnounceTimeout,
	}
	if err := o.jobs.Create(rec); err != nil {
		return nil, false, err
	}
	return rec, false, nil
}

// wireDelegation appends a spawned record to the requester's task and marks
// it running once the flow is under way. Returns the delegation id, or ""
// when no task is wired.
func (o *Orchestrator) wireDelegation(fromAgent string, req FlowRequest, rec *JobRecord, toAgent string) string {
	if req.TaskID == "" || o.lc == nil {
		return ""
	}
	if rec.DelegationID != "" {
		return rec.DelegationID // resume keeps the original record
	}
	id := "dlg_" + uuid.NewString()
	maxRetries := req.DelegationRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	res := o.lc.AppendDelegation(fromAgent, req.TaskID, task.Delegation{
		DelegationID:     id,
		RunID:            rec.JobID,
		TargetAgentID:    toAgent,
		TargetSessionKey: req.ToSession,
		Task:             excerpt(req.Message),
		MaxRetries:       maxRetries,
	})
	if !res.Success {
		slog.Warn("a2a: delegation append failed", "task", req.TaskID, "error", res.Error)
		return ""
	}
	if res := o.lc.ApplyDelegation(fromAgent, req.TaskID, id, delegation.Change{
		To: task.DelegationRunning, Note: "flow " + rec.JobID + " started",
	}); !res.Success {
		slog.Warn("a2a: delegation start failed", "task", req.TaskID, "error", res.Error)
	}
	if _, err := o.jobs.Update(rec.JobID, func(r *JobRecord) { r.DelegationID = id }); err != nil {
		slog.Warn("a2a: job delegation link failed", "job", rec.JobID, "error", err)
	}
	return id
}

// settleDelegation closes out a wired delegation record in either direction.
func (o *Orchestrator) settleDelegation(fromAgent, taskID, delegationID string, okOutcome bool, errMsg, snapshot string) {
	if delegationID == "" || o.lc == nil {
		return
	}
	change := delegation.Change{To: task.DelegationCompleted, ResultSnapshot: excerpt(snapshot)}
	if !okOutcome {
		change = delegation.Change{To: task.DelegationFailed, Error: errMsg}
	}
	if res := o.lc.ApplyDelegation(fromAgent, taskID, delegationID, change); !res.Success {
		slog.Warn("a2a: delegation settle failed", "task", taskID, "delegation", delegationID, "error", res.Error)
	}
}

// roundOne collects the target's first reply, polling in chunks with bounded
// retries on transient errors. An empty reply plus cause means no reply.
func (o *Orchestrator) roundOne(ctx context.Context, req FlowRequest, convID, fromAgent string) (string, string) {
	if req.RoundOneReply != "" {
		return req.RoundOneReply, ""
	}

	deadline := o.now().Add(o.waitTotal)
	retries := 0
	for o.now().Before(deadline) {
		reply, status, err := o.stepper.Wait(ctx, req.ToSession, o.waitChunk)
		switch {
		case err == nil && status == WaitOK:
			return reply, ""
		case err == nil && status == WaitPending:
			continue
		case err == nil:
			return "", string(status) // not_found / error: no point retrying
		}

		if retries >= maxRetries {
			return "", fmt.Sprintf("wait failed after %d retries: %v", retries, err)
		}
		reason, _ := continuation.Classify(err.Error())
		delay := retryDelay(retries)
		retries++
		o.emit(protocol.EventA2ARetry, fromAgent, map[string]any{
			"conversationId": convID,
			"attempt":        retries,
			"reason":         string(reason),
			"delayMs":        delay.Milliseconds(),
		})
		o.sleep(delay)
	}
	return "", "timed out after " + o.waitTotal.String()
}

func retryDelay(attempt int) time.Duration {
	d := retryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	return d
}

// noReply finishes the flow with a synthetic blocked outcome.
func (o *Orchestrator) noReply(fromAgent string, req FlowRequest, jobID, convID, delegationID string, res FlowResult, cause string) (FlowResult, error) {
	synthetic := fmt.Sprintf("[outcome] blocked: no reply received (%s)", cause)
	res.Outcome = "blocked"
	res.Replies = append(res.Replies, synthetic)
	res.TerminationReason = "no_reply"

	o.emit(protocol.EventA2AComplete, fromAgent, map[string]any{
		"conversationId":     convID,
		"outcome":            "blocked",
		"announced":          false,
		"configuredMaxTurns": res.ConfiguredTurns,
		"effectiveTurns":     0,
		"actualTurns":        0,
		"cause":              cause,
	})
	o.finishJob(jobID, JobDone, "")
	o.settleDelegation(fromAgent, req.TaskID, delegationID, false, synthetic, "")
	return res, nil
}

// pingPong alternates requester and target for up to the effective turn
// budget, applying the early-termination heuristics on each reply. Turn
// progress is persisted on the job record, so a resumed flow picks up after
// the last completed turn.
func (o *Orchestrator) pingPong(ctx context.Context, req FlowRequest, rec *JobRecord, convID, fromAgent, toAgent string, res *FlowResult) {
	sessions := [2]string{req.FromSession, req.ToSession}
	agents := [2]string{fromAgent, toAgent}

	for turn := rec.CurrentTurn + 1; turn <= res.EffectiveTurns; turn++ {
		idx := (turn - 1) % 2
		prompt := turnPrompt(agents[idx], turn, res.Intent, req.Message, res.Replies)

		reply, err := o.stepper.Step(ctx, sessions[idx], prompt)
		if err != nil {
			res.Error = fmt.Sprintf("turn %d step failed: %v", turn, err)
			return
		}
		if reply == "" || strings.EqualFold(strings.TrimSpace(reply), "skip") {
			res.EarlyTermination = true
			res.TerminationReason = "skip"
			return
		}

		res.ActualTurns = turn
		reason := terminationReason(reply, res.Replies)
		res.Replies = append(res.Replies, reply)
		if _, err := o.jobs.Update(rec.JobID, func(r *JobRecord) { r.CurrentTurn = turn }); err != nil {
			slog.Warn("a2a: turn persist failed", "job", rec.JobID, "turn", turn, "error", err)
		}

		o.emit(protocol.EventA2AResponse, agents[idx], map[string]any{
			"conversationId":    convID,
			"turn":              turn,
			"intent":            string(res.Intent),
			"message":           excerpt(reply),
			"terminationReason": reason,
		})
		if reason != "" {
			res.EarlyTermination = true
			res.TerminationReason = reason
			return
		}
	}
}

// announce composes the user-facing summary. Skipped on resume (the original
// channel cannot be reconstructed), without a target, or without replies.
func (o *Orchestrator) announce(ctx context.Context, req FlowRequest, resumed bool, res *FlowResult) bool {
	if resumed || req.AnnounceTarget == "" || len(res.Replies) == 0 {
		return false
	}
	summary := formatAnnounce(sessionAgent(req.ToSession), req.Message, res)
	if err := o.stepper.Announce(ctx, req.AnnounceTarget, summary); err != nil {
		slog.Warn("a2a: announce failed", "target", req.AnnounceTarget, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) finishJob(jobID string, status JobStatus, errMsg string) {
	if _, err := o.jobs.SetStatus(jobID, status, errMsg); err != nil {
		slog.Warn("a2a: job finish failed", "job", jobID, "status", string(status), "error", err)
	}
}

func (o *Orchestrator) emit(eventType, agentID string, data map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Emit(bus.Event{Type: eventType, AgentID: agentID, TS: o.now(), Data: data})
}

// terminationReason applies the early-termination heuristics to one reply.
func terminationReason(reply string, prior []string) string {
	norm := normalize(reply)
	for _, p := range prior {
		if norm != "" && norm == normalize(p) {
			return "repeated_content"
		}
	}
	lower := strings.ToLower(reply)
	if containsAnyOf(lower, "[end]", "end of conversation", "nothing further", "no further questions") {
		return "end_signal"
	}
	if containsAnyOf(lower, "[outcome]", "task complete", "task is complete", "all steps done") {
		return "completion_marker"
	}
	return ""
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func clampTurns(configured, ceiling int) int {
	if configured < 0 {
		configured = 0
	}
	if configured > ceiling {
		return ceiling
	}
	return configured
}

func turnPrompt(agentID string, turn int, intent Intent, original string, replies []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s in an agent-to-agent %s exchange, turn %d.\n\n", agentID, intent, turn)
	fmt.Fprintf(&b, "Original message: %s\n\n", original)
	if len(replies) > 0 {
		b.WriteString("Conversation so far:\n")
		for i, r := range replies {
			fmt.Fprintf(&b, "%d. %s\n", i+1, excerpt(r))
		}
	}
	b.WriteString("\nRespond concisely. Reply \"skip\" if nothing remains to say.")
	return b.String()
}

func formatAnnounce(toAgent, message string, res *FlowResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation with %s finished after %d turn(s).\n", toAgent, res.ActualTurns)
	fmt.Fprintf(&b, "Request: %s\n", excerpt(message))
	if last := lastReply(res.Replies); last != "" {
		fmt.Fprintf(&b, "Latest reply: %s\n", excerpt(last))
	}
	return b.String()
}

func lastReply(replies []string) string {
	if len(replies) == 0 {
		return ""
	}
	return replies[len(replies)-1]
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= excerptLen {
		return s
	}
	return s[:excerptLen] + "…"
}

// sessionAgent extracts the agent id from a session key of the form
// agent:<id> or agent:<id>:subagent:<label>.
func sessionAgent(sessionKey string) string {
	parts := strings.Split(sessionKey, ":")
	if len(parts) >= 2 && parts[0] == "agent" {
		return parts[1]
	}
	return sessionKey
}

func isSubSession(sessionKey string) bool {
	return strings.Contains(sessionKey, ":subagent:")
}
