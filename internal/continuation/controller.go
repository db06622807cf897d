// Package continuation keeps agents progressing on open tasks.
//
// Five layers cooperate, each with its own trigger and cooldown:
//
//	A. Stop Guard        — synchronous, lives in lifecycle.Complete.
//	B. Self-Driving Loop — lifecycle:end + 500ms grace, strong prompt.
//	C. Step-Continuation — lifecycle:end + 2s, milder prompt, suppressed
//	                       when B already fired in the window.
//	D. Polling           — 2m scan over all agents, idle + cooldown gated.
//	E. Zombie Recovery   — evaluated inline during D for tasks past TTL.
//
// A lifecycle:start for an agent cancels that agent's pending B/C timers.
// Failed continuations are classified and backed off per (agent, task).
package continuation

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawtask/internal/bus"
	"github.com/nextlevelbuilder/clawtask/internal/lifecycle"
	"github.com/nextlevelbuilder/clawtask/internal/task"
	"github.com/nextlevelbuilder/clawtask/pkg/protocol"
)

// Runner enqueues an internal agent run. Implemented by the LLM adapter.
type Runner interface {
	EnqueueRun(agentID, prompt string, meta map[string]string) error
}

// LaneQueue reports pending work on an agent's own lane. The check is
// deliberately per-agent: gating on a global lane over-throttles everyone.
type LaneQueue interface {
	Pending(agentID string) int
}

// Config carries the controller's timing knobs.
type Config struct {
	SelfDriveDelay           time.Duration
	StepContinueDelay        time.Duration
	SelfDriveCooldown        time.Duration
	PollInterval             time.Duration
	IdleThreshold            time.Duration
	ContinuationCooldown     time.Duration
	ZombieTTL                time.Duration
	MaxZombieReassigns       int
	MaxUnblockRequests       int
	MaxStallsOnSameStep      int
	MaxZeroProgressRuns      int
	MaxConsecutiveSelfDrives int
	PromptRate               rate.Limit // per-agent prompt rate guard
	PromptBurst              int
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		SelfDriveDelay:           500 * time.Millisecond,
		StepContinueDelay:        2 * time.Second,
		SelfDriveCooldown:        60 * time.Second,
		PollInterval:             2 * time.Minute,
		IdleThreshold:            3 * time.Minute,
		ContinuationCooldown:     5 * time.Minute,
		ZombieTTL:                24 * time.Hour,
		MaxZombieReassigns:       3,
		MaxUnblockRequests:       3,
		MaxStallsOnSameStep:      3,
		MaxZeroProgressRuns:      3,
		MaxConsecutiveSelfDrives: 5,
		PromptRate:               rate.Every(20 * time.Second),
		PromptBurst:              5,
	}
}

// Action describes what a layer decided for a task.
type Action string

const (
	ActionNone          Action = "none"
	ActionSelfDrive     Action = "SELF_DRIVE"
	ActionEscalate      Action = "ESCALATE"
	ActionCapped        Action = "CAPPED"
	ActionStepContinue  Action = "STEP_CONTINUE"
	ActionContinuation  Action = "CONTINUATION"
	ActionUnblock       Action = "UNBLOCK"
	ActionBacklogRecover Action = "BACKLOG_RECOVER"
	ActionAbandon       Action = "ABANDON"
)

// Record is one decision made during a poll pass.
type Record struct {
	Action Action
	TaskID string
}

type agentState struct {
	timerB *time.Timer
	timerC *time.Timer

	consecutive  int
	sameStep     int
	zeroProgress int
	lastStepID   string
	lastDone     int
	lastFire     time.Time
	escalatedStep string
	bFiredInWindow bool

	lastContinuation map[string]time.Time // taskID → last layer-D prompt
	limiter          *rate.Limiter
}

// Controller composes the five continuation layers.
type Controller struct {
	cfg     Config
	lc      *lifecycle.Manager
	runner  Runner
	lane    LaneQueue
	bus     bus.Publisher
	backoff *BackoffState
	now     func() time.Time

	mu     sync.Mutex
	agents map[string]*agentState

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewController(cfg Config, lc *lifecycle.Manager, runner Runner, lane LaneQueue, pub bus.Publisher) *Controller {
	return &Controller{
		cfg:     cfg,
		lc:      lc,
		runner:  runner,
		lane:    lane,
		bus:     pub,
		backoff: NewBackoffState(),
		now:     time.Now,
		agents:  make(map[string]*agentState),
		stopCh:  make(chan struct{}),
	}
}

// SetClock injects a deterministic clock for tests.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// Backoff exposes the failure state for inspection.
func (c *Controller) Backoff() *BackoffState { return c.backoff }

func (c *Controller) state(agentID string) *agentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.agents[agentID]
	if !ok {
		st = &agentState{
			lastContinuation: make(map[string]time.Time),
			limiter:          rate.NewLimiter(c.cfg.PromptRate, c.cfg.PromptBurst),
		}
		c.agents[agentID] = st
	}
	return st
}

// Start subscribes to lifecycle events and runs the polling loop until Stop.
func (c *Controller) Start() {
	c.bus.Subscribe("continuation-controller", c.handleEvent)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.PollAll()
			}
		}
	}()
}

// Stop cancels the polling ticker, all pending per-agent timers, and waits
// for in-flight work to drain.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.bus.Unsubscribe("continuation-controller")
		c.mu.Lock()
		for _, st := range c.agents {
			stopTimer(st.timerB)
			stopTimer(st.timerC)
		}
		c.mu.Unlock()
		c.wg.Wait()
	})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (c *Controller) handleEvent(e bus.Event) {
	switch e.Type {
	case protocol.EventLifecycleStart:
		c.HandleLifecycleStart(e.AgentID)
	case protocol.EventLifecycleEnd:
		session, _ := e.Data["sessionKey"].(string)
		c.HandleLifecycleEnd(e.AgentID, session)
	}
}

// HandleLifecycleStart cancels pending B/C timers for the agent atomically
// and clears the escalation latch.
func (c *Controller) HandleLifecycleStart(agentID string) {
	st := c.state(agentID)
	c.mu.Lock()
	stopTimer(st.timerB)
	stopTimer(st.timerC)
	st.timerB, st.timerC = nil, nil
	st.escalatedStep = ""
	c.mu.Unlock()
}

// HandleLifecycleEnd schedules the self-drive (B) and step-continuation (C)
// timers for a main-session run. Sub-session runs are excluded.
func (c *Controller) HandleLifecycleEnd(agentID, sessionKey string) {
	if isSubSession(sessionKey) {
		return
	}
	st := c.state(agentID)
	c.mu.Lock()
	stopTimer(st.timerB)
	stopTimer(st.timerC)
	st.bFiredInWindow = false
	st.timerB = time.AfterFunc(c.cfg.SelfDriveDelay, func() { c.SelfDrive(agentID) })
	st.timerC = time.AfterFunc(c.cfg.StepContinueDelay, func() { c.StepContinue(agentID) })
	c.mu.Unlock()
}

func isSubSession(sessionKey string) bool {
	return strings.Contains(sessionKey, ":subagent:")
}

// SelfDrive is layer B: inspect the active task and, if structured steps
// remain open, push a strong continuation run.
func (c *Controller) SelfDrive(agentID string) Action {
	t := c.activeTask(agentID)
	if t == nil || len(t.Steps) == 0 || len(t.OpenSteps()) == 0 {
		return ActionNone
	}

	st := c.state(agentID)
	now := c.now()

	c.mu.Lock()
	if !st.lastFire.IsZero() && now.Sub(st.lastFire) > c.cfg.SelfDriveCooldown {
		st.consecutive, st.sameStep, st.zeroProgress = 0, 0, 0
		st.escalatedStep = ""
		st.lastStepID = ""
	}
	st.lastFire = now
	st.bFiredInWindow = true
	st.consecutive++

	if cur := t.CurrentStep(); cur != nil {
		if cur.ID == st.lastStepID {
			st.sameStep++
		} else {
			st.sameStep = 1
			st.lastStepID = cur.ID
			st.escalatedStep = ""
		}
	}
	done := t.DoneStepCount()
	if done <= st.lastDone {
		st.zeroProgress++
	} else {
		st.zeroProgress = 0
	}
	st.lastDone = done

	capped := st.consecutive > c.cfg.MaxConsecutiveSelfDrives
	escalate := !capped && st.escalatedStep != st.lastStepID &&
		(st.sameStep >= c.cfg.MaxStallsOnSameStep || st.zeroProgress >= c.cfg.MaxZeroProgressRuns)
	if escalate {
		st.escalatedStep = st.lastStepID
	}
	c.mu.Unlock()

	if capped {
		slog.Debug("continuation: self-drive capped", "agent", agentID, "task", t.ID)
		return ActionCapped
	}

	action := ActionSelfDrive
	prompt := selfDrivePrompt(t)
	if escalate {
		action = ActionEscalate
		prompt = escalationPrompt(t, st.sameStep)
		c.emit(protocol.EventContinuationEscalate, agentID, map[string]any{
			"taskId": t.ID, "stepId": st.lastStepID, "sameStepCount": st.sameStep,
		})
	}

	c.send(agentID, t.ID, prompt, map[string]string{"layer": "self_drive"})
	return action
}

// StepContinue is layer C: same trigger as B with a longer delay and a
// milder prompt. Skipped when B already fired in this window.
func (c *Controller) StepContinue(agentID string) Action {
	st := c.state(agentID)
	c.mu.Lock()
	suppressed := st.bFiredInWindow
	c.mu.Unlock()
	if suppressed {
		return ActionNone
	}

	t := c.activeTask(agentID)
	if t == nil || len(t.Steps) == 0 || len(t.OpenSteps()) == 0 {
		return ActionNone
	}

	c.send(agentID, t.ID, stepContinuePrompt(t), map[string]string{"layer": "step_continue"})
	return ActionStepContinue
}

// PollAll runs the layer-D scan over every known agent.
func (c *Controller) PollAll() {
	for _, agentID := range c.lc.Registry().Agents() {
		c.PollAgent(agentID)
	}
}

// PollAgent evaluates layers D and E for one agent and returns the decisions
// made, one per inspected task.
func (c *Controller) PollAgent(agentID string) []Record {
	now := c.now()
	var records []Record

	ws := c.lc.Registry().Workspace(agentID)

	if t, err := c.lc.Store().FindActive(ws); err == nil && t != nil {
		records = append(records, Record{Action: c.pollActive(agentID, t, now), TaskID: t.ID})
	}

	blocked, err := c.lc.Store().FindBlocked(ws)
	if err == nil {
		for _, t := range blocked {
			records = append(records, Record{Action: c.pollBlocked(agentID, t, now), TaskID: t.ID})
		}
	}
	return records
}

func (c *Controller) pollActive(agentID string, t *task.Task, now time.Time) Action {
	idle := now.Sub(t.LastActivity)

	// Layer E: zombie recovery takes precedence over prompting.
	if idle >= c.cfg.ZombieTTL {
		return c.recoverZombie(agentID, t)
	}

	if c.lane != nil && c.lane.Pending(agentID) > 0 {
		return ActionNone
	}
	if idle < c.cfg.IdleThreshold {
		return ActionNone
	}

	st := c.state(agentID)
	c.mu.Lock()
	last, sent := st.lastContinuation[t.ID]
	c.mu.Unlock()
	if sent && now.Sub(last) < c.cfg.ContinuationCooldown {
		return ActionNone
	}
	if !c.backoff.Expired(agentID, t.ID, now) {
		return ActionNone
	}

	// Only a prompt that actually reached the run queue consumes the
	// cooldown; dropped or failed sends retry on the next poll (failures
	// are already gated by the backoff).
	if !c.send(agentID, t.ID, pollingPrompt(t), map[string]string{"layer": "polling"}) {
		return ActionNone
	}

	c.mu.Lock()
	st.lastContinuation[t.ID] = now
	c.mu.Unlock()
	return ActionContinuation
}

func (c *Controller) pollBlocked(agentID string, t *task.Task, now time.Time) Action {
	if t.Blocking == nil || len(t.Blocking.UnblockedBy) == 0 {
		return ActionNone
	}
	if t.Blocking.EscalationState == "escalated" {
		return ActionNone
	}
	if t.Blocking.LastUnblockRequestAt != nil &&
		now.Sub(*t.Blocking.LastUnblockRequestAt) < c.cfg.ContinuationCooldown {
		return ActionNone
	}

	req := c.lc.RecordUnblockRequest(agentID, t.ID, c.cfg.MaxUnblockRequests)
	if !req.Success || req.Escalated || req.Unblocker == "" {
		return ActionNone
	}

	c.send(req.Unblocker, t.ID, unblockPrompt(agentID, t), map[string]string{
		"layer": "unblock", "blockedAgent": agentID,
	})
	return ActionUnblock
}

// recoverZombie returns an inactive task to the backlog up to the reassign
// budget, then abandons it.
func (c *Controller) recoverZombie(agentID string, t *task.Task) Action {
	reassigns := 0
	if t.Backlog != nil {
		reassigns = t.Backlog.ReassignCount
	}
	if reassigns >= c.cfg.MaxZombieReassigns {
		if res := c.lc.Abandon(agentID, t.ID, "inactive past zombie TTL; reassign budget spent"); !res.Success {
			slog.Warn("continuation: abandon failed", "agent", agentID, "task", t.ID, "error", res.Error)
			return ActionNone
		}
		return ActionAbandon
	}
	if res := c.lc.ReturnToBacklog(agentID, t.ID, "inactive past zombie TTL"); !res.Success {
		slog.Warn("continuation: backlog recovery failed", "agent", agentID, "task", t.ID, "error", res.Error)
		return ActionNone
	}
	return ActionBacklogRecover
}

// send pushes one continuation prompt through the rate guard and records
// failures for backoff. Reports whether the prompt was enqueued.
func (c *Controller) send(agentID, taskID, prompt string, meta map[string]string) bool {
	st := c.state(agentID)
	if !st.limiter.Allow() {
		slog.Debug("continuation: rate guard dropped prompt", "agent", agentID, "task", taskID)
		return false
	}

	meta["taskId"] = taskID
	if err := c.runner.EnqueueRun(agentID, prompt, meta); err != nil {
		reason, delay := c.backoff.RecordFailure(agentID, taskID, err.Error(), c.now())
		slog.Warn("continuation: run enqueue failed",
			"agent", agentID, "task", taskID, "reason", string(reason), "backoff", delay, "error", err)
		c.emit(protocol.EventContinuationBackoff, agentID, map[string]any{
			"taskId": taskID, "reason": string(reason), "backoffMs": delay.Milliseconds(),
		})
		return false
	}

	c.backoff.RecordSuccess(agentID, taskID)
	c.emit(protocol.EventContinuationSent, agentID, map[string]any{
		"taskId": taskID, "layer": meta["layer"],
	})
	return true
}

func (c *Controller) activeTask(agentID string) *task.Task {
	ws := c.lc.Registry().Workspace(agentID)
	t, err := c.lc.Store().FindActive(ws)
	if err != nil {
		slog.Warn("continuation: active task lookup failed", "agent", agentID, "error", err)
		return nil
	}
	return t
}

func (c *Controller) emit(eventType, agentID string, data map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(bus.Event{Type: eventType, AgentID: agentID, TS: c.now(), Data: data})
}
