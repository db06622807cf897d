package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawtask/internal/bus"
	"github.com/nextlevelbuilder/clawtask/internal/lifecycle"
	"github.com/nextlevelbuilder/clawtask/internal/task"
	"github.com/nextlevelbuilder/clawtask/internal/workspace"
	"github.com/nextlevelbuilder/clawtask/pkg/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *recorder) Subscribe(string, bus.Handler) {}
func (r *recorder) Unsubscribe(string)            {}
func (r *recorder) Emit(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type waitResult struct {
	reply  string
	status WaitStatus
	err    error
}

type fakeStepper struct {
	mu        sync.Mutex
	waits     []waitResult
	replies   []string
	stepErr   error
	steps     []string // prompts seen
	announces []string
}

func (f *fakeStepper) Wait(_ context.Context, _ string, _ time.Duration) (string, WaitStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.waits) == 0 {
		return "", WaitError, nil
	}
	w := f.waits[0]
	f.waits = f.waits[1:]
	return w.reply, w.status, w.err
}

func (f *fakeStepper) Step(_ context.Context, _ string, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stepErr != nil {
		return "", f.stepErr
	}
	f.steps = append(f.steps, prompt)
	if len(f.replies) == 0 {
		return "", nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

func (f *fakeStepper) Announce(_ context.Context, _ string, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, summary)
	return nil
}

func newTestOrchestrator(t *testing.T, stepper *fakeStepper) (*Orchestrator, *JobStore, *recorder) {
	t.Helper()
	jobs := NewJobStore(t.TempDir())
	rec := &recorder{}
	o := NewOrchestrator(NewGate(), jobs, stepper, nil, rec)
	o.sleep = func(time.Duration) {}
	return o, jobs, rec
}

func TestRun_HappyPath(t *testing.T) {
	stepper := &fakeStepper{replies: []string{"starting on it now", "first cut pushed for review"}}
	o, jobs, rec := newTestOrchestrator(t, stepper)

	res, err := o.Run(context.Background(), FlowRequest{
		FromSession:      "agent:main",
		ToSession:        "agent:helper",
		Message:          "take over the importer wiring",
		Payload:          json.RawMessage(`{"kind":"task_delegation","task":"importer wiring"}`),
		MaxPingPongTurns: 10,
		RoundOneReply:    "will do",
		AnnounceTarget:   "channel:dev",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != "ok" {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if res.Intent != IntentCollaboration {
		t.Errorf("intent = %s", res.Intent)
	}
	// actualTurns ≤ effectiveTurns ≤ configuredMaxTurns
	if res.EffectiveTurns != 5 || res.ConfiguredTurns != 10 {
		t.Errorf("turns: effective=%d configured=%d", res.EffectiveTurns, res.ConfiguredTurns)
	}
	// Two scripted replies then an empty step, which ends the exchange.
	if res.ActualTurns != 2 || res.ActualTurns > res.EffectiveTurns {
		t.Errorf("actualTurns = %d", res.ActualTurns)
	}
	if !res.Announced || len(stepper.announces) != 1 {
		t.Errorf("announced = %v (%d)", res.Announced, len(stepper.announces))
	}

	if rec.count(protocol.EventA2ASend) != 1 || rec.count(protocol.EventA2AComplete) != 1 {
		t.Error("send/complete events missing")
	}
	if rec.count(protocol.EventA2AResponse) != 2 {
		t.Errorf("response events = %d", rec.count(protocol.EventA2AResponse))
	}

	job, err := jobs.Read(res.JobID)
	if err != nil || job == nil || job.Status != JobDone {
		t.Errorf("job = %+v err=%v", job, err)
	}
}

func TestRun_NoReply(t *testing.T) {
	stepper := &fakeStepper{waits: []waitResult{{status: WaitNotFound}}}
	o, jobs, rec := newTestOrchestrator(t, stepper)

	res, err := o.Run(context.Background(), FlowRequest{
		FromSession:      "agent:main",
		ToSession:        "agent:ghost",
		Message:          "anyone there?",
		MaxPingPongTurns: 3,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != "blocked" {
		t.Errorf("outcome = %s", res.Outcome)
	}
	synthetic := lastReply(res.Replies)
	if !strings.HasPrefix(synthetic, "[outcome] blocked: no reply received") ||
		!strings.Contains(synthetic, "not_found") {
		t.Errorf("synthetic = %q", synthetic)
	}
	if rec.count(protocol.EventA2AComplete) != 1 {
		t.Error("complete event missing")
	}
	if job, _ := jobs.Read(res.JobID); job == nil || job.Status != JobDone {
		t.Errorf("job = %+v", job)
	}
}

func TestRun_WaitRetries(t *testing.T) {
	stepper := &fakeStepper{
		waits: []waitResult{
			{err: errors.New("request timed out")},
			{err: errors.New("429 too many requests")},
			{reply: "here now", status: WaitOK},
		},
	}
	o, _, rec := newTestOrchestrator(t, stepper)
	var slept []time.Duration
	o.sleep = func(d time.Duration) { slept = append(slept, d) }

	res, err := o.Run(context.Background(), FlowRequest{
		FromSession: "agent:main",
		ToSession:   "agent:helper",
		Message:     "FYI deploy moved", // notification: zero ping-pong turns
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Outcome != "ok" || lastReply(res.Replies) != "here now" {
		t.Errorf("res = %+v", res)
	}
	if rec.count(protocol.EventA2ARetry) != 2 {
		t.Errorf("retry events = %d", rec.count(protocol.EventA2ARetry))
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != 2*time.Second {
		t.Errorf("slept = %v", slept)
	}
}

func TestRun_SubSessionRole(t *testing.T) {
	stepper := &fakeStepper{}
	o, _, rec := newTestOrchestrator(t, stepper)

	_, err := o.Run(context.Background(), FlowRequest{
		FromSession:   "agent:main:subagent:research",
		ToSession:     "agent:helper",
		Message:       "FYI",
		RoundOneReply: "ack",
	})
	if err != nil {
		t.Fatal(err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, e := range rec.events {
		if e.Type == protocol.EventA2ASend {
			if e.Data["eventRole"] != protocol.RoleDelegationSubagent {
				t.Errorf("eventRole = %v", e.Data["eventRole"])
			}
			return
		}
	}
	t.Fatal("no send event")
}

func TestRun_EarlyTermination(t *testing.T) {
	t.Run("repeated content", func(t *testing.T) {
		stepper := &fakeStepper{replies: []string{"Checking the schema now", "checking the  schema NOW"}}
		o, _, _ := newTestOrchestrator(t, stepper)
		res, err := o.Run(context.Background(), FlowRequest{
			FromSession:      "agent:main",
			ToSession:        "agent:helper",
			Message:          "please work on the schema together",
			MaxPingPongTurns: 5,
			RoundOneReply:    "sure",
		})
		if err != nil {
			t.Fatal(err)
		}
		if !res.EarlyTermination || res.TerminationReason != "repeated_content" {
			t.Errorf("res = %+v", res)
		}
		if res.ActualTurns != 2 {
			t.Errorf("actualTurns = %d", res.ActualTurns)
		}
	})

	t.Run("completion marker", func(t *testing.T) {
		stepper := &fakeStepper{replies: []string{"[outcome] task complete, importer wired"}}
		o, _, _ := newTestOrchestrator(t, stepper)
		res, err := o.Run(context.Background(), FlowRequest{
			FromSession:      "agent:main",
			ToSession:        "agent:helper",
			Message:          "please work on the importer",
			MaxPingPongTurns: 5,
			RoundOneReply:    "on it",
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.TerminationReason != "completion_marker" || res.ActualTurns != 1 {
			t.Errorf("res = %+v", res)
		}
	})

	t.Run("skip", func(t *testing.T) {
		stepper := &fakeStepper{replies: []string{"skip"}}
		o, _, _ := newTestOrchestrator(t, stepper)
		res, err := o.Run(context.Background(), FlowRequest{
			FromSession:      "agent:main",
			ToSession:        "agent:helper",
			Message:          "please work on the docs",
			MaxPingPongTurns: 5,
			RoundOneReply:    "ok",
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.TerminationReason != "skip" || res.ActualTurns != 0 {
			t.Errorf("res = %+v", res)
		}
	})
}

func TestRun_PersistsTurnProgress(t *testing.T) {
	stepper := &fakeStepper{replies: []string{"turn one", "turn two"}}
	o, jobs, _ := newTestOrchestrator(t, stepper)

	res, err := o.Run(context.Background(), FlowRequest{
		FromSession:      "agent:main",
		ToSession:        "agent:helper",
		Message:          "please work on the importer together",
		MaxPingPongTurns: 10,
		RoundOneReply:    "ok",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	job, err := jobs.Read(res.JobID)
	if err != nil || job == nil {
		t.Fatalf("job read: %v", err)
	}
	if job.CurrentTurn != 2 || job.CurrentTurn != res.ActualTurns {
		t.Errorf("currentTurn = %d, actualTurns = %d", job.CurrentTurn, res.ActualTurns)
	}
	if job.ConversationID != res.JobID {
		t.Errorf("conversationId = %q", job.ConversationID)
	}
}

func TestRun_SkipPingPong(t *testing.T) {
	stepper := &fakeStepper{replies: []string{"should never be requested"}}
	o, jobs, _ := newTestOrchestrator(t, stepper)

	res, err := o.Run(context.Background(), FlowRequest{
		FromSession:      "agent:main",
		ToSession:        "agent:helper",
		Message:          "please review the rollout plan",
		MaxPingPongTurns: 5,
		SkipPingPong:     true,
		RoundOneReply:    "received",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.EffectiveTurns != 0 || res.ActualTurns != 0 {
		t.Errorf("turns: effective=%d actual=%d", res.EffectiveTurns, res.ActualTurns)
	}
	if len(stepper.steps) != 0 {
		t.Errorf("ping-pong ran: %d prompts", len(stepper.steps))
	}
	if job, _ := jobs.Read(res.JobID); job == nil || !job.SkipPingPong {
		t.Errorf("job = %+v", job)
	}
}

func TestResumeAll(t *testing.T) {
	stepper := &fakeStepper{waits: []waitResult{{reply: "back online, wrapping up", status: WaitOK}}}
	o, jobs, rec := newTestOrchestrator(t, stepper)

	interrupted := &JobRecord{
		FromSession:      "agent:main",
		ToSession:        "agent:helper",
		Message:          "please finish the migration together",
		MaxPingPongTurns: 4,
		AnnounceTarget:   "channel:dev",
	}
	if err := jobs.Create(interrupted); err != nil {
		t.Fatal(err)
	}
	if _, err := jobs.SetStatus(interrupted.JobID, JobRunning, ""); err != nil {
		t.Fatal(err)
	}

	results, err := o.ResumeAll(context.Background(), DefaultStaleTTL)
	if err != nil {
		t.Fatalf("resume all: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != "ok" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Announced || len(stepper.announces) != 0 {
		t.Error("resumed flow must not announce")
	}

	rec.mu.Lock()
	reconstructed := false
	for _, e := range rec.events {
		if e.Type == protocol.EventA2ASend && e.Data["reconstructed"] == true {
			reconstructed = true
		}
	}
	rec.mu.Unlock()
	if !reconstructed {
		t.Error("send event not marked reconstructed")
	}

	job, err := jobs.Read(interrupted.JobID)
	if err != nil || job == nil {
		t.Fatalf("job read: %v", err)
	}
	if job.Status != JobDone || job.ResumeCount != 1 {
		t.Errorf("job = %+v", job)
	}
}

func TestRun_DelegationWiring(t *testing.T) {
	root := t.TempDir()
	reg := workspace.Registry{Root: root}
	if err := workspace.For(root, "main").Ensure(); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	lc := lifecycle.NewManager(task.NewStore(), reg, rec, nil)
	started := lc.Start("main", lifecycle.StartOptions{Description: "parent work"})
	if !started.Success {
		t.Fatal(started.Error)
	}

	jobs := NewJobStore(t.TempDir())
	stepper := &fakeStepper{replies: []string{"delivered"}}
	o := NewOrchestrator(NewGate(), jobs, stepper, lc, rec)
	o.sleep = func(time.Duration) {}

	res, err := o.Run(context.Background(), FlowRequest{
		FromSession:      "agent:main",
		ToSession:        "agent:helper",
		Message:          "please build the parser with me",
		MaxPingPongTurns: 1,
		RoundOneReply:    "starting",
		TaskID:           started.TaskID,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := lc.Store().Read(reg.Workspace("main"), started.TaskID)
	if err != nil || got == nil {
		t.Fatalf("read: %v", err)
	}
	if len(got.Delegations) != 1 {
		t.Fatalf("delegations = %d", len(got.Delegations))
	}
	d := got.Delegations[0]
	if d.Status != task.DelegationCompleted {
		t.Errorf("status = %s", d.Status)
	}
	if d.RunID != res.JobID || d.TargetAgentID != "helper" {
		t.Errorf("record = %+v", d)
	}
	if job, _ := jobs.Read(res.JobID); job.DelegationID != d.DelegationID {
		t.Error("job not linked to delegation")
	}
}

func TestRun_StepFailureFailsJob(t *testing.T) {
	stepper := &fakeStepper{stepErr: errors.New("provider exploded")}
	o, jobs, _ := newTestOrchestrator(t, stepper)

	res, err := o.Run(context.Background(), FlowRequest{
		FromSession:      "agent:main",
		ToSession:        "agent:helper",
		Message:          "please work on this",
		MaxPingPongTurns: 3,
		RoundOneReply:    "ok",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Outcome != "failed" {
		t.Errorf("outcome = %s", res.Outcome)
	}
	job, _ := jobs.Read(res.JobID)
	if job == nil || job.Status != JobFailed || !strings.Contains(job.Error, "provider exploded") {
		t.Errorf("job = %+v", job)
	}
}

func TestRun_QueueTimeoutFailsJob(t *testing.T) {
	stepper := &fakeStepper{}
	o, jobs, _ := newTestOrchestrator(t, stepper)
	o.gate.MaxConcurrent = 1
	o.gate.QueueTimeout = 20 * time.Millisecond
	if err := o.gate.Acquire(context.Background(), "main", "squatter"); err != nil {
		t.Fatal(err)
	}

	res, err := o.Run(context.Background(), FlowRequest{
		FromSession:   "agent:main",
		ToSession:     "agent:helper",
		Message:       "hello",
		RoundOneReply: "hi",
	})
	var te *QueueTimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v", err)
	}
	if job, _ := jobs.Read(res.JobID); job == nil || job.Status != JobFailed {
		t.Errorf("job = %+v", job)
	}
}
