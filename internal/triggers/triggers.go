// Package triggers runs cron-scheduled agent prompts. Definitions live in
// <root>/triggers.json5 and fire through the same runner interface the
// continuation controller uses.
package triggers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/clawtask/internal/bus"
	"github.com/nextlevelbuilder/clawtask/pkg/protocol"
)

// Runner enqueues an agent run. Satisfied by the LLM adapter.
type Runner interface {
	EnqueueRun(agentID, prompt string, meta map[string]string) error
}

// Trigger is one cron-scheduled prompt.
type Trigger struct {
	Name     string `json:"name"`
	AgentID  string `json:"agentId"`
	Schedule string `json:"schedule"` // standard cron expression
	Prompt   string `json:"prompt"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Scheduler evaluates trigger schedules once per minute.
type Scheduler struct {
	runner Runner
	bus    bus.Publisher
	gron   gronx.Gronx

	mu        sync.Mutex
	triggers  []Trigger
	lastFired map[string]time.Time
}

func NewScheduler(runner Runner, pub bus.Publisher) *Scheduler {
	return &Scheduler{
		runner:    runner,
		bus:       pub,
		gron:      *gronx.New(),
		lastFired: make(map[string]time.Time),
	}
}

// Load replaces the trigger set from a json5 file. A missing file clears the
// set; invalid entries fail the whole load so a typo cannot silently drop a
// schedule.
func (s *Scheduler) Load(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.triggers = nil
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("triggers: read %s: %w", path, err)
	}
	var loaded []Trigger
	if err := json5.Unmarshal(raw, &loaded); err != nil {
		return fmt.Errorf("triggers: parse %s: %w", path, err)
	}
	for _, t := range loaded {
		if err := s.validate(t); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.triggers = loaded
	s.mu.Unlock()
	slog.Info("triggers loaded", "count", len(loaded), "path", path)
	return nil
}

// Add registers one trigger after validation.
func (s *Scheduler) Add(t Trigger) error {
	if err := s.validate(t); err != nil {
		return err
	}
	s.mu.Lock()
	s.triggers = append(s.triggers, t)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) validate(t Trigger) error {
	if t.Name == "" || t.AgentID == "" || t.Prompt == "" {
		return fmt.Errorf("triggers: %q needs name, agentId and prompt", t.Name)
	}
	if !s.gron.IsValid(t.Schedule) {
		return fmt.Errorf("triggers: %q has invalid schedule %q", t.Name, t.Schedule)
	}
	return nil
}

// Start ticks once per minute until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick fires every due trigger at the given instant and returns their names.
// A trigger fires at most once per minute.
func (s *Scheduler) Tick(now time.Time) []string {
	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	due := make([]Trigger, 0)
	for _, t := range s.triggers {
		if t.Disabled {
			continue
		}
		if last, ok := s.lastFired[t.Name]; ok && !last.Before(minute) {
			continue
		}
		ok, err := s.gron.IsDue(t.Schedule, minute)
		if err != nil {
			slog.Warn("triggers: schedule check failed", "trigger", t.Name, "error", err)
			continue
		}
		if ok {
			s.lastFired[t.Name] = minute
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	fired := make([]string, 0, len(due))
	for _, t := range due {
		if err := s.runner.EnqueueRun(t.AgentID, t.Prompt, map[string]string{"trigger": t.Name}); err != nil {
			slog.Warn("triggers: enqueue failed", "trigger", t.Name, "agent", t.AgentID, "error", err)
			continue
		}
		fired = append(fired, t.Name)
		if s.bus != nil {
			s.bus.Emit(bus.Event{
				Type:    protocol.EventTriggerFired,
				AgentID: t.AgentID,
				TS:      now,
				Data:    map[string]any{"trigger": t.Name, "schedule": t.Schedule},
			})
		}
	}
	return fired
}
