// Package a2a drives durable agent-to-agent conversation flows: a per-agent
// concurrency gate, a file-backed job store with a startup reaper, structured
// payload handling, and the ping-pong orchestrator itself.
package a2a

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultMaxConcurrentFlows = 3
	DefaultQueueTimeout       = 30 * time.Second
)

// QueueTimeoutError is returned when a flow waits longer than the queue
// timeout for its agent's permit.
type QueueTimeoutError struct {
	AgentID      string        `json:"agentId"`
	FlowID       string        `json:"flowId"`
	Active       int           `json:"active"`
	QueueTimeout time.Duration `json:"queueTimeoutMs"`
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("a2a: flow %s timed out waiting for agent %s permit after %s (%d active)",
		e.FlowID, e.AgentID, e.QueueTimeout, e.Active)
}

type waiter struct {
	flowID  string
	ready   chan struct{}
	granted bool
}

type agentGate struct {
	active  int
	waiters []*waiter
}

// Gate is a per-agent FIFO semaphore bounding concurrent flows. Agents are
// fully isolated: counters and queues never share state across agent ids.
type Gate struct {
	MaxConcurrent int
	QueueTimeout  time.Duration

	mu     sync.Mutex
	agents map[string]*agentGate
}

func NewGate() *Gate {
	return &Gate{
		MaxConcurrent: DefaultMaxConcurrentFlows,
		QueueTimeout:  DefaultQueueTimeout,
		agents:        make(map[string]*agentGate),
	}
}

// Acquire returns once the agent has a free slot, in FIFO order. It fails
// with a QueueTimeoutError after the queue timeout, or earlier if ctx ends.
func (g *Gate) Acquire(ctx context.Context, agentID, flowID string) error {
	g.mu.Lock()
	ag := g.agents[agentID]
	if ag == nil {
		ag = &agentGate{}
		g.agents[agentID] = ag
	}
	if ag.active < g.MaxConcurrent && len(ag.waiters) == 0 {
		ag.active++
		g.mu.Unlock()
		return nil
	}
	w := &waiter{flowID: flowID, ready: make(chan struct{})}
	ag.waiters = append(ag.waiters, w)
	active := ag.active
	g.mu.Unlock()

	timer := time.NewTimer(g.QueueTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		if g.abandonWait(agentID, w) {
			return ctx.Err()
		}
		return nil // granted while cancelling; caller owns the permit
	case <-timer.C:
		if g.abandonWait(agentID, w) {
			return &QueueTimeoutError{
				AgentID: agentID, FlowID: flowID,
				Active: active, QueueTimeout: g.QueueTimeout,
			}
		}
		return nil
	}
}

// abandonWait removes w from the queue. It reports false when the waiter was
// already granted, in which case the permit belongs to the caller.
func (g *Gate) abandonWait(agentID string, w *waiter) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w.granted {
		return false
	}
	ag := g.agents[agentID]
	for i, q := range ag.waiters {
		if q == w {
			ag.waiters = append(ag.waiters[:i], ag.waiters[i+1:]...)
			break
		}
	}
	return true
}

// Release frees the flow's slot and hands it to the head of the wait queue.
func (g *Gate) Release(agentID, flowID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ag := g.agents[agentID]
	if ag == nil {
		return
	}
	if len(ag.waiters) > 0 {
		head := ag.waiters[0]
		ag.waiters = ag.waiters[1:]
		head.granted = true
		close(head.ready) // slot transfers, active count unchanged
		return
	}
	if ag.active > 0 {
		ag.active--
	}
	if ag.active == 0 && len(ag.waiters) == 0 {
		delete(g.agents, agentID)
	}
}

// Active reports the agent's current in-flight flow count.
func (g *Gate) Active(agentID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ag := g.agents[agentID]; ag != nil {
		return ag.active
	}
	return 0
}
