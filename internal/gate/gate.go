// Package gate holds the session tool gate: an in-memory map of session key
// to the set of tool names a lead has gated for that session. The tool
// dispatcher consults it before executing anything on a delegated session.
package gate

import (
	"log/slog"
	"sync"
)

// SessionToolGate tracks gated tools per session. Gated means denied until a
// lead explicitly approves.
type SessionToolGate struct {
	mu    sync.RWMutex
	gated map[string]map[string]bool // sessionKey → toolName → gated
}

func NewSessionToolGate() *SessionToolGate {
	return &SessionToolGate{gated: make(map[string]map[string]bool)}
}

// GateSessionTools marks tools as requiring approval for the session. Adding
// to an already-gated session accumulates.
func (g *SessionToolGate) GateSessionTools(sessionKey string, tools []string) {
	if len(tools) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.gated[sessionKey]
	if set == nil {
		set = make(map[string]bool, len(tools))
		g.gated[sessionKey] = set
	}
	for _, t := range tools {
		set[t] = true
	}
	slog.Debug("gate: tools gated", "session", sessionKey, "count", len(tools))
}

// ApproveSessionTools lifts the gate for specific tools. An empty list
// approves everything gated on the session.
func (g *SessionToolGate) ApproveSessionTools(sessionKey string, tools []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.gated[sessionKey]
	if set == nil {
		return
	}
	if len(tools) == 0 {
		delete(g.gated, sessionKey)
		return
	}
	for _, t := range tools {
		delete(set, t)
	}
	if len(set) == 0 {
		delete(g.gated, sessionKey)
	}
}

// RevokeSessionTools clears every gate for the session, typically when the
// session ends.
func (g *SessionToolGate) RevokeSessionTools(sessionKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.gated, sessionKey)
}

// IsToolGated reports whether the tool still awaits approval on the session.
func (g *SessionToolGate) IsToolGated(sessionKey, tool string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.gated[sessionKey][tool]
}

// GatedTools lists the tools currently gated on the session.
func (g *SessionToolGate) GatedTools(sessionKey string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	set := g.gated[sessionKey]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}
