package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/clawtask/internal/task"
)

// TeamState is the read-only aggregate persisted as team-state.json and
// served at /api/team-state.
type TeamState struct {
	UpdatedAt time.Time             `json:"updatedAt"`
	Agents    map[string]AgentState `json:"agents"`
	Totals    map[string]int        `json:"totals"`
}

// AgentState summarizes one agent's workload.
type AgentState struct {
	CurrentTask  string         `json:"currentTask,omitempty"`
	StatusCounts map[string]int `json:"statusCounts"`
	BlockedTasks []string       `json:"blockedTasks,omitempty"`
	LastActivity *time.Time     `json:"lastActivity,omitempty"`
}

// BuildTeamState aggregates every workspace into one snapshot.
func (s *Server) BuildTeamState() TeamState {
	state := TeamState{
		UpdatedAt: time.Now(),
		Agents:    make(map[string]AgentState),
		Totals:    make(map[string]int),
	}
	for _, id := range s.registry.Agents() {
		ws := s.registry.Workspace(id)
		tasks, err := s.store.List(ws)
		if err != nil {
			slog.Warn("monitor: team-state list failed", "agent", id, "error", err)
			continue
		}
		agent := AgentState{
			CurrentTask:  ws.ReadPointer(),
			StatusCounts: make(map[string]int),
		}
		for _, t := range tasks {
			agent.StatusCounts[string(t.Status)]++
			state.Totals[string(t.Status)]++
			if t.Status == task.StatusBlocked {
				agent.BlockedTasks = append(agent.BlockedTasks, t.ID)
			}
			if agent.LastActivity == nil || t.LastActivity.After(*agent.LastActivity) {
				la := t.LastActivity
				agent.LastActivity = &la
			}
		}
		state.Agents[id] = agent
	}
	return state
}

// WriteTeamState persists the aggregate to <root>/team-state.json.
func (s *Server) WriteTeamState() (TeamState, error) {
	state := s.BuildTeamState()
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return state, fmt.Errorf("monitor: marshal team state: %w", err)
	}
	path := filepath.Join(s.root, "team-state.json")
	tmp, err := os.CreateTemp(s.root, ".team-state.tmp-*")
	if err != nil {
		return state, fmt.Errorf("monitor: team state temp: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return state, fmt.Errorf("monitor: write team state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return state, fmt.Errorf("monitor: close team state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return state, fmt.Errorf("monitor: persist team state: %w", err)
	}
	return state, nil
}
