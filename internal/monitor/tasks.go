package monitor

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawtask/internal/task"
)

// taskView is the wire shape of one task, with the derived step summary.
type taskView struct {
	ID            string             `json:"id"`
	Status        task.Status        `json:"status"`
	Priority      task.Priority      `json:"priority"`
	Description   string             `json:"description"`
	Source        string             `json:"source,omitempty"`
	Created       time.Time          `json:"created"`
	LastActivity  time.Time          `json:"lastActivity"`
	WorkSession   string             `json:"workSession"`
	Progress      []string           `json:"progress,omitempty"`
	Steps         []task.Step        `json:"steps,omitempty"`
	StepsProgress task.StepsProgress `json:"stepsProgress"`
	Blocking      *task.Blocking     `json:"blocking,omitempty"`
	Backlog       *task.Backlog      `json:"backlog,omitempty"`
	Outcome       *task.Outcome      `json:"outcome,omitempty"`
}

func viewOf(t *task.Task) taskView {
	return taskView{
		ID:            t.ID,
		Status:        t.Status,
		Priority:      t.Priority,
		Description:   t.Description,
		Source:        t.Source,
		Created:       t.Created,
		LastActivity:  t.LastActivity,
		WorkSession:   t.WorkSession,
		Progress:      t.Progress,
		Steps:         t.Steps,
		StepsProgress: t.StepsSummary(),
		Blocking:      t.Blocking,
		Backlog:       t.Backlog,
		Outcome:       t.Outcome,
	}
}

func (s *Server) agentWorkspace(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !s.registry.Known(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown agent " + id})
		return "", false
	}
	return id, true
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agentWorkspace(w, r)
	if !ok {
		return
	}
	var filter []task.Status
	if v := r.URL.Query().Get("status"); v != "" {
		st := task.Status(v)
		if !st.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status " + v})
			return
		}
		filter = append(filter, st)
	}
	tasks, err := s.store.List(s.registry.Workspace(id), filter...)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := []taskView{}
	for _, t := range tasks {
		out = append(out, viewOf(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTask returns one task, falling back to the archive when the file is
// gone.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agentWorkspace(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("taskId")
	ws := s.registry.Workspace(id)

	t, err := s.store.Read(ws, taskID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if t != nil {
		writeJSON(w, http.StatusOK, viewOf(t))
		return
	}

	entry, err := s.store.FindInHistory(ws, taskID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entry == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task " + taskID + " not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       taskID,
		"archived": true,
		"history":  entry,
	})
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agentWorkspace(w, r)
	if !ok {
		return
	}
	ws := s.registry.Workspace(id)
	pointer := ws.ReadPointer()
	if pointer == "" {
		writeJSON(w, http.StatusOK, map[string]any{"current": nil})
		return
	}
	t, err := s.store.Read(ws, pointer)
	if err != nil || t == nil {
		writeJSON(w, http.StatusOK, map[string]any{"current": nil, "stalePointer": pointer})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"current": viewOf(t)})
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agentWorkspace(w, r)
	if !ok {
		return
	}
	blocked, err := s.store.FindBlocked(s.registry.Workspace(id))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := []taskView{}
	for _, t := range blocked {
		out = append(out, viewOf(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agentWorkspace(w, r)
	if !ok {
		return
	}
	month := r.URL.Query().Get("month")
	if month == "" {
		month = time.Now().Format("2006-01")
	}
	content, err := s.store.ReadHistoryMonth(s.registry.Workspace(id), month)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"month": month, "content": content})
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	id, ok := s.agentWorkspace(w, r)
	if !ok {
		return
	}
	dir := s.registry.Workspace(id).PlansPath()
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	plans := []map[string]string{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			slog.Warn("monitor: plan read failed", "agent", id, "file", e.Name(), "error", err)
			continue
		}
		plans = append(plans, map[string]string{
			"name":    strings.TrimSuffix(e.Name(), ".json"),
			"content": string(raw),
		})
	}
	writeJSON(w, http.StatusOK, plans)
}
