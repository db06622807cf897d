// Package monitor serves the read-only HTTP+WS view over agent workspaces:
// agents, tasks, team state, the coordination event log, and a live
// WebSocket feed driven by the bus and a filesystem watcher.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawtask/internal/bus"
	"github.com/nextlevelbuilder/clawtask/internal/task"
	"github.com/nextlevelbuilder/clawtask/internal/workspace"
)

// Server exposes the monitor API over one coordination root.
type Server struct {
	Host string
	Port int

	root     string
	registry workspace.Registry
	store    *task.Store
	events   bus.Publisher
	log      *bus.CoordinationLog
	hub      *Hub

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(root string, store *task.Store, pub bus.Publisher, log *bus.CoordinationLog) *Server {
	s := &Server{
		Host:     "127.0.0.1",
		Port:     4333,
		root:     root,
		registry: workspace.Registry{Root: root},
		store:    store,
		events:   pub,
		log:      log,
	}
	s.hub = NewHub(s)
	return s
}

// BuildMux creates and caches the route table.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/agents/{id}/tasks", s.handleTasks)
	mux.HandleFunc("GET /api/agents/{id}/tasks/{taskId}", s.handleTask)
	mux.HandleFunc("GET /api/agents/{id}/current", s.handleCurrent)
	mux.HandleFunc("GET /api/agents/{id}/blocked", s.handleBlocked)
	mux.HandleFunc("GET /api/agents/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /api/agents/{id}/plans", s.handlePlans)
	mux.HandleFunc("GET /api/team-state", s.handleTeamState)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/workspace-file", s.handleWorkspaceFile)
	mux.HandleFunc("/ws", s.hub.handleWebSocket)

	s.mux = mux
	return mux
}

// Start serves until ctx is cancelled. The hub and watcher run alongside.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	if err := s.hub.Run(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", s.Host, s.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("monitor starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("monitor server: %w", err)
	}
	return nil
}

type agentSummary struct {
	ID             string `json:"id"`
	WorkspaceDir   string `json:"workspaceDir"`
	HasCurrentTask bool   `json:"hasCurrentTask"`
	TaskCount      int    `json:"taskCount"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	out := []agentSummary{}
	for _, id := range s.registry.Agents() {
		ws := s.registry.Workspace(id)
		tasks, err := s.store.List(ws)
		if err != nil {
			slog.Warn("monitor: list tasks failed", "agent", id, "error", err)
		}
		out = append(out, agentSummary{
			ID:             id,
			WorkspaceDir:   ws.Dir,
			HasCurrentTask: ws.ReadPointer() != "",
			TaskCount:      len(tasks),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTeamState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.BuildTeamState())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	events, err := s.log.Tail(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid since timestamp"})
			return
		}
		filtered := events[:0]
		for _, e := range events {
			if e.TS.After(since) {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}
	if events == nil {
		events = []bus.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": len(s.registry.Agents()),
	})
}

type workspaceFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// handleWorkspaceFile writes one file under the coordination root. Anything
// resolving outside the root is rejected.
func (s *Server) handleWorkspaceFile(w http.ResponseWriter, r *http.Request) {
	var req workspaceFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path and content required"})
		return
	}
	if strings.Contains(req.Path, "..") {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "path traversal rejected"})
		return
	}
	target := filepath.Join(s.root, filepath.FromSlash(req.Path))
	rootAbs, err := filepath.Abs(s.root)
	if err == nil {
		targetAbs, aerr := filepath.Abs(target)
		if aerr != nil || !strings.HasPrefix(targetAbs, rootAbs+string(filepath.Separator)) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "path outside workspace root"})
			return
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if err := os.WriteFile(target, []byte(req.Content), 0o644); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": req.Path})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
