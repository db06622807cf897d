package monitor

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawtask/internal/bus"
	"github.com/nextlevelbuilder/clawtask/pkg/protocol"
)

// WSMessage is the frame pushed to monitor WebSocket clients.
type WSMessage struct {
	Type      string         `json:"type"`
	AgentID   string         `json:"agentId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan WSMessage
}

// Hub fans WSMessages out to connected clients, fed by the bus and by a
// filesystem watcher over the workspaces.
type Hub struct {
	server *Server

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]*wsClient
}

func NewHub(s *Server) *Hub {
	return &Hub{
		server: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Monitor is a local read-only surface; browsers on other
			// origins get the same data via the HTTP API anyway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

// Run subscribes the hub to the bus and starts the filesystem watcher. Both
// stop when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.server.events.Subscribe("monitor-hub", h.handleBusEvent)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	h.watchWorkspaces(watcher)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				h.server.events.Unsubscribe("monitor-hub")
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				h.handleFileEvent(ev)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("monitor: watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (h *Hub) watchWorkspaces(watcher *fsnotify.Watcher) {
	if err := watcher.Add(h.server.root); err != nil {
		slog.Warn("monitor: watch root failed", "error", err)
	}
	for _, id := range h.server.registry.Agents() {
		ws := h.server.registry.Workspace(id)
		for _, dir := range []string{ws.TasksPath(), ws.PlansPath()} {
			if err := watcher.Add(dir); err != nil {
				slog.Warn("monitor: watch failed", "dir", dir, "error", err)
			}
		}
	}
}

// handleBusEvent forwards coordination events to clients and refreshes the
// team-state aggregate on task transitions.
func (h *Hub) handleBusEvent(e bus.Event) {
	h.Broadcast(WSMessage{
		Type:      protocol.WSEventLog,
		AgentID:   e.AgentID,
		Timestamp: e.TS,
		Data:      map[string]any{"event": e.Type, "payload": e.Data},
	})

	if !strings.HasPrefix(e.Type, "task.") {
		return
	}

	taskID, _ := e.Data["taskId"].(string)
	msgType := protocol.WSTaskUpdate
	if _, stepAction := e.Data["stepAction"]; stepAction {
		msgType = protocol.WSTaskStepUpdate
	}
	h.Broadcast(WSMessage{
		Type:      msgType,
		AgentID:   e.AgentID,
		TaskID:    taskID,
		Timestamp: e.TS,
		Data:      e.Data,
	})

	state, err := h.server.WriteTeamState()
	if err != nil {
		slog.Warn("monitor: team-state write failed", "error", err)
		return
	}
	h.Broadcast(WSMessage{
		Type:      protocol.WSTeamStateUpdate,
		Timestamp: state.UpdatedAt,
		Data:      map[string]any{"totals": state.Totals},
	})
}

// handleFileEvent turns workspace file writes into update frames. This
// catches edits made outside the lifecycle manager, e.g. by the agents
// themselves.
func (h *Hub) handleFileEvent(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
		return
	}
	name := filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") {
		return // temp files from atomic writes
	}

	agentID := agentOfPath(h.server.root, ev.Name)
	switch {
	case strings.HasPrefix(name, "task_") && strings.HasSuffix(name, ".md"):
		h.Broadcast(WSMessage{
			Type:      protocol.WSTaskUpdate,
			AgentID:   agentID,
			TaskID:    strings.TrimSuffix(name, ".md"),
			Timestamp: time.Now(),
			Data:      map[string]any{"op": ev.Op.String()},
		})
	case strings.HasSuffix(name, ".json") && strings.Contains(ev.Name, "plans"):
		h.Broadcast(WSMessage{
			Type:      protocol.WSPlanUpdate,
			AgentID:   agentID,
			Timestamp: time.Now(),
			Data:      map[string]any{"plan": strings.TrimSuffix(name, ".json")},
		})
	case name == "team-state.json":
		h.Broadcast(WSMessage{Type: protocol.WSTeamStateUpdate, Timestamp: time.Now()})
	case name == "CURRENT_TASK.md":
		h.Broadcast(WSMessage{Type: protocol.WSAgentUpdate, AgentID: agentID, Timestamp: time.Now()})
	}
}

func agentOfPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return ""
	}
	first := strings.Split(filepath.ToSlash(rel), "/")[0]
	if id, ok := strings.CutPrefix(first, "workspace-"); ok {
		return id
	}
	return ""
}

// Broadcast queues the message for every connected client. Clients that
// cannot keep up are dropped rather than allowed to block the hub.
func (h *Hub) Broadcast(msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slog.Warn("monitor: dropping slow ws client", "id", c.id)
			go h.remove(c)
		}
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("monitor: websocket upgrade failed", "error", err)
		return
	}
	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan WSMessage, 64)}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	slog.Info("monitor: ws client connected", "id", c.id)

	c.send <- WSMessage{
		Type:      protocol.WSConnected,
		Timestamp: time.Now(),
		Data:      map[string]any{"clientId": c.id},
	}

	go c.writePump()
	c.readPump(h)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
}

func (c *wsClient) writePump() {
	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
	c.conn.Close()
}

// readPump drains inbound frames (the monitor feed is one-way) and tears the
// client down on disconnect.
func (c *wsClient) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		slog.Info("monitor: ws client disconnected", "id", c.id)
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
