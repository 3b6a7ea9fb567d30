package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"market-chat/internal/errs"
	"market-chat/internal/models"
	"market-chat/internal/observability"
	"market-chat/internal/session"
)

const (
	wsKind       = "session"
	wsRoutingKey = "ws_events.sessions"
	writeTimeout = 10 * time.Second
)

// Hub maintains websocket rooms, one per session. A single pump per session
// fans its updates out to every connection in the room.
type Hub struct {
	rooms  map[string]map[*websocket.Conn]ConnInfo
	pumps  map[string]struct{}
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]map[*websocket.Conn]ConnInfo),
		pumps:  make(map[string]struct{}),
		logger: logger,
	}
}

// AddClient registers conn in the session's room and starts the session pump
// if none is running.
func (h *Hub) AddClient(s *session.Session, conn *websocket.Conn, info ConnInfo) {
	if h.add(s.ID(), conn, info) {
		go h.pump(s)
	}
}

// add reports whether the caller must start a pump for sessionID.
func (h *Hub) add(sessionID string, conn *websocket.Conn, info ConnInfo) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[sessionID]; !ok {
		h.rooms[sessionID] = make(map[*websocket.Conn]ConnInfo)
	}
	h.rooms[sessionID][conn] = info
	if _, running := h.pumps[sessionID]; running {
		return false
	}
	h.pumps[sessionID] = struct{}{}
	return true
}

// RemoveClient removes a connection from its room.
func (h *Hub) RemoveClient(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[sessionID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

// Clients counts connections attached to a session.
func (h *Hub) Clients(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

func (h *Hub) pump(s *session.Session) {
	defer h.closeRoom(s.ID())
	for u := range s.Updates() {
		h.Broadcast(s.ID(), EventFromUpdate(u))
	}
}

// Broadcast writes event to every connection of a session.
func (h *Hub) Broadcast(sessionID string, event models.ChatEvent) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.rooms[sessionID]))
	for conn := range h.rooms[sessionID] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	payload, _ := json.Marshal(event)
	for _, conn := range conns {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn("websocket write error", "session_id", sessionID, "error", err)
			h.publishWSError(sessionID, conn, err)
			conn.Close()
			h.RemoveClient(sessionID, conn)
		}
	}
}

// closeRoom runs once the session's update stream ends.
func (h *Hub) closeRoom(sessionID string) {
	h.mu.Lock()
	conns := h.rooms[sessionID]
	delete(h.rooms, sessionID)
	delete(h.pumps, sessionID)
	h.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
	for conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
}

// EventFromUpdate converts a session update into the wire event. Errors are
// reduced to their user-facing text.
func EventFromUpdate(u session.Update) models.ChatEvent {
	event := models.ChatEvent{
		Type:          u.Type,
		Conversations: u.Conversations,
		Message:       u.Message,
	}
	switch u.Type {
	case session.UpdateState:
		event.State = u.State.String()
	case session.UpdateError:
		event.Error = errs.UserMessage(u.Op, u.Err)
		event.Retryable = errs.IsTransient(u.Err)
	}
	return event
}

func (h *Hub) publishWSError(sessionID string, conn *websocket.Conn, err error) {
	info, ok := h.connInfo(sessionID, conn)
	if !ok {
		return
	}
	publishWSEvent(context.Background(), info, "ws_error", err.Error())
}

func (h *Hub) connInfo(sessionID string, conn *websocket.Conn) (ConnInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	info, ok := h.rooms[sessionID][conn]
	return info, ok
}

func publishWSEvent(ctx context.Context, info ConnInfo, event, reason string) {
	observability.IncWSEvent(wsKind, event)
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.NewEvent("ws_events", event,
		map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        wsKind,
				"resource_id": info.SessionID,
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.ViewerID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		}), observability.BuildHeaders(info.RequestID, info.TraceID))
}
