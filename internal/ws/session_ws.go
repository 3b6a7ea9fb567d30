package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"market-chat/internal/errs"
	"market-chat/internal/middleware"
	"market-chat/internal/models"
	"market-chat/internal/observability"
	"market-chat/internal/session"
)

const snapshotTimeout = 10 * time.Second

// SessionWebSocketHandler streams session updates to websocket clients.
type SessionWebSocketHandler struct {
	hub     *Hub
	manager *session.Manager
}

// NewSessionWebSocketHandler constructs a SessionWebSocketHandler.
func NewSessionWebSocketHandler(hub *Hub, manager *session.Manager) *SessionWebSocketHandler {
	return &SessionWebSocketHandler{hub: hub, manager: manager}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection, sends the current snapshot and joins the
// session's room. Expects the viewer to be set by the auth middleware.
func (h *SessionWebSocketHandler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("market-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	viewerID := c.GetString(middleware.ViewerIDKey)
	s, err := h.manager.Get(c.Param("session_id"), viewerID)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	default:
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for session"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	traceID := span.SpanContext().TraceID().String()
	info := ConnInfo{
		ConnID:      uuid.NewString(),
		SessionID:   s.ID(),
		ViewerID:    viewerID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}

	if err := h.sendSnapshot(ctx, s, conn); err != nil {
		conn.Close()
		return
	}
	h.hub.AddClient(s, conn, info)

	observability.IncWSActive(wsKind)
	publishWSEvent(ctx, info, "ws_connect", "")

	// the read loop only watches for the client going away
	go func() {
		var closeReason string
		defer func() {
			h.hub.RemoveClient(info.SessionID, conn)
			observability.DecWSActive(wsKind)
			publishWSEvent(context.WithoutCancel(ctx), info, "ws_disconnect", closeReason)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					publishWSEvent(context.WithoutCancel(ctx), info, "ws_error", closeReason)
				}
				return
			}
		}
	}()
}

func (h *SessionWebSocketHandler) sendSnapshot(ctx context.Context, s *session.Session, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	state := models.ChatEvent{Type: session.UpdateState, State: s.State().String()}
	if err := conn.WriteJSON(state); err != nil {
		return err
	}
	convs, err := s.ListConversations(ctx)
	if err != nil {
		return conn.WriteJSON(models.ChatEvent{
			Type:      session.UpdateError,
			Error:     errs.UserMessage("list", err),
			Retryable: errs.IsTransient(err),
		})
	}
	return conn.WriteJSON(models.ChatEvent{Type: session.UpdateConversations, Conversations: convs})
}
