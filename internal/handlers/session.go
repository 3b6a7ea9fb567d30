package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"market-chat/internal/auth"
	"market-chat/internal/errs"
	"market-chat/internal/middleware"
	"market-chat/internal/models"
	"market-chat/internal/session"
	"market-chat/internal/telemetry"
)

const (
	requestTimeout = 15 * time.Second

	// PreviousTokenHeader carries the token of the identity a session is
	// being switched away from.
	PreviousTokenHeader = "X-Previous-Token"
)

// SessionHandler exposes client sync sessions over HTTP.
type SessionHandler struct {
	manager   *session.Manager
	validator auth.TokenValidator
	audit     *telemetry.AuditEmitter
}

// NewSessionHandler builds a SessionHandler. audit may be nil.
func NewSessionHandler(manager *session.Manager, validator auth.TokenValidator, audit *telemetry.AuditEmitter) *SessionHandler {
	return &SessionHandler{manager: manager, validator: validator, audit: audit}
}

// Register wires the session routes onto an authenticated group.
func (h *SessionHandler) Register(r gin.IRouter) {
	r.POST("/sessions", h.CreateSession)
	r.DELETE("/sessions/:session_id", h.CloseSession)
	r.POST("/sessions/:session_id/identity", h.ChangeIdentity)
	r.GET("/sessions/:session_id/conversations", h.ListConversations)
	r.POST("/sessions/:session_id/conversations/:conversation_key/open", h.OpenConversation)
	r.POST("/sessions/:session_id/conversations/:conversation_key/close", h.CloseConversation)
	r.POST("/sessions/:session_id/conversations/:conversation_key/messages", h.Send)
	r.POST("/sessions/:session_id/read", h.MarkRead)
}

// CreateSession starts a session for the authenticated viewer.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	viewerID := c.GetString(middleware.ViewerIDKey)
	s, err := h.manager.CreateSession(c.Request.Context(), viewerID)
	if err != nil {
		writeError(c, "create", err)
		return
	}
	h.emit(c, "session created")
	c.JSON(http.StatusCreated, gin.H{"session_id": s.ID(), "state": s.State().String()})
}

// CloseSession ends a session.
func (h *SessionHandler) CloseSession(c *gin.Context) {
	if err := h.manager.CloseSession(c.Param("session_id"), c.GetString(middleware.ViewerIDKey)); err != nil {
		writeError(c, "close", err)
		return
	}
	h.emit(c, "session closed")
	c.Status(http.StatusNoContent)
}

// ChangeIdentity rebinds a session to the viewer of the bearer token. The
// session's current viewer must be proven with a token in X-Previous-Token.
func (h *SessionHandler) ChangeIdentity(c *gin.Context) {
	previous := c.GetHeader(PreviousTokenHeader)
	if previous == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "previous identity token required"})
		return
	}
	previousViewer, err := h.validator.Validate(c.Request.Context(), previous)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid previous identity token"})
		return
	}
	s, err := h.manager.Get(c.Param("session_id"), previousViewer)
	if err != nil {
		writeError(c, "identity", err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	if err := s.ChangeIdentity(ctx, c.GetString(middleware.ViewerIDKey)); err != nil {
		writeError(c, "identity", err)
		return
	}
	h.emit(c, "session identity changed")
	c.JSON(http.StatusOK, gin.H{"session_id": s.ID(), "state": s.State().String()})
}

// ListConversations returns the viewer's conversation list.
func (h *SessionHandler) ListConversations(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	convs, err := s.ListConversations(ctx)
	if err != nil {
		writeError(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// OpenConversation returns the conversation's messages and marks them read.
func (h *SessionHandler) OpenConversation(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	key, ok := conversationKey(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	msgs, err := s.OpenConversation(ctx, key)
	if err != nil {
		writeError(c, "open", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_key": key.String(), "messages": msgs})
}

// CloseConversation leaves the open conversation. The key must name the
// conversation that is open, otherwise 409.
func (h *SessionHandler) CloseConversation(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	key, ok := conversationKey(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	if err := s.CloseConversation(ctx, key); err != nil {
		writeError(c, "open", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Send posts a message into a conversation.
func (h *SessionHandler) Send(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	key, ok := conversationKey(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	msg, err := s.Send(ctx, key, req.Content)
	if err != nil {
		writeError(c, "send", err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkRead marks the listed messages read for the viewer.
func (h *SessionHandler) MarkRead(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req struct {
		MessageIDs []string `json:"message_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_ids is required"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	if err := s.MarkRead(ctx, req.MessageIDs); err != nil {
		writeError(c, "read", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) session(c *gin.Context) (*session.Session, bool) {
	s, err := h.manager.Get(c.Param("session_id"), c.GetString(middleware.ViewerIDKey))
	if err != nil {
		writeError(c, "session", err)
		return nil, false
	}
	return s, true
}

func (h *SessionHandler) emit(c *gin.Context, text string) {
	h.audit.Emit(c.Request.Context(), "INFO", text, requestIDFromContext(c), viewerIDFromContext(c))
}

func conversationKey(c *gin.Context) (models.ConversationKey, bool) {
	key, err := models.ParseConversationKey(c.Param("conversation_key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation key"})
		return models.ConversationKey{}, false
	}
	return key, true
}

// writeError maps error kinds to status codes. Bodies only ever carry the
// user-facing text from errs.UserMessage.
func writeError(c *gin.Context, op string, err error) {
	body := gin.H{"error": errs.UserMessage(op, err)}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errs.ErrAuthorization):
		status = http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, errs.ErrConflict):
		status = http.StatusConflict
	case errs.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
		body["retryable"] = true
		var rerr *errs.RetryableError
		if errors.As(err, &rerr) && rerr.Op == "send" {
			body["conversation_key"] = rerr.Key.String()
			body["content"] = rerr.Content
		}
		if errors.As(err, &rerr) && len(rerr.MessageIDs) > 0 {
			body["message_ids"] = rerr.MessageIDs
		}
	}
	c.JSON(status, body)
}
