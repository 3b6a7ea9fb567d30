package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-chat/internal/errs"
	"market-chat/internal/feed"
	"market-chat/internal/middleware"
	"market-chat/internal/models"
	"market-chat/internal/repositories"
	"market-chat/internal/session"
)

func TestHubAddAndRemoveClient(t *testing.T) {
	hub := NewHub(nil)

	assert.True(t, hub.add("s1", nil, ConnInfo{SessionID: "s1"}))
	assert.Equal(t, 1, hub.Clients("s1"))
	assert.False(t, hub.add("s1", nil, ConnInfo{SessionID: "s1"}), "pump already running")

	hub.RemoveClient("s1", nil)
	assert.Equal(t, 0, hub.Clients("s1"))
}

func TestEventFromUpdate(t *testing.T) {
	ev := EventFromUpdate(session.Update{Type: session.UpdateState, State: session.Reconciling})
	assert.Equal(t, "reconciling", ev.State)

	ev = EventFromUpdate(session.Update{
		Type: session.UpdateError,
		Op:   "read",
		Err:  errs.Transient("mark read", errors.New("dial tcp: connection refused")),
	})
	assert.True(t, ev.Retryable)
	assert.NotContains(t, ev.Error, "dial tcp")
}

func TestSessionWebSocketStreamsUpdates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := repositories.NewMemoryMessageRepo()
	hub := feed.NewHub(16, nil)
	manager := session.NewManager(repositories.NewNotifying(store, hub, nil), hub, session.DefaultConfig(), nil)
	t.Cleanup(manager.CloseAll)

	router := gin.New()
	router.GET("/ws/sessions/:session_id", func(c *gin.Context) {
		c.Set(middleware.ViewerIDKey, c.Query("viewer"))
		c.Next()
	}, NewSessionWebSocketHandler(NewHub(nil), manager).Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	s, err := manager.CreateSession(context.Background(), "bob")
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + s.ID() + "?viewer=bob"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var state models.ChatEvent
	require.NoError(t, conn.ReadJSON(&state))
	assert.Equal(t, session.UpdateState, state.Type)

	var snapshot models.ChatEvent
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, session.UpdateConversations, snapshot.Type)
	assert.Empty(t, snapshot.Conversations)

	_, err = store.InsertMessage(context.Background(), models.NewMessage{ID: "m1", ListingID: "L1", SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, hub.PublishMessage(context.Background(), mustGet(t, store, "m1")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var ev models.ChatEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == session.UpdateMessage && ev.Message != nil {
			assert.Equal(t, "m1", ev.Message.ID)
			return
		}
	}
}

func TestSessionWebSocketRejectsOtherViewer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := feed.NewHub(16, nil)
	manager := session.NewManager(repositories.NewMemoryMessageRepo(), hub, session.DefaultConfig(), nil)
	t.Cleanup(manager.CloseAll)
	s, err := manager.CreateSession(context.Background(), "bob")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/ws/sessions/:session_id", func(c *gin.Context) {
		c.Set(middleware.ViewerIDKey, "mallory")
		c.Next()
	}, NewSessionWebSocketHandler(NewHub(nil), manager).Handle)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/sessions/"+s.ID(), nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func mustGet(t *testing.T, store *repositories.MemoryMessageRepo, id string) models.Message {
	t.Helper()
	m, ok := store.Get(id)
	require.True(t, ok)
	return m
}
