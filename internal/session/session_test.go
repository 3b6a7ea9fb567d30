package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-chat/internal/errs"
	"market-chat/internal/feed"
	"market-chat/internal/models"
	"market-chat/internal/repositories"
)

const waitFor = 2 * time.Second

type fixture struct {
	store   *repositories.MemoryMessageRepo
	hub     *feed.Hub
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repositories.NewMemoryMessageRepo()
	hub := feed.NewHub(16, nil)
	manager := NewManager(repositories.NewNotifying(store, hub, nil), hub, Config{
		FetchTimeout:     time.Second,
		WriteTimeout:     time.Second,
		RetryDelay:       time.Millisecond,
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	}, nil)
	t.Cleanup(manager.CloseAll)
	return &fixture{store: store, hub: hub, manager: manager}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func (f *fixture) session(t *testing.T, viewerID string) *Session {
	t.Helper()
	s, err := f.manager.CreateSession(testCtx(t), viewerID)
	require.NoError(t, err)
	require.NoError(t, s.WaitReady(testCtx(t)))
	return s
}

// conversationsOf polls until cond holds for the session's list.
func conversationsOf(t *testing.T, s *Session, cond func([]models.Conversation) bool) []models.Conversation {
	t.Helper()
	var last []models.Conversation
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		convs, err := s.ListConversations(ctx)
		if err != nil {
			return false
		}
		last = convs
		return cond(convs)
	}, waitFor, 5*time.Millisecond)
	return last
}

func transient() error {
	return errs.Transient("store", errors.New("connection reset by peer"))
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")
	bob := f.session(t, "bob")
	key := models.NewConversationKey("L1", "alice", "bob")

	sent, err := alice.Send(testCtx(t), key, "Is this still available?")
	require.NoError(t, err)
	assert.Equal(t, "bob", sent.ReceiverID)
	assert.Equal(t, "Is this still available?", sent.Content)

	convs := conversationsOf(t, bob, func(c []models.Conversation) bool { return len(c) == 1 && c[0].UnreadCount == 1 })
	assert.Equal(t, "alice", convs[0].Counterpart)
	assert.Equal(t, sent.ID, convs[0].LastMessage.ID)

	msgs, err := bob.OpenConversation(testCtx(t), key)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)

	conversationsOf(t, bob, func(c []models.Conversation) bool { return len(c) == 1 && c[0].UnreadCount == 0 })
	require.Eventually(t, func() bool {
		stored, ok := f.store.Get(sent.ID)
		return ok && stored.Read
	}, waitFor, 5*time.Millisecond)

	// the sender's own view never counts its message as unread
	convs = conversationsOf(t, alice, func(c []models.Conversation) bool { return len(c) == 1 })
	assert.Equal(t, 0, convs[0].UnreadCount)
}

func TestMultiListingSameCounterpart(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")
	bob := f.session(t, "bob")
	l1 := models.NewConversationKey("L1", "alice", "bob")
	l2 := models.NewConversationKey("L2", "alice", "bob")

	_, err := alice.Send(testCtx(t), l1, "about the bike")
	require.NoError(t, err)
	_, err = alice.Send(testCtx(t), l2, "about the lamp")
	require.NoError(t, err)
	conversationsOf(t, bob, func(c []models.Conversation) bool { return len(c) == 2 })
	reply, err := bob.Send(testCtx(t), l1, "bike is sold")
	require.NoError(t, err)

	convs := conversationsOf(t, alice, func(c []models.Conversation) bool {
		return len(c) == 2 && c[0].LastMessage.ID == reply.ID
	})
	assert.Equal(t, "L1", convs[0].ListingID)
	assert.Equal(t, 1, convs[0].UnreadCount)
	assert.Equal(t, "L2", convs[1].ListingID)
	assert.Equal(t, 0, convs[1].UnreadCount)
}

func TestSendFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")
	key := models.NewConversationKey("L1", "alice", "bob")
	f.store.FailNext(repositories.OpInsert, transient(), transient())

	_, err := alice.Send(testCtx(t), key, "  hello?  ")

	var rerr *errs.RetryableError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, errs.ErrTransient)
	assert.Equal(t, "send", rerr.Op)
	assert.Equal(t, key, rerr.Key)
	assert.Equal(t, "  hello?  ", rerr.Content)

	convs, err := alice.ListConversations(testCtx(t))
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Equal(t, 0, f.store.Len())

	// the preserved arguments are enough to retry
	_, err = alice.Send(testCtx(t), rerr.Key, rerr.Content)
	require.NoError(t, err)
	conversationsOf(t, alice, func(c []models.Conversation) bool { return len(c) == 1 })
}

func TestSendSucceedsAfterOneRetry(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")
	f.store.FailNext(repositories.OpInsert, transient())

	msg, err := alice.Send(testCtx(t), models.NewConversationKey("L1", "alice", "bob"), "hi")

	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Len())
	stored, ok := f.store.Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, stored.CreatedAt, msg.CreatedAt)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")

	_, err := alice.Send(testCtx(t), models.NewConversationKey("L1", "alice", "bob"), "   ")
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = alice.Send(testCtx(t), models.ConversationKey{ListingID: "L1", UserA: "alice"}, "hi")
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = alice.Send(testCtx(t), models.NewConversationKey("L1", "bob", "carol"), "hi")
	assert.ErrorIs(t, err, errs.ErrAuthorization)

	assert.Equal(t, 0, f.store.Len())
}

func TestFeedDuplicatesAreMergedOnce(t *testing.T) {
	f := newFixture(t)
	bob := f.session(t, "bob")
	msg := models.Message{ID: "m1", ListingID: "L1", SenderID: "alice", ReceiverID: "bob", Content: "hi", CreatedAt: time.Now().UTC()}

	f.hub.Deliver(msg)
	f.hub.Deliver(msg)
	f.hub.Deliver(msg)

	convs := conversationsOf(t, bob, func(c []models.Conversation) bool { return len(c) == 1 })
	assert.Equal(t, 1, convs[0].UnreadCount)
	msgs, err := bob.OpenConversation(testCtx(t), msg.Key())
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestFeedRedeliveryAfterTransportIsNotReannounced(t *testing.T) {
	f := newFixture(t)
	stored := models.Message{ID: "m1", ListingID: "L1", SenderID: "alice", ReceiverID: "bob", Content: "hi",
		CreatedAt: time.Now().In(time.FixedZone("", 0))}
	f.store.Seed(stored)
	bob := f.session(t, "bob")

	raw, err := json.Marshal(stored)
	require.NoError(t, err)
	var decoded models.Message
	require.NoError(t, json.Unmarshal(raw, &decoded))
	f.hub.Deliver(decoded)
	marker := models.Message{ID: "m2", ListingID: "L1", SenderID: "alice", ReceiverID: "bob", Content: "again", CreatedAt: time.Now().UTC()}
	f.hub.Deliver(marker)

	timeout := time.After(waitFor)
	for {
		select {
		case u := <-bob.Updates():
			if u.Type != UpdateMessage {
				continue
			}
			require.NotEqual(t, "m1", u.Message.ID, "redelivered message announced again")
			if u.Message.ID == "m2" {
				return
			}
		case <-timeout:
			t.Fatal("no update for m2")
		}
	}
}

func TestFeedOutOfOrderIsResorted(t *testing.T) {
	f := newFixture(t)
	bob := f.session(t, "bob")
	key := models.NewConversationKey("L1", "alice", "bob")
	_, err := bob.OpenConversation(testCtx(t), key)
	require.NoError(t, err)

	now := time.Now().UTC()
	later := models.Message{ID: "m2", ListingID: "L1", SenderID: "alice", ReceiverID: "bob", Content: "second", CreatedAt: now.Add(time.Second)}
	earlier := models.Message{ID: "m1", ListingID: "L1", SenderID: "alice", ReceiverID: "bob", Content: "first", CreatedAt: now}
	f.hub.Deliver(later)
	f.hub.Deliver(earlier)

	var msgs []models.Message
	require.Eventually(t, func() bool {
		msgs, err = bob.OpenConversation(testCtx(t), key)
		return err == nil && len(msgs) == 2
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)

	convs := conversationsOf(t, bob, func(c []models.Conversation) bool { return len(c) == 1 && c[0].UnreadCount == 0 })
	assert.Equal(t, "m2", convs[0].LastMessage.ID)
}

func TestReconnectReconciliation(t *testing.T) {
	f := newFixture(t)
	bob := f.session(t, "bob")
	key := models.NewConversationKey("L1", "alice", "bob")
	before, err := f.manager.store.InsertMessage(testCtx(t), models.NewMessage{ID: "m0", ListingID: "L1", SenderID: "alice", ReceiverID: "bob", Content: "hello"})
	require.NoError(t, err)
	conversationsOf(t, bob, func(c []models.Conversation) bool { return len(c) == 1 })

	f.hub.SetConnected(false)
	require.Eventually(t, func() bool { return bob.State() != Ready }, waitFor, time.Millisecond)

	// written while the feed is down, so never delivered
	ctx := testCtx(t)
	_, err = f.store.InsertMessage(ctx, models.NewMessage{ID: "m1", ListingID: "L1", SenderID: "alice", ReceiverID: "bob", Content: "still there?"})
	require.NoError(t, err)
	_, err = f.store.InsertMessage(ctx, models.NewMessage{ID: "m2", ListingID: "L2", SenderID: "carol", ReceiverID: "bob", Content: "is the lamp free?"})
	require.NoError(t, err)

	f.hub.SetConnected(true)
	require.NoError(t, bob.WaitReady(testCtx(t)))

	convs := conversationsOf(t, bob, func(c []models.Conversation) bool { return len(c) == 2 })
	assert.Equal(t, "m2", convs[0].LastMessage.ID)
	assert.Equal(t, "m1", convs[1].LastMessage.ID)
	assert.Equal(t, 2, convs[1].UnreadCount)

	msgs, err := bob.OpenConversation(testCtx(t), key)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, before.ID, msgs[0].ID)
	assert.Equal(t, "m1", msgs[1].ID)
}

func TestFilterGapTriggersReconciliation(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")
	carol := f.session(t, "carol")
	_, err := alice.OpenConversation(testCtx(t), models.NewConversationKey("L1", "alice", "bob"))
	require.NoError(t, err)

	_, err = carol.Send(testCtx(t), models.NewConversationKey("L2", "alice", "carol"), "lamp still for sale?")
	require.NoError(t, err)

	require.NoError(t, alice.CloseConversation(testCtx(t), models.NewConversationKey("L1", "alice", "bob")))
	convs := conversationsOf(t, alice, func(c []models.Conversation) bool { return len(c) == 1 })
	assert.Equal(t, "carol", convs[0].Counterpart)
	assert.Equal(t, 1, convs[0].UnreadCount)
}

func drainStates(s *Session) []State {
	var states []State
	for {
		select {
		case u := <-s.Updates():
			if u.Type == UpdateState {
				states = append(states, u.State)
			}
		default:
			return states
		}
	}
}

func TestOwnSendWhileNarrowedDoesNotRefetch(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")
	open := models.NewConversationKey("L1", "alice", "bob")
	_, err := alice.OpenConversation(testCtx(t), open)
	require.NoError(t, err)

	sent, err := alice.Send(testCtx(t), models.NewConversationKey("L2", "alice", "carol"), "still available?")
	require.NoError(t, err)
	drainStates(alice)

	require.NoError(t, alice.CloseConversation(testCtx(t), open))

	assert.NotContains(t, drainStates(alice), Reconciling)
	convs := conversationsOf(t, alice, func(c []models.Conversation) bool { return len(c) == 1 })
	assert.Equal(t, sent.ID, convs[0].LastMessage.ID)
}

func TestCloseConversationRequiresOpenKey(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")
	open := models.NewConversationKey("L1", "alice", "bob")

	err := alice.CloseConversation(testCtx(t), open)
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, err = alice.OpenConversation(testCtx(t), open)
	require.NoError(t, err)
	err = alice.CloseConversation(testCtx(t), models.NewConversationKey("L2", "alice", "bob"))
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.NoError(t, alice.CloseConversation(testCtx(t), open))
}

func TestMarkReadFailureRestoresUnread(t *testing.T) {
	f := newFixture(t)
	bob := f.session(t, "bob")
	_, err := f.manager.store.InsertMessage(testCtx(t), models.NewMessage{ID: "m1", ListingID: "L1", SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)
	conversationsOf(t, bob, func(c []models.Conversation) bool { return len(c) == 1 && c[0].UnreadCount == 1 })

	f.store.FailNext(repositories.OpMarkRead, transient(), transient())
	err = bob.MarkRead(testCtx(t), []string{"m1"})

	var rerr *errs.RetryableError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, []string{"m1"}, rerr.MessageIDs)
	convs := conversationsOf(t, bob, func(c []models.Conversation) bool { return len(c) == 1 })
	assert.Equal(t, 1, convs[0].UnreadCount)

	require.NoError(t, bob.MarkRead(testCtx(t), rerr.MessageIDs))
	conversationsOf(t, bob, func(c []models.Conversation) bool { return len(c) == 1 && c[0].UnreadCount == 0 })
}

func TestMarkReadBySenderIsNoop(t *testing.T) {
	f := newFixture(t)
	alice := f.session(t, "alice")
	sent, err := alice.Send(testCtx(t), models.NewConversationKey("L1", "alice", "bob"), "hi")
	require.NoError(t, err)

	require.NoError(t, alice.MarkRead(testCtx(t), []string{sent.ID, "unknown"}))

	stored, _ := f.store.Get(sent.ID)
	assert.False(t, stored.Read)
}

func TestChangeIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.InsertMessage(testCtx(t), models.NewMessage{ID: "m1", ListingID: "L1", SenderID: "alice", ReceiverID: "bob", Content: "for bob"})
	require.NoError(t, err)
	_, err = f.store.InsertMessage(testCtx(t), models.NewMessage{ID: "m2", ListingID: "L2", SenderID: "alice", ReceiverID: "carol", Content: "for carol"})
	require.NoError(t, err)
	s := f.session(t, "bob")
	conversationsOf(t, s, func(c []models.Conversation) bool { return len(c) == 1 && c[0].LastMessage.ID == "m1" })

	require.NoError(t, s.ChangeIdentity(testCtx(t), "carol"))
	require.NoError(t, s.WaitReady(testCtx(t)))

	convs, err := s.ListConversations(testCtx(t))
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "m2", convs[0].LastMessage.ID)
	_, err = f.manager.Get(s.ID(), "bob")
	assert.ErrorIs(t, err, errs.ErrAuthorization)
	got, err := f.manager.Get(s.ID(), "carol")
	require.NoError(t, err)
	assert.Equal(t, s, got)

	require.NoError(t, s.ChangeIdentity(testCtx(t), ""))
	<-s.Done()
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, f.manager.Len())
}

type gatedStore struct {
	repositories.MessageStore
	entered chan struct{}
}

func (g *gatedStore) InsertMessage(ctx context.Context, in models.NewMessage) (models.Message, error) {
	close(g.entered)
	<-ctx.Done()
	return models.Message{}, ctx.Err()
}

func TestCloseDiscardsInflight(t *testing.T) {
	store := &gatedStore{MessageStore: repositories.NewMemoryMessageRepo(), entered: make(chan struct{})}
	hub := feed.NewHub(4, nil)
	s := New("s1", "alice", store, hub, Config{RetryDelay: time.Millisecond}, nil)
	s.Start()
	require.NoError(t, s.WaitReady(testCtx(t)))

	sendErr := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), models.NewConversationKey("L1", "alice", "bob"), "hi")
		sendErr <- err
	}()
	<-store.entered
	s.Close()

	select {
	case err := <-sendErr:
		assert.ErrorIs(t, err, errs.ErrSessionClosed)
	case <-time.After(waitFor):
		t.Fatalf("send did not return after close")
	}
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, hub.Subscribers("alice"))
	_, err := s.ListConversations(testCtx(t))
	assert.ErrorIs(t, err, errs.ErrSessionClosed)

	for range s.Updates() {
	}
}

func TestCommandsQueueUntilReady(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.InsertMessage(testCtx(t), models.NewMessage{ID: "m1", ListingID: "L1", SenderID: "alice", ReceiverID: "bob", Content: "hi"})
	require.NoError(t, err)

	s, err := f.manager.CreateSession(testCtx(t), "bob")
	require.NoError(t, err)
	convs, err := s.ListConversations(testCtx(t))

	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, Ready, s.State())
}

func TestManagerOwnership(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "alice")

	_, err := f.manager.Get("missing", "alice")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, f.manager.CloseSession(s.ID(), "mallory"), errs.ErrAuthorization)

	require.NoError(t, f.manager.CloseSession(s.ID(), "alice"))
	assert.Equal(t, 0, f.manager.Len())
	_, err = f.manager.CreateSession(testCtx(t), "")
	assert.ErrorIs(t, err, errs.ErrValidation)
}
