package feed

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-chat/internal/errs"
	"market-chat/internal/models"
)

func message(id, listing, from, to string) models.Message {
	return models.Message{ID: id, ListingID: listing, SenderID: from, ReceiverID: to, Content: "hi", CreatedAt: time.Now()}
}

func receive(t *testing.T, sub Subscription) models.Message {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatalf("expected a message")
		return models.Message{}
	}
}

func TestHubSubscribeAndUnsubscribe(t *testing.T) {
	hub := NewHub(4, nil)

	sub, err := hub.Subscribe(context.Background(), "alice", models.MessageFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("alice"))

	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.Subscribers("alice"))
	assert.ErrorIs(t, sub.Err(), ErrUnsubscribed)

	hub.Unsubscribe(sub)
}

func TestHubDeliversToBothParticipants(t *testing.T) {
	hub := NewHub(4, nil)
	alice, _ := hub.Subscribe(context.Background(), "alice", models.MessageFilter{})
	bob, _ := hub.Subscribe(context.Background(), "bob", models.MessageFilter{})
	carol, _ := hub.Subscribe(context.Background(), "carol", models.MessageFilter{})

	require.NoError(t, hub.PublishMessage(context.Background(), message("m1", "L1", "alice", "bob")))

	assert.Equal(t, "m1", receive(t, alice).ID)
	assert.Equal(t, "m1", receive(t, bob).ID)
	assert.Empty(t, carol.Messages())
}

func TestHubOverflowEndsSubscription(t *testing.T) {
	hub := NewHub(1, nil)
	sub, _ := hub.Subscribe(context.Background(), "alice", models.MessageFilter{})

	hub.Deliver(message("m1", "L1", "bob", "alice"))
	hub.Deliver(message("m2", "L1", "bob", "alice"))

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("expected subscription to end")
	}
	assert.ErrorIs(t, sub.Err(), ErrLagged)
	assert.Equal(t, 0, hub.Subscribers("alice"))
}

func TestHubDisconnect(t *testing.T) {
	hub := NewHub(4, nil)
	sub, _ := hub.Subscribe(context.Background(), "alice", models.MessageFilter{})

	hub.SetConnected(false)

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), ErrDisconnected)
	_, err := hub.Subscribe(context.Background(), "alice", models.MessageFilter{})
	assert.ErrorIs(t, err, ErrUnavailable)

	hub.SetConnected(true)
	_, err = hub.Subscribe(context.Background(), "alice", models.MessageFilter{})
	assert.NoError(t, err)
}

func TestSetFilterReportsGap(t *testing.T) {
	hub := NewHub(4, nil)
	key := models.NewConversationKey("L1", "alice", "bob")
	sub, _ := hub.Subscribe(context.Background(), "alice", models.MessageFilter{})

	assert.True(t, sub.SetFilter(models.ForConversation(key)).Empty())
	hub.Deliver(message("m1", "L1", "bob", "alice"))
	hub.Deliver(message("m2", "L2", "carol", "alice"))

	assert.Equal(t, "m1", receive(t, sub).ID)
	assert.Empty(t, sub.Messages())
	assert.Equal(t, Gap{IDs: []string{"m2"}}, sub.SetFilter(models.MessageFilter{}))
	assert.True(t, sub.SetFilter(models.MessageFilter{}).Empty())
}

func TestSetFilterGapOverflows(t *testing.T) {
	hub := NewHub(2, nil)
	key := models.NewConversationKey("L1", "alice", "bob")
	sub, _ := hub.Subscribe(context.Background(), "alice", models.ForConversation(key))

	for _, id := range []string{"m1", "m2", "m3"} {
		hub.Deliver(message(id, "L2", "carol", "alice"))
	}

	gap := sub.SetFilter(models.MessageFilter{})
	assert.True(t, gap.Overflow)
	assert.False(t, gap.Empty())
}

func TestTerminalErrorsRequireReconciliation(t *testing.T) {
	assert.ErrorIs(t, ErrLagged, errs.ErrReconciliationRequired)
	assert.ErrorIs(t, ErrDisconnected, errs.ErrReconciliationRequired)
	assert.NotErrorIs(t, ErrUnsubscribed, errs.ErrReconciliationRequired)
}
