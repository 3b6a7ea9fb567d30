package readstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"market-chat/internal/conversations"
	"market-chat/internal/errs"
	"market-chat/internal/mocks"
	"market-chat/internal/models"
	"market-chat/internal/retry"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func inbox() []models.Message {
	return []models.Message{
		{ID: "m1", ListingID: "L1", SenderID: "bob", ReceiverID: "alice", Content: "hi", CreatedAt: t0},
		{ID: "m2", ListingID: "L1", SenderID: "bob", ReceiverID: "alice", Content: "there", CreatedAt: t0.Add(time.Minute)},
		{ID: "m3", ListingID: "L1", SenderID: "alice", ReceiverID: "bob", Content: "yo", CreatedAt: t0.Add(2 * time.Minute)},
		{ID: "m4", ListingID: "L1", SenderID: "bob", ReceiverID: "alice", Content: "old", CreatedAt: t0.Add(-time.Minute), Read: true},
	}
}

func policy() retry.Config { return retry.Once(time.Millisecond, time.Second) }

func TestBeginSelectsReceiverOwnedUnread(t *testing.T) {
	tr := New("alice", new(mocks.MessageStoreMock), policy())

	ids := tr.Begin(inbox())

	assert.Equal(t, []string{"m1", "m2"}, ids)
	assert.Empty(t, tr.Begin(inbox()), "pending ids are not selected twice")
	assert.Equal(t, 2, tr.Len())
}

func TestApplyProjectsOverlay(t *testing.T) {
	tr := New("alice", new(mocks.MessageStoreMock), policy())
	msgs := inbox()
	tr.Begin(msgs[:1])

	applied := tr.Apply(msgs)

	assert.True(t, applied[0].Read)
	assert.False(t, applied[1].Read)
	assert.False(t, msgs[0].Read, "input is not mutated")
}

func TestMarkReadConfirms(t *testing.T) {
	store := new(mocks.MessageStoreMock)
	store.On("MarkMessageRead", mock.Anything, "m1", "alice").Return(nil).Once()
	store.On("MarkMessageRead", mock.Anything, "m2", "alice").Return(nil).Once()
	tr := New("alice", store, policy())

	confirmed, err := tr.MarkRead(context.Background(), inbox())

	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, confirmed)
	assert.Zero(t, tr.Len())
	store.AssertExpectations(t)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	store := new(mocks.MessageStoreMock)
	store.On("MarkMessageRead", mock.Anything, mock.Anything, "alice").Return(nil)
	tr := New("alice", store, policy())
	msgs := inbox()

	confirmed, err := tr.MarkRead(context.Background(), msgs)
	require.NoError(t, err)
	for i := range msgs {
		for _, id := range confirmed {
			if msgs[i].ID == id {
				msgs[i].Read = true
			}
		}
	}
	once := conversations.Aggregate("alice", msgs)

	again, err := tr.MarkRead(context.Background(), msgs)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Equal(t, once, conversations.Aggregate("alice", msgs))
	store.AssertNumberOfCalls(t, "MarkMessageRead", 2)
}

func TestMarkReadSkipsSenderSide(t *testing.T) {
	store := new(mocks.MessageStoreMock)
	tr := New("bob", store, policy())

	confirmed, err := tr.MarkRead(context.Background(), inbox()[:2])

	require.NoError(t, err)
	assert.Empty(t, confirmed)
	store.AssertNotCalled(t, "MarkMessageRead", mock.Anything, mock.Anything, mock.Anything)
}

func TestMarkReadRollsBackAfterRetry(t *testing.T) {
	store := new(mocks.MessageStoreMock)
	down := errs.Transient("mark read", errors.New("connection refused"))
	store.On("MarkMessageRead", mock.Anything, "m1", "alice").Return(nil).Once()
	store.On("MarkMessageRead", mock.Anything, "m2", "alice").Return(down).Twice()
	tr := New("alice", store, policy())

	confirmed, err := tr.MarkRead(context.Background(), inbox())

	assert.Equal(t, []string{"m1"}, confirmed)
	var rerr *errs.RetryableError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, []string{"m2"}, rerr.MessageIDs)
	assert.ErrorIs(t, err, errs.ErrTransient)
	assert.False(t, tr.Pending("m2"))
	store.AssertExpectations(t)
}

func TestUnreadNeverIncreases(t *testing.T) {
	store := new(mocks.MessageStoreMock)
	store.On("MarkMessageRead", mock.Anything, mock.Anything, "alice").Return(errs.Transient("mark read", errors.New("down")))
	tr := New("alice", store, policy())
	msgs := inbox()
	before := conversations.UnreadTotal(conversations.Aggregate("alice", msgs))

	tr.Begin(msgs)
	during := conversations.UnreadTotal(conversations.Aggregate("alice", tr.Apply(msgs)))
	assert.LessOrEqual(t, during, before)
	tr.Reset()

	_, err := tr.MarkRead(context.Background(), msgs)
	require.Error(t, err)
	after := conversations.UnreadTotal(conversations.Aggregate("alice", tr.Apply(msgs)))
	assert.LessOrEqual(t, after, before)
}
