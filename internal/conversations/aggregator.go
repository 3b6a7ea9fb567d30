// Package conversations folds a viewer's messages into conversation summaries.
// Everything here is pure: no I/O, no shared state, no errors.
package conversations

import (
	"sort"

	"market-chat/internal/models"
)

type bucket struct {
	key    models.ConversationKey
	last   models.Message
	unread int
}

// Aggregate groups the viewer's messages by conversation key and returns one
// Conversation per key, most recently active first. Messages the viewer is not
// part of are ignored, and a repeated id counts once with a read copy winning
// over an unread one.
func Aggregate(viewerID string, msgs []models.Message) []models.Conversation {
	if viewerID == "" || len(msgs) == 0 {
		return []models.Conversation{}
	}

	unique := make(map[string]models.Message, len(msgs))
	for _, msg := range msgs {
		if !msg.Involves(viewerID) || msg.SenderID == msg.ReceiverID {
			continue
		}
		Merge(unique, msg)
	}

	buckets := make(map[models.ConversationKey]*bucket)
	for _, msg := range unique {
		key := msg.Key()
		b, ok := buckets[key]
		if !ok {
			b = &bucket{key: key, last: msg}
			buckets[key] = b
		} else if Less(b.last, msg) {
			b.last = msg
		}
		if msg.UnreadFor(viewerID) {
			b.unread++
		}
	}

	out := make([]models.Conversation, 0, len(buckets))
	for _, b := range buckets {
		counterpart, _ := b.key.Counterpart(viewerID)
		out = append(out, models.Conversation{
			Key:         b.key,
			KeyString:   b.key.String(),
			ListingID:   b.key.ListingID,
			Counterpart: counterpart,
			LastMessage: b.last,
			UnreadCount: b.unread,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessage, out[j].LastMessage
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.ID != b.ID {
			return a.ID > b.ID
		}
		return out[i].KeyString < out[j].KeyString
	})
	return out
}

// UnreadTotal sums unread counts across conversations.
func UnreadTotal(convs []models.Conversation) int {
	total := 0
	for _, c := range convs {
		total += c.UnreadCount
	}
	return total
}

// Find returns the conversation with the given key.
func Find(convs []models.Conversation, key models.ConversationKey) (models.Conversation, bool) {
	for _, c := range convs {
		if c.Key == key {
			return c, true
		}
	}
	return models.Conversation{}, false
}
