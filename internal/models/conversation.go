package models

import (
	"errors"
	"strings"
)

const keySeparator = "|"

var ErrInvalidConversationKey = errors.New("invalid conversation key")

// ConversationKey identifies a conversation: one listing and an unordered pair
// of participants. UserA always sorts before UserB.
type ConversationKey struct {
	ListingID string `json:"listing_id"`
	UserA     string `json:"user_a"`
	UserB     string `json:"user_b"`
}

// NewConversationKey builds the canonical key for a listing and two users.
func NewConversationKey(listingID, user1, user2 string) ConversationKey {
	if user2 < user1 {
		user1, user2 = user2, user1
	}
	return ConversationKey{ListingID: listingID, UserA: user1, UserB: user2}
}

// ParseConversationKey is the inverse of String.
func ParseConversationKey(raw string) (ConversationKey, error) {
	parts := strings.Split(raw, keySeparator)
	if len(parts) != 3 {
		return ConversationKey{}, ErrInvalidConversationKey
	}
	key := NewConversationKey(parts[0], parts[1], parts[2])
	if !key.Valid() {
		return ConversationKey{}, ErrInvalidConversationKey
	}
	return key, nil
}

// String renders the key as listing|userA|userB.
func (k ConversationKey) String() string {
	return k.ListingID + keySeparator + k.UserA + keySeparator + k.UserB
}

// Valid reports whether the key names a listing and two distinct users.
func (k ConversationKey) Valid() bool {
	if k.ListingID == "" || k.UserA == "" || k.UserB == "" || k.UserA == k.UserB {
		return false
	}
	return !strings.Contains(k.ListingID+k.UserA+k.UserB, keySeparator)
}

// Has reports whether userID is one of the two participants.
func (k ConversationKey) Has(userID string) bool {
	return userID != "" && (k.UserA == userID || k.UserB == userID)
}

// Counterpart returns the participant that is not viewerID.
func (k ConversationKey) Counterpart(viewerID string) (string, bool) {
	switch viewerID {
	case k.UserA:
		return k.UserB, k.UserB != ""
	case k.UserB:
		return k.UserA, k.UserA != ""
	default:
		return "", false
	}
}

// Conversation is the per-viewer summary of one conversation. It is derived
// from messages and never stored.
type Conversation struct {
	Key         ConversationKey `json:"key"`
	KeyString   string          `json:"conversation_key"`
	ListingID   string          `json:"listing_id"`
	Counterpart string          `json:"counterpart_id"`
	LastMessage Message         `json:"last_message"`
	UnreadCount int             `json:"unread_count"`
}

// MessageFilter narrows a query or a feed subscription. A nil Key means every
// message the viewer takes part in.
type MessageFilter struct {
	Key *ConversationKey
}

// ForConversation returns a filter scoped to one conversation.
func ForConversation(key ConversationKey) MessageFilter {
	return MessageFilter{Key: &key}
}

// Matches reports whether the message is visible to viewerID under the filter.
func (f MessageFilter) Matches(viewerID string, m Message) bool {
	if !m.Involves(viewerID) {
		return false
	}
	if f.Key == nil {
		return true
	}
	return m.Key() == *f.Key
}

// Covers reports whether every message matched by other is also matched by f.
func (f MessageFilter) Covers(other MessageFilter) bool {
	if f.Key == nil {
		return true
	}
	return other.Key != nil && *other.Key == *f.Key
}
