package models

import (
	"strings"
	"time"
)

// Message represents a direct message about a listing.
type Message struct {
	ID         string    `db:"id" json:"id"`
	ListingID  string    `db:"listing_id" json:"listing_id"`
	SenderID   string    `db:"sender_id" json:"sender_id"`
	ReceiverID string    `db:"receiver_id" json:"receiver_id"`
	Content    string    `db:"content" json:"content"`
	Read       bool      `db:"read" json:"read"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// NewMessage is the write payload for a message. ID is assigned by the sender
// so that a retried insert is recognised by the store.
type NewMessage struct {
	ID         string
	ListingID  string
	SenderID   string
	ReceiverID string
	Content    string
}

// Key returns the conversation the message belongs to.
func (m Message) Key() ConversationKey {
	return NewConversationKey(m.ListingID, m.SenderID, m.ReceiverID)
}

// Equal compares field by field. Timestamps are compared as instants so a
// copy decoded from JSON matches one read back from the store.
func (m Message) Equal(o Message) bool {
	return m.ID == o.ID &&
		m.ListingID == o.ListingID &&
		m.SenderID == o.SenderID &&
		m.ReceiverID == o.ReceiverID &&
		m.Content == o.Content &&
		m.Read == o.Read &&
		m.CreatedAt.Equal(o.CreatedAt)
}

// Involves reports whether userID is the sender or the receiver.
func (m Message) Involves(userID string) bool {
	return userID != "" && (m.SenderID == userID || m.ReceiverID == userID)
}

// Counterpart returns the other participant from the viewer's side.
func (m Message) Counterpart(viewerID string) string {
	if m.SenderID == viewerID {
		return m.ReceiverID
	}
	return m.SenderID
}

// UnreadFor reports whether the message counts as unread for viewerID.
func (m Message) UnreadFor(viewerID string) bool {
	return m.ReceiverID == viewerID && !m.Read
}

// TrimContent normalises message content before validation and storage.
func TrimContent(content string) string {
	return strings.TrimSpace(content)
}

// ChatEvent is pushed to websocket clients of a session.
type ChatEvent struct {
	Type          string         `json:"type"`
	State         string         `json:"state,omitempty"`
	Message       *Message       `json:"message,omitempty"`
	Conversations []Conversation `json:"conversations,omitempty"`
	Error         string         `json:"error,omitempty"`
	Retryable     bool           `json:"retryable,omitempty"`
}
