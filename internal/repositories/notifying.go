package repositories

import (
	"context"
	"log/slog"

	"market-chat/internal/feed"
	"market-chat/internal/models"
)

// Notifying publishes every inserted message to the change feed. A failed
// publish is logged and does not fail the insert; subscribers that missed it
// recover on their next reconciliation.
type Notifying struct {
	MessageStore
	publisher feed.Publisher
	logger    *slog.Logger
}

// NewNotifying decorates store.
func NewNotifying(store MessageStore, publisher feed.Publisher, logger *slog.Logger) *Notifying {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifying{MessageStore: store, publisher: publisher, logger: logger}
}

// InsertMessage stores msg and then publishes it.
func (n *Notifying) InsertMessage(ctx context.Context, in models.NewMessage) (models.Message, error) {
	msg, err := n.MessageStore.InsertMessage(ctx, in)
	if err != nil {
		return msg, err
	}
	if err := n.publisher.PublishMessage(context.WithoutCancel(ctx), msg); err != nil {
		n.logger.Warn("feed publish failed", "message_id", msg.ID, "listing_id", msg.ListingID, "error", err)
	}
	return msg, nil
}
