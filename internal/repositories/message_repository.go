package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"market-chat/internal/errs"
	"market-chat/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

var tracer = otel.Tracer("market-chat/repositories")

// MessageStore is the durable, append-only message log.
type MessageStore interface {
	// InsertMessage stores msg. Inserting an id that already exists returns
	// the stored copy instead of a duplicate.
	InsertMessage(ctx context.Context, msg models.NewMessage) (models.Message, error)
	// QueryMessages returns the viewer's messages, oldest first.
	QueryMessages(ctx context.Context, viewerID string, filter models.MessageFilter) ([]models.Message, error)
	// MarkMessageRead sets the read flag. It is a no-op unless viewerID is the
	// receiver and the message is unread.
	MarkMessageRead(ctx context.Context, messageID string, viewerID string) error
}

// MessageRepo is a sqlx-backed MessageStore.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, listing_id, sender_id, receiver_id, content, read, created_at`

// InsertMessage stores a message, idempotent by id.
func (r *MessageRepo) InsertMessage(ctx context.Context, in models.NewMessage) (models.Message, error) {
	ctx, span := startSpan(ctx, "MessageRepo.InsertMessage", attribute.String("message.id", in.ID), attribute.String("listing.id", in.ListingID))
	defer span.End()

	if err := validateNewMessage(&in); err != nil {
		return models.Message{}, endSpan(span, err)
	}

	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (id, listing_id, sender_id, receiver_id, content)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO NOTHING
        RETURNING `+messageColumns,
		in.ID, in.ListingID, in.SenderID, in.ReceiverID, in.Content).StructScan(&msg)
	if errors.Is(err, sql.ErrNoRows) {
		msg, err = r.getMessage(ctx, in.ID)
	}
	if err != nil {
		return models.Message{}, endSpan(span, classify("insert message", err))
	}
	return msg, nil
}

func (r *MessageRepo) getMessage(ctx context.Context, id string) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// QueryMessages returns the viewer's messages ordered by created_at.
func (r *MessageRepo) QueryMessages(ctx context.Context, viewerID string, filter models.MessageFilter) ([]models.Message, error) {
	ctx, span := startSpan(ctx, "MessageRepo.QueryMessages", attribute.String("viewer.id", viewerID))
	defer span.End()

	var (
		msgs []models.Message
		err  error
	)
	if filter.Key == nil {
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+`
            FROM messages
            WHERE sender_id=$1 OR receiver_id=$1
            ORDER BY created_at ASC, id ASC`, viewerID)
	} else {
		key := *filter.Key
		if !key.Has(viewerID) {
			return []models.Message{}, nil
		}
		err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+`
            FROM messages
            WHERE listing_id=$1
            AND ((sender_id=$2 AND receiver_id=$3) OR (sender_id=$3 AND receiver_id=$2))
            ORDER BY created_at ASC, id ASC`, key.ListingID, key.UserA, key.UserB)
	}
	if err != nil {
		return nil, endSpan(span, classify("query messages", err))
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	span.SetAttributes(attribute.Int("messages.count", len(msgs)))
	return msgs, nil
}

// MarkMessageRead flips the read flag for the receiver.
func (r *MessageRepo) MarkMessageRead(ctx context.Context, messageID string, viewerID string) error {
	ctx, span := startSpan(ctx, "MessageRepo.MarkMessageRead", attribute.String("message.id", messageID))
	defer span.End()

	_, err := r.db.ExecContext(ctx, `UPDATE messages SET read = TRUE WHERE id=$1 AND receiver_id=$2 AND read = FALSE`, messageID, viewerID)
	return endSpan(span, classify("mark read", err))
}

func validateNewMessage(in *models.NewMessage) error {
	in.Content = models.TrimContent(in.Content)
	switch {
	case in.ID == "":
		return errs.Validation("insert message", "message id is required")
	case in.Content == "":
		return errs.Validation("insert message", "message content is empty")
	case in.ListingID == "" || in.SenderID == "" || in.ReceiverID == "":
		return errs.Validation("insert message", "listing and participants are required")
	case in.SenderID == in.ReceiverID:
		return errs.Validation("insert message", "cannot message yourself")
	}
	return nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
