package repositories

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gocql/gocql"
	"go.opentelemetry.io/otel/attribute"

	"market-chat/internal/models"
)

// ScyllaMessageRepo stores messages in Scylla. messages_by_id is the source
// of truth and guards idempotency with lightweight transactions; each message
// is also written to messages_by_participant once per participant so a
// viewer's history is one partition read.
type ScyllaMessageRepo struct {
	session *gocql.Session
	logger  *slog.Logger
}

// NewScyllaMessageRepo builds a ScyllaMessageRepo.
func NewScyllaMessageRepo(session *gocql.Session, logger *slog.Logger) *ScyllaMessageRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &ScyllaMessageRepo{session: session, logger: logger}
}

var errScyllaNotInitialized = errors.New("scylla session not initialized")

// InsertMessage stores a message, idempotent by id.
func (r *ScyllaMessageRepo) InsertMessage(ctx context.Context, in models.NewMessage) (models.Message, error) {
	ctx, span := startSpan(ctx, "ScyllaMessageRepo.InsertMessage", attribute.String("message.id", in.ID))
	defer span.End()

	if r.session == nil {
		return models.Message{}, endSpan(span, errScyllaNotInitialized)
	}
	if err := validateNewMessage(&in); err != nil {
		return models.Message{}, endSpan(span, err)
	}

	msg := models.Message{
		ID:         in.ID,
		ListingID:  in.ListingID,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
	}
	existing := map[string]interface{}{}
	applied, err := r.session.
		Query(`INSERT INTO messages_by_id (id, listing_id, sender_id, receiver_id, content, read, created_at) VALUES (?, ?, ?, ?, ?, false, ?) IF NOT EXISTS`,
			msg.ID, msg.ListingID, msg.SenderID, msg.ReceiverID, msg.Content, msg.CreatedAt).
		WithContext(ctx).
		SerialConsistency(gocql.LocalSerial).
		MapScanCAS(existing)
	if err != nil {
		return models.Message{}, endSpan(span, classify("insert message", err))
	}
	if !applied {
		msg = messageFromRow(existing)
		span.SetAttributes(attribute.Bool("message.duplicate", true))
	}

	// rewritten on duplicates too, a previous attempt may have stopped here
	if err := r.writeParticipantRows(ctx, msg); err != nil {
		return models.Message{}, endSpan(span, classify("insert message", err))
	}
	return msg, nil
}

func (r *ScyllaMessageRepo) writeParticipantRows(ctx context.Context, msg models.Message) error {
	batch := r.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, participant := range []string{msg.SenderID, msg.ReceiverID} {
		batch.Query(`INSERT INTO messages_by_participant (participant_id, created_at, id, listing_id, sender_id, receiver_id, content, read) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			participant, msg.CreatedAt, msg.ID, msg.ListingID, msg.SenderID, msg.ReceiverID, msg.Content, msg.Read)
	}
	batch.SetConsistency(gocql.Quorum)
	return r.session.ExecuteBatch(batch)
}

// QueryMessages reads the viewer's partition, oldest first.
func (r *ScyllaMessageRepo) QueryMessages(ctx context.Context, viewerID string, filter models.MessageFilter) ([]models.Message, error) {
	ctx, span := startSpan(ctx, "ScyllaMessageRepo.QueryMessages", attribute.String("viewer.id", viewerID))
	defer span.End()

	if r.session == nil {
		return nil, endSpan(span, errScyllaNotInitialized)
	}
	if filter.Key != nil && !filter.Key.Has(viewerID) {
		return []models.Message{}, nil
	}
	iter := r.session.
		Query(`SELECT id, listing_id, sender_id, receiver_id, content, read, created_at FROM messages_by_participant WHERE participant_id = ?`, viewerID).
		WithContext(ctx).
		Consistency(gocql.One).
		Iter()

	var (
		msg  models.Message
		msgs = []models.Message{}
	)
	for iter.Scan(&msg.ID, &msg.ListingID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.Read, &msg.CreatedAt) {
		if filter.Matches(viewerID, msg) {
			msgs = append(msgs, msg)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, endSpan(span, classify("query messages", err))
	}
	return msgs, nil
}

// MarkMessageRead flips the read flag for the receiver.
func (r *ScyllaMessageRepo) MarkMessageRead(ctx context.Context, messageID string, viewerID string) error {
	ctx, span := startSpan(ctx, "ScyllaMessageRepo.MarkMessageRead", attribute.String("message.id", messageID))
	defer span.End()

	if r.session == nil {
		return endSpan(span, errScyllaNotInitialized)
	}
	var msg models.Message
	err := r.session.
		Query(`SELECT id, listing_id, sender_id, receiver_id, content, read, created_at FROM messages_by_id WHERE id = ? LIMIT 1`, messageID).
		WithContext(ctx).
		Consistency(gocql.Quorum).
		Scan(&msg.ID, &msg.ListingID, &msg.SenderID, &msg.ReceiverID, &msg.Content, &msg.Read, &msg.CreatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil
	}
	if err != nil {
		return endSpan(span, classify("mark read", err))
	}
	if msg.ReceiverID != viewerID {
		return nil
	}

	if !msg.Read {
		var current bool
		if _, err := r.session.
			Query(`UPDATE messages_by_id SET read = true WHERE id = ? IF read = false`, messageID).
			WithContext(ctx).
			SerialConsistency(gocql.LocalSerial).
			ScanCAS(&current); err != nil {
			return endSpan(span, classify("mark read", err))
		}
	}

	batch := r.session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	for _, participant := range []string{msg.SenderID, msg.ReceiverID} {
		batch.Query(`UPDATE messages_by_participant SET read = true WHERE participant_id = ? AND created_at = ? AND id = ?`,
			participant, msg.CreatedAt, msg.ID)
	}
	if err := r.session.ExecuteBatch(batch); err != nil {
		r.logger.Warn("scylla participant read flag update failed", "message_id", messageID, "error", err)
		return endSpan(span, classify("mark read", err))
	}
	return nil
}

func messageFromRow(row map[string]interface{}) models.Message {
	var msg models.Message
	msg.ID, _ = row["id"].(string)
	msg.ListingID, _ = row["listing_id"].(string)
	msg.SenderID, _ = row["sender_id"].(string)
	msg.ReceiverID, _ = row["receiver_id"].(string)
	msg.Content, _ = row["content"].(string)
	msg.Read, _ = row["read"].(bool)
	msg.CreatedAt, _ = row["created_at"].(time.Time)
	return msg
}
