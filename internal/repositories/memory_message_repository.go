package repositories

import (
	"context"
	"sync"
	"time"

	"market-chat/internal/conversations"
	"market-chat/internal/errs"
	"market-chat/internal/models"
)

// Store operation names used for failure injection.
const (
	OpInsert   = "insert"
	OpQuery    = "query"
	OpMarkRead = "mark_read"
)

// MemoryMessageRepo keeps messages in process. It backs store.driver=memory
// and the session tests, which use its failure injection.
type MemoryMessageRepo struct {
	mu       sync.Mutex
	byID     map[string]models.Message
	order    []string
	listings map[string]struct{}
	profiles map[string]struct{}
	failures map[string][]error
	last     time.Time
	now      func() time.Time
}

// NewMemoryMessageRepo builds an empty store.
func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{
		byID:     make(map[string]models.Message),
		listings: make(map[string]struct{}),
		profiles: make(map[string]struct{}),
		failures: make(map[string][]error),
		now:      time.Now,
	}
}

// RegisterListing makes listing and participant checks strict: once any
// listing is registered, inserts naming unknown listings or profiles fail
// with ErrNotFound.
func (r *MemoryMessageRepo) RegisterListing(listingID string, profileIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listings[listingID] = struct{}{}
	for _, id := range profileIDs {
		r.profiles[id] = struct{}{}
	}
}

// FailNext makes the next len(errors) calls of op fail with those errors.
func (r *MemoryMessageRepo) FailNext(op string, errors ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = append(r.failures[op], errors...)
}

// Seed stores messages as-is, bypassing validation. Used to stage history.
func (r *MemoryMessageRepo) Seed(msgs ...models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		if _, ok := r.byID[m.ID]; !ok {
			r.order = append(r.order, m.ID)
		}
		r.byID[m.ID] = m
		if m.CreatedAt.After(r.last) {
			r.last = m.CreatedAt
		}
	}
}

// Len counts stored messages.
func (r *MemoryMessageRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Get returns a stored message.
func (r *MemoryMessageRepo) Get(id string) (models.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	return m, ok
}

func (r *MemoryMessageRepo) injected(op string) error {
	queue := r.failures[op]
	if len(queue) == 0 {
		return nil
	}
	r.failures[op] = queue[1:]
	return queue[0]
}

// InsertMessage stores a message, idempotent by id.
func (r *MemoryMessageRepo) InsertMessage(ctx context.Context, in models.NewMessage) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, classify("insert message", err)
	}
	if err := validateNewMessage(&in); err != nil {
		return models.Message{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected(OpInsert); err != nil {
		return models.Message{}, err
	}
	if existing, ok := r.byID[in.ID]; ok {
		return existing, nil
	}
	if len(r.listings) > 0 {
		if _, ok := r.listings[in.ListingID]; !ok {
			return models.Message{}, errs.E(errs.ErrNotFound, "insert message", "listing not found")
		}
		for _, id := range []string{in.SenderID, in.ReceiverID} {
			if _, ok := r.profiles[id]; !ok {
				return models.Message{}, errs.E(errs.ErrNotFound, "insert message", "participant not found")
			}
		}
	}

	createdAt := r.now().UTC()
	if !createdAt.After(r.last) {
		createdAt = r.last.Add(time.Microsecond)
	}
	r.last = createdAt
	msg := models.Message{
		ID:         in.ID,
		ListingID:  in.ListingID,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Content:    in.Content,
		CreatedAt:  createdAt,
	}
	r.byID[msg.ID] = msg
	r.order = append(r.order, msg.ID)
	return msg, nil
}

// QueryMessages returns matching messages oldest first.
func (r *MemoryMessageRepo) QueryMessages(ctx context.Context, viewerID string, filter models.MessageFilter) ([]models.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("query messages", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected(OpQuery); err != nil {
		return nil, err
	}
	out := []models.Message{}
	for _, id := range r.order {
		m := r.byID[id]
		if filter.Matches(viewerID, m) {
			out = append(out, m)
		}
	}
	conversations.SortMessages(out)
	return out, nil
}

// MarkMessageRead sets the read flag for the receiver.
func (r *MemoryMessageRepo) MarkMessageRead(ctx context.Context, messageID string, viewerID string) error {
	if err := ctx.Err(); err != nil {
		return classify("mark read", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.injected(OpMarkRead); err != nil {
		return err
	}
	m, ok := r.byID[messageID]
	if !ok || m.ReceiverID != viewerID || m.Read {
		return nil
	}
	m.Read = true
	r.byID[messageID] = m
	return nil
}
