// Package readstate keeps the optimistic read overlay of one session.
package readstate

import (
	"context"
	"errors"

	"market-chat/internal/errs"
	"market-chat/internal/models"
	"market-chat/internal/retry"
)

// Writer persists a read flag. Implementations must treat a repeated call or
// a call by a non-receiver as a no-op.
type Writer interface {
	MarkMessageRead(ctx context.Context, messageID, viewerID string) error
}

// Tracker holds the ids a session marked read locally but the store has not
// confirmed yet. It is owned by a single goroutine; only Write may run
// concurrently with the other methods.
type Tracker struct {
	viewerID string
	writer   Writer
	policy   retry.Config
	pending  map[string]struct{}
}

// New builds a tracker for viewerID.
func New(viewerID string, writer Writer, policy retry.Config) *Tracker {
	return &Tracker{
		viewerID: viewerID,
		writer:   writer,
		policy:   policy,
		pending:  make(map[string]struct{}),
	}
}

// Begin adds every receiver-owned, unread, not yet pending message to the
// overlay and returns their ids. Anything else is skipped silently.
func (t *Tracker) Begin(msgs []models.Message) []string {
	var ids []string
	for _, m := range msgs {
		if !m.UnreadFor(t.viewerID) {
			continue
		}
		if _, ok := t.pending[m.ID]; ok {
			continue
		}
		t.pending[m.ID] = struct{}{}
		ids = append(ids, m.ID)
	}
	return ids
}

// Write issues the store writes for ids, each with the tracker's retry
// policy. It returns the ids the store accepted and, when some failed, an
// error describing the failed batch.
func (t *Tracker) Write(ctx context.Context, ids []string) ([]string, error) {
	confirmed := make([]string, 0, len(ids))
	var failed []string
	var firstErr error
	for _, id := range ids {
		id := id
		err := retry.Do(ctx, t.policy, func(ctx context.Context) error {
			return t.writer.MarkMessageRead(ctx, id, t.viewerID)
		})
		if err != nil {
			failed = append(failed, id)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		confirmed = append(confirmed, id)
	}
	if firstErr == nil {
		return confirmed, nil
	}
	if errs.IsTransient(firstErr) || errors.Is(firstErr, context.DeadlineExceeded) {
		return confirmed, &errs.RetryableError{Op: "read", MessageIDs: failed, Err: firstErr}
	}
	return confirmed, firstErr
}

// Confirm clears ids from the overlay once the store has them.
func (t *Tracker) Confirm(ids []string) {
	for _, id := range ids {
		delete(t.pending, id)
	}
}

// Rollback drops ids from the overlay so counts fall back to store data.
func (t *Tracker) Rollback(ids []string) {
	t.Confirm(ids)
}

// Pending reports whether id is in the overlay.
func (t *Tracker) Pending(id string) bool {
	_, ok := t.pending[id]
	return ok
}

// Len is the overlay size.
func (t *Tracker) Len() int { return len(t.pending) }

// Reset empties the overlay.
func (t *Tracker) Reset() {
	t.pending = make(map[string]struct{})
}

// Apply returns a copy of msgs with the overlay projected onto it.
func (t *Tracker) Apply(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	if len(t.pending) == 0 {
		return out
	}
	for i := range out {
		if _, ok := t.pending[out[i].ID]; ok {
			out[i].Read = true
		}
	}
	return out
}

// MarkRead runs Begin, Write and Confirm or Rollback in one call. It returns
// the ids the store confirmed.
func (t *Tracker) MarkRead(ctx context.Context, msgs []models.Message) ([]string, error) {
	ids := t.Begin(msgs)
	if len(ids) == 0 {
		return nil, nil
	}
	confirmed, err := t.Write(ctx, ids)
	t.Confirm(confirmed)
	if err != nil {
		var rerr *errs.RetryableError
		if errors.As(err, &rerr) {
			t.Rollback(rerr.MessageIDs)
		} else {
			t.Rollback(ids)
		}
	}
	return confirmed, err
}
