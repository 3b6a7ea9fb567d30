package conversations

import (
	"sort"

	"market-chat/internal/models"
)

// Less orders messages by creation time, then by id.
func Less(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortMessages sorts in place, oldest first.
func SortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Less(msgs[i], msgs[j]) })
}

// InsertSorted inserts msg into a slice already ordered by Less using a binary
// search. A copy with the same id and timestamp is replaced in place, keeping
// the read flag set if either copy had it. The second result reports whether
// the slice grew.
func InsertSorted(msgs []models.Message, msg models.Message) ([]models.Message, bool) {
	idx := sort.Search(len(msgs), func(i int) bool { return !Less(msgs[i], msg) })
	if idx < len(msgs) && msgs[idx].ID == msg.ID && msgs[idx].CreatedAt.Equal(msg.CreatedAt) {
		msg.Read = msg.Read || msgs[idx].Read
		msgs[idx] = msg
		return msgs, false
	}
	msgs = append(msgs, models.Message{})
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = msg
	return msgs, true
}

// Remove drops the message with the given id.
func Remove(msgs []models.Message, id string) ([]models.Message, bool) {
	for i := range msgs {
		if msgs[i].ID == id {
			return append(msgs[:i], msgs[i+1:]...), true
		}
	}
	return msgs, false
}

// Merge folds incoming messages into an id-keyed set. It returns whether the
// set changed. The read flag only ever moves from false to true.
func Merge(set map[string]models.Message, incoming ...models.Message) bool {
	changed := false
	for _, msg := range incoming {
		existing, ok := set[msg.ID]
		if ok {
			msg.Read = msg.Read || existing.Read
			if existing.Equal(msg) {
				continue
			}
		}
		set[msg.ID] = msg
		changed = true
	}
	return changed
}
