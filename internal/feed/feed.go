// Package feed delivers newly inserted messages to interested sessions.
//
// Delivery is at-least-once and carries no ordering guarantee: a message can
// arrive twice and later messages can overtake earlier ones. Consumers dedupe
// by id and re-sort by creation time.
package feed

import (
	"context"
	"errors"
	"fmt"

	"market-chat/internal/errs"
	"market-chat/internal/models"
)

var (
	// ErrLagged terminates a subscription whose buffer overflowed. Deliveries
	// were lost, so it matches errs.ErrReconciliationRequired.
	ErrLagged = fmt.Errorf("feed: subscriber lagged behind: %w", errs.ErrReconciliationRequired)
	// ErrDisconnected terminates subscriptions when the transport drops. It
	// matches errs.ErrReconciliationRequired.
	ErrDisconnected = fmt.Errorf("feed: transport disconnected: %w", errs.ErrReconciliationRequired)
	// ErrUnavailable is returned by Subscribe while the transport is down.
	ErrUnavailable = errors.New("feed: transport unavailable")
	// ErrUnsubscribed is the terminal error after Unsubscribe.
	ErrUnsubscribed = errors.New("feed: unsubscribed")
)

// Subscription is a live filter on the feed for one viewer.
type Subscription interface {
	ID() string
	ViewerID() string
	Messages() <-chan models.Message
	// Done is closed when the subscription ends for any reason. Err then
	// reports why.
	Done() <-chan struct{}
	Err() error
	// SetFilter swaps the filter in place and returns what the previous
	// filter held back from the viewer.
	SetFilter(filter models.MessageFilter) Gap
}

// Gap lists the viewer's messages a narrowed filter did not deliver. Past
// its capacity only Overflow is set and the ids are incomplete.
type Gap struct {
	IDs      []string
	Overflow bool
}

// Empty reports whether nothing was held back.
func (g Gap) Empty() bool { return len(g.IDs) == 0 && !g.Overflow }

// Feed is the subscribe side of the change feed.
type Feed interface {
	Subscribe(ctx context.Context, viewerID string, filter models.MessageFilter) (Subscription, error)
	Unsubscribe(sub Subscription)
}

// Publisher is the write side: stores hand every inserted message to it.
type Publisher interface {
	PublishMessage(ctx context.Context, msg models.Message) error
}

// Transport is a Publisher that also owns a background connection loop
// feeding a Hub.
type Transport interface {
	Publisher
	Run(ctx context.Context) error
	Close() error
}
