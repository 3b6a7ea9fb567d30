package feed

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"market-chat/internal/models"
	"market-chat/internal/observability"
)

const DefaultBuffer = 64

// Hub fans messages out to subscriptions in this process. Transports feed it
// with Deliver; with no transport it doubles as an in-process Publisher.
type Hub struct {
	rooms     map[string]map[*subscription]struct{}
	connected bool
	buffer    int
	logger    *slog.Logger
	mu        sync.RWMutex
}

// NewHub creates a connected hub with the given per-subscription buffer.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:     make(map[string]map[*subscription]struct{}),
		connected: true,
		buffer:    buffer,
		logger:    logger,
	}
}

// Subscribe registers a subscription for viewerID.
func (h *Hub) Subscribe(ctx context.Context, viewerID string, filter models.MessageFilter) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return nil, ErrUnavailable
	}
	sub := &subscription{
		id:       uuid.NewString(),
		viewerID: viewerID,
		filter:   filter,
		ch:       make(chan models.Message, h.buffer),
		done:     make(chan struct{}),
	}
	if _, ok := h.rooms[viewerID]; !ok {
		h.rooms[viewerID] = make(map[*subscription]struct{})
	}
	h.rooms[viewerID][sub] = struct{}{}
	observability.IncFeedSubscribers()
	h.logger.Debug("feed subscribed", "viewer_id", viewerID, "subscription_id", sub.id)
	return sub, nil
}

// Unsubscribe removes sub and ends it. Calling it twice is harmless.
func (h *Hub) Unsubscribe(s Subscription) {
	sub, ok := s.(*subscription)
	if !ok || sub == nil {
		return
	}
	h.remove(sub)
	sub.terminate(ErrUnsubscribed)
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[sub.viewerID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.rooms, sub.viewerID)
	}
	observability.DecFeedSubscribers()
}

// Deliver hands msg to every subscription of its sender and receiver.
func (h *Hub) Deliver(msg models.Message) {
	h.mu.RLock()
	var targets []*subscription
	for _, viewerID := range participants(msg) {
		for sub := range h.rooms[viewerID] {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if !sub.deliver(msg) {
			h.logger.Warn("feed subscriber lagged", "viewer_id", sub.viewerID, "subscription_id", sub.id, "message_id", msg.ID)
			h.remove(sub)
		}
	}
}

// PublishMessage makes the hub usable as the in-process Publisher.
func (h *Hub) PublishMessage(ctx context.Context, msg models.Message) error {
	h.Deliver(msg)
	return nil
}

// SetConnected records the transport state. Going down ends every live
// subscription with ErrDisconnected; new ones fail with ErrUnavailable until
// the transport is back.
func (h *Hub) SetConnected(connected bool) {
	h.mu.Lock()
	if h.connected == connected {
		h.mu.Unlock()
		return
	}
	h.connected = connected
	var dropped []*subscription
	if !connected {
		for viewerID, subs := range h.rooms {
			for sub := range subs {
				dropped = append(dropped, sub)
				observability.DecFeedSubscribers()
			}
			delete(h.rooms, viewerID)
		}
	}
	h.mu.Unlock()

	for _, sub := range dropped {
		sub.terminate(ErrDisconnected)
	}
	h.logger.Info("feed transport state changed", "connected", connected, "dropped", len(dropped))
}

// Connected reports the transport state.
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected
}

// Subscribers counts live subscriptions for viewerID.
func (h *Hub) Subscribers(viewerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[viewerID])
}

func participants(msg models.Message) []string {
	if msg.SenderID == msg.ReceiverID {
		return []string{msg.SenderID}
	}
	return []string{msg.SenderID, msg.ReceiverID}
}

type subscription struct {
	id       string
	viewerID string
	ch       chan models.Message
	done     chan struct{}

	mu     sync.Mutex
	filter models.MessageFilter
	gap    Gap
	err    error
}

func (s *subscription) ID() string                      { return s.id }
func (s *subscription) ViewerID() string                { return s.viewerID }
func (s *subscription) Messages() <-chan models.Message { return s.ch }
func (s *subscription) Done() <-chan struct{}           { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) SetFilter(filter models.MessageFilter) Gap {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = filter
	gap := s.gap
	s.gap = Gap{}
	return gap
}

// deliver returns false when the subscription overflowed and was ended.
func (s *subscription) deliver(msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return true
	}
	if !s.filter.Matches(s.viewerID, msg) {
		if msg.Involves(s.viewerID) {
			s.hold(msg.ID)
		}
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		s.err = ErrLagged
		close(s.done)
		return false
	}
}

// hold records a filtered id; it keeps at most as many ids as the buffer.
func (s *subscription) hold(id string) {
	if s.gap.Overflow {
		return
	}
	if len(s.gap.IDs) >= cap(s.ch) {
		s.gap = Gap{Overflow: true}
		return
	}
	s.gap.IDs = append(s.gap.IDs, id)
}

func (s *subscription) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	close(s.done)
}
