package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"market-chat/internal/models"
	"market-chat/internal/observability"
	"market-chat/internal/retry"
)

const messageRoutingPrefix = "message."

// AMQPTransport carries inserted messages between instances over a topic
// exchange. Each instance consumes through its own exclusive queue and feeds
// the local Hub.
type AMQPTransport struct {
	url      string
	exchange string
	hub      *Hub
	logger   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPTransport builds a transport; nothing is dialled until Run.
func NewAMQPTransport(url, exchange string, hub *Hub, logger *slog.Logger) *AMQPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPTransport{url: url, exchange: exchange, hub: hub, logger: logger}
}

// Run keeps a consumer connected until ctx ends, reconnecting with
// exponential backoff. The hub is marked disconnected for every gap.
func (t *AMQPTransport) Run(ctx context.Context) error {
	t.hub.SetConnected(false)
	bo := retry.Exponential(500*time.Millisecond, 30*time.Second)
	for {
		deliveries, closed, err := t.connect()
		if err != nil {
			wait := bo.NextBackOff()
			t.logger.Warn("amqp feed connect failed", "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
				continue
			}
		}
		bo.Reset()
		t.hub.SetConnected(true)
		t.logger.Info("amqp feed connected", "exchange", t.exchange)

		err = t.consume(ctx, deliveries, closed)
		t.hub.SetConnected(false)
		t.teardown()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.logger.Warn("amqp feed connection lost", "error", err)
	}
}

func (t *AMQPTransport) connect() (<-chan amqp.Delivery, chan *amqp.Error, error) {
	conn, err := amqp.Dial(t.url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := ch.ExchangeDeclare(t.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	if err := ch.QueueBind(q.Name, messageRoutingPrefix+"#", t.exchange, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	t.mu.Lock()
	t.conn, t.ch = conn, ch
	t.mu.Unlock()
	return deliveries, closed, nil
}

func (t *AMQPTransport) consume(ctx context.Context, deliveries <-chan amqp.Delivery, closed chan *amqp.Error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			var msg models.Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				t.logger.Warn("amqp feed dropped malformed message", "error", err)
				continue
			}
			t.hub.Deliver(msg)
		}
	}
}

func (t *AMQPTransport) teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch != nil {
		_ = t.ch.Close()
		t.ch = nil
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

// PublishMessage sends msg to the exchange, routed by listing.
func (t *AMQPTransport) PublishMessage(ctx context.Context, msg models.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		observability.IncAMQPPublishError()
		return ErrUnavailable
	}
	err = ch.PublishWithContext(ctx, t.exchange, messageRoutingPrefix+msg.ListingID, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Body:         body,
	})
	if err != nil {
		observability.IncAMQPPublishError()
	}
	return err
}

func (t *AMQPTransport) Close() error {
	t.teardown()
	return nil
}
