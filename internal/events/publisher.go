package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shop/services/items/internal/db"
	"go.uber.org/zap"
)

const (
	exchangeName = "shop.events"
	exchangeType = "topic"
	eventVersion = "1.0.0"

	EventTypeItemCreated = "item.created"
	EventTypeItemUpdated = "item.updated"
	EventTypeItemDeleted = "item.deleted"

	// Reasons carried by item.updated
	ReasonMerged   = "merged"
	ReasonReplaced = "replaced"

	publishAttempts = 3
	initialBackoff  = 100 * time.Millisecond
	maxBackoff      = 5 * time.Second
	confirmTimeout  = 5 * time.Second
)

var errNacked = errors.New("broker nacked event")

// ItemPublisher emits item lifecycle events
type ItemPublisher interface {
	PublishItemCreated(ctx context.Context, item db.Item) error
	PublishItemUpdated(ctx context.Context, item db.Item, reason string) error
	PublishItemDeleted(ctx context.Context, id int64) error
	IsHealthy() bool
	Close() error
}

// Event is the envelope every item event is wrapped in
type Event struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	EventVersion  string                 `json:"event_version"`
	Timestamp     string                 `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
}

// Publisher sends item events to a durable topic exchange with publisher
// confirms. One channel is shared by all callers.
type Publisher struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	log     *zap.Logger
}

var _ ItemPublisher = (*Publisher)(nil)

// NewPublisher dials url, declares the exchange and switches the channel
// into confirm mode.
func NewPublisher(url string, log *zap.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	channel, err := openConfirmChannel(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	log.Info("Connected to RabbitMQ", zap.String("exchange", exchangeName))
	return &Publisher{conn: conn, channel: channel, log: log}, nil
}

func openConfirmChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(exchangeName, exchangeType,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err == nil {
		err = channel.Confirm(false)
	}
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("prepare channel: %w", err)
	}
	return channel, nil
}

// PublishItemCreated announces a row created by upsert
func (p *Publisher) PublishItemCreated(ctx context.Context, item db.Item) error {
	return p.publish(ctx, newEvent(ctx, EventTypeItemCreated, itemPayload(item)))
}

// PublishItemUpdated announces a merge or a replace; reason tells which
func (p *Publisher) PublishItemUpdated(ctx context.Context, item db.Item, reason string) error {
	payload := itemPayload(item)
	payload["reason"] = reason
	return p.publish(ctx, newEvent(ctx, EventTypeItemUpdated, payload))
}

func (p *Publisher) PublishItemDeleted(ctx context.Context, id int64) error {
	return p.publish(ctx, newEvent(ctx, EventTypeItemDeleted, map[string]interface{}{"id": id}))
}

func newEvent(ctx context.Context, eventType string, payload map[string]interface{}) Event {
	return Event{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		EventVersion:  eventVersion,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		CorrelationID: CorrelationID(ctx),
		Payload:       payload,
	}
}

func itemPayload(item db.Item) map[string]interface{} {
	return map[string]interface{}{
		"id":       item.ID,
		"name":     item.Name,
		"quantity": item.Quantity,
	}
}

// publish sends event keyed by its type, retrying with exponential backoff
// until the broker acks it or the attempts run out.
func (p *Publisher) publish(ctx context.Context, event Event) error {
	msg, err := toPublishing(event)
	if err != nil {
		return err
	}

	var lastErr error
	backoff := initialBackoff
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if lastErr = p.publishOnce(ctx, event.EventType, msg); lastErr == nil {
			p.log.Debug("Event published",
				zap.String("event_id", event.EventID),
				zap.String("event_type", event.EventType),
			)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == publishAttempts {
			break
		}

		p.log.Warn("Event publish failed, retrying",
			zap.String("event_id", event.EventID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}

	p.log.Error("Giving up on event",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.Error(lastErr),
	)
	return fmt.Errorf("publish %s after %d attempts: %w", event.EventType, publishAttempts, lastErr)
}

// publishOnce holds the channel until the broker confirms, so confirmations
// never interleave between callers.
func (p *Publisher) publishOnce(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		exchangeName, routingKey,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("await confirm: %w", err)
	}
	if !acked {
		return errNacked
	}
	return nil
}

func toPublishing(event Event) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		MessageId:     event.EventID,
		CorrelationId: event.CorrelationID,
		Type:          event.EventType,
		Body:          body,
		Headers: amqp.Table{
			"event_version": event.EventVersion,
		},
	}, nil
}

// IsHealthy reports whether the broker connection is still open
func (p *Publisher) IsHealthy() bool {
	return p.conn != nil && !p.conn.IsClosed()
}

// Close shuts the channel and the connection
func (p *Publisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			p.log.Warn("Failed to close channel", zap.Error(err))
		}
	}
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}
	p.log.Info("Publisher closed")
	return nil
}

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

var _ ItemPublisher = NopPublisher{}

func (NopPublisher) PublishItemCreated(context.Context, db.Item) error         { return nil }
func (NopPublisher) PublishItemUpdated(context.Context, db.Item, string) error { return nil }
func (NopPublisher) PublishItemDeleted(context.Context, int64) error           { return nil }
func (NopPublisher) IsHealthy() bool                                           { return true }
func (NopPublisher) Close() error                                              { return nil }
