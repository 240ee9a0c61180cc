package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/httan304/webchat-sub000/pkg/log"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	eventsExchange    = "webchat.events"
	messageCreatedKey = "message.created"
	publishTimeout    = 5 * time.Second
)

// EventPublisher emits domain events to RabbitMQ. A nil *EventPublisher is
// a valid no-op publisher, used when eventing is disabled by config.
type EventPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  log.Logger
}

// NewEventPublisher connects to RabbitMQ and declares the events exchange.
func NewEventPublisher(url string, logger log.Logger) (*EventPublisher, error) {
	if logger == nil {
		logger = &log.NopLogger{}
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}

	if err := channel.ExchangeDeclare(eventsExchange, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		_ = conn.Close()

		return nil, fmt.Errorf("rabbitmq exchange declare: %w", err)
	}

	return &EventPublisher{conn: conn, channel: channel, logger: logger}, nil
}

// Close releases the channel and connection.
func (p *EventPublisher) Close() error {
	if p == nil {
		return nil
	}

	if p.channel != nil {
		_ = p.channel.Close()
	}

	if p.conn != nil {
		return p.conn.Close()
	}

	return nil
}

// PublishMessageCreated emits a message.created event. Publish failures are
// logged and swallowed: eventing is best effort and must never fail the
// request that produced the message.
func (p *EventPublisher) PublishMessageCreated(ctx context.Context, message Message) {
	if p == nil || p.channel == nil {
		return
	}

	payload, err := json.Marshal(message)
	if err != nil {
		p.logger.Log(ctx, log.LevelWarn, "event marshal failed", log.Err(err))

		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.channel.PublishWithContext(publishCtx, eventsExchange, messageCreatedKey, false, false,
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        payload,
		})
	if err != nil {
		p.logger.Log(ctx, log.LevelWarn, "event publish failed",
			log.String("routing_key", messageCreatedKey), log.Err(err))
	}
}
