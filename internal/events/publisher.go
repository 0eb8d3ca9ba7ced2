// Package events publishes session lifecycle notifications to a durable
// topic exchange for downstream consumers (push notifications, analytics).
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

const exchange = "session_events"

type SessionEvent struct {
	SessionID   string    `json:"session_id"`
	OwnerID     string    `json:"owner_id"`
	Status      string    `json:"status"`
	RemainingMB int64     `json:"remaining_mb"`
	Timestamp   time.Time `json:"timestamp"`
}

type Publisher interface {
	PublishSessionEvent(ctx context.Context, routingKey string, ev SessionEvent) error
	Close()
}

// AMQPPublisher publishes over a single channel on a long-lived connection.
// The mutex guards the channel, which is swapped on the reopen path.
type AMQPPublisher struct {
	conn *amqp091.Connection

	mu      sync.Mutex
	channel *amqp091.Channel
}

func NewAMQPPublisher(amqpURL string) (*AMQPPublisher, error) {
	conn, err := amqp091.DialConfig(amqpURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, channel: ch}, nil
}

func (p *AMQPPublisher) PublishSessionEvent(ctx context.Context, routingKey string, ev SessionEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err == nil {
		return nil
	}

	// One-shot channel reopen, then give up to the caller.
	log.Warn().Err(err).Str("routing_key", routingKey).Msg("publish failed, reopening channel")
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return err
	}
	p.channel = ch
	if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr != nil {
		return exErr
	}
	return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        body,
	})
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	if p.channel != nil {
		p.channel.Close()
	}
	p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
	}
}

// NopPublisher stands in when no broker is configured; events are logged and
// dropped so the request path never depends on broker availability.
type NopPublisher struct{}

func (NopPublisher) PublishSessionEvent(_ context.Context, routingKey string, ev SessionEvent) error {
	log.Debug().Str("routing_key", routingKey).Str("session_id", ev.SessionID).Msg("event publish skipped (no broker)")
	return nil
}

func (NopPublisher) Close() {}
