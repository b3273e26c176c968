package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys used on the activity exchange.
const (
	RoutingKeyActivity = "activity"
	RoutingKeyAudit    = "audit"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher streams entries to a topic exchange so downstream consumers
// (dashboards, notifiers) can follow activity without polling the database.
type AMQPPublisher struct {
	logger   *slog.Logger
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel amqpChannel
}

var _ Recorder = (*AMQPPublisher)(nil)

// DialAMQP connects with retries and declares the exchange.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	logger.Info("connecting to AMQP broker", "exchange", exchange)

	var (
		conn *amqp.Connection
		err  error
	)
	const maxRetries = 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}

		logger.Warn("failed to connect to AMQP broker",
			"attempt", attempt,
			"max_retries", maxRetries,
			"error", err,
		)
		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP after %d attempts: %w", maxRetries, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}

	return &AMQPPublisher{
		logger:   logger,
		exchange: exchange,
		conn:     conn,
		channel:  ch,
	}, nil
}

func (p *AMQPPublisher) Record(ctx context.Context, entry Entry) error {
	return p.publish(ctx, RoutingKeyActivity, entry.Timestamp, entry)
}

// RecordBatch publishes each entry so the publisher can sit behind a Batcher.
func (p *AMQPPublisher) RecordBatch(ctx context.Context, entries []Entry) error {
	for _, entry := range entries {
		if err := p.Record(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

func (p *AMQPPublisher) Audit(ctx context.Context, audit Audit) error {
	return p.publish(ctx, RoutingKeyAudit, audit.Timestamp, audit)
}

func (p *AMQPPublisher) publish(ctx context.Context, key string, ts time.Time, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		return fmt.Errorf("amqp publisher closed")
	}

	err = p.channel.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ts,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s message: %w", key, err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.channel != nil {
		err = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
		p.conn = nil
	}
	return err
}
