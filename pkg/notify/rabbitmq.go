package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQSink publishes each event to a durable queue named after the event type.
// The connection is opened lazily and re-dialled after a failure.
type RabbitMQSink struct {
	url string

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

// NewRabbitMQSink creates a sink for the broker at url
func NewRabbitMQSink(url string) *RabbitMQSink {
	return &RabbitMQSink{url: url, declared: make(map[string]bool)}
}

func (r *RabbitMQSink) Name() string {
	return "rabbitmq"
}

// Publish sends event as a persistent message through the default exchange
func (r *RabbitMQSink) Publish(ctx context.Context, event Event) error {
	body, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.channel()
	if err != nil {
		return err
	}

	if !r.declared[event.Type] {
		if _, err := ch.QueueDeclare(event.Type, true, false, false, false, nil); err != nil {
			r.reset()
			return fmt.Errorf("failed to declare queue %s: %w", event.Type, err)
		}
		r.declared[event.Type] = true
	}

	err = ch.PublishWithContext(ctx, "", event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.BookingID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		r.reset()
		return fmt.Errorf("failed to publish to %s: %w", event.Type, err)
	}
	return nil
}

func (r *RabbitMQSink) channel() (*amqp.Channel, error) {
	if r.ch != nil && !r.ch.IsClosed() {
		return r.ch, nil
	}
	r.reset()

	conn, err := amqp.Dial(r.url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	r.conn = conn
	r.ch = ch
	return ch, nil
}

func (r *RabbitMQSink) reset() {
	if r.ch != nil {
		_ = r.ch.Close()
		r.ch = nil
	}
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.declared = make(map[string]bool)
}

// Close closes the channel and connection
func (r *RabbitMQSink) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
	return nil
}
