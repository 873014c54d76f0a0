// Package queue moves background jobs and messaging requests through
// RabbitMQ.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/farxc/disbursement/internal/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultJobsQueue = "payment_plan_jobs"
	FlowsQueue       = "rapid_pro_flows"
)

// Connection is one AMQP connection. Publishing shares a single channel and
// is serialised; every consumer gets a channel of its own.
type Connection struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	mu   sync.Mutex
	jobs string
	log  *logger.Logger
}

// Connect dials url and declares the jobs queue and the flows queue.
func Connect(url, jobsQueue string, log *logger.Logger) (*Connection, error) {
	if jobsQueue == "" {
		jobsQueue = DefaultJobsQueue
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	for _, q := range []string{jobsQueue, FlowsQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
	}

	log.Info("QUEUE", "connected to RabbitMQ")
	return &Connection{conn: conn, ch: ch, jobs: jobsQueue, log: log}, nil
}

func (c *Connection) Close() error {
	if err := c.ch.Close(); err != nil {
		c.log.Warn("QUEUE", "failed to close channel: %v", err)
	}
	return c.conn.Close()
}

// publish sends v as a persistent JSON message to queue.
func (c *Connection) publish(ctx context.Context, queue string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// consume opens a channel and starts delivering messages of queue with
// manual acks. The channel is closed with the returned func.
func (c *Connection) consume(queue string, prefetch int) (<-chan amqp.Delivery, func(), error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			return nil, nil, fmt.Errorf("failed to set prefetch: %w", err)
		}
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	return msgs, func() { ch.Close() }, nil
}
