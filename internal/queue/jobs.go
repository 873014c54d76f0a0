package queue

import (
	"context"
	"encoding/json"

	"github.com/farxc/disbursement/internal/apperr"
	"github.com/farxc/disbursement/internal/logger"
	"github.com/farxc/disbursement/internal/plan"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher enqueues payment plan jobs.
type Publisher struct {
	conn *Connection
}

func NewPublisher(conn *Connection) *Publisher {
	return &Publisher{conn: conn}
}

func (p *Publisher) Enqueue(ctx context.Context, job plan.Job) error {
	return p.conn.publish(ctx, p.conn.jobs, job)
}

// JobRunner executes one job; plan.Service satisfies it.
type JobRunner interface {
	RunJob(ctx context.Context, job plan.Job) error
}

// Consumer feeds queued jobs to a JobRunner.
type Consumer struct {
	conn     *Connection
	runner   JobRunner
	prefetch int
	log      *logger.Logger
}

func NewConsumer(conn *Connection, runner JobRunner, prefetch int, log *logger.Logger) *Consumer {
	return &Consumer{conn: conn, runner: runner, prefetch: prefetch, log: log}
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, closeCh, err := c.conn.consume(c.conn.jobs, c.prefetch)
	if err != nil {
		return err
	}
	defer closeCh()
	c.log.Info("QUEUE", "consuming %s", c.conn.jobs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.log.Warn("QUEUE", "%s delivery channel closed", c.conn.jobs)
				return nil
			}
			c.handle(ctx, msg)
		}
	}
}

// handle runs one delivery. A failed job has already been recorded on its
// plan as an error state the user retries from, so nothing is requeued.
func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	var job plan.Job
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		c.log.Error("QUEUE", "dropping malformed job message: %v", err)
		msg.Nack(false, false)
		return
	}

	err := c.runner.RunJob(ctx, job)
	if err == nil || apperr.KindOf(err) != "" {
		msg.Ack(false)
		return
	}

	c.log.Error("QUEUE", "job %s (%s) failed: %v", job.ID, job.Kind, err)
	msg.Nack(false, false)
}
