// Package ingress enqueues jobs received from an AMQP queue
package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/jobster/job"
)

// Source hands out deliveries. shared/rabbitmq.Client satisfies it.
type Source interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Enqueuer persists jobs in a transaction of their own
type Enqueuer interface {
	Enqueue(ctx context.Context, jobs ...*job.Job) error
}

// Message is one job request. A delivery body holds either a single
// message or an array of them.
type Message struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// Consumer turns deliveries into enqueued jobs. A delivery is acked after
// its jobs commit, rejected when it can never succeed, and requeued when
// storage fails.
type Consumer struct {
	source   Source
	enqueuer Enqueuer
	tag      string
	logger   *slog.Logger
}

// NewConsumer creates a consumer
func NewConsumer(source Source, enqueuer Enqueuer, consumerTag string, logger *slog.Logger) *Consumer {
	return &Consumer{
		source:   source,
		enqueuer: enqueuer,
		tag:      consumerTag,
		logger:   logger.With(slog.String("component", "ingress"), slog.String("consumer_tag", consumerTag)),
	}
}

// Run consumes until ctx is cancelled or the delivery channel closes
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(c.tag)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Ingress consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Ingress consumer stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return nil
			}
			c.handle(ctx, delivery)
		}
	}
}

var errMalformed = errors.New("malformed message")

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	jobs, err := decode(d.Body)
	if err != nil {
		c.logger.Error("Rejecting message",
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.String("error", err.Error()),
		)
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK message", slog.String("error", nackErr.Error()))
		}
		return
	}

	if err := c.enqueuer.Enqueue(ctx, jobs...); err != nil {
		c.logger.Error("Failed to enqueue jobs, requeueing message",
			slog.Uint64("delivery_tag", d.DeliveryTag),
			slog.Int("job_count", len(jobs)),
			slog.String("error", err.Error()),
		)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to NACK message", slog.String("error", nackErr.Error()))
		}
		return
	}

	if err := d.Ack(false); err != nil {
		c.logger.Error("Failed to ACK message", slog.String("error", err.Error()))
		return
	}

	c.logger.Debug("Jobs enqueued from message",
		slog.Uint64("delivery_tag", d.DeliveryTag),
		slog.Int("job_count", len(jobs)),
	)
}

func decode(body []byte) ([]*job.Job, error) {
	body = bytes.TrimSpace(body)

	var msgs []Message
	switch {
	case len(body) > 0 && body[0] == '[':
		if err := json.Unmarshal(body, &msgs); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
	default:
		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
		msgs = []Message{msg}
	}

	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: no jobs", errMalformed)
	}

	jobs := make([]*job.Job, 0, len(msgs))
	for _, m := range msgs {
		var payload any = m.Payload
		if m.Payload == nil {
			payload = nil
		}
		j, err := job.New(m.Name, payload)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
