// Package relay forwards engine lifecycle events to an AMQP exchange
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/jobster/event"
)

const (
	contentType       = "application/json"
	defaultBufferSize = 256
)

// Publisher sends one message. shared/rabbitmq.Client satisfies it.
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Message is the JSON document published for every event. The routing key
// is the event name.
type Message struct {
	Event      string    `json:"event"`
	Data       any       `json:"data"`
	InstanceID string    `json:"instance_id"`
	EmittedAt  time.Time `json:"emitted_at"`
}

type Option func(*Relay)

// WithBufferSize sets how many events may wait for the publisher
func WithBufferSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithClock overrides the EmittedAt clock
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.now = now
	}
}

// Relay publishes bus events from a single goroutine so subscribers never
// block a worker on broker latency. Events arriving while the buffer is
// full are dropped and logged.
type Relay struct {
	pub        Publisher
	instanceID string
	logger     *slog.Logger
	now        func() time.Time
	bufferSize int

	mu          sync.Mutex
	queue       chan Message
	unsubscribe func()
	done        chan struct{}
}

// New creates an idle relay
func New(pub Publisher, instanceID string, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		pub:        pub,
		instanceID: instanceID,
		logger:     logger.With(slog.String("component", "relay")),
		now:        time.Now,
		bufferSize: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to every topic of bus and starts publishing
func (r *Relay) Start(ctx context.Context, bus *event.Bus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.queue != nil {
		return
	}

	queue := make(chan Message, r.bufferSize)
	r.queue = queue
	r.done = make(chan struct{})
	r.unsubscribe = bus.SubscribeAll(func(name string, data any) {
		r.offer(queue, Message{
			Event:      name,
			Data:       data,
			InstanceID: r.instanceID,
			EmittedAt:  r.now().UTC(),
		})
	})

	go r.run(context.WithoutCancel(ctx), queue, r.done)

	r.logger.Info("Event relay started", slog.Int("buffer_size", r.bufferSize))
}

func (r *Relay) offer(queue chan<- Message, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.queue != queue {
		// stopped
		return
	}

	select {
	case queue <- msg:
	default:
		r.logger.Warn("Event relay buffer full, dropping event", slog.String("event", msg.Event))
	}
}

func (r *Relay) run(ctx context.Context, queue <-chan Message, done chan<- struct{}) {
	defer close(done)

	for msg := range queue {
		body, err := json.Marshal(msg)
		if err != nil {
			r.logger.Error("Failed to encode event",
				slog.String("event", msg.Event),
				slog.Any("error", err),
			)
			continue
		}

		if err := r.pub.PublishWithRetry(ctx, msg.Event, body, contentType); err != nil {
			r.logger.Error("Failed to relay event",
				slog.String("event", msg.Event),
				slog.Any("error", err),
			)
		}
	}
}

// Stop unsubscribes from the bus and waits until buffered events are
// published
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.queue == nil {
		r.mu.Unlock()
		return
	}
	r.unsubscribe()
	close(r.queue)
	done := r.done
	r.queue = nil
	r.mu.Unlock()

	<-done
	r.logger.Info("Event relay stopped")
}
