// Package event is the typed lifecycle pub/sub of the engine
package event

import (
	"sync"

	"github.com/cuongbtq/jobster/job"
)

// Lifecycle event names
const (
	JobStarted  = "job.started"
	JobFinished = "job.finished"
	ScaleUp     = "jobster.scale.up"
	ScaleDown   = "jobster.scale.down"
)

// Scale describes one autoscaling decision
type Scale struct {
	JobName    string `json:"job_name"`
	Change     int    `json:"change"`
	NumWorkers int    `json:"num_workers"`
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Topic fans a value out to every subscriber. Subscribers run synchronously
// on the publishing goroutine; a panicking subscriber does not affect the
// others or the publisher.
type Topic[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscriber[T]
}

// Subscribe registers fn and returns a function that removes it
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, s := range t.subs {
			if s.id == id {
				t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers v to the current subscribers
func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	subs := t.subs
	t.mu.RUnlock()

	for _, s := range subs {
		deliver(s.fn, v)
	}
}

func deliver[T any](fn func(T), v T) {
	defer func() { _ = recover() }()
	fn(v)
}

// Len returns the number of subscribers
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Clear removes every subscriber
func (t *Topic[T]) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = nil
}

// Bus groups the lifecycle topics of one engine instance
type Bus struct {
	Started    Topic[[]*job.Job]
	Finished   Topic[[]*job.Job]
	ScaledUp   Topic[Scale]
	ScaledDown Topic[Scale]
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// SubscribeAll registers fn on every topic with the event name. It returns
// a function that removes all the registrations.
func (b *Bus) SubscribeAll(fn func(name string, data any)) (unsubscribe func()) {
	unsubs := []func(){
		b.Started.Subscribe(func(jobs []*job.Job) { fn(JobStarted, jobs) }),
		b.Finished.Subscribe(func(jobs []*job.Job) { fn(JobFinished, jobs) }),
		b.ScaledUp.Subscribe(func(s Scale) { fn(ScaleUp, s) }),
		b.ScaledDown.Subscribe(func(s Scale) { fn(ScaleDown, s) }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Clear removes the subscribers of every topic
func (b *Bus) Clear() {
	b.Started.Clear()
	b.Finished.Clear()
	b.ScaledUp.Clear()
	b.ScaledDown.Clear()
}
