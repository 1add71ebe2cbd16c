// Package events is a fire-and-forget in-process event bus. State
// transitions and counter deltas are published on named topics for
// external consumers (dashboards, embedders). Publishing never blocks:
// a subscriber that falls behind loses events.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TopicBatchTransitions   = "batch.transitions"
	TopicRequestTransitions = "request.transitions"
	TopicMetrics            = "metrics.delta"
	TopicBatchProgress      = "batch.progress"
)

// Transition describes one committed state change.
type Transition struct {
	ID         string    `json:"id"`
	EntityKind string    `json:"entity_kind"`
	EntityID   int64     `json:"entity_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	At         time.Time `json:"at"`
}

// MetricsDelta describes a change to a batch's size counters.
type MetricsDelta struct {
	ID              string    `json:"id"`
	BatchID         int64     `json:"batch_id"`
	RequestCount    int64     `json:"request_count"`
	SizeBytes       int64     `json:"size_bytes"`
	EstimatedTokens int64     `json:"estimated_tokens"`
	At              time.Time `json:"at"`
}

// Progress reports provider-side completion counts for an in-flight
// batch.
type Progress struct {
	ID        string    `json:"id"`
	BatchID   int64     `json:"batch_id"`
	Total     int64     `json:"total"`
	Completed int64     `json:"completed"`
	Failed    int64     `json:"failed"`
	At        time.Time `json:"at"`
}

type Event struct {
	Topic      string
	Transition *Transition
	Metrics    *MetricsDelta
	Progress   *Progress
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(ev Event)
}

// Bus fans events out to channel subscribers.
type Bus struct {
	mtx  sync.RWMutex
	subs map[string][]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe returns a buffered channel receiving events for topic.
func (b *Bus) Subscribe(topic string, buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish delivers ev to every subscriber of its topic without
// blocking. Full subscriber buffers drop the event.
func (b *Bus) Publish(ev Event) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	for _, ch := range b.subs[ev.Topic] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// NewID returns a unique event id.
func NewID() string { return uuid.New().String() }

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) {}
