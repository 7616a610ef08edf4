// Package events provides the in-process job progress bus that feeds the
// SSE stream. Publishing never blocks: slow subscribers drop events rather
// than stalling the pipeline.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/n1hub/deepmine/internal/job"
	"github.com/n1hub/deepmine/internal/log"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Event is one job progress update.
type Event struct {
	JobID     string    `json:"job_id"`
	State     job.State `json:"state"`
	StageCode job.Stage `json:"stage_code"`
	Stage     string    `json:"stage"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// NewEvent builds an event from a job snapshot. Cancelled jobs share the
// terminal 500 code with failures, so the label comes from the state.
func NewEvent(j *job.Job, message string) Event {
	stage := j.Stage.String()
	if j.State == job.StateCancelled {
		stage = "cancelled"
	}
	return Event{
		JobID:     j.ID,
		State:     j.State,
		StageCode: j.Stage,
		Stage:     stage,
		Progress:  j.Progress,
		Message:   message,
		At:        time.Now().UTC(),
	}
}

// Bus fans job events out to subscribers.
type Bus struct {
	logger log.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[uuid.UUID]chan Event
	closed bool
}

// NewBus creates a bus with the given per-subscriber buffer size.
// buffer <= 0 uses DefaultBuffer.
func NewBus(buffer int, logger log.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		logger: logger,
		buffer: buffer,
		subs:   make(map[uuid.UUID]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
// The channel is closed on Unsubscribe or Close.
func (b *Bus) Subscribe() (uuid.UUID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New()
	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers e to every subscriber without blocking. Events to a
// full subscriber buffer are dropped.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug("event dropped for slow subscriber",
				"subscriber", id, "job_id", e.JobID, "stage_code", int(e.StageCode))
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
