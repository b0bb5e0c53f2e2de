package jobqueue

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// eventBuffer is the per-subscriber channel capacity; a subscriber that
// falls further behind loses events rather than blocking the worker
const eventBuffer = 64

// Broker fans job lifecycle events out to per-job subscribers and
// carries the out-of-band interrupt signal.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	interrupts  map[string]chan struct{}
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string][]chan Event),
		interrupts:  make(map[string]chan struct{}),
	}
}

// Subscribe returns a channel of events for one job plus a cancel
// function. Events published before subscription are not replayed.
func (b *Broker) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	b.mu.Lock()
	b.subscribers[jobID] = append(b.subscribers[jobID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[jobID]
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
		if len(b.subscribers[jobID]) == 0 {
			delete(b.subscribers, jobID)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of a job. Delivery is
// non-blocking; a full subscriber drops the event.
func (b *Broker) Publish(jobID, eventType string, payload interface{}) {
	event := Event{
		Type:      eventType,
		JobID:     jobID,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	subs := b.subscribers[jobID]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			log.Warn().Str("job_id", jobID).Str("type", eventType).Msg("Subscriber behind, event dropped")
		}
	}
}

// Interrupt raises the per-job interrupt signal. Safe to call multiple
// times; the first call wins.
func (b *Broker) Interrupt(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.interrupts[jobID]
	if !ok {
		ch = make(chan struct{})
		b.interrupts[jobID] = ch
	}
	select {
	case <-ch:
		// already raised
	default:
		close(ch)
	}
}

// Interrupted reports whether a job's interrupt was raised
func (b *Broker) Interrupted(jobID string) bool {
	b.mu.RLock()
	ch, ok := b.interrupts[jobID]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Release forgets a finished job's interrupt state
func (b *Broker) Release(jobID string) {
	b.mu.Lock()
	delete(b.interrupts, jobID)
	b.mu.Unlock()
}
