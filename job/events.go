package job

import (
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber channel depth. Slow subscribers
// drop events rather than stall the retry loop.
const subscriberBuffer = 64

// Bus fans progress events out to per-job subscribers. Events for one job
// are published in order; subscribers that fall behind lose events.
type Bus struct {
	subs map[string][]chan Event
	mu   sync.RWMutex
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe returns a channel of events for the job and an unsubscribe
// function. The channel is closed on unsubscribe or when the job's stream
// is closed after its terminal event.
func (b *Bus) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], ch)
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			chans := b.subs[jobID]
			for i, c := range chans {
				if c == ch {
					b.subs[jobID] = append(chans[:i], chans[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	return ch, unsubscribe
}

// Publish delivers an event to all subscribers of the job, non-blocking
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
			// Subscriber is not draining; drop rather than block the run
		}
	}
}

// CloseJob closes all subscriber channels for a job. Call only after the
// terminal event has been published.
func (b *Bus) CloseJob(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[jobID] {
		close(ch)
	}
	delete(b.subs, jobID)
}
