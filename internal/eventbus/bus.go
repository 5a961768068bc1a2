// Package eventbus fans out job lifecycle events inside one process.
//
// Workers use it to watch for completion of jobs they launched; operators can
// subscribe for visibility. It is not a delivery guarantee: slow subscribers
// drop events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the queue manager.
const (
	TypeQueued    = "job.queued"
	TypeClaimed   = "job.claimed"
	TypeLaunched  = "job.launched"
	TypeRetrying  = "job.retrying"
	TypeFailed    = "job.failed"
	TypeCompleted = "job.completed"
	TypeCancelled = "job.cancelled"
	TypeDequeued  = "job.dequeued"
)

// JobEvent is the payload carried by every event.
type JobEvent struct {
	JobID    string        `json:"job_id"`
	Priority int           `json:"priority"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
}

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Job  JobEvent
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber unsubscribes concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}
