package pubsub

import (
	"context"
	"sync"

	"github.com/waveloc/api/internal/model"
)

// MemoryBus fans events out to in-process subscribers. Same contract as
// the Redis bus: at-most-once, no replay, slow subscribers are dropped
// rather than blocking a publish.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[chan model.Event]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan model.Event]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, event model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[event.JobID] {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up; drop the event for it.
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, jobID string) (<-chan model.Event, func(), error) {
	ch := make(chan model.Event, 16)

	b.mu.Lock()
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[chan model.Event]struct{})
	}
	b.subs[jobID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[jobID], ch)
			if len(b.subs[jobID]) == 0 {
				delete(b.subs, jobID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, release, nil
}
