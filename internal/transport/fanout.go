package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// Fanout delivers client events to subscribers without blocking the producer.
// The zero value is ready to use.
type Fanout struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     uint64
	dropped atomic.Uint64
}

func (f *Fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *Fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = map[uint64]chan Event{}
	}
	f.seq++
	id := f.seq
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns and resets the number of undelivered events.
func (f *Fanout) Dropped() uint64 { return f.dropped.Swap(0) }
