package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published inside pacebot.
const (
	TypeDispatchDrained = "dispatch.drained"
	TypeForwardProgress = "forward.progress"
	TypeForwardDone     = "forward.done"
	TypeClientState     = "client.state"
	TypeConfigReloaded  = "config.reloaded"
)

// Event is a small in-memory signal.
//
// Publish never blocks; a subscriber that falls behind loses events.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
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
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch under us.
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
			close(ch)
		})
	}
	return ch, unsub
}

// Tail keeps the last N events matching a filter. Used by the status endpoint.
type Tail struct {
	mu   sync.Mutex
	buf  []Event
	size int
	next int
	full bool

	unsub func()
	done  chan struct{}
}

// NewTail subscribes to bus and records events whose type is in types
// (all events when types is empty). Close stops it.
func NewTail(bus Bus, size int, types ...string) *Tail {
	if size <= 0 {
		size = 32
	}
	t := &Tail{buf: make([]Event, size), size: size, done: make(chan struct{})}
	want := map[string]bool{}
	for _, ty := range types {
		want[ty] = true
	}
	ch, unsub := bus.Subscribe(size)
	t.unsub = unsub
	go func() {
		defer close(t.done)
		for e := range ch {
			if len(want) > 0 && !want[e.Type] {
				continue
			}
			t.add(e)
		}
	}()
	return t
}

func (t *Tail) add(e Event) {
	t.mu.Lock()
	t.buf[t.next] = e
	t.next = (t.next + 1) % t.size
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()
}

// Snapshot returns recorded events, oldest first.
func (t *Tail) Snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]Event(nil), t.buf[:t.next]...)
	}
	out := make([]Event, 0, t.size)
	out = append(out, t.buf[t.next:]...)
	out = append(out, t.buf[:t.next]...)
	return out
}

func (t *Tail) Close() {
	t.unsub()
	<-t.done
}
