// Package roomcache caches room lookups in front of storage and the client.
package roomcache

import (
	"context"
	"sync"
	"time"

	"pacebot/internal/storage"
)

const DefaultTTL = 10 * time.Minute

type Cache interface {
	Get(ctx context.Context, owner, id string) (storage.Room, bool, error)
	Put(ctx context.Context, r storage.Room) error
	Invalidate(ctx context.Context, owner, id string) error
	Close() error
}

type memEntry struct {
	room    storage.Room
	expires time.Time
}

// Memory is an in-process Cache with per-entry expiry.
type Memory struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	data map[string]memEntry
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{ttl: ttl, now: time.Now, data: map[string]memEntry{}}
}

func (m *Memory) Get(ctx context.Context, owner, id string) (storage.Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key(owner, id)]
	if !ok {
		return storage.Room{}, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.data, key(owner, id))
		return storage.Room{}, false, nil
	}
	return e.room, true, nil
}

func (m *Memory) Put(ctx context.Context, r storage.Room) error {
	m.mu.Lock()
	m.data[key(r.Owner, r.ID)] = memEntry{room: r, expires: m.now().Add(m.ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Invalidate(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	delete(m.data, key(owner, id))
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

func key(owner, id string) string { return keyPrefix + owner + ":" + id }
