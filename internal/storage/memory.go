package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type ownerKey struct{ owner, id string }

type storedMessage struct {
	Message
	seq uint64
}

// memStore keeps everything in maps. It also backs the file driver.
type memStore struct {
	mu       sync.RWMutex
	rooms    map[ownerKey]Room
	contacts map[ownerKey]Contact
	messages map[ownerKey]storedMessage
	seq      uint64
}

// NewMemory returns a process-local Store.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		rooms:    map[ownerKey]Room{},
		contacts: map[ownerKey]Contact{},
		messages: map[ownerKey]storedMessage{},
	}
}

func (s *memStore) UpsertRoom(ctx context.Context, r Room) error {
	if r.Owner == "" || r.ID == "" {
		return fmt.Errorf("storage: room needs owner and id")
	}
	s.mu.Lock()
	s.rooms[ownerKey{r.Owner, r.ID}] = r
	s.mu.Unlock()
	return nil
}

func (s *memStore) FindRooms(ctx context.Context, owner string, ids ...string) ([]Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Room
	if len(ids) == 0 {
		for k, r := range s.rooms {
			if k.owner == owner {
				out = append(out, r)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	}
	for _, id := range ids {
		if r, ok := s.rooms[ownerKey{owner, id}]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) UpsertContact(ctx context.Context, c Contact) error {
	if c.Owner == "" || c.ID == "" {
		return fmt.Errorf("storage: contact needs owner and id")
	}
	s.mu.Lock()
	s.contacts[ownerKey{c.Owner, c.ID}] = c
	s.mu.Unlock()
	return nil
}

func (s *memStore) FindContacts(ctx context.Context, owner string, ids ...string) ([]Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Contact
	if len(ids) == 0 {
		for k, c := range s.contacts {
			if k.owner == owner {
				out = append(out, c)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	}
	for _, id := range ids {
		if c, ok := s.contacts[ownerKey{owner, id}]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) AddMessage(ctx context.Context, m Message) error {
	if m.Owner == "" || m.ID == "" {
		return fmt.Errorf("storage: message needs owner and id")
	}
	s.mu.Lock()
	s.seq++
	s.messages[ownerKey{m.Owner, m.ID}] = storedMessage{Message: m, seq: s.seq}
	s.mu.Unlock()
	return nil
}

func (s *memStore) GetMessage(ctx context.Context, owner, id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[ownerKey{owner, id}]
	if !ok {
		return Message{}, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return m.Message, nil
}

func (s *memStore) FindMessages(ctx context.Context, owner string, q MessageQuery) ([]Message, error) {
	q = q.normalize()
	s.mu.RLock()
	all := make([]storedMessage, 0, len(s.messages))
	for k, m := range s.messages {
		if k.owner == owner {
			all = append(all, m)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].At.Equal(all[j].At) {
			return all[i].At.After(all[j].At)
		}
		return all[i].seq > all[j].seq
	})
	if q.From >= len(all) {
		return []Message{}, nil
	}
	end := q.From + q.Limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]Message, 0, end-q.From)
	for _, m := range all[q.From:end] {
		out = append(out, m.Message)
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }
