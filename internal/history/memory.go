package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Repo.
type Memory struct {
	mu      sync.Mutex
	records []Record
	nextID  uint
	max     int
}

// NewMemory keeps at most max records (0 means unbounded), dropping the oldest.
func NewMemory(max int) *Memory { return &Memory{max: max} }

func (m *Memory) Append(ctx context.Context, r Record) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	m.records = append(m.records, r)
	if m.max > 0 && len(m.records) > m.max {
		m.records = append([]Record(nil), m.records[len(m.records)-m.max:]...)
	}
	return nil
}

func (m *Memory) Retrieve(ctx context.Context, q Query) ([]Record, error) {
	m.mu.Lock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if q.matches(r) {
			out = append(out, r)
		}
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.After(out[j].At)
		}
		return out[i].ID > out[j].ID
	})
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []Record{}, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) Prune(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	var n int64
	for _, r := range m.records {
		if r.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	return n, nil
}
