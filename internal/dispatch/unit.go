package dispatch

import (
	"sync"
	"time"
)

// Unit is one outbound action bound to a single destination.
// The queue consumes each unit exactly once.
type Unit struct {
	// ID is assigned by the queue on every push.
	ID          string
	Kind        string
	Destination string
	Payload     any

	// LastInGroup marks the final payload for Destination within a batch.
	LastInGroup bool
	// LastInBatch marks the final unit of a batch.
	LastInBatch bool

	OnComplete func(UnitResult)

	batch *tracker
}

// Standalone reports whether the unit was pushed on its own rather than as part of a batch.
func (u Unit) Standalone() bool { return u.batch == nil }

// closesGroup reports whether the full pacing interval applies after u.
func (u Unit) closesGroup() bool { return u.batch == nil || u.LastInGroup || u.LastInBatch }

type UnitResult struct {
	UnitID      string        `json:"unit_id"`
	BatchID     string        `json:"batch_id,omitempty"`
	Kind        string        `json:"kind"`
	Destination string        `json:"destination"`
	Payload     any           `json:"-"`
	OK          bool          `json:"ok"`
	Ref         any           `json:"ref,omitempty"`
	Err         error         `json:"-"`
	Took        time.Duration `json:"took"`
	At          time.Time     `json:"at"`
}

// Batch is an ordered set of units sharing one completion callback.
type Batch struct {
	// ID is assigned by PushBatch.
	ID         string
	Units      []Unit
	OnComplete func(BatchResult)
}

type BatchResult struct {
	ID        string       `json:"id"`
	Total     int          `json:"total"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Results   []UnitResult `json:"results"`
	Started   time.Time    `json:"started"`
	Finished  time.Time    `json:"finished"`
}

// tracker joins unit results of one batch and fires the batch callback once.
type tracker struct {
	id    string
	total int
	fn    func(BatchResult)

	mu      sync.Mutex
	results []UnitResult
	once    sync.Once
}

func newTracker(b Batch) *tracker {
	return &tracker{
		id:      b.ID,
		total:   len(b.Units),
		fn:      b.OnComplete,
		results: make([]UnitResult, 0, len(b.Units)),
	}
}

func (t *tracker) record(r UnitResult) {
	t.mu.Lock()
	t.results = append(t.results, r)
	t.mu.Unlock()
}

func (t *tracker) finish(now time.Time) (BatchResult, bool) {
	var (
		res   BatchResult
		fired bool
	)
	t.once.Do(func() {
		fired = true
		t.mu.Lock()
		res = BatchResult{
			ID:       t.id,
			Total:    t.total,
			Results:  append([]UnitResult(nil), t.results...),
			Finished: now,
		}
		t.mu.Unlock()
		for _, r := range res.Results {
			if r.OK {
				res.Succeeded++
			} else {
				res.Failed++
			}
		}
		if len(res.Results) > 0 {
			first := res.Results[0]
			res.Started = first.At.Add(-first.Took)
		}
	})
	return res, fired
}
