package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pacebot/internal/eventbus"
	"pacebot/internal/pacing"
	logx "pacebot/pkg/logx"
)

const (
	DefaultMinGap        = 500 * time.Millisecond
	DefaultActionTimeout = 60 * time.Second
)

// Action performs the external side effect for one unit.
// The returned ref is passed through to UnitResult.Ref.
type Action func(ctx context.Context, u Unit) (ref any, err error)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type State int32

const (
	StateIdle State = iota
	StateDraining
	StateCoolingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateCoolingDown:
		return "cooling_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Settings are the runtime-tunable parts of a queue.
type Settings struct {
	Curve         pacing.Curve
	MinGap        time.Duration
	CountFailures bool
	ActionTimeout time.Duration
}

func (s Settings) normalize() Settings {
	if s.MinGap <= 0 {
		s.MinGap = DefaultMinGap
	}
	if s.ActionTimeout <= 0 {
		s.ActionTimeout = DefaultActionTimeout
	}
	return s
}

// DrainInfo describes one completed burst.
type DrainInfo struct {
	Queue     string        `json:"queue"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Count     int           `json:"count"`
	CoolDown  time.Duration `json:"cool_down"`
	At        time.Time     `json:"at"`
}

// Snapshot is a point-in-time view of a queue.
type Snapshot struct {
	Name         string        `json:"name"`
	State        string        `json:"state"`
	Pending      int           `json:"pending"`
	Count        int64         `json:"count"`
	Processed    uint64        `json:"processed"`
	Failed       uint64        `json:"failed"`
	Drains       uint64        `json:"drains"`
	LastWait     time.Duration `json:"last_wait"`
	LastDrainAt  time.Time     `json:"last_drain_at,omitempty"`
	LastActionAt time.Time     `json:"last_action_at,omitempty"`
}

type Option func(*Queue)

func WithSettings(s Settings) Option { return func(q *Queue) { q.settings = s.normalize() } }
func WithLogger(log logx.Logger) Option {
	return func(q *Queue) { q.log = log }
}
func WithBus(bus eventbus.Bus) Option { return func(q *Queue) { q.bus = bus } }
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}
func WithSleep(fn SleepFunc) Option {
	return func(q *Queue) {
		if fn != nil {
			q.sleep = fn
		}
	}
}

// WithOnDrain registers a hook invoked after every cool-down, once the counter is reset.
func WithOnDrain(fn func(DrainInfo)) Option { return func(q *Queue) { q.onDrain = fn } }

// Queue is an ordered, single-worker dispatch queue paced by a Curve.
//
// Units run one at a time in push order. Between units the worker waits
// either the full curve interval (after a unit closing a group) or the
// minimum gap. When the queue empties it cools down for one more interval
// and resets its action counter.
type Queue struct {
	name   string
	action Action
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time
	sleep  SleepFunc

	onDrain func(DrainInfo)

	mu       sync.Mutex
	settings Settings
	items    []Unit
	busy     bool
	idle     chan struct{}
	wake     chan struct{}

	// count is owned by the worker; countView mirrors it for snapshots.
	count     int
	countView atomic.Int64
	state     atomic.Int32

	processed    atomic.Uint64
	failed       atomic.Uint64
	drains       atomic.Uint64
	lastWait     atomic.Int64
	lastDrainAt  atomic.Int64
	lastActionAt atomic.Int64
}

func New(name string, action Action, opts ...Option) *Queue {
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		name:     name,
		action:   action,
		now:      time.Now,
		sleep:    Sleep,
		idle:     idle,
		wake:     make(chan struct{}, 1),
		settings: Settings{Curve: pacing.MessageCurve()}.normalize(),
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.With(logx.String("queue", name))
	return q
}

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (q *Queue) Name() string { return q.name }

// Apply swaps the pacing settings. The worker picks them up at its next step.
func (q *Queue) Apply(s Settings) {
	q.mu.Lock()
	q.settings = s.normalize()
	q.mu.Unlock()
}

func (q *Queue) Settings() Settings {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.settings
}

// Push appends standalone units to the tail. Nothing is enqueued on error.
// The queue works on copies; every pushed unit gets a fresh ID.
func (q *Queue) Push(units ...Unit) error {
	if len(units) == 0 {
		return fmt.Errorf("%w: no units", ErrInvalidInput)
	}
	out := make([]Unit, len(units))
	for i, u := range units {
		if err := validateUnit(u); err != nil {
			return err
		}
		u.ID = uuid.NewString()
		u.batch = nil
		out[i] = u
	}
	q.enqueue(out)
	return nil
}

// PushBatch appends every unit of b in order and returns the batch ID.
// The last unit must be marked LastInBatch. Each call is a new submission:
// the batch and its units get fresh IDs and b itself is left untouched.
func (q *Queue) PushBatch(b Batch) (string, error) {
	if len(b.Units) == 0 {
		return "", fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	if !b.Units[len(b.Units)-1].LastInBatch {
		return "", fmt.Errorf("%w: last unit not marked LastInBatch", ErrInvalidInput)
	}
	b.ID = uuid.NewString()
	tr := newTracker(b)
	units := make([]Unit, len(b.Units))
	for i, u := range b.Units {
		if err := validateUnit(u); err != nil {
			return "", err
		}
		if u.LastInBatch && i != len(b.Units)-1 {
			return "", fmt.Errorf("%w: LastInBatch on unit %d of %d", ErrInvalidInput, i+1, len(b.Units))
		}
		u.ID = uuid.NewString()
		u.batch = tr
		units[i] = u
	}
	q.enqueue(units)
	return b.ID, nil
}

func validateUnit(u Unit) error {
	if u.Destination == "" {
		return fmt.Errorf("%w: unit without destination", ErrInvalidInput)
	}
	return nil
}

func (q *Queue) enqueue(units []Unit) {
	q.mu.Lock()
	q.items = append(q.items, units...)
	if !q.busy {
		q.busy = true
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of units waiting in the queue.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) State() State { return State(q.state.Load()) }

// WaitIdle blocks until the queue has drained and finished its cool-down.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	ch := q.idle
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (q *Queue) Snapshot() Snapshot {
	s := Snapshot{
		Name:      q.name,
		State:     q.State().String(),
		Pending:   q.Pending(),
		Count:     q.countView.Load(),
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
		Drains:    q.drains.Load(),
		LastWait:  time.Duration(q.lastWait.Load()),
	}
	if ns := q.lastDrainAt.Load(); ns > 0 {
		s.LastDrainAt = time.Unix(0, ns)
	}
	if ns := q.lastActionAt.Load(); ns > 0 {
		s.LastActionAt = time.Unix(0, ns)
	}
	return s
}

// Run is the worker loop. It returns when ctx is done; units still queued stay queued.
func (q *Queue) Run(ctx context.Context) error {
	q.log.Debug("dispatch worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		}
		if err := q.drain(ctx); err != nil {
			return err
		}
	}
}

func (q *Queue) pop() (Unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Unit{}, false
	}
	u := q.items[0]
	q.items[0] = Unit{}
	q.items = q.items[1:]
	return u, true
}

func (q *Queue) drain(ctx context.Context) error {
	var processed, failed int
	for {
		u, ok := q.pop()
		if !ok {
			break
		}
		q.state.Store(int32(StateDraining))
		set := q.Settings()
		if !q.process(ctx, u, set) {
			failed++
		}
		processed++
		left := q.Pending()
		if left == 0 {
			// Later pushes wait for the cool-down.
			break
		}
		wait := set.MinGap
		if u.closesGroup() {
			wait = set.Curve.Interval(q.count)
		}
		q.lastWait.Store(int64(wait))
		q.log.Trace("pacing", logx.Int("count", q.count), logx.Duration("wait", wait), logx.Int("pending", left))
		if err := q.sleep(ctx, wait); err != nil {
			return err
		}
	}
	if processed == 0 {
		return nil
	}

	q.state.Store(int32(StateCoolingDown))
	set := q.Settings()
	cool := set.Curve.Interval(q.count)
	q.lastWait.Store(int64(cool))
	q.log.Debug("queue drained, cooling down", logx.Int("count", q.count), logx.Duration("wait", cool))
	if err := q.sleep(ctx, cool); err != nil {
		return err
	}

	info := DrainInfo{Queue: q.name, Processed: processed, Failed: failed, Count: q.count, CoolDown: cool, At: q.now()}
	q.count = 0
	q.countView.Store(0)
	q.drains.Add(1)
	q.lastDrainAt.Store(info.At.UnixNano())
	q.state.Store(int32(StateIdle))

	q.safeCall("drain hook", func() {
		if q.onDrain != nil {
			q.onDrain(info)
		}
	})
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchDrained, Time: info.At, Data: info})
	}
	q.log.Info("queue idle", logx.Int("processed", processed), logx.Int("failed", failed))

	q.mu.Lock()
	if len(q.items) == 0 && q.busy {
		q.busy = false
		close(q.idle)
	}
	q.mu.Unlock()
	return nil
}

// process runs one unit and its callbacks. It reports whether the action succeeded.
func (q *Queue) process(ctx context.Context, u Unit, set Settings) bool {
	started := q.now()
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), set.ActionTimeout)
	ref, err := q.invoke(actx, u)
	cancel()
	at := q.now()
	q.lastActionAt.Store(at.UnixNano())

	res := UnitResult{
		UnitID:      u.ID,
		Kind:        u.Kind,
		Destination: u.Destination,
		Payload:     u.Payload,
		OK:          err == nil,
		Ref:         ref,
		Err:         err,
		Took:        at.Sub(started),
		At:          at,
	}
	if u.batch != nil {
		res.BatchID = u.batch.id
	}

	if err == nil || set.CountFailures {
		q.count++
		q.countView.Store(int64(q.count))
	}
	q.processed.Add(1)
	if err != nil {
		q.failed.Add(1)
		q.log.Warn("dispatch failed", logx.String("unit", u.ID), logx.String("kind", u.Kind), logx.String("dest", u.Destination), logx.Err(err))
	}

	q.safeCall("unit callback", func() {
		if u.OnComplete != nil {
			u.OnComplete(res)
		}
	})
	if u.batch != nil {
		u.batch.record(res)
		if u.LastInBatch {
			if br, fired := u.batch.finish(at); fired && u.batch.fn != nil {
				q.safeCall("batch callback", func() { u.batch.fn(br) })
			}
		}
	}
	return err == nil
}

func (q *Queue) invoke(ctx context.Context, u Unit) (ref any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("dispatch action panicked", logx.String("unit", u.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			ref, err = nil, fmt.Errorf("%w: %v", ErrActionPanicked, r)
		}
	}()
	if q.action == nil {
		return nil, fmt.Errorf("%w: no action configured", ErrInvalidInput)
	}
	return q.action(ctx, u)
}

func (q *Queue) safeCall(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error(what+" panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
