// Package keylock provides mutual exclusion scoped to a string key.
//
// Entries are created on demand and reclaimed lazily: a background sweep
// removes an entry once its TTL has elapsed and nobody holds or waits on it.
// An entry is never reclaimed while a caller is inside its critical section,
// so two callers can never end up holding unrelated mutexes for the same key.
package keylock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	logx "pacebot/pkg/logx"
)

// DefaultTTL is how long an idle entry is kept after its last request.
const DefaultTTL = 60 * time.Second

// ErrInvalidKey is returned for an empty key. No entry is created.
var ErrInvalidKey = errors.New("keylock: invalid key")

type entry struct {
	// sem has capacity 1; a send acquires, a receive releases.
	// Blocked senders are served in arrival order.
	sem chan struct{}
	// users counts holders plus waiters. Guarded by Registry.mu.
	users     int
	expiresAt time.Time
}

// Registry hands out per-key critical sections.
// The zero value is not usable; call New.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	ttl time.Duration
	now func() time.Time
	log logx.Logger

	timer  *time.Timer
	closed bool
}

type Option func(*Registry)

// WithTTL overrides DefaultTTL. Non-positive values are ignored.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithClock injects the time source used for expiry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func New(opts ...Option) *Registry {
	r := &Registry{
		entries: map[string]*entry{},
		ttl:     DefaultTTL,
		now:     time.Now,
		log:     logx.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handle binds a registry to one key.
type Handle struct {
	r   *Registry
	key string
}

func (h *Handle) Key() string { return h.key }

// RunExclusive runs fn while holding the key. Callers for the same key run one
// at a time in arrival order; different keys never block each other.
// A caller whose ctx ends while waiting returns ctx.Err() without running fn.
func (h *Handle) RunExclusive(ctx context.Context, fn func(ctx context.Context) error) error {
	if h == nil || h.r == nil {
		return ErrInvalidKey
	}
	return h.r.run(ctx, h.key, fn)
}

// Acquire returns the handle for key, creating the entry if needed and pushing
// its expiry to now+TTL. The sweep timer is started if it is not running.
func (r *Registry) Acquire(key string) (*Handle, error) {
	if !validKey(key) {
		return nil, ErrInvalidKey
	}
	r.mu.Lock()
	r.touchLocked(key)
	r.mu.Unlock()
	return &Handle{r: r, key: key}, nil
}

// Do is RunExclusive for functions returning a value.
func Do[T any](ctx context.Context, r *Registry, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	if r == nil || !validKey(key) {
		return out, ErrInvalidKey
	}
	err := r.run(ctx, key, func(c context.Context) error {
		v, err := fn(c)
		out = v
		return err
	})
	return out, err
}

// SetTTL changes the TTL applied on subsequent requests.
func (r *Registry) SetTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.ttl = d
	r.mu.Unlock()
}

// Len reports how many entries are currently retained.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops the sweep timer for good. Entries are left as they are and
// locking keeps working, but nothing is reclaimed afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
}

func (r *Registry) run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	e := r.touchLocked(key)
	e.users++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		e.users--
		r.mu.Unlock()
	}()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	return fn(ctx)
}

func (r *Registry) touchLocked(key string) *entry {
	e := r.entries[key]
	if e == nil {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	e.expiresAt = r.now().Add(r.ttl)
	if r.timer == nil && !r.closed {
		r.scheduleLocked(r.ttl)
	}
	return e
}

func (r *Registry) scheduleLocked(d time.Duration) {
	if r.timer != nil {
		r.timer.Stop()
	}
	if d < 0 {
		d = 0
	}
	r.timer = time.AfterFunc(d, r.sweep)
}

// sweep reclaims expired idle entries and re-arms itself for the soonest
// remaining expiry. It stops when the map is empty.
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A sweep that fired before Close took the lock must not re-arm.
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	now := r.now()
	var next time.Time
	reclaimed := 0

	for key, e := range r.entries {
		if !now.Before(e.expiresAt) {
			if e.users == 0 {
				delete(r.entries, key)
				reclaimed++
				continue
			}
			e.expiresAt = e.expiresAt.Add(r.ttl)
			if !e.expiresAt.After(now) {
				e.expiresAt = now.Add(r.ttl)
			}
		}
		if next.IsZero() || e.expiresAt.Before(next) {
			next = e.expiresAt
		}
	}

	if reclaimed > 0 {
		r.log.Trace("lock entries reclaimed", logx.Int("reclaimed", reclaimed), logx.Int("remaining", len(r.entries)))
	}
	if !next.IsZero() {
		r.scheduleLocked(next.Sub(now))
	}
}

func validKey(key string) bool { return strings.TrimSpace(key) != "" }
