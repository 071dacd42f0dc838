package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pacebot/internal/compose"
	"pacebot/internal/dispatch"
	"pacebot/internal/eventbus"
	"pacebot/internal/history"
	"pacebot/internal/keylock"
	rtsup "pacebot/internal/runtime/supervisor"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

// Client is the part of transport.Client the engine drives.
type Client interface {
	AcceptInvite(ctx context.Context, inv transport.Invitation) error
	Send(ctx context.Context, to transport.Target, p transport.Payload) (transport.MessageRef, error)
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSleep replaces the pacing and retry wait primitive.
func WithSleep(fn dispatch.SleepFunc) Option {
	return func(s *Service) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

func WithHistory(repo history.Repo) Option {
	return func(s *Service) {
		if repo != nil {
			s.history = repo
		}
	}
}

// WithUnitHook observes every finished unit on both queues.
func WithUnitHook(fn func(dispatch.UnitResult)) Option {
	return func(s *Service) { s.onUnit = fn }
}

// WithBatchHook observes every finished batch.
func WithBatchHook(fn func(dispatch.BatchResult)) Option {
	return func(s *Service) { s.onBatch = fn }
}

// Service owns the invite queue, the group-message queue and the resource lock registry.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	client  Client
	now     func() time.Time
	sleep   dispatch.SleepFunc
	history history.Repo
	onUnit  func(dispatch.UnitResult)
	onBatch func(dispatch.BatchResult)

	invites  *dispatch.Queue
	messages *dispatch.Queue
	locks    *keylock.Registry

	sup *rtsup.Supervisor
}

func New(cfg Config, client Client, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	cfg = cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		client:  client,
		now:     time.Now,
		sleep:   dispatch.Sleep,
		history: history.Nop{},
	}
	for _, o := range opts {
		o(s)
	}

	queueOpts := func(name string, p Pacing) []dispatch.Option {
		return []dispatch.Option{
			dispatch.WithSettings(cfg.settings(p)),
			dispatch.WithLogger(log.With(logx.String("comp", "dispatch."+name))),
			dispatch.WithBus(bus),
			dispatch.WithClock(s.now),
			dispatch.WithSleep(s.sleep),
		}
	}
	s.invites = dispatch.New(ChannelInvites, s.acceptInvite, queueOpts(ChannelInvites, cfg.Invite)...)
	s.messages = dispatch.New(ChannelMessages, s.sendMessage, queueOpts(ChannelMessages, cfg.Message)...)
	s.locks = keylock.New(
		keylock.WithTTL(cfg.LockTTL),
		keylock.WithClock(s.now),
		keylock.WithLogger(log.With(logx.String("comp", "keylock"))),
	)
	return s
}

// Start runs both queue workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	for _, q := range []*dispatch.Queue{s.invites, s.messages} {
		q := q
		sup.GoRestart("queue."+q.Name(), q.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	s.log.Info("dispatch engine started")
}

// Stop halts the workers. A unit already started finishes on its own context.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("dispatch engine stop", logx.Err(err))
	}
	s.locks.Close()
	s.log.Info("dispatch engine stopped")
}

// Apply swaps curves, limits and the lock TTL at runtime.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalize()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.invites.Apply(cfg.settings(cfg.Invite))
	s.messages.Apply(cfg.settings(cfg.Message))
	s.locks.SetTTL(cfg.LockTTL)
	s.log.Info("dispatch engine reconfigured",
		logx.String("invite_curve", cfg.Invite.Curve.String()),
		logx.String("message_curve", cfg.Message.Curve.String()),
		logx.Duration("lock_ttl", cfg.LockTTL))
}

// Config returns the settings currently in effect.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SubmitInvite queues one invitation for paced acceptance.
func (s *Service) SubmitInvite(ctx context.Context, inv transport.Invitation) error {
	if strings.TrimSpace(inv.ID) == "" {
		return fmt.Errorf("%w: invitation without id", dispatch.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := inv.RoomID
	if dest == "" {
		dest = inv.ID
	}
	return s.invites.Push(dispatch.Unit{
		Kind:        KindInvite,
		Destination: dest,
		Payload:     inv,
		OnComplete:  s.observeUnit(nil),
	})
}

// SubmitMessageBatch queues a composed batch of group messages and returns
// the batch id. Unit payloads must be transport.Payload values. b is not
// modified, so the same composed batch may be submitted again.
func (s *Service) SubmitMessageBatch(ctx context.Context, b dispatch.Batch) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for i, u := range b.Units {
		if _, ok := u.Payload.(transport.Payload); !ok {
			return "", fmt.Errorf("%w: unit %d payload is %T", dispatch.ErrInvalidInput, i, u.Payload)
		}
	}
	sub := dispatch.Batch{
		Units:      make([]dispatch.Unit, len(b.Units)),
		OnComplete: s.observeBatch(b.OnComplete),
	}
	for i, u := range b.Units {
		u.OnComplete = s.observeUnit(u.OnComplete)
		sub.Units[i] = u
	}
	return s.messages.PushBatch(sub)
}

// Forward composes payloads × groups into one batch and queues it.
// It returns the batch id.
func (s *Service) Forward(ctx context.Context, payloads []transport.Payload, groups []string, onUnit func(dispatch.UnitResult), onBatch func(dispatch.BatchResult)) (string, error) {
	b, err := compose.Forward(KindMessage, payloads, groups, onUnit, onBatch)
	if err != nil {
		return "", err
	}
	id, err := s.SubmitMessageBatch(ctx, b)
	if err != nil {
		return "", err
	}
	s.log.Info("forward queued", logx.String("batch", id), logx.Int("payloads", len(payloads)), logx.Int("groups", len(groups)))
	return id, nil
}

// WithResourceLock runs fn while holding the lock for key.
func (s *Service) WithResourceLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	h, err := s.locks.Acquire(key)
	if err != nil {
		return err
	}
	return h.RunExclusive(ctx, fn)
}

// Locks exposes the registry for typed helpers such as keylock.Do.
func (s *Service) Locks() *keylock.Registry { return s.locks }

// WaitIdle blocks until both queues have drained and cooled down.
func (s *Service) WaitIdle(ctx context.Context) error {
	if err := s.invites.WaitIdle(ctx); err != nil {
		return err
	}
	return s.messages.WaitIdle(ctx)
}

type Snapshot struct {
	Invites    dispatch.Snapshot `json:"invites"`
	Messages   dispatch.Snapshot `json:"messages"`
	Locks      int               `json:"locks"`
	Running    bool              `json:"running"`
	Supervisor *rtsup.Snapshot   `json:"supervisor,omitempty"`
}

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Invites:  s.invites.Snapshot(),
		Messages: s.messages.Snapshot(),
		Locks:    s.locks.Len(),
	}
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup != nil {
		ss := sup.Snapshot()
		snap.Running = true
		snap.Supervisor = &ss
	}
	return snap
}

func (s *Service) acceptInvite(ctx context.Context, u dispatch.Unit) (any, error) {
	inv, ok := u.Payload.(transport.Invitation)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrBadPayload, u.Payload)
	}
	err := s.withRetry(ctx, "accept invite", func(ctx context.Context) error {
		return s.client.AcceptInvite(ctx, inv)
	})
	return nil, err
}

func (s *Service) sendMessage(ctx context.Context, u dispatch.Unit) (any, error) {
	p, ok := u.Payload.(transport.Payload)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrBadPayload, u.Payload)
	}
	var ref transport.MessageRef
	err := s.withRetry(ctx, "send message", func(ctx context.Context) error {
		var err error
		ref, err = s.client.Send(ctx, transport.Room(u.Destination), p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// withRetry makes up to RetryMax attempts with a fixed delay between them.
func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if s.client == nil {
		return ErrNoClient
	}
	cfg := s.Config()
	var err error
	attempt := 0
	for attempt < cfg.RetryMax {
		attempt++
		if err = fn(ctx); err == nil {
			return nil
		}
		if permanent(err) || attempt >= cfg.RetryMax {
			break
		}
		s.log.Debug("send retry scheduled", logx.String("op", op), logx.Int("attempt", attempt+1), logx.Duration("delay", cfg.RetryDelay), logx.Err(err))
		if serr := s.sleep(ctx, cfg.RetryDelay); serr != nil {
			err = serr
			break
		}
	}
	return &DispatchFailure{Op: op, Attempts: attempt, Err: err}
}

func (s *Service) observeUnit(next func(dispatch.UnitResult)) func(dispatch.UnitResult) {
	return func(r dispatch.UnitResult) {
		rec := history.Record{
			Channel:     channelOf(r.Kind),
			Kind:        r.Kind,
			Destination: r.Destination,
			BatchID:     r.BatchID,
			UnitID:      r.UnitID,
			Status:      history.StatusOK,
			TookMS:      r.Took.Milliseconds(),
			At:          r.At,
		}
		if !r.OK {
			rec.Status = history.StatusFailed
			if r.Err != nil {
				rec.Error = r.Err.Error()
			}
		}
		hctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.history.Append(hctx, rec); err != nil {
			s.log.Warn("history append failed", logx.Err(err))
		}
		cancel()
		if s.onUnit != nil {
			s.onUnit(r)
		}
		if next != nil {
			next(r)
		}
	}
}

func (s *Service) observeBatch(next func(dispatch.BatchResult)) func(dispatch.BatchResult) {
	return func(r dispatch.BatchResult) {
		s.log.Info("batch done", logx.String("batch", r.ID), logx.Int("ok", r.Succeeded), logx.Int("failed", r.Failed))
		if s.onBatch != nil {
			s.onBatch(r)
		}
		if next != nil {
			next(r)
		}
	}
}

func channelOf(kind string) string {
	if kind == KindInvite {
		return ChannelInvites
	}
	return ChannelMessages
}
