// Package bot ties the chat client to the dispatch engine: it keeps the
// client state, persists inbound messages and rooms, queues invitations and
// turns forward requests into paced message batches.
package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	"pacebot/internal/dispatch"
	"pacebot/internal/eventbus"
	"pacebot/internal/roomcache"
	rtsup "pacebot/internal/runtime/supervisor"
	"pacebot/internal/storage"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

var ErrNotStarted = errors.New("bot: not started")

// Engine is the part of engine.Service the bot drives.
type Engine interface {
	SubmitInvite(ctx context.Context, inv transport.Invitation) error
	Forward(ctx context.Context, payloads []transport.Payload, groups []string, onUnit func(dispatch.UnitResult), onBatch func(dispatch.BatchResult)) (string, error)
	WithResourceLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type Status string

const (
	StatusOffline  Status = "offline"
	StatusScanning Status = "scanning"
	StatusOnline   Status = "online"
)

// State is the client state as seen by the bot.
type State struct {
	Status  Status                 `json:"status"`
	ScanURL string                 `json:"scan_url,omitempty"`
	Profile *transport.ContactInfo `json:"profile,omitempty"`
	Since   time.Time              `json:"since"`
}

type Option func(*Service)

func WithCache(c roomcache.Cache) Option {
	return func(s *Service) { s.cache = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	client transport.Client
	eng    Engine
	store  storage.Store
	cache  roomcache.Cache
	log    logx.Logger
	bus    eventbus.Bus
	now    func() time.Time

	mu    sync.RWMutex
	state State
	sup   *rtsup.Supervisor
}

// New builds the bot. A nil store falls back to an in-memory one.
func New(client transport.Client, eng Engine, store storage.Store, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if store == nil {
		store = storage.NewMemory()
	}
	s := &Service{
		client: client,
		eng:    eng,
		store:  store,
		log:    log,
		bus:    bus,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.state = State{Status: StatusOffline, Since: s.now()}
	return s
}

// Start subscribes to client events. The client itself is started by Online.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	events, unsubscribe := s.client.Events(64)
	sup.Go("bot.events", func(ctx context.Context) error {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				s.handle(ctx, ev)
			}
		}
	})
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := s.client.Stop(ctx); err != nil {
		s.log.Warn("client stop failed", logx.Err(err))
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("bot stop", logx.Err(err))
	}
}

func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	if st.Profile != nil {
		p := *st.Profile
		st.Profile = &p
	}
	return st
}

// Online starts the client unless it is already online or waiting for a scan.
func (s *Service) Online(ctx context.Context) (State, error) {
	s.mu.RLock()
	started := s.sup != nil
	s.mu.RUnlock()
	if !started {
		return s.State(), ErrNotStarted
	}
	if st := s.State(); st.Status != StatusOffline {
		return st, nil
	}
	if err := s.client.Start(ctx); err != nil {
		s.log.Error("client start failed", logx.Err(err))
		return s.State(), err
	}
	s.log.Info("client started")
	return s.State(), nil
}

// Logout is a no-op while offline.
func (s *Service) Logout(ctx context.Context) error {
	if s.State().Status != StatusOnline {
		return nil
	}
	err := s.client.Logout(ctx)
	if errors.Is(err, transport.ErrOffline) {
		return nil
	}
	return err
}

func (s *Service) owner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Profile == nil {
		return ""
	}
	return s.state.Profile.ID
}

func (s *Service) setState(st State) {
	st.Since = s.now()
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeClientState, Time: st.Since, Data: st})
	}
}

func (s *Service) handle(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventScan:
		s.setState(State{Status: StatusScanning, ScanURL: ev.ScanURL})
		s.log.Info("waiting for scan")
	case transport.EventLogin:
		var self *transport.ContactInfo
		if ev.Self != nil {
			p := *ev.Self
			self = &p
		}
		s.setState(State{Status: StatusOnline, Profile: self})
		if self != nil {
			if err := s.store.UpsertContact(ctx, storage.Contact{
				Owner: self.ID, ID: self.ID, Name: self.Name, Username: self.Username, Phone: self.Phone, UpdatedAt: s.now(),
			}); err != nil {
				s.log.Warn("store profile failed", logx.Err(err))
			}
			s.log.Info("client online", logx.String("self", self.ID))
		}
	case transport.EventLogout:
		prev := s.State()
		s.setState(State{Status: StatusOffline})
		if prev.Profile != nil {
			s.log.Info("client offline", logx.String("self", prev.Profile.ID))
		}
	case transport.EventMessage:
		if ev.Message != nil {
			s.onMessage(ctx, *ev.Message)
		}
	case transport.EventRoomInvite:
		if ev.Invitation != nil {
			s.onInvite(ctx, *ev.Invitation)
		}
	}
}

func (s *Service) onMessage(ctx context.Context, m transport.Message) {
	if m.RoomID != "" {
		if _, err := s.GetGroup(ctx, m.RoomID); err != nil {
			s.log.Warn("room lookup failed", logx.String("room", m.RoomID), logx.Err(err))
		}
	}
	at := m.At
	if at.IsZero() {
		at = s.now()
	}
	rec := storage.Message{
		Owner:    s.owner(),
		ID:       m.ID,
		Type:     string(m.Type),
		Text:     m.Text,
		FromID:   m.FromID,
		FromName: m.FromName,
		RoomID:   m.RoomID,
		Raw:      m.Raw,
		At:       at,
	}
	if err := s.store.AddMessage(ctx, rec); err != nil {
		s.log.Warn("store message failed", logx.String("msg", m.ID), logx.Err(err))
		return
	}
	s.log.Debug("message stored", logx.String("msg", m.ID), logx.String("type", rec.Type))
}

func (s *Service) onInvite(ctx context.Context, inv transport.Invitation) {
	s.log.Info("room invitation received",
		logx.String("room", inv.RoomID),
		logx.String("topic", inv.RoomTopic),
		logx.String("inviter", inv.InviterName))
	if err := s.eng.SubmitInvite(ctx, inv); err != nil {
		s.log.Warn("invitation not queued", logx.String("invite", inv.ID), logx.Err(err))
	}
}
