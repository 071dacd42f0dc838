// Package transporttest provides an in-memory transport.Client for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pacebot/internal/transport"
)

type Sent struct {
	To      transport.Target
	Payload transport.Payload
}

// Client records every outbound call. Behaviour can be scripted through the
// exported hook fields before use.
type Client struct {
	transport.Fanout

	// SendErr, when set, decides the error for each Send call.
	SendErr   func(to transport.Target, p transport.Payload) error
	AcceptErr func(inv transport.Invitation) error
	// LoadDelay slows LoadRoom down so concurrent callers overlap.
	LoadDelay time.Duration

	online atomic.Bool
	seq    atomic.Int64
	loads  atomic.Int64

	mu       sync.Mutex
	self     transport.ContactInfo
	rooms    map[string]transport.RoomInfo
	sent     []Sent
	accepted []transport.Invitation
}

func New() *Client {
	return &Client{
		self:  transport.ContactInfo{ID: "self", Name: "pacebot"},
		rooms: map[string]transport.RoomInfo{},
	}
}

func (c *Client) AddRoom(r transport.RoomInfo) {
	c.mu.Lock()
	c.rooms[r.ID] = r
	c.mu.Unlock()
}

func (c *Client) Start(ctx context.Context) error {
	if c.online.Swap(true) {
		return nil
	}
	self := c.self
	c.Publish(transport.Event{Kind: transport.EventLogin, Self: &self})
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.online.Store(false)
	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	if !c.online.Swap(false) {
		return transport.ErrOffline
	}
	self := c.self
	c.Publish(transport.Event{Kind: transport.EventLogout, Self: &self})
	return nil
}

func (c *Client) Online() bool { return c.online.Load() }

func (c *Client) Self() (transport.ContactInfo, bool) {
	if !c.online.Load() {
		return transport.ContactInfo{}, false
	}
	return c.self, true
}

func (c *Client) Events(buffer int) (<-chan transport.Event, func()) { return c.Subscribe(buffer) }

func (c *Client) Send(ctx context.Context, to transport.Target, p transport.Payload) (transport.MessageRef, error) {
	if c.SendErr != nil {
		if err := c.SendErr(to, p); err != nil {
			return transport.MessageRef{}, err
		}
	}
	c.mu.Lock()
	c.sent = append(c.sent, Sent{To: to, Payload: p})
	c.mu.Unlock()
	return transport.MessageRef{ID: fmt.Sprintf("m%d", c.seq.Add(1)), Target: to, At: time.Now()}, nil
}

func (c *Client) AcceptInvite(ctx context.Context, inv transport.Invitation) error {
	if c.AcceptErr != nil {
		if err := c.AcceptErr(inv); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.accepted = append(c.accepted, inv)
	c.mu.Unlock()
	return nil
}

func (c *Client) LoadRoom(ctx context.Context, id string) (transport.RoomInfo, error) {
	c.loads.Add(1)
	if c.LoadDelay > 0 {
		select {
		case <-ctx.Done():
			return transport.RoomInfo{}, ctx.Err()
		case <-time.After(c.LoadDelay):
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[id]
	if !ok {
		return transport.RoomInfo{}, fmt.Errorf("room %s: %w", id, transport.ErrNotFound)
	}
	return r, nil
}

func (c *Client) Rooms(ctx context.Context) ([]transport.RoomInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.RoomInfo, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, r)
	}
	return out, nil
}

// Loads reports how many times LoadRoom was called.
func (c *Client) Loads() int64 { return c.loads.Load() }

func (c *Client) SentMessages() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *Client) Accepted() []transport.Invitation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Invitation(nil), c.accepted...)
}
