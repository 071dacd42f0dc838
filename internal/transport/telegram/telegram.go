package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "pacebot/internal/runtime/supervisor"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

// pendingTTL bounds how long an unanswered join request is remembered.
const pendingTTL = 24 * time.Hour

// api is the part of *tele.Bot used for outgoing calls.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	ApproveJoinRequest(chat tele.Recipient, user *tele.User) error
}

type pendingJoin struct {
	req *tele.ChatJoinRequest
	at  time.Time
}

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Client drives a Telegram bot account through long polling.
//
// Text, location and contact messages become message events. Chat join
// requests become room invitations; accepting one approves the request.
type Client struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
	api api
	now func() time.Time

	events transport.Fanout
	online atomic.Bool

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	mu    sync.Mutex
	known map[int64]struct{}
	// pending join requests by invitation id
	pending map[string]pendingJoin
}

var _ transport.Client = (*Client)(nil)

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg:     cfg,
		log:     log,
		bot:     b,
		api:     b,
		now:     time.Now,
		known:   map[int64]struct{}{},
		pending: map[string]pendingJoin{},
	}
	c.registerHandlers()
	return c, nil
}

func (c *Client) registerHandlers() {
	onMessage := func(ctx tele.Context) error {
		if m := ctx.Message(); m != nil {
			c.remember(m.Chat)
			if msg, ok := convertMessage(m); ok {
				c.events.Publish(transport.Event{Kind: transport.EventMessage, Message: &msg})
			}
		}
		return nil
	}
	c.bot.Handle(tele.OnText, onMessage)
	c.bot.Handle(tele.OnLocation, onMessage)
	c.bot.Handle(tele.OnContact, onMessage)

	c.bot.Handle(tele.OnChatJoinRequest, func(ctx tele.Context) error {
		req := ctx.ChatJoinRequest()
		if req == nil || req.Chat == nil || req.Sender == nil {
			return nil
		}
		c.remember(req.Chat)
		inv := convertJoinRequest(req)
		c.addPending(inv.ID, req)
		c.events.Publish(transport.Event{Kind: transport.EventRoomInvite, Invitation: &inv})
		return nil
	})
}

// addPending records req and forgets requests older than pendingTTL.
func (c *Client) addPending(id string, req *tele.ChatJoinRequest) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, p := range c.pending {
		if now.Sub(p.at) > pendingTTL {
			delete(c.pending, k)
		}
	}
	c.pending[id] = pendingJoin{req: req, at: now}
}

func (c *Client) remember(chat *tele.Chat) {
	if chat == nil || chat.Type == tele.ChatPrivate {
		return
	}
	c.mu.Lock()
	c.known[chat.ID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) Start(ctx context.Context) error {
	c.runMu.Lock()
	if c.sup != nil {
		c.runMu.Unlock()
		return nil
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(c.log))
	c.sup = sup
	c.runMu.Unlock()

	sup.Go("telebot.stop_on_cancel", func(ctx context.Context) error {
		<-ctx.Done()
		c.bot.Stop()
		return nil
	})
	// bot.Start blocks until Stop. An early return while running is a fault.
	sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		c.log.Info("polling started")
		c.bot.Start()
		c.log.Info("polling stopped")
		if ctx.Err() == nil {
			return errors.New("poller exited")
		}
		return nil
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	sup.Go("events.drop_report", func(ctx context.Context) error {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if n := c.events.Dropped(); n > 0 {
					c.log.Warn("client events dropped (subscriber full)", logx.Int64("count", int64(n)))
				}
			}
		}
	})

	c.online.Store(true)
	me := selfOf(c.bot.Me)
	c.events.Publish(transport.Event{Kind: transport.EventLogin, Self: &me})
	return nil
}

func (c *Client) Stop(ctx context.Context) error {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	c.runMu.Unlock()
	if sup == nil {
		return nil
	}
	c.online.Store(false)

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Stop(wctx); err != nil {
		c.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

// Logout stops polling and announces the session end. Bot tokens stay valid.
func (c *Client) Logout(ctx context.Context) error {
	if !c.online.Load() {
		return transport.ErrOffline
	}
	me := selfOf(c.bot.Me)
	if err := c.Stop(ctx); err != nil {
		return err
	}
	c.events.Publish(transport.Event{Kind: transport.EventLogout, Self: &me})
	return nil
}

func (c *Client) Online() bool { return c.online.Load() }

func (c *Client) Self() (transport.ContactInfo, bool) {
	if !c.online.Load() || c.bot.Me == nil {
		return transport.ContactInfo{}, false
	}
	return selfOf(c.bot.Me), true
}

func (c *Client) Events(buffer int) (<-chan transport.Event, func()) {
	return c.events.Subscribe(buffer)
}

func (c *Client) Send(ctx context.Context, to transport.Target, p transport.Payload) (transport.MessageRef, error) {
	if !c.online.Load() {
		return transport.MessageRef{}, transport.ErrOffline
	}
	id, err := parseChatID(to.ID)
	if err != nil {
		return transport.MessageRef{}, err
	}
	what, err := sendable(p)
	if err != nil {
		return transport.MessageRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	chat := &tele.Chat{ID: id}

	if text, ok := what.(string); ok {
		chunks := splitText(text, textLimit)
		var first *tele.Message
		for i, chunk := range chunks {
			m, err := c.api.Send(chat, chunk)
			if err != nil {
				if i > 0 {
					// Earlier chunks are delivered; a resend would repeat them.
					return refOf(to, first), fmt.Errorf("telegram send chunk %d/%d: %w: %w", i+1, len(chunks), transport.ErrPartialSend, err)
				}
				return transport.MessageRef{}, fmt.Errorf("telegram send: %w", err)
			}
			if first == nil {
				first = m
			}
		}
		return refOf(to, first), nil
	}
	m, err := c.api.Send(chat, what)
	if err != nil {
		return transport.MessageRef{}, fmt.Errorf("telegram send: %w", err)
	}
	return refOf(to, m), nil
}

func (c *Client) AcceptInvite(ctx context.Context, inv transport.Invitation) error {
	c.mu.Lock()
	p, ok := c.pending[inv.ID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("join request %s: %w", inv.ID, transport.ErrNotFound)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := c.api.ApproveJoinRequest(p.req.Chat, p.req.Sender)
	if err != nil && !rejected(err) {
		return fmt.Errorf("telegram approve: %w", err)
	}
	c.mu.Lock()
	delete(c.pending, inv.ID)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("telegram approve %s: %w: %w", inv.ID, transport.ErrRejected, err)
	}
	return nil
}

// rejected reports an API answer that will not change on retry, such as a
// join request that was already handled or withdrawn.
func rejected(err error) bool {
	var apiErr *tele.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429
}

func (c *Client) LoadRoom(ctx context.Context, id string) (transport.RoomInfo, error) {
	cid, err := parseChatID(id)
	if err != nil {
		return transport.RoomInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return transport.RoomInfo{}, err
	}
	chat, err := c.bot.ChatByID(cid)
	if err != nil {
		return transport.RoomInfo{}, fmt.Errorf("room %s: %w: %v", id, transport.ErrNotFound, err)
	}
	c.remember(chat)
	return roomOf(chat), nil
}

// Rooms returns every group chat seen since start. Telegram has no listing call.
func (c *Client) Rooms(ctx context.Context) ([]transport.RoomInfo, error) {
	c.mu.Lock()
	ids := make([]int64, 0, len(c.known))
	for id := range c.known {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	out := make([]transport.RoomInfo, 0, len(ids))
	for _, id := range ids {
		r, err := c.LoadRoom(ctx, strconv.FormatInt(id, 10))
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			c.log.Debug("room refresh skipped", logx.Int64("chat_id", id), logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad chat id %q: %w", s, err)
	}
	return id, nil
}

func refOf(to transport.Target, m *tele.Message) transport.MessageRef {
	ref := transport.MessageRef{Target: to, At: time.Now()}
	if m != nil {
		ref.ID = strconv.Itoa(m.ID)
		if m.Unixtime > 0 {
			ref.At = time.Unix(m.Unixtime, 0)
		}
	}
	return ref
}

func selfOf(u *tele.User) transport.ContactInfo {
	if u == nil {
		return transport.ContactInfo{}
	}
	return transport.ContactInfo{
		ID:       strconv.FormatInt(u.ID, 10),
		Name:     strings.TrimSpace(u.FirstName + " " + u.LastName),
		Username: u.Username,
	}
}

func roomOf(chat *tele.Chat) transport.RoomInfo {
	topic := chat.Title
	if topic == "" {
		topic = strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	}
	return transport.RoomInfo{
		ID:    strconv.FormatInt(chat.ID, 10),
		Topic: topic,
		Kind:  string(chat.Type),
	}
}

func convertJoinRequest(req *tele.ChatJoinRequest) transport.Invitation {
	inviter := selfOf(req.Sender)
	inv := transport.Invitation{
		ID:          strconv.FormatInt(req.Chat.ID, 10) + ":" + inviter.ID,
		RoomID:      strconv.FormatInt(req.Chat.ID, 10),
		RoomTopic:   req.Chat.Title,
		InviterID:   inviter.ID,
		InviterName: inviter.Name,
		At:          time.Unix(req.Unixtime, 0),
	}
	if raw, err := json.Marshal(req); err == nil {
		inv.Raw = string(raw)
	}
	return inv
}

func convertMessage(m *tele.Message) (transport.Message, bool) {
	if m.Chat == nil {
		return transport.Message{}, false
	}
	msg := transport.Message{
		ID: strconv.FormatInt(m.Chat.ID, 10) + ":" + strconv.Itoa(m.ID),
		At: time.Unix(m.Unixtime, 0),
	}
	if m.Sender != nil {
		from := selfOf(m.Sender)
		msg.FromID, msg.FromName = from.ID, from.Name
	}
	if m.Chat.Type != tele.ChatPrivate {
		msg.RoomID = strconv.FormatInt(m.Chat.ID, 10)
	}
	switch {
	case m.Location != nil:
		msg.Type = transport.PayloadLocation
		raw, _ := json.Marshal(map[string]float32{"lat": m.Location.Lat, "lng": m.Location.Lng})
		msg.Raw = string(raw)
	case m.Contact != nil:
		msg.Type = transport.PayloadContact
		msg.Text = strings.TrimSpace(m.Contact.FirstName + " " + m.Contact.LastName)
		raw, _ := json.Marshal(map[string]string{"name": msg.Text, "phone": m.Contact.PhoneNumber})
		msg.Raw = string(raw)
	case m.Text != "":
		msg.Type = transport.PayloadText
		msg.Text = m.Text
	default:
		return transport.Message{}, false
	}
	return msg, true
}

// sendable maps a payload onto something telebot can send.
func sendable(p transport.Payload) (any, error) {
	switch p.Type {
	case transport.PayloadText, "":
		if p.Text == "" {
			return nil, fmt.Errorf("%w: empty text", transport.ErrUnsupportedPayload)
		}
		return p.Text, nil
	case transport.PayloadLink:
		url := p.Params["url"]
		if url == "" {
			return p.Text, nil
		}
		return strings.TrimSpace(p.Text + "\n" + url), nil
	case transport.PayloadLocation:
		lat, err1 := strconv.ParseFloat(p.Params["lat"], 32)
		lng, err2 := strconv.ParseFloat(p.Params["lng"], 32)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("%w: bad coordinates", transport.ErrUnsupportedPayload)
		}
		return &tele.Location{Lat: float32(lat), Lng: float32(lng)}, nil
	case transport.PayloadContact:
		phone := p.Params["phone"]
		if phone == "" {
			// Without a phone number a contact card cannot be sent; fall back to its name.
			if p.Text == "" {
				return nil, fmt.Errorf("%w: empty contact", transport.ErrUnsupportedPayload)
			}
			return p.Text, nil
		}
		return &tele.Contact{PhoneNumber: phone, FirstName: p.Text}, nil
	default:
		return nil, fmt.Errorf("%w: %s", transport.ErrUnsupportedPayload, p.Type)
	}
}

const textLimit = 4000

// splitText cuts long texts into chunks within the message limit, preferring newlines.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
