package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pacebot/internal/dispatch"
	"pacebot/internal/engine"
	"pacebot/internal/eventbus"
	"pacebot/internal/roomcache"
	"pacebot/internal/storage"
	"pacebot/internal/transport"
	"pacebot/internal/transport/transporttest"
	logx "pacebot/pkg/logx"
)

type harness struct {
	bot    *Service
	eng    *engine.Service
	client *transporttest.Client
	store  storage.Store
	bus    eventbus.Bus
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newHarness(t *testing.T) harness {
	t.Helper()
	h := harness{client: transporttest.New(), store: storage.NewMemory(), bus: eventbus.New()}
	h.eng = engine.New(engine.DefaultConfig(), h.client, logx.Nop(), h.bus, engine.WithSleep(noSleep))
	h.bot = New(h.client, h.eng, h.store, logx.Nop(), h.bus, WithCache(roomcache.NewMemory(time.Minute)))

	ctx := context.Background()
	h.eng.Start(ctx)
	h.bot.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.bot.Stop(stopCtx)
		h.eng.Stop(stopCtx)
	})
	return h
}

func (h harness) login(t *testing.T) {
	t.Helper()
	_, err := h.bot.Online(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.bot.State().Status == StatusOnline }, 2*time.Second, 5*time.Millisecond)
}

func TestOnlineAndLogout(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.Equal(t, StatusOffline, h.bot.State().Status)
	require.NoError(t, h.bot.Logout(context.Background()))

	h.login(t)
	st := h.bot.State()
	require.NotNil(t, st.Profile)
	require.Equal(t, "self", st.Profile.ID)

	st, err := h.bot.Online(context.Background())
	require.NoError(t, err)
	require.Equal(t, StatusOnline, st.Status)

	require.NoError(t, h.bot.Logout(context.Background()))
	require.Eventually(t, func() bool { return h.bot.State().Status == StatusOffline }, 2*time.Second, 5*time.Millisecond)
}

func TestOnlineBeforeStart(t *testing.T) {
	t.Parallel()

	b := New(transporttest.New(), nil, nil, logx.Nop(), nil)
	_, err := b.Online(context.Background())
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestInboundMessageIsStoredWithItsRoom(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.AddRoom(transport.RoomInfo{ID: "r1", Topic: "riders"})
	h.login(t)

	h.client.Publish(transport.Event{Kind: transport.EventMessage, Message: &transport.Message{
		ID: "m1", Type: transport.PayloadText, Text: "hello", FromID: "u1", RoomID: "r1", At: time.Now(),
	}})

	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, err := h.store.GetMessage(ctx, "self", "m1")
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	rooms, err := h.store.FindRooms(ctx, "self", "r1")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, "riders", rooms[0].Topic)

	msgs, err := h.bot.Messages(ctx, storage.MessageQuery{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestGetGroupCollapsesConcurrentLookups(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.client.AddRoom(transport.RoomInfo{ID: "r1", Topic: "riders"})
	h.client.LoadDelay = 20 * time.Millisecond
	h.login(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.bot.GetGroup(context.Background(), "r1")
			if err == nil && r.Topic != "riders" {
				err = context.DeadlineExceeded
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int64(1), h.client.Loads())

	_, err := h.bot.GetGroup(context.Background(), "missing")
	require.ErrorIs(t, err, transport.ErrNotFound)
}

func TestInvitationIsQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.login(t)
	h.client.Publish(transport.Event{Kind: transport.EventRoomInvite, Invitation: &transport.Invitation{
		ID: "inv-1", RoomID: "r9", RoomTopic: "new room", InviterName: "ann",
	}})
	require.Eventually(t, func() bool { return len(h.client.Accepted()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, "r9", h.client.Accepted()[0].RoomID)
}

func TestForwardStoredMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.login(t)
	ctx := context.Background()
	require.NoError(t, h.store.AddMessage(ctx, storage.Message{Owner: "self", ID: "m1", Type: "text", Text: "first", At: time.Now()}))
	require.NoError(t, h.store.AddMessage(ctx, storage.Message{Owner: "self", ID: "m2", Type: "location", Raw: `{"lat":52.5,"lng":13.4}`, At: time.Now()}))

	events, unsubscribe := h.bus.Subscribe(32)
	defer unsubscribe()

	id, err := h.bot.Forward(ctx, []string{"m1,m2"}, []string{"g1", " g2 "})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var progress int
	var done *dispatch.BatchResult
	timeout := time.After(3 * time.Second)
	for done == nil {
		select {
		case ev := <-events:
			switch ev.Type {
			case eventbus.TypeForwardProgress:
				progress++
				require.Equal(t, id, ev.Data.(Progress).Batch)
			case eventbus.TypeForwardDone:
				r := ev.Data.(dispatch.BatchResult)
				done = &r
			}
		case <-timeout:
			t.Fatal("forward did not finish")
		}
	}
	require.Equal(t, 4, progress)
	require.Equal(t, 4, done.Succeeded)

	sent := h.client.SentMessages()
	require.Len(t, sent, 4)
	require.Equal(t, "g1", sent[0].To.ID)
	require.Equal(t, transport.PayloadText, sent[0].Payload.Type)
	require.Equal(t, transport.PayloadLocation, sent[1].Payload.Type)
	require.Equal(t, "52.5", sent[1].Payload.Params["lat"])
	require.Equal(t, "g2", sent[3].To.ID)
}

func TestForwardRejectsBadInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.login(t)
	ctx := context.Background()

	_, err := h.bot.Forward(ctx, nil, []string{"g1"})
	require.ErrorIs(t, err, dispatch.ErrInvalidInput)
	_, err = h.bot.Forward(ctx, []string{"m1"}, []string{" , "})
	require.ErrorIs(t, err, dispatch.ErrInvalidInput)
	_, err = h.bot.Forward(ctx, []string{"nope"}, []string{"g1"})
	require.ErrorIs(t, err, ErrMessageNotFound)
	require.Empty(t, h.client.SentMessages())
}

func TestPayloadOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   storage.Message
		want transport.Payload
	}{
		{
			name: "text",
			in:   storage.Message{Type: "text", Text: "hi"},
			want: transport.Payload{Type: transport.PayloadText, Text: "hi"},
		},
		{
			name: "location",
			in:   storage.Message{Type: "location", Text: `{"lat":1.25,"lng":-3}`},
			want: transport.Payload{Type: transport.PayloadLocation, Text: `{"lat":1.25,"lng":-3}`, Params: map[string]string{"lat": "1.25", "lng": "-3"}},
		},
		{
			name: "location not json",
			in:   storage.Message{Type: "location", Text: "somewhere"},
			want: transport.Payload{Type: transport.PayloadText, Text: "somewhere"},
		},
		{
			name: "contact card",
			in:   storage.Message{Type: "contact", Text: "Ann Lee", Raw: `{"name":"Ann Lee","phone":"+100"}`},
			want: transport.Payload{Type: transport.PayloadContact, Text: "Ann Lee", Params: map[string]string{"name": "Ann Lee", "phone": "+100"}},
		},
		{
			name: "contact from text",
			in:   storage.Message{Type: "contact", Text: "Bob, recommended"},
			want: transport.Payload{Type: transport.PayloadContact, Text: "Bob", Params: map[string]string{"name": "Bob"}},
		},
		{
			name: "contact without name",
			in:   storage.Message{Type: "contact", Text: "nobody"},
			want: transport.Payload{Type: transport.PayloadText, Text: "nobody"},
		},
		{
			name: "unknown",
			in:   storage.Message{Type: "sticker", Text: "x"},
			want: transport.Payload{Type: transport.PayloadText, Text: "x"},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, PayloadOf(tc.in))
		})
	}
}
