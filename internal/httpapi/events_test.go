package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pacebot/internal/eventbus"
	logx "pacebot/pkg/logx"
)

type frame struct {
	event string
	data  eventbus.Event
}

// readFrames parses the stream in the background until the body ends.
func readFrames(t *testing.T, body io.Reader) <-chan frame {
	t.Helper()
	out := make(chan frame, 16)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(body)
		var cur frame
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.data); err != nil {
					return
				}
			case line == "" && cur.event != "":
				out <- cur
				cur = frame{}
			}
		}
	}()
	return out
}

func nextFrame(t *testing.T, frames <-chan frame) frame {
	t.Helper()
	select {
	case f, ok := <-frames:
		require.True(t, ok, "stream ended")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no event frame")
		return frame{}
	}
}

func TestEventStreamRelaysProgress(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	s := New(&fakeBot{}, logx.Nop(), WithEvents(bus))
	s.Apply(context.Background(), Config{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	res, err := http.Get(ts.URL + "/api/events")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))
	frames := readFrames(t, res.Body)

	bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: []string{"http"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeForwardProgress, Data: map[string]any{"batch": "b1", "done": 1, "total": 2}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeForwardDone, Data: map[string]any{"batch": "b1"}})

	f := nextFrame(t, frames)
	require.Equal(t, eventbus.TypeForwardProgress, f.event)
	require.Equal(t, eventbus.TypeForwardProgress, f.data.Type)
	require.Equal(t, map[string]any{"batch": "b1", "done": float64(1), "total": float64(2)}, f.data.Data)
	require.False(t, f.data.Time.IsZero())

	f = nextFrame(t, frames)
	require.Equal(t, eventbus.TypeForwardDone, f.event)
}

func TestEventStreamTypeFilter(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	s := New(&fakeBot{}, logx.Nop(), WithEvents(bus))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	code, body := do(t, http.MethodGet, ts.URL+"/api/events?type=log.entry", "")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, CodeBadRequest, body.Error.Code)

	res, err := http.Get(ts.URL + "/api/events?type=" + eventbus.TypeClientState)
	require.NoError(t, err)
	defer res.Body.Close()
	frames := readFrames(t, res.Body)

	bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchDrained})
	bus.Publish(eventbus.Event{Type: eventbus.TypeClientState, Data: "online"})
	f := nextFrame(t, frames)
	require.Equal(t, eventbus.TypeClientState, f.event)
	require.Equal(t, "online", f.data.Data)
}

func TestEventStreamDisabledWithoutBus(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeBot{}, Config{})
	code, body := do(t, http.MethodGet, ts.URL+"/api/events", "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, CodeNotFound, body.Error.Code)
}

func TestStopEndsOpenStreams(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	s := New(&fakeBot{}, logx.Nop(), WithEvents(bus))
	s.Apply(context.Background(), Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := s.Addr()
	require.NotEmpty(t, addr)

	res, err := http.Get("http://" + addr + "/api/events")
	require.NoError(t, err)
	defer res.Body.Close()
	frames := readFrames(t, res.Body)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	s.Stop(ctx)
	require.Less(t, time.Since(start), time.Second)

	select {
	case _, ok := <-frames:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream still open after stop")
	}
}
