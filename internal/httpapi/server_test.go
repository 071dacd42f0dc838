package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pacebot/internal/bot"
	"pacebot/internal/dispatch"
	"pacebot/internal/storage"
	logx "pacebot/pkg/logx"
)

type fakeBot struct {
	mu       sync.Mutex
	started  int
	logouts  int
	forwards [][2][]string
	msgQuery storage.MessageQuery
	fwdErr   error
	rooms    []storage.Room
}

func (f *fakeBot) State() bot.State { return bot.State{Status: bot.StatusOnline} }

func (f *fakeBot) Online(ctx context.Context) (bot.State, error) {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	return f.State(), nil
}

func (f *fakeBot) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.logouts++
	f.mu.Unlock()
	return nil
}

func (f *fakeBot) Groups(ctx context.Context) ([]storage.Room, error) { return f.rooms, nil }

func (f *fakeBot) Messages(ctx context.Context, q storage.MessageQuery) ([]storage.Message, error) {
	f.mu.Lock()
	f.msgQuery = q
	f.mu.Unlock()
	return []storage.Message{{ID: "m1", Text: "hi"}}, nil
}

func (f *fakeBot) Forward(ctx context.Context, messageIDs, groupIDs []string) (string, error) {
	f.mu.Lock()
	f.forwards = append(f.forwards, [2][]string{messageIDs, groupIDs})
	f.mu.Unlock()
	if f.fwdErr != nil {
		return "", f.fwdErr
	}
	return "batch-1", nil
}

type response struct {
	Data  json.RawMessage `json:"data"`
	Error *errorBody      `json:"error"`
}

func newTestServer(t *testing.T, b Bot, cfg Config) *httptest.Server {
	t.Helper()
	s := New(b, logx.Nop(), WithStatus(func() any { return map[string]int{"pending": 0} }))
	s.Apply(context.Background(), cfg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url, token string) (int, response) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var body response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return res.StatusCode, body
}

func TestStartLogoutAndStatus(t *testing.T) {
	t.Parallel()

	fb := &fakeBot{}
	ts := newTestServer(t, fb, Config{})

	code, body := do(t, http.MethodPost, ts.URL+"/api/start", "")
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, body.Error)
	require.JSONEq(t, `{"status":"online","since":"0001-01-01T00:00:00Z"}`, string(body.Data))

	code, _ = do(t, http.MethodPost, ts.URL+"/api/logout", "")
	require.Equal(t, http.StatusOK, code)
	fb.mu.Lock()
	require.Equal(t, 1, fb.started)
	require.Equal(t, 1, fb.logouts)
	fb.mu.Unlock()

	code, body = do(t, http.MethodGet, ts.URL+"/api/status", "")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body.Data), `"engine":{"pending":0}`)
}

func TestGroupsAndMessages(t *testing.T) {
	t.Parallel()

	fb := &fakeBot{rooms: []storage.Room{{ID: "r1", Topic: "riders", UpdatedAt: time.Now()}}}
	ts := newTestServer(t, fb, Config{})

	code, body := do(t, http.MethodGet, ts.URL+"/api/group", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `[{"id":"r1","name":"riders"}]`, string(body.Data))

	code, _ = do(t, http.MethodGet, ts.URL+"/api/message?from=5&limit=20", "")
	require.Equal(t, http.StatusOK, code)
	fb.mu.Lock()
	require.Equal(t, storage.MessageQuery{From: 5, Limit: 20}, fb.msgQuery)
	fb.mu.Unlock()

	code, body = do(t, http.MethodGet, ts.URL+"/api/message?limit=abc", "")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, CodeBadRequest, body.Error.Code)

	code, body = do(t, http.MethodGet, ts.URL+"/api/nothing", "")
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, CodeNotFound, body.Error.Code)
}

func TestForwardValidatesAndSplitsIDs(t *testing.T) {
	t.Parallel()

	fb := &fakeBot{}
	ts := newTestServer(t, fb, Config{})

	code, body := do(t, http.MethodPost, ts.URL+"/api/message/forward?msgId=m1", "")
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, CodeBadRequest, body.Error.Code)
	require.Equal(t, "invalid query", body.Error.Message)

	code, body = do(t, http.MethodPost, ts.URL+"/api/message/forward?msgId=m1,m2&groupId=g1&groupId=g2", "")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"batch":"batch-1","units":4}`, string(body.Data))
	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.forwards, 1)
	require.Equal(t, []string{"m1", "m2"}, fb.forwards[0][0])
	require.Equal(t, []string{"g1", "g2"}, fb.forwards[0][1])
}

func TestForwardErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: x", bot.ErrMessageNotFound), http.StatusNotFound, CodeNotFound},
		{fmt.Errorf("%w: x", dispatch.ErrInvalidInput), http.StatusBadRequest, CodeBadRequest},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternalErr},
	}
	for _, tc := range cases {
		fb := &fakeBot{fwdErr: tc.err}
		ts := newTestServer(t, fb, Config{})
		code, body := do(t, http.MethodPost, ts.URL+"/api/message/forward?msgId=m1&groupId=g1", "")
		require.Equal(t, tc.status, code)
		require.Equal(t, tc.code, body.Error.Code)
	}
}

func TestForwardIsThrottled(t *testing.T) {
	t.Parallel()

	fb := &fakeBot{}
	ts := newTestServer(t, fb, Config{ForwardRatePerSec: 0.001, ForwardBurst: 1})

	code, _ := do(t, http.MethodPost, ts.URL+"/api/message/forward?msgId=m1&groupId=g1", "")
	require.Equal(t, http.StatusOK, code)
	code, body := do(t, http.MethodPost, ts.URL+"/api/message/forward?msgId=m1&groupId=g1", "")
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Equal(t, CodeTooFast, body.Error.Code)
	fb.mu.Lock()
	require.Len(t, fb.forwards, 1)
	fb.mu.Unlock()
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, &fakeBot{}, Config{Token: "s3cret"})

	code, body := do(t, http.MethodGet, ts.URL+"/api/status", "")
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, CodeNotAuthed, body.Error.Code)

	code, _ = do(t, http.MethodGet, ts.URL+"/api/status", "wrong")
	require.Equal(t, http.StatusUnauthorized, code)

	code, _ = do(t, http.MethodGet, ts.URL+"/api/status", "s3cret")
	require.Equal(t, http.StatusOK, code)
}

func TestApplyStartsAndStopsListener(t *testing.T) {
	t.Parallel()

	s := New(&fakeBot{}, logx.Nop())
	ctx := context.Background()
	s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := s.Addr()
	require.NotEmpty(t, addr)

	code, _ := do(t, http.MethodGet, "http://"+addr+"/api/status", "")
	require.Equal(t, http.StatusOK, code)

	s.Apply(ctx, Config{Enabled: false})
	require.Empty(t, s.Addr())
}
