package app

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pacebot/internal/bot"
	"pacebot/internal/config"
	"pacebot/internal/eventbus"
	"pacebot/internal/pacing"
	"pacebot/internal/transport"
	"pacebot/internal/transport/transporttest"
)

const testConfig = `
logging:
  level: warn
  console: true
storage:
  driver: memory
http:
  enabled: true
  addr: 127.0.0.1:0
`

func newTestApp(t *testing.T, body string) (*App, *transporttest.Client, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	client := transporttest.New()
	a, err := New(path, WithClient(client))
	require.NoError(t, err)
	return a, client, path
}

func TestAppServesAPI(t *testing.T) {
	a, client, _ := newTestApp(t, testConfig)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		require.NoError(t, a.Stop(stopCtx, StopAppStop))
	})

	base := "http://" + a.HTTPAddr()
	require.NotEqual(t, "http://", base)

	resp, err := http.Post(base+"/api/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, client.Online())
	require.Eventually(t, func() bool { return a.Bot().State().Status == bot.StatusOnline },
		2*time.Second, 10*time.Millisecond)

	resp, err = http.Get(base + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var env struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.Contains(t, env.Data, "bot")
	require.Contains(t, env.Data, "engine")
}

func TestAppStartsClientWithoutHTTP(t *testing.T) {
	a, client, _ := newTestApp(t, "logging:\n  level: warn\n")
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background(), StopAppStop)

	require.True(t, client.Online())
	require.Empty(t, a.HTTPAddr())
}

func TestAppInvitationsUseConfiguredCurve(t *testing.T) {
	a, client, _ := newTestApp(t, "logging:\n  level: warn\n")
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background(), StopAppStop)

	client.Publish(transport.Event{Kind: transport.EventRoomInvite, Invitation: &transport.Invitation{ID: "inv-1", RoomID: "-100"}})
	require.Eventually(t, func() bool { return len(client.Accepted()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, pacing.InviteCurve(), a.engine.Config().Invite.Curve)
}

func TestAppHotReloadsPacing(t *testing.T) {
	a, _, path := newTestApp(t, testConfig)
	events, unsub := a.bus.Subscribe(16)
	defer unsub()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background(), StopAppStop)

	// Let the watcher register the directory.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(testConfig+"pacing:\n  invite:\n    floor: 2s\n"), 0o600))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.TypeConfigReloaded {
				continue
			}
			require.Equal(t, []string{"pacing.invite"}, e.Data)
			require.Equal(t, 2*time.Second, a.engine.Config().Invite.Curve.Floor)
			return
		case <-deadline:
			t.Fatal("config reload not applied")
		}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pacing:\n  invite:\n    k: 0\n"), 0o600))
	_, err := New(path, WithClient(transporttest.New()))
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("maintenance:\n  refresh_rooms: \"every now and then\"\n"), 0o600))
	_, err = New(path, WithClient(transporttest.New()))
	require.Error(t, err)
}

func TestMapEngineConfigDefaults(t *testing.T) {
	cfg, err := mapEngineConfig(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, pacing.InviteCurve(), cfg.Invite.Curve)
	require.Equal(t, pacing.MessageCurve(), cfg.Message.Curve)
	require.Equal(t, 3, cfg.RetryMax)
	require.Equal(t, time.Second, cfg.RetryDelay)

	k := 100.0
	cfg, err = mapEngineConfig(&config.Config{
		Pacing: config.PacingConfig{Message: config.CurveConfig{K: &k, Floor: "1s", CountFailures: true}},
		Send:   config.SendConfig{RetryMax: 5},
	})
	require.NoError(t, err)
	require.Equal(t, 100.0, cfg.Message.Curve.K)
	require.Equal(t, time.Second, cfg.Message.Curve.Floor)
	require.True(t, cfg.Message.CountFailures)
	require.Equal(t, 5, cfg.RetryMax)
}

func TestMapHistoryAndStorage(t *testing.T) {
	h, err := mapHistory(&config.Config{})
	require.NoError(t, err)
	require.Equal(t, "memory", h.Driver)
	require.Equal(t, defaultHistoryRecords, h.MaxRecords)

	_, err = mapHistory(&config.Config{History: &config.HistoryConfig{Driver: "postgres"}})
	require.Error(t, err)

	_, enabled, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	require.False(t, enabled)

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	require.NoError(t, err)
	require.True(t, enabled)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, time.Second, sc.BusyTimeout)
}
