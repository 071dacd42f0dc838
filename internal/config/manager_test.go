package config

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "pacebot/pkg/logx"
)

const sampleYAML = `
client:
  token: "123:abc"
  poll_timeout: 10s
logging:
  level: debug
  console: true
pacing:
  invite:
    k: 170
    a: 2
    b: 0.8
    offset: 40s
    floor: 5s
  message:
    floor: 3s
    count_failures: true
locks:
  ttl: 60s
send:
  retry_max: 3
  retry_delay: 1s
storage:
  driver: sqlite
  path: ./pacebot.sqlite
http:
  enabled: true
  addr: 127.0.0.1:8080
maintenance:
  refresh_rooms: "@every 1h"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeFile(t, t.TempDir(), "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	require.Equal(t, "123:abc", cfg.Client.Token)
	require.NotNil(t, cfg.Pacing.Invite.K)
	require.Equal(t, 170.0, *cfg.Pacing.Invite.K)
	require.Nil(t, cfg.Pacing.Message.K)
	require.True(t, cfg.Pacing.Message.CountFailures)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Nil(t, cfg.History)
	require.Equal(t, "@every 1h", cfg.Maintenance.RefreshRooms)
}

func TestLoadJSONIsStrict(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := NewManager(writeFile(t, dir, "ok.json", `{"logging":{"level":"info"}}`)).Load()
	require.NoError(t, err)

	_, err = NewManager(writeFile(t, dir, "unknown.json", `{"pacing":{"invite":{"kk":1}}}`)).Load()
	require.Error(t, err)

	_, err = NewManager(writeFile(t, dir, "trailing.json", `{}{}`)).Load()
	require.Error(t, err)

	_, err = NewManager(writeFile(t, dir, "unknown.yaml", "nope: 1\n")).Load()
	require.Error(t, err)

	_, err = NewManager(filepath.Join(dir, "missing.json")).Load()
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateRejectsBadFields(t *testing.T) {
	t.Parallel()

	zero := 0.0
	neg := -1.0
	cases := map[string]Config{
		"bad duration":      {Locks: LocksConfig{TTL: "soon"}},
		"negative delay":    {Send: SendConfig{RetryDelay: "-1s"}},
		"k zero":            {Pacing: PacingConfig{Invite: CurveConfig{K: &zero}}},
		"b negative":        {Pacing: PacingConfig{Message: CurveConfig{B: &neg}}},
		"level":             {Logging: LoggingConfig{Level: "loud"}},
		"file without path": {Logging: LoggingConfig{File: LoggingFile{Enabled: true}}},
		"storage driver":    {Storage: &StorageConfig{Driver: "mongo"}},
		"sqlite path":       {Storage: &StorageConfig{Driver: "sqlite"}},
		"postgres dsn":      {History: &HistoryConfig{Driver: "postgres"}},
		"watchdog":          {Systemd: SystemdConfig{Watchdog: true}},
		"rate":              {HTTP: HTTPConfig{ForwardRatePerSec: -1}},
	}
	for name, cfg := range cases {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			require.Error(t, cfg.Validate())
		})
	}
	require.NoError(t, (&Config{}).Validate())
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	require.Equal(t, time.Second, d)

	d, err = ParseDurationOrDefault("x", "0s", time.Second)
	require.NoError(t, err)
	require.Zero(t, d)

	_, err = ParseDurationOrDefault("x", "1 minute", time.Second)
	require.Error(t, err)
}

func TestWatchPublishesChangesOnly(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", `{"locks":{"ttl":"60s"}}`)
	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)

	rejectTTL := "13s"
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Locks.TTL == rejectTTL {
			return errors.New("unlucky ttl")
		}
		return nil
	})

	updates := m.Subscribe(4)
	defer m.Unsubscribe(updates)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	// Whitespace only: same decoded config, no publish.
	require.NoError(t, os.WriteFile(path, []byte(`{ "locks": { "ttl": "60s" } }`), 0o600))
	time.Sleep(150 * time.Millisecond)
	require.Empty(t, updates)

	require.NoError(t, os.WriteFile(path, []byte(`{"locks":{"ttl":"`+rejectTTL+`"}}`), 0o600))
	time.Sleep(150 * time.Millisecond)
	require.Empty(t, updates)
	require.Equal(t, "60s", m.Get().Locks.TTL)

	require.NoError(t, os.WriteFile(path, []byte(`{"locks":{"ttl":"30s"}}`), 0o600))
	select {
	case cfg := <-updates:
		require.Equal(t, "30s", cfg.Locks.TTL)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
	require.Equal(t, "30s", m.Get().Locks.TTL)

	cancel()
	<-done
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()

	k := 100.0
	oldCfg := &Config{Client: ClientConfig{Token: "a"}}
	newCfg := &Config{
		Client: ClientConfig{Token: "b"},
		Pacing: PacingConfig{Invite: CurveConfig{K: &k}},
		HTTP:   HTTPConfig{Enabled: true, Token: "secret"},
	}
	changed, fields := SummarizeChange(oldCfg, newCfg)
	require.Equal(t, []string{"client", "pacing.invite", "http"}, changed)
	require.NotEmpty(t, fields)
	var buf bytes.Buffer
	logx.NewWriter(&buf, "info").Info("config changed", fields...)
	require.Contains(t, buf.String(), `"http.token_set":true`)
	require.NotContains(t, buf.String(), "secret")
	require.Equal(t, []string{"client"}, RestartRequired(changed))
}
