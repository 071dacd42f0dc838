package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pacebot/internal/config"
	"pacebot/internal/dispatch"
	"pacebot/internal/engine"
	"pacebot/internal/httpapi"
	"pacebot/internal/keylock"
	"pacebot/internal/maintenance"
	"pacebot/internal/pacing"
	"pacebot/internal/roomcache"
	"pacebot/internal/storage"
	"pacebot/internal/transport/telegram"
	logx "pacebot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Events: logx.EventsConfig{
			Enabled:    cfg.Logging.Events.Enabled,
			MinLevel:   cfg.Logging.Events.MinLevel,
			RatePerSec: cfg.Logging.Events.RatePerSec,
		},
	}
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("client.poll_timeout", cfg.Client.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Client.Token), PollTimeout: poll}, nil
}

func mapCurve(path string, cc config.CurveConfig, def pacing.Curve) (engine.Pacing, error) {
	c := def
	if cc.K != nil {
		c.K = *cc.K
	}
	if cc.A != nil {
		c.A = *cc.A
	}
	if cc.B != nil {
		c.B = *cc.B
	}
	var err error
	if c.Offset, err = config.ParseDurationOrDefault(path+".offset", cc.Offset, def.Offset); err != nil {
		return engine.Pacing{}, err
	}
	if c.Floor, err = config.ParseDurationOrDefault(path+".floor", cc.Floor, def.Floor); err != nil {
		return engine.Pacing{}, err
	}
	if err := c.Validate(); err != nil {
		return engine.Pacing{}, fmt.Errorf("%s: %w", path, err)
	}
	gap, err := config.ParseDurationOrDefault(path+".min_gap", cc.MinGap, dispatch.DefaultMinGap)
	if err != nil {
		return engine.Pacing{}, err
	}
	return engine.Pacing{Curve: c, MinGap: gap, CountFailures: cc.CountFailures}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.DefaultConfig()
	var err error
	if out.Invite, err = mapCurve("pacing.invite", cfg.Pacing.Invite, pacing.InviteCurve()); err != nil {
		return engine.Config{}, err
	}
	if out.Message, err = mapCurve("pacing.message", cfg.Pacing.Message, pacing.MessageCurve()); err != nil {
		return engine.Config{}, err
	}
	if out.LockTTL, err = config.ParseDurationOrDefault("locks.ttl", cfg.Locks.TTL, keylock.DefaultTTL); err != nil {
		return engine.Config{}, err
	}
	if out.LockTTL <= 0 {
		return engine.Config{}, errors.New("locks.ttl must be > 0")
	}
	if cfg.Send.RetryMax > 0 {
		out.RetryMax = cfg.Send.RetryMax
	}
	if out.RetryDelay, err = config.ParseDurationOrDefault("send.retry_delay", cfg.Send.RetryDelay, engine.DefaultRetryDelay); err != nil {
		return engine.Config{}, err
	}
	if out.ActionTimeout, err = config.ParseDurationOrDefault("send.action_timeout", cfg.Send.ActionTimeout, dispatch.DefaultActionTimeout); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// mapStorageConfig returns enabled=false when no persistent store is configured.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "memory":
		return storage.Config{Driver: driver}, true, nil
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

type historySettings struct {
	Driver     string
	DSN        string
	MaxRecords int
	Retention  time.Duration
}

const defaultHistoryRecords = 10000

func mapHistory(cfg *config.Config) (historySettings, error) {
	if cfg.History == nil {
		return historySettings{Driver: "memory", MaxRecords: defaultHistoryRecords}, nil
	}
	h := cfg.History
	out := historySettings{
		Driver:     strings.ToLower(strings.TrimSpace(h.Driver)),
		DSN:        strings.TrimSpace(h.DSN),
		MaxRecords: h.MaxRecords,
	}
	if out.Driver == "" {
		out.Driver = "memory"
	}
	if out.MaxRecords == 0 {
		out.MaxRecords = defaultHistoryRecords
	}
	var err error
	if out.Retention, err = config.ParseDurationField("history.retention", h.Retention); err != nil {
		return historySettings{}, err
	}
	switch out.Driver {
	case "none", "memory":
	case "postgres":
		if out.DSN == "" {
			return historySettings{}, errors.New("history.dsn is required when history.driver=postgres")
		}
	default:
		return historySettings{}, fmt.Errorf("unknown history.driver: %s", h.Driver)
	}
	return out, nil
}

type cacheSettings struct {
	RedisAddr string
	TTL       time.Duration
}

func mapCache(cfg *config.Config) (cacheSettings, error) {
	if cfg.Cache == nil {
		return cacheSettings{TTL: roomcache.DefaultTTL}, nil
	}
	ttl, err := config.ParseDurationOrDefault("cache.ttl", cfg.Cache.TTL, roomcache.DefaultTTL)
	if err != nil {
		return cacheSettings{}, err
	}
	return cacheSettings{RedisAddr: strings.TrimSpace(cfg.Cache.RedisAddr), TTL: ttl}, nil
}

func mapHTTP(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Enabled:           cfg.HTTP.Enabled,
		Addr:              strings.TrimSpace(cfg.HTTP.Addr),
		Token:             cfg.HTTP.Token,
		ForwardRatePerSec: cfg.HTTP.ForwardRatePerSec,
		ForwardBurst:      cfg.HTTP.ForwardBurst,
	}
}

func mapMaintenance(cfg *config.Config) (maintenance.Config, error) {
	h, err := mapHistory(cfg)
	if err != nil {
		return maintenance.Config{}, err
	}
	timeout, err := config.ParseDurationField("maintenance.job_timeout", cfg.Maintenance.JobTimeout)
	if err != nil {
		return maintenance.Config{}, err
	}
	out := maintenance.Config{
		RefreshRooms:     cfg.Maintenance.RefreshRooms,
		PruneHistory:     cfg.Maintenance.PruneHistory,
		HistoryRetention: h.Retention,
		Timezone:         cfg.Maintenance.Timezone,
		JobTimeout:       timeout,
	}
	if err := out.Validate(); err != nil {
		return maintenance.Config{}, err
	}
	return out, nil
}

// validateConfig runs every mapping so a reload is rejected before any
// component sees it.
func validateConfig(cfg *config.Config) error {
	if _, err := mapTelegram(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapCache(cfg); err != nil {
		return err
	}
	if _, err := mapMaintenance(cfg); err != nil {
		return err
	}
	return nil
}
