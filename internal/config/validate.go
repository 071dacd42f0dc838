package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Validate checks field-level constraints. Cross-component checks (cron
// specs, curve shapes) happen when the sections are mapped onto their
// components.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("client.poll_timeout", c.Client.PollTimeout)

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(fmt.Errorf("logging.file.path is required when logging.file.enabled=true"))
	}
	if c.Logging.Events.RatePerSec < 0 {
		add(fmt.Errorf("logging.events.rate_per_sec must be >= 0"))
	}

	for name, cc := range map[string]CurveConfig{"invite": c.Pacing.Invite, "message": c.Pacing.Message} {
		p := "pacing." + name
		if cc.K != nil && !(*cc.K > 0) {
			add(fmt.Errorf("%s.k must be > 0", p))
		}
		if cc.A != nil && (math.IsNaN(*cc.A) || math.IsInf(*cc.A, 0)) {
			add(fmt.Errorf("%s.a must be finite", p))
		}
		if cc.B != nil && !(*cc.B >= 0) {
			add(fmt.Errorf("%s.b must be >= 0", p))
		}
		dur(p+".offset", cc.Offset)
		dur(p+".floor", cc.Floor)
		dur(p+".min_gap", cc.MinGap)
	}

	dur("locks.ttl", c.Locks.TTL)
	if c.Send.RetryMax < 0 {
		add(fmt.Errorf("send.retry_max must be >= 0"))
	}
	dur("send.retry_delay", c.Send.RetryDelay)
	dur("send.action_timeout", c.Send.ActionTimeout)

	if s := c.Storage; s != nil {
		dur("storage.busy_timeout", s.BusyTimeout)
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "memory", "file":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(fmt.Errorf("storage.path is required when storage.driver=sqlite"))
			}
		default:
			add(fmt.Errorf("unknown storage.driver: %s", s.Driver))
		}
	}

	if h := c.History; h != nil {
		dur("history.retention", h.Retention)
		switch strings.ToLower(strings.TrimSpace(h.Driver)) {
		case "", "none", "memory":
		case "postgres":
			if strings.TrimSpace(h.DSN) == "" {
				add(fmt.Errorf("history.dsn is required when history.driver=postgres"))
			}
		default:
			add(fmt.Errorf("unknown history.driver: %s", h.Driver))
		}
		if h.MaxRecords < 0 {
			add(fmt.Errorf("history.max_records must be >= 0"))
		}
	}

	if c.Cache != nil {
		dur("cache.ttl", c.Cache.TTL)
	}

	if c.HTTP.ForwardRatePerSec < 0 {
		add(fmt.Errorf("http.forward_rate_per_sec must be >= 0"))
	}
	if c.HTTP.ForwardBurst < 0 {
		add(fmt.Errorf("http.forward_burst must be >= 0"))
	}

	dur("maintenance.job_timeout", c.Maintenance.JobTimeout)
	if c.Systemd.Watchdog && !c.Systemd.Notify {
		add(fmt.Errorf("systemd.watchdog requires systemd.notify=true"))
	}

	return errors.Join(errs...)
}
