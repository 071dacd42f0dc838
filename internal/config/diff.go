package config

import (
	"reflect"
	"strings"

	logx "pacebot/pkg/logx"
)

// SummarizeChange lists the sections that differ and safe fields describing
// the new values. Secrets (client token, http token, history dsn) are only
// reported as set/unset.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)
	section := func(name string, differs bool, fs ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		fields = append(fields, fs...)
	}

	section("client",
		oldCfg.Client.Token != newCfg.Client.Token ||
			strings.TrimSpace(oldCfg.Client.PollTimeout) != strings.TrimSpace(newCfg.Client.PollTimeout),
		logx.Bool("client.token_set", newCfg.Client.Token != ""),
		logx.String("client.poll_timeout", newCfg.Client.PollTimeout))

	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file", newCfg.Logging.File.Enabled),
		logx.Bool("logging.events", newCfg.Logging.Events.Enabled))

	section("pacing.invite", !reflect.DeepEqual(oldCfg.Pacing.Invite, newCfg.Pacing.Invite),
		curveFields("pacing.invite", newCfg.Pacing.Invite)...)
	section("pacing.message", !reflect.DeepEqual(oldCfg.Pacing.Message, newCfg.Pacing.Message),
		curveFields("pacing.message", newCfg.Pacing.Message)...)

	section("locks", oldCfg.Locks != newCfg.Locks, logx.String("locks.ttl", newCfg.Locks.TTL))
	section("send", oldCfg.Send != newCfg.Send,
		logx.Int("send.retry_max", newCfg.Send.RetryMax),
		logx.String("send.retry_delay", newCfg.Send.RetryDelay),
		logx.String("send.action_timeout", newCfg.Send.ActionTimeout))

	section("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage))
	section("history", !reflect.DeepEqual(oldCfg.History, newCfg.History))
	section("cache", !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache))

	section("http", oldCfg.HTTP != newCfg.HTTP,
		logx.Bool("http.enabled", newCfg.HTTP.Enabled),
		logx.String("http.addr", newCfg.HTTP.Addr),
		logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
		logx.Float64("http.forward_rate_per_sec", newCfg.HTTP.ForwardRatePerSec))

	section("maintenance", oldCfg.Maintenance != newCfg.Maintenance,
		logx.String("maintenance.refresh_rooms", newCfg.Maintenance.RefreshRooms),
		logx.String("maintenance.prune_history", newCfg.Maintenance.PruneHistory))

	section("systemd", oldCfg.Systemd != newCfg.Systemd,
		logx.Bool("systemd.notify", newCfg.Systemd.Notify),
		logx.Bool("systemd.watchdog", newCfg.Systemd.Watchdog))

	return changed, fields
}

// RestartRequired reports sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "client", "storage", "history", "cache", "systemd":
			out = append(out, s)
		}
	}
	return out
}

func curveFields(prefix string, c CurveConfig) []logx.Field {
	fs := []logx.Field{
		logx.String(prefix+".offset", c.Offset),
		logx.String(prefix+".floor", c.Floor),
		logx.String(prefix+".min_gap", c.MinGap),
		logx.Bool(prefix+".count_failures", c.CountFailures),
	}
	for name, v := range map[string]*float64{"k": c.K, "a": c.A, "b": c.B} {
		if v != nil {
			fs = append(fs, logx.Float64(prefix+"."+name, *v))
		}
	}
	return fs
}
