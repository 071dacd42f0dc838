package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted fields fall back to the defaults noted on each section.
type Config struct {
	Client      ClientConfig      `json:"client"`
	Logging     LoggingConfig     `json:"logging"`
	Pacing      PacingConfig      `json:"pacing"`
	Locks       LocksConfig       `json:"locks"`
	Send        SendConfig        `json:"send"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	History     *HistoryConfig    `json:"history,omitempty"`
	Cache       *CacheConfig      `json:"cache,omitempty"`
	HTTP        HTTPConfig        `json:"http"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Systemd     SystemdConfig     `json:"systemd"`
}

// ClientConfig selects the chat client.
type ClientConfig struct {
	// Token is the telegram bot token (do not log).
	Token string `json:"token"`
	// PollTimeout defaults to "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Events  LoggingEvents `json:"events"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingEvents republishes log lines on the event bus.
type LoggingEvents struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// PacingConfig holds one curve per queue.
type PacingConfig struct {
	Invite  CurveConfig `json:"invite"`
	Message CurveConfig `json:"message"`
}

// CurveConfig parameterizes a logistic pacing curve.
//
// K, A and B are pointers so an explicit 0 is distinguishable from "omitted".
// Defaults:
//   - invite:  k=170 a=2 b=0.8 offset="40s" floor="5s"
//   - message: k=71  a=2 b=0.5 offset="10s" floor="5s"
//   - min_gap: "500ms"
type CurveConfig struct {
	K             *float64 `json:"k,omitempty"`
	A             *float64 `json:"a,omitempty"`
	B             *float64 `json:"b,omitempty"`
	Offset        string   `json:"offset,omitempty"`
	Floor         string   `json:"floor,omitempty"`
	MinGap        string   `json:"min_gap,omitempty"`
	CountFailures bool     `json:"count_failures,omitempty"`
}

type LocksConfig struct {
	// TTL defaults to "60s".
	TTL string `json:"ttl,omitempty"`
}

// SendConfig bounds the retry around each outbound call.
//
// Defaults: retry_max=3, retry_delay="1s", action_timeout="60s".
type SendConfig struct {
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryDelay    string `json:"retry_delay,omitempty"`
	ActionTimeout string `json:"action_timeout,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pacebot.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// HistoryConfig controls where dispatch outcomes are recorded.
//
// Driver values: "none", "memory", "postgres".
type HistoryConfig struct {
	Driver     string `json:"driver"`
	DSN        string `json:"dsn,omitempty"` // do not log
	MaxRecords int    `json:"max_records,omitempty"`
	// Retention is used by the prune job; "0s" keeps everything.
	Retention string `json:"retention,omitempty"`
}

// CacheConfig puts redis in front of room lookups. Without redis_addr an
// in-process cache is used.
type CacheConfig struct {
	RedisAddr string `json:"redis_addr,omitempty"`
	TTL       string `json:"ttl,omitempty"`
}

// HTTPConfig controls the JSON API listener.
//
// Prefer binding to localhost. If you bind to a non-loopback address, set a token.
type HTTPConfig struct {
	Enabled           bool    `json:"enabled"`
	Addr              string  `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token             string  `json:"token,omitempty"` // optional bearer token (do not log)
	ForwardRatePerSec float64 `json:"forward_rate_per_sec,omitempty"`
	ForwardBurst      int     `json:"forward_burst,omitempty"`
}

// MaintenanceConfig holds cron specs for housekeeping jobs. Empty disables a job.
type MaintenanceConfig struct {
	RefreshRooms string `json:"refresh_rooms,omitempty"`
	PruneHistory string `json:"prune_history,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	JobTimeout   string `json:"job_timeout,omitempty"`
}

// SystemdConfig enables sd_notify readiness and watchdog pings.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
