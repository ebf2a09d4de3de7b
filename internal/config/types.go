package config

// Config is the on-disk configuration. Durations are Go duration strings
// (e.g. "500ms", "10s", "1m") and are parsed by the Map* helpers.
type Config struct {
	// Namespace prefixes every state path, e.g. "pushbridge.0".
	Namespace string `json:"namespace"`

	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram,omitempty"`
	Store    StoreConfig    `json:"store"`
	Queue    QueueConfig    `json:"queue,omitempty"`
	Tags     TagsConfig     `json:"tags,omitempty"`
	NATS     NATSConfig     `json:"nats,omitempty"`
	Metrics  MetricsConfig  `json:"metrics,omitempty"`
}

// ServerConfig controls the HTTP listener that carries the WebSocket endpoint.
//
// Defaults (when fields are omitted/zero):
//   - addr: ":8090"
//   - ws_path: "/ws"
//   - write_timeout: "5s"
//   - ping_interval: "30s"
//   - read_limit: 65536
//   - rate_per_sec: 20, burst: 40
type ServerConfig struct {
	Addr           string   `json:"addr"`
	WSPath         string   `json:"ws_path,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	ReadLimit    int64  `json:"read_limit,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	PingInterval string `json:"ping_interval,omitempty"`

	// Inbound message rate per connection.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	// Pprof mounts net/http/pprof under /debug. Startup only.
	Pprof bool `json:"pprof,omitempty"`
}

// AuthConfig holds the shared client credentials. Password may be a bcrypt
// hash ("$2a$..."); plain values are compared in constant time.
type AuthConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// TelegramConfig is the bot used by the operator log sink.
type TelegramConfig struct {
	Token string `json:"token"`
	// GroupLog is the numeric chat id receiving warn+ log lines.
	GroupLog string `json:"group_log"`
}

// StoreConfig selects the state-store backend.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./pushbridge.db" }
type StoreConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path,omitempty"`
	BusyTimeout string      `json:"busy_timeout,omitempty"` // sqlite
	Redis       RedisConfig `json:"redis,omitempty"`

	// CompactSchedule is a cron spec for file-store compaction. Empty disables it.
	CompactSchedule string `json:"compact_schedule,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	DB       int    `json:"db,omitempty"`
	Password string `json:"password,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// QueueConfig bounds the offline message queue.
type QueueConfig struct {
	MaxPerClient int `json:"max_per_client,omitempty"`
	// MaxAge drops queued messages older than this. "0s" keeps them forever.
	MaxAge string `json:"max_age,omitempty"`
	// PruneSchedule is the cron spec of the prune job (default "@every 1m").
	PruneSchedule string `json:"prune_schedule,omitempty"`
}

type TagsConfig struct {
	// ResetAfter is how long a triggered tag stays true (default "1s").
	ResetAfter string `json:"reset_after,omitempty"`
}

// NATSConfig enables the optional state-write ingress.
type NATSConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
	Subject string `json:"subject,omitempty"`
	Name    string `json:"name,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}
