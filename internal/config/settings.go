package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pushbridge/internal/statestore"
	logx "pushbridge/pkg/logx"
)

const (
	DefaultNamespace     = "pushbridge.0"
	DefaultAddr          = ":8090"
	DefaultWSPath        = "/ws"
	DefaultMetricsPath   = "/metrics"
	DefaultPruneSchedule = "@every 1m"
	DefaultNATSSubject   = "pushbridge.state"
)

// Server is the parsed form of ServerConfig.
type Server struct {
	Addr           string
	WSPath         string
	AllowedOrigins []string
	ReadLimit      int64
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	RatePerSec     float64
	Burst          int
}

func MapServer(cfg *Config) (Server, error) {
	sc := cfg.Server
	s := Server{
		Addr:           strings.TrimSpace(sc.Addr),
		WSPath:         strings.TrimSpace(sc.WSPath),
		AllowedOrigins: sc.AllowedOrigins,
		ReadLimit:      sc.ReadLimit,
		RatePerSec:     sc.RatePerSec,
		Burst:          sc.Burst,
	}
	if s.Addr == "" {
		s.Addr = DefaultAddr
	}
	if s.WSPath == "" {
		s.WSPath = DefaultWSPath
	}
	if !strings.HasPrefix(s.WSPath, "/") {
		return Server{}, fmt.Errorf("server.ws_path must start with /")
	}
	if s.ReadLimit < 0 {
		return Server{}, fmt.Errorf("server.read_limit must be >= 0")
	}
	if s.ReadLimit == 0 {
		s.ReadLimit = 64 << 10
	}
	if s.RatePerSec < 0 || s.Burst < 0 {
		return Server{}, fmt.Errorf("server.rate_per_sec and server.burst must be >= 0")
	}
	if s.RatePerSec == 0 {
		s.RatePerSec = 20
	}
	if s.Burst == 0 {
		s.Burst = int(2 * s.RatePerSec)
		if s.Burst < 1 {
			s.Burst = 1
		}
	}
	var err error
	if s.WriteTimeout, err = writeTimeoutField.parse(sc.WriteTimeout); err != nil {
		return Server{}, err
	}
	if s.PingInterval, err = pingIntervalField.parse(sc.PingInterval); err != nil {
		return Server{}, err
	}
	return s, nil
}

// Queue is the parsed form of QueueConfig.
type Queue struct {
	MaxPerClient  int
	MaxAge        time.Duration
	PruneSchedule string
}

func MapQueue(cfg *Config) (Queue, error) {
	qc := cfg.Queue
	if qc.MaxPerClient < 0 {
		return Queue{}, fmt.Errorf("queue.max_per_client must be >= 0")
	}
	age, err := queueMaxAgeField.parse(qc.MaxAge)
	if err != nil {
		return Queue{}, err
	}
	sched := strings.TrimSpace(qc.PruneSchedule)
	if sched == "" {
		sched = DefaultPruneSchedule
	}
	if err := checkCron("queue.prune_schedule", sched); err != nil {
		return Queue{}, err
	}
	return Queue{MaxPerClient: qc.MaxPerClient, MaxAge: age, PruneSchedule: sched}, nil
}

func MapTagReset(cfg *Config) (time.Duration, error) {
	return tagResetField.parse(cfg.Tags.ResetAfter)
}

func MapStore(cfg *Config) (statestore.Config, error) {
	sc := cfg.Store
	bt, err := busyTimeoutField.parse(sc.BusyTimeout)
	if err != nil {
		return statestore.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return statestore.Config{}, fmt.Errorf("store.path is required for driver %q", driver)
		}
	case "redis":
		if strings.TrimSpace(sc.Redis.Addr) == "" {
			return statestore.Config{}, fmt.Errorf("store.redis.addr is required for driver redis")
		}
	default:
		return statestore.Config{}, fmt.Errorf("store.driver: unknown %q", sc.Driver)
	}
	if s := strings.TrimSpace(sc.CompactSchedule); s != "" {
		if err := checkCron("store.compact_schedule", s); err != nil {
			return statestore.Config{}, err
		}
	}
	return statestore.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: bt,
		RedisAddr:   strings.TrimSpace(sc.Redis.Addr),
		RedisDB:     sc.Redis.DB,
		RedisPrefix: sc.Redis.Prefix,
		Password:    sc.Redis.Password,
	}, nil
}

// MapLogging converts the logging section for logx.Service.Apply.
func MapLogging(cfg *Config) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
	if id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64); err == nil {
		lc.Telegram.ChatID = id
	}
	return lc
}

// Namespace returns the configured namespace or the default.
func Namespace(cfg *Config) string {
	if ns := strings.Trim(strings.TrimSpace(cfg.Namespace), "."); ns != "" {
		return ns
	}
	return DefaultNamespace
}

// Validate rejects configs that would fail at startup or on hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.ContainsAny(Namespace(cfg), " *?[]") {
		return fmt.Errorf("namespace: invalid %q", cfg.Namespace)
	}
	if strings.TrimSpace(cfg.Auth.Username) == "" || cfg.Auth.Password == "" {
		return fmt.Errorf("auth.username and auth.password are required")
	}
	if _, err := MapServer(cfg); err != nil {
		return err
	}
	if _, err := MapQueue(cfg); err != nil {
		return err
	}
	if _, err := MapTagReset(cfg); err != nil {
		return err
	}
	if _, err := MapStore(cfg); err != nil {
		return err
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			return fmt.Errorf("telegram.group_log: invalid chat id %q", g)
		}
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("logging.telegram.enabled requires telegram.token")
	}
	if cfg.NATS.Enabled && strings.TrimSpace(cfg.NATS.URL) == "" {
		return fmt.Errorf("nats.url is required when nats.enabled")
	}
	return nil
}

func checkCron(field, spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%s: invalid schedule %q: %w", field, spec, err)
	}
	return nil
}
