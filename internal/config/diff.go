package config

import (
	"reflect"
	"strings"

	logx "pushbridge/pkg/logx"
)

// SummarizeConfigChange returns the changed section names plus safe
// structured attrs for logging. Secrets are reported only as "_set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if Namespace(oldCfg) != Namespace(newCfg) {
		changed = append(changed, "namespace")
		attrs = append(attrs, logx.String("namespace", Namespace(newCfg)))
	}

	if !reflect.DeepEqual(oldCfg.Server, newCfg.Server) {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", strings.TrimSpace(newCfg.Server.Addr)),
			logx.Any("server.rate_per_sec", newCfg.Server.RatePerSec),
			logx.Int("server.origins", len(newCfg.Server.AllowedOrigins)),
		)
	}

	if oldCfg.Auth != newCfg.Auth {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.Bool("auth.user_changed", oldCfg.Auth.Username != newCfg.Auth.Username),
			logx.Bool("auth.password_changed", oldCfg.Auth.Password != newCfg.Auth.Password),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs, logx.String("store.driver", newCfg.Store.Driver))
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_per_client", newCfg.Queue.MaxPerClient),
			logx.String("queue.max_age", newCfg.Queue.MaxAge),
		)
	}

	if oldCfg.Tags != newCfg.Tags {
		changed = append(changed, "tags")
		attrs = append(attrs, logx.String("tags.reset_after", newCfg.Tags.ResetAfter))
	}

	if oldCfg.NATS != newCfg.NATS {
		changed = append(changed, "nats")
		attrs = append(attrs, logx.Bool("nats.enabled", newCfg.NATS.Enabled), logx.String("nats.subject", newCfg.NATS.Subject))
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}

	return changed, attrs
}

// RestartRequired lists changed sections that are only read at startup.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "namespace", "store", "nats", "metrics", "telegram":
			out = append(out, s)
		}
	}
	return out
}
