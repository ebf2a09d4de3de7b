package app

import (
	"strings"
	"time"

	"pushbridge/internal/config"
	"pushbridge/internal/transport/ws"
)

func wsSettings(s config.Server, tagReset time.Duration) ws.Settings {
	return ws.Settings{
		AllowedOrigins: s.AllowedOrigins,
		ReadLimit:      s.ReadLimit,
		WriteTimeout:   s.WriteTimeout,
		PingInterval:   s.PingInterval,
		RatePerSec:     s.RatePerSec,
		Burst:          s.Burst,
		TagResetAfter:  tagReset,
	}
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}
