package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultTagReset     = time.Second
)

// durationField describes one duration setting. An empty or zero value
// yields def. Non-zero values must fall within [min, max]; a zero max is
// unbounded.
type durationField struct {
	path string
	def  time.Duration
	min  time.Duration
	max  time.Duration
}

var (
	writeTimeoutField = durationField{path: "server.write_timeout", def: DefaultWriteTimeout, min: 100 * time.Millisecond, max: time.Minute}
	pingIntervalField = durationField{path: "server.ping_interval", def: DefaultPingInterval, min: time.Second, max: 10 * time.Minute}
	tagResetField     = durationField{path: "tags.reset_after", def: DefaultTagReset, min: 10 * time.Millisecond, max: 24 * time.Hour}
	// Zero keeps queued messages forever.
	queueMaxAgeField = durationField{path: "queue.max_age", min: time.Second}
	busyTimeoutField = durationField{path: "store.busy_timeout", max: 5 * time.Minute}
)

func (f durationField) parse(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return f.def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", f.path, raw, err)
	}
	switch {
	case d < 0:
		return 0, fmt.Errorf("%s: duration must be >= 0", f.path)
	case d == 0:
		return f.def, nil
	case d < f.min:
		return 0, fmt.Errorf("%s: %s is below the minimum %s", f.path, d, f.min)
	case f.max > 0 && d > f.max:
		return 0, fmt.Errorf("%s: %s exceeds the maximum %s", f.path, d, f.max)
	}
	return d, nil
}
