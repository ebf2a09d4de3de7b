package logx

import "fmt"

// CronLogger adapts a Logger to robfig/cron's Logger interface.
type CronLogger struct{ L Logger }

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.L.Debug(msg, kvFields(keysAndValues)...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.L.Error(msg, append(kvFields(keysAndValues), Err(err))...)
}

func kvFields(kv []interface{}) []Field {
	out := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
