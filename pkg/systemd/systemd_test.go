package systemd

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	sent, err := Ready()
	require.NoError(t, err)
	assert.False(t, sent)
	assert.NoError(t, Watchdog(context.Background(), nil))
}

func TestPingLoopSkipsWhenUnhealthy(t *testing.T) {
	var healthy atomic.Bool
	var pings atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- pingLoop(ctx, time.Millisecond, healthy.Load, func() error {
			pings.Add(1)
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, pings.Load())
	healthy.Store(true)
	require.Eventually(t, func() bool { return pings.Load() > 0 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPingLoopStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	err := pingLoop(context.Background(), time.Millisecond, nil, func() error { return boom })
	assert.ErrorIs(t, err, boom)
}
