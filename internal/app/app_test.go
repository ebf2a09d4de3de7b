package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pushbridge/internal/transport/httpapi"
	logx "pushbridge/pkg/logx"
)

const testConfig = `
namespace: test.0
server:
  addr: 127.0.0.1:0
auth:
  username: hub
  password: secret
logging:
  level: error
  console: false
queue:
  max_per_client: 10
  max_age: 1h
metrics:
  enabled: true
`

func startApp(t *testing.T) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o600))

	a, err := NewApp(path)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func read(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, b, err := c.ReadMessage()
	require.NoError(t, err)
	return string(b)
}

func TestEndToEndSendFlag(t *testing.T) {
	a := startApp(t)
	ctx := context.Background()

	c, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage,
		[]byte(`{"action":"setDeviceToken","username":"hub","password":"secret","clientId":"c1","person":"alice","device":"phone"}`)))
	assert.Equal(t, `{"action":"setDeviceToken","success":true}`, read(t, c))

	base := "test.0.person.alice.phone.messages"
	require.NoError(t, a.store.Set(ctx, base+".title", "Door", false))
	require.NoError(t, a.store.Set(ctx, base+".body", "Front door opened", false))
	require.NoError(t, a.store.Set(ctx, base+".send", true, false))

	assert.Equal(t, `{"action":"notification","payload":{"aps":{"alert":{"title":"Door","body":"Front door opened"}}}}`, read(t, c))

	require.Eventually(t, func() bool {
		v, _, err := a.store.Get(ctx, base+".send")
		return err == nil && v == false
	}, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + a.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var snap httpapi.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "ok", snap.Status)
	assert.Equal(t, "test.0", snap.Namespace)
	assert.Equal(t, 1, snap.Connections)
	assert.Equal(t, 1, snap.Sessions)
}

func TestStopClosesSessions(t *testing.T) {
	a := startApp(t)
	c, _, err := websocket.DefaultDialer.Dial("ws://"+a.Addr()+"/ws", nil)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))

	select {
	case <-a.Done():
	default:
		t.Fatal("app context not canceled")
	}
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = c.ReadMessage()
	assert.Error(t, err)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: 127.0.0.1:0\n"), 0o600))
	_, err := NewApp(path)
	assert.ErrorContains(t, err, "auth.username")
}

type countingCloser struct{ n int }

func (c *countingCloser) Close() error {
	c.n++
	return errors.New("already closed")
}

func TestCloseOnErrorOnlyOnFailure(t *testing.T) {
	startup := func(fail bool, c *countingCloser) (err error) {
		defer closeOnError(&err, c, logx.Nop(), "store")
		if fail {
			return errors.New("schedule rejected")
		}
		return nil
	}

	var c countingCloser
	require.NoError(t, startup(false, &c))
	assert.Zero(t, c.n)

	require.Error(t, startup(true, &c))
	assert.Equal(t, 1, c.n)
}
