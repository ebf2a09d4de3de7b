package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

type fakeBot struct {
	sent []string
	opts []*tele.SendOptions
	err  error
}

func (f *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, what.(string))
	if len(opts) > 0 {
		f.opts = append(f.opts, opts[0].(*tele.SendOptions))
	}
	return &tele.Message{ID: len(f.sent)}, nil
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, splitText(long, 10))

	// No usable newline: hard cut.
	assert.Equal(t, []string{"aaaa", "aaaa", "aa"}, splitText(strings.Repeat("a", 10), 4))
}

func TestSendLog(t *testing.T) {
	t.Parallel()
	fb := &fakeBot{}
	s := &Sender{bot: fb}

	text := strings.Repeat("x", textLimit) + "\ntail"
	require.NoError(t, s.SendLog(context.Background(), 42, 7, text))
	require.Len(t, fb.sent, 2)
	assert.Equal(t, "tail", fb.sent[1])
	assert.Equal(t, 7, fb.opts[0].ThreadID)

	assert.Error(t, s.SendLog(context.Background(), 0, 0, "x"))

	fb.err = errors.New("boom")
	assert.EqualError(t, s.SendLog(context.Background(), 42, 0, "x"), "boom")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, (&Sender{bot: &fakeBot{}}).SendLog(ctx, 42, 0, "x"), context.Canceled)
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Token: "  "})
	assert.Error(t, err)
}
