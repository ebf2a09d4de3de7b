// Package telegram delivers operator log alerts to a Telegram chat. It is the
// logx.Sender used when logging.telegram is enabled.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4000

type Config struct {
	Token   string
	Timeout time.Duration
}

// poster is the part of *tele.Bot the sender needs.
type poster interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Sender struct {
	bot poster
}

// New builds a send-only bot (no poller). The token is checked against the
// Bot API once at construction.
func New(cfg Config) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Sender{bot: b}, nil
}

// SendLog posts text to chatID (and forum thread, if non-zero), split into
// chunks under the Bot API message limit.
func (s *Sender) SendLog(ctx context.Context, chatID int64, threadID int, text string) error {
	if chatID == 0 {
		return errors.New("telegram chat id is zero")
	}
	chat := &tele.Chat{ID: chatID}
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opt := &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              threadID,
		}
		if _, err := s.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into pieces of at most limit runes, preferring newline
// boundaries that leave chunks at least a third full.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
