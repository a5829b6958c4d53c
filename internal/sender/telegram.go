package sender

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"notifbot/internal/dispatch"
	"notifbot/pkg/logx"
)

const (
	telegramChannel   = "telegram"
	telegramTextLimit = 4000
)

// TelegramConfig configures the Telegram channel sender.
type TelegramConfig struct {
	Token      string
	ChatID     int64
	RatePerSec int // outbound message budget; 0 means Telegram's safe default
}

// Telegram delivers notifications as text messages to a fixed chat. Long
// payloads are split on newline boundaries to stay under the message size
// limit; all chunks must land for the attempt to count as delivered.
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
	lim  *rate.Limiter
	log  logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &Telegram{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		lim:  rate.NewLimiter(rate.Limit(rps), rps),
		log:  log,
	}, nil
}

func (t *Telegram) Name() string { return telegramChannel }

func (t *Telegram) Send(ctx context.Context, n *dispatch.Notification) error {
	text := n.Payload
	if n.Kind != "" {
		text = "[" + n.Kind + "] " + text
	}
	for _, chunk := range splitText(text, telegramTextLimit) {
		if err := t.lim.Wait(ctx); err != nil {
			return Transient(telegramChannel, err)
		}
		if _, err := t.bot.Send(t.chat, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return t.classify(err)
		}
	}
	t.log.Debug("telegram message sent", logx.String("notification_id", n.ID))
	return nil
}

func (t *Telegram) classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &SendError{
			Channel:    telegramChannel,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 400, 401, 403, 404:
			// Bad request, revoked token, blocked bot: retrying cannot help.
			return Permanent(telegramChannel, err)
		}
	}
	return Transient(telegramChannel, err)
}

// splitText splits long text into chunks, preferring newline boundaries so
// multi-line payloads stay readable.
func splitText(s string, limit int) []string {
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
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
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
