// Package notify delivers best-effort operator notifications. Failures are
// logged and swallowed; callers never wait on delivery.
package notify

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// sendTimeout bounds one Telegram API call.
const sendTimeout = 10 * time.Second

// Telegram sends messages to one configured operator chat.
type Telegram struct {
	bot    *telego.Bot
	chatID int64
}

// NewTelegram creates the notifier. An empty token or user id yields a nil
// notifier; callers should fall back to a nop.
func NewTelegram(token, userID string) (*Telegram, error) {
	if token == "" || userID == "" {
		return nil, nil
	}
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return nil, err
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Notify sends the text without blocking the caller. Errors are logged only.
func (t *Telegram) Notify(ctx context.Context, text string) {
	if t == nil || text == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if _, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), text)); err != nil {
			slog.Warn("notify.telegram_failed", "error", err)
		}
	}()
}
