// Package telegram sends operator alerts to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"remindbot/internal/retry"
)

const textLimit = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// Alerter implements logx.Sender on top of a telebot client.
type Alerter struct {
	bot  *tele.Bot
	chat *tele.Chat
	opts *tele.SendOptions
}

// New builds an offline bot client; no request is made until the first send.
func New(cfg Config) (*Alerter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Alerter{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opts: &tele.SendOptions{ThreadID: cfg.ThreadID, DisableWebPagePreview: true},
	}, nil
}

// SendText delivers text, cut to Telegram's message limit. telebot has no
// context support, so the call is abandoned when ctx ends.
func (a *Alerter) SendText(ctx context.Context, text string) error {
	text = clip(text, textLimit)
	return retry.Bounded(ctx, func(context.Context) error {
		_, err := a.bot.Send(a.chat, text, a.opts)
		return err
	})
}

func clip(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-1]) + "…"
}
