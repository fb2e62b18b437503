// Package telegram adapts gopkg.in/telebot.v4 to the transport.Channel
// contract used by the background engines.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"orderbot/internal/transport"
	"orderbot/pkg/logx"
)

type Config struct {
	Token     string
	ParseMode string // default HTML
	Timeout   time.Duration
	// Offline skips the getMe handshake; used by tests.
	Offline bool
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" && !cfg.Offline {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = tele.ModeHTML
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Send delivers one payload to one chat. Photo payloads go out as
// photo+caption, plain payloads as a text message; link buttons become
// an inline URL keyboard either way.
//
// Telegram flood control (429 + retry_after) is surfaced as a
// transport.RateLimitedError so callers can honor the mandatory wait.
// Every other Telegram error (blocked, deactivated, chat not found) is
// permanent for that recipient.
func (a *Adapter) Send(ctx context.Context, to transport.RecipientID, p transport.Payload) error {
	// telebot calls are not context-aware; honor cancellation between
	// attempts at least.
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	opt := &tele.SendOptions{
		ParseMode:             a.cfg.ParseMode,
		DisableWebPagePreview: true,
	}
	if rm := linkMarkup(p.Buttons); rm != nil {
		opt.ReplyMarkup = rm
	}

	chat := tele.ChatID(int64(to))
	var err error
	if strings.TrimSpace(p.PhotoURL) != "" {
		photo := &tele.Photo{File: tele.FromURL(p.PhotoURL), Caption: p.Text}
		_, err = a.bot.Send(chat, photo, opt)
	} else {
		_, err = a.bot.Send(chat, p.Text, opt)
	}
	if err == nil {
		return nil
	}
	return a.classify(to, err)
}

func (a *Adapter) classify(to transport.RecipientID, err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		after := time.Duration(flood.RetryAfter) * time.Second
		a.log.Debug("flood control hit",
			logx.Int64("chat_id", int64(to)),
			logx.Duration("retry_after", after))
		return transport.RateLimited(err, after)
	}
	a.log.Debug("send failed",
		logx.Int64("chat_id", int64(to)),
		logx.Err(err))
	return err
}

func linkMarkup(buttons []transport.LinkButton) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, rm.Row(rm.URL(b.Label, b.URL)))
	}
	rm.Inline(rows...)
	return rm
}
