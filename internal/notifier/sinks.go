package notifier

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "postpilot/pkg/logx"
)

// LogSink writes alerts to the structured log. It never fails.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, n Notification) error {
	fields := []logx.Field{
		logx.String("kind", string(n.Kind)),
		logx.Int("priority", n.Priority),
		logx.String("text", n.Text),
	}
	for _, k := range sortedKeys(n.Fields) {
		fields = append(fields, logx.String(k, n.Fields[k]))
	}
	if n.Priority >= 7 {
		s.Log.Error(n.Title, fields...)
	} else {
		s.Log.Warn(n.Title, fields...)
	}
	return nil
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint; empty uses the public one.
	APIURL string
}

// TelegramSink posts alerts to a Telegram chat.
type TelegramSink struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

func (*TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Send(ctx context.Context, n Notification) error {
	text := FormatText(n)
	errCh := make(chan error, 1)
	// telebot calls do not take a context; bound them by ctx here.
	go func() {
		_, err := s.bot.Send(s.chat, text, &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              s.threadID,
		})
		errCh <- err
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FormatText renders n as plain text with a priority marker.
func FormatText(n Notification) string {
	var b strings.Builder
	b.WriteString(prefixForPriority(n.Priority))
	b.WriteString(n.Title)
	if n.Text != "" {
		b.WriteString("\n")
		b.WriteString(n.Text)
	}
	for _, k := range sortedKeys(n.Fields) {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(n.Fields[k])
	}
	if !n.At.IsZero() {
		b.WriteString("\n")
		b.WriteString(n.At.UTC().Format(time.RFC3339))
	}
	return b.String()
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
