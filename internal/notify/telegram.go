package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier sends alerts to a fixed set of chats. Connect runs a
// reconnection loop with exponential backoff; Notify fails fast while
// the bot is disconnected so the dispatcher can log and move on.
type TelegramNotifier struct {
	token   string
	chatIDs []int64
	logger  *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

func NewTelegramNotifier(token string, chatIDs []int64, logger *slog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		token:   token,
		chatIDs: chatIDs,
		logger:  logger,
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// Connect blocks until the bot authenticates or ctx is canceled,
// retrying with exponential backoff.
func (t *TelegramNotifier) Connect(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err == nil {
			t.mu.Lock()
			t.bot = bot
			t.mu.Unlock()
			t.logger.Info("telegram notifier connected", "user", bot.Self.UserName)
			return nil
		}
		t.logger.Warn("telegram connect failed, retrying", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (t *TelegramNotifier) Notify(ctx context.Context, notification Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("telegram notifier not connected")
	}

	text := FormatNotification(notification)
	var firstErr error
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ParseMode = "MarkdownV2"
		if _, err := bot.Send(msg); err != nil {
			t.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("send to chat %d: %w", chatID, err)
			}
		}
	}
	if firstErr != nil {
		// Force a reconnect on the next Connect call.
		t.mu.Lock()
		t.bot = nil
		t.mu.Unlock()
	}
	return firstErr
}

// FormatNotification renders a notification as Telegram MarkdownV2.
func FormatNotification(notification Notification) string {
	var b strings.Builder
	b.WriteString(severityEmoji(notification.Severity))
	b.WriteString(" *")
	b.WriteString(EscapeMarkdownV2(notification.Title))
	b.WriteString("*\n")
	b.WriteString(EscapeMarkdownV2(notification.Body))
	if notification.CorrelationID != "" {
		b.WriteString("\nthread: `")
		b.WriteString(EscapeMarkdownV2(notification.CorrelationID))
		b.WriteString("`")
	}
	return b.String()
}

func severityEmoji(severity string) string {
	switch severity {
	case SeverityWarning:
		return "⚠️"
	case SeverityError:
		return "\U0001f6a8"
	default:
		return "ℹ️"
	}
}

// EscapeMarkdownV2 escapes the characters Telegram's MarkdownV2 parser
// treats as syntax: _ * [ ] ( ) ~ > # + - = | { } . !
func EscapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!"

	result := make([]byte, 0, len(s)*2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if strings.IndexByte(specialChars, c) >= 0 {
			result = append(result, '\\')
		}
		result = append(result, c)
	}
	return string(result)
}
