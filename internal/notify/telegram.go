// Package notify tells operators about failed syncs that stopped retrying.
package notify

import (
	"context"
	"fmt"
	"strings"

	"ordersync/internal/domain"
	"ordersync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

const maxReasonLength = 300

// TelegramEscalator posts exhausted failed syncs to an operator chat.
type TelegramEscalator struct {
	bot    domain.TelegramSender
	chatID int64
	logger *zerolog.Logger
}

func NewTelegramEscalator(bot domain.TelegramSender, chatID int64, logger *zerolog.Logger) *TelegramEscalator {
	return &TelegramEscalator{bot: bot, chatID: chatID, logger: logger}
}

// NewTelegramBot connects to the Bot API with token.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	return bot, nil
}

func (e *TelegramEscalator) Escalate(ctx context.Context, rec *models.FailedSyncRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(e.chatID, FormatExhausted(rec))
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true

	if _, err := e.bot.Send(msg); err != nil {
		return fmt.Errorf("send escalation: %w", err)
	}
	e.logger.Info().Int64("failed_sync_id", rec.ID).Int64("chat_id", e.chatID).Msg("failed sync escalated")
	return nil
}

// FormatExhausted renders rec as a Markdown operator message.
func FormatExhausted(rec *models.FailedSyncRecord) string {
	reason := rec.LastFailureReason
	if len(reason) > maxReasonLength {
		reason = reason[:maxReasonLength] + "..."
	}

	var b strings.Builder
	b.WriteString("*Failed sync exhausted*\n")
	fmt.Fprintf(&b, "Order: `%s`\n", escape(rec.Identifier))
	fmt.Fprintf(&b, "Record: %d\n", rec.ID)
	fmt.Fprintf(&b, "Attempts: %d\n", rec.AttemptCount)
	fmt.Fprintf(&b, "Reason: %s", tgbotapi.EscapeText(tgbotapi.ModeMarkdown, reason))
	return b.String()
}

// escape strips backticks, which cannot be escaped inside a code span.
func escape(s string) string {
	return strings.ReplaceAll(s, "`", "'")
}
