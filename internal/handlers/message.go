package handlers

import (
	"context"
	"strconv"

	"github.com/gpt-tgbot-go/internal/chat"
	"github.com/gpt-tgbot-go/internal/i18n"
	"github.com/gpt-tgbot-go/internal/middleware"
	"github.com/gpt-tgbot-go/internal/session"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// maxInputLength matches the Telegram message ceiling; anything longer is
// dropped before it reaches the engine.
const maxInputLength = 4096

// MessageHandler feeds free-form text into the chat engine. Turns that may
// call the completion API get a placeholder message that is edited in place
// once the reply arrives.
type MessageHandler struct {
	renderer
	engine  *chat.Engine
	limiter middleware.RateLimiter
	metrics *middleware.Metrics
}

func NewMessageHandler(bot *tgbotapi.BotAPI, engine *chat.Engine, localizer *i18n.Localizer, limiter middleware.RateLimiter, metrics *middleware.Metrics, logger *logrus.Logger) *MessageHandler {
	return &MessageHandler{
		renderer: renderer{bot: bot, localizer: localizer, logger: logger},
		engine:   engine,
		limiter:  limiter,
		metrics:  metrics,
	}
}

func (h *MessageHandler) HandleMessage(ctx context.Context, msg *tgbotapi.Message) error {
	if msg.Text == "" || msg.IsCommand() {
		return nil
	}

	telegramID := strconv.FormatInt(msg.From.ID, 10)
	if len(msg.Text) > maxInputLength {
		h.logger.WithFields(logrus.Fields{
			"user_id": telegramID,
			"length":  len(msg.Text),
		}).Warn("Dropping oversized message")
		return nil
	}

	lang := h.engine.LanguageOf(ctx, telegramID)

	switch h.engine.StateOf(telegramID) {
	case session.StateWaitingAPIKey, session.StateChatting, session.StateIdle:
		return h.handleSlowTurn(ctx, msg, telegramID, lang)
	default:
		out := h.engine.HandleText(ctx, telegramID, msg.Text)
		if out.Empty() {
			return nil
		}
		return h.send(msg.Chat.ID, out)
	}
}

// handleSlowTurn covers the states whose input triggers an outbound API call:
// key validation and chat turns. These are rate limited and acknowledged with
// a placeholder before the engine runs.
func (h *MessageHandler) handleSlowTurn(ctx context.Context, msg *tgbotapi.Message, telegramID, lang string) error {
	if h.limiter != nil && !h.limiter.Allow(telegramID) {
		h.metrics.RecordRateLimitExceeded()
		h.logger.WithField("user_id", telegramID).Warn("Rate limit exceeded")
		reply := tgbotapi.NewMessage(msg.Chat.ID, h.localizer.Get(lang, i18n.MsgRateLimited, nil))
		_, err := h.bot.Send(reply)
		return err
	}

	placeholder := tgbotapi.NewMessage(msg.Chat.ID, h.localizer.Get(lang, i18n.MsgProcessing, nil))
	placeholder.ReplyToMessageID = msg.MessageID
	sent, err := h.bot.Send(placeholder)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to send placeholder message")
		out := h.engine.HandleText(ctx, telegramID, msg.Text)
		return h.send(msg.Chat.ID, out)
	}

	out := h.engine.HandleText(ctx, telegramID, msg.Text)
	if out.Empty() {
		return nil
	}
	return h.editInto(msg.Chat.ID, sent.MessageID, out)
}
