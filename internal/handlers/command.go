package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/gpt-tgbot-go/internal/chat"
	"github.com/gpt-tgbot-go/internal/i18n"
	"github.com/gpt-tgbot-go/internal/middleware"
	"github.com/gpt-tgbot-go/internal/services/storage"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// CommandHandler routes bot commands and inline-keyboard callbacks to the
// chat engine and renders the resulting outcomes.
type CommandHandler struct {
	renderer
	engine  *chat.Engine
	metrics *middleware.Metrics
}

func NewCommandHandler(bot *tgbotapi.BotAPI, engine *chat.Engine, localizer *i18n.Localizer, metrics *middleware.Metrics, logger *logrus.Logger) *CommandHandler {
	return &CommandHandler{
		renderer: renderer{bot: bot, localizer: localizer, logger: logger},
		engine:   engine,
		metrics:  metrics,
	}
}

func (h *CommandHandler) HandleCommand(ctx context.Context, msg *tgbotapi.Message) error {
	telegramID := strconv.FormatInt(msg.From.ID, 10)
	command := msg.Command()

	h.logger.WithFields(logrus.Fields{
		"user_id": telegramID,
		"command": command,
	}).Info("Processing command")

	var out chat.Outcome
	switch command {
	case "start":
		out = h.engine.Start(ctx, telegramID, profileFrom(msg.From))
	case "help":
		out = h.engine.Help(ctx, telegramID)
	case "setapi":
		out = h.engine.RequestAPIKey(ctx, telegramID)
	case "reset":
		out = h.engine.Reset(ctx, telegramID)
	case "params":
		out = h.engine.Params(ctx, telegramID, strings.Fields(msg.CommandArguments()))
	case "setlang":
		out = h.engine.SelectLanguage(ctx, telegramID)
	default:
		h.logger.WithField("command", command).Debug("Ignoring unknown command")
		return nil
	}

	h.metrics.RecordCommandExecuted(command)
	return h.send(msg.Chat.ID, out)
}

// HandleCallbackQuery answers the callback and applies language selections.
// Payloads other than lang_<code> are acknowledged and dropped.
func (h *CommandHandler) HandleCallbackQuery(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if _, err := h.bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		h.logger.WithError(err).Warn("Failed to answer callback query")
	}

	if !strings.HasPrefix(cb.Data, "lang_") {
		h.logger.WithField("data", cb.Data).Debug("Ignoring unknown callback payload")
		return nil
	}

	telegramID := strconv.FormatInt(cb.From.ID, 10)
	code := strings.TrimPrefix(cb.Data, "lang_")

	out := h.engine.ApplyLanguage(ctx, telegramID, code)
	if out.Empty() || cb.Message == nil {
		return nil
	}

	// Replace the language prompt in place so the keyboard disappears.
	edit := tgbotapi.NewEditMessageText(cb.Message.Chat.ID, cb.Message.MessageID, h.text(out, out.Replies[0]))
	_, err := h.bot.Send(edit)
	return err
}

func profileFrom(u *tgbotapi.User) storage.Profile {
	if u == nil {
		return storage.Profile{}
	}
	return storage.Profile{
		Username:     u.UserName,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		LanguageCode: u.LanguageCode,
	}
}
