package handlers

import (
	"github.com/gpt-tgbot-go/internal/chat"
	"github.com/gpt-tgbot-go/internal/i18n"
	"github.com/gpt-tgbot-go/pkg/markdown"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// renderer turns engine outcomes into Telegram messages. Localized templates
// are sent as plain text; literal assistant replies go through the markdown
// converter with a plain-text fallback.
type renderer struct {
	bot       *tgbotapi.BotAPI
	localizer *i18n.Localizer
	logger    *logrus.Logger
}

func (r *renderer) text(out chat.Outcome, reply chat.Reply) string {
	if reply.Key != "" {
		return r.localizer.Get(out.Lang, reply.Key, reply.Data)
	}
	return reply.Text
}

// send delivers every reply of the outcome as a new message. The language
// keyboard, when present, is attached to the last reply.
func (r *renderer) send(chatID int64, out chat.Outcome) error {
	for i, reply := range out.Replies {
		if reply.Key == "" {
			if err := r.sendLiteral(chatID, reply.Text); err != nil {
				return err
			}
			continue
		}

		msg := tgbotapi.NewMessage(chatID, r.text(out, reply))
		if i == len(out.Replies)-1 && out.LanguageChoices != nil {
			msg.ReplyMarkup = languageKeyboard(out.LanguageChoices)
		}
		if _, err := r.bot.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

// editInto replaces the placeholder message with the first reply and sends any
// remaining replies as new messages.
func (r *renderer) editInto(chatID int64, messageID int, out chat.Outcome) error {
	if len(out.Replies) == 0 {
		return nil
	}

	first := out.Replies[0]
	if first.Key == "" {
		r.editLiteral(chatID, messageID, first.Text)
	} else {
		edit := tgbotapi.NewEditMessageText(chatID, messageID, r.text(out, first))
		if _, err := r.bot.Send(edit); err != nil {
			return err
		}
	}

	rest := out
	rest.Replies = out.Replies[1:]
	return r.send(chatID, rest)
}

// sendLiteral renders assistant output as Telegram HTML, falling back to plain
// text when Telegram rejects the markup.
func (r *renderer) sendLiteral(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, markdown.ToTelegramHTML(text))
	msg.ParseMode = tgbotapi.ModeHTML

	if _, err := r.bot.Send(msg); err != nil {
		r.logger.WithError(err).Warn("Failed to send HTML response, trying plain text")
		msg.ParseMode = ""
		msg.Text = text
		if _, err := r.bot.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (r *renderer) editLiteral(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, markdown.ToTelegramHTML(text))
	edit.ParseMode = tgbotapi.ModeHTML

	if _, err := r.bot.Send(edit); err != nil {
		r.logger.WithError(err).Warn("Failed to send HTML response, trying plain text")
		edit.ParseMode = ""
		edit.Text = text
		if _, err := r.bot.Send(edit); err != nil {
			r.logger.WithError(err).Error("Failed to send response")
		}
	}
}

// languageKeyboard lays the configured language codes out three per row, each
// button carrying a lang_<code> callback payload.
func languageKeyboard(codes []string) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton

	for i, code := range codes {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(code, "lang_"+code))
		if (i+1)%3 == 0 || i == len(codes)-1 {
			rows = append(rows, row)
			row = nil
		}
	}

	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
