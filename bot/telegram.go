package bot

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/samber/lo"
)

// ErrBotBlocked is returned when Telegram refuses delivery because the user
// blocked the bot or deactivated their account.
var ErrBotBlocked = errors.New("bot blocked by user")

// TelegramAPI is the subset of tgbotapi.BotAPI used for sending.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSender sends messages and documents through the Bot API.
type TelegramSender struct {
	api TelegramAPI
}

// NewTelegramSender creates a sender backed by api.
func NewTelegramSender(api TelegramAPI) *TelegramSender {
	return &TelegramSender{api: api}
}

// SendMessage sends a text message and returns its message ID.
func (s *TelegramSender) SendMessage(ctx context.Context, chatID int64, text string, html bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if html {
		msg.ParseMode = tgbotapi.ModeHTML
	}
	msg.DisableWebPagePreview = true

	sent, err := s.api.Send(msg)
	if err != nil {
		return 0, classifySendError(err)
	}
	return int64(sent.MessageID), nil
}

// SendChoices sends a plain text message with a reply keyboard holding one
// row of choices. With no choices the current keyboard is removed.
func (s *TelegramSender) SendChoices(ctx context.Context, chatID int64, text string, choices []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	if len(choices) == 0 {
		msg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(false)
	} else {
		buttons := lo.Map(choices, func(c string, _ int) tgbotapi.KeyboardButton {
			return tgbotapi.NewKeyboardButton(c)
		})
		msg.ReplyMarkup = tgbotapi.NewOneTimeReplyKeyboard(tgbotapi.NewKeyboardButtonRow(buttons...))
	}

	if _, err := s.api.Send(msg); err != nil {
		return classifySendError(err)
	}
	return nil
}

// SendDocument uploads data as a file named name.
func (s *TelegramSender) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	doc.Caption = caption

	if _, err := s.api.Send(doc); err != nil {
		return classifySendError(err)
	}
	return nil
}

func classifySendError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrBotBlocked, apiErr.Message)
	}
	return err
}
