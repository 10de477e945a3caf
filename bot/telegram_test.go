package bot

import (
	"context"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTelegramAPI struct {
	sent []tgbotapi.Chattable
	err  error
}

func (f *fakeTelegramAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if f.err != nil {
		return tgbotapi.Message{}, f.err
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{MessageID: len(f.sent)}, nil
}

func TestTelegramSenderSendMessage(t *testing.T) {
	api := &fakeTelegramAPI{}
	s := NewTelegramSender(api)

	id, err := s.SendMessage(context.Background(), 42, "<b>hi</b>", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok, "sent %T, want MessageConfig", api.sent[0])
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, "<b>hi</b>", msg.Text)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)

	_, err = s.SendMessage(context.Background(), 42, "plain", false)
	require.NoError(t, err)
	assert.Empty(t, api.sent[1].(tgbotapi.MessageConfig).ParseMode, "plain message parse mode")
}

func TestTelegramSenderSendChoices(t *testing.T) {
	api := &fakeTelegramAPI{}
	s := NewTelegramSender(api)

	require.NoError(t, s.SendChoices(context.Background(), 42, "Pick one", SurveyChoices))

	msg, ok := api.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok, "sent %T, want MessageConfig", api.sent[0])
	assert.Equal(t, "Pick one", msg.Text)
	assert.Empty(t, msg.ParseMode)

	keyboard, ok := msg.ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	require.True(t, ok, "reply markup %T, want ReplyKeyboardMarkup", msg.ReplyMarkup)
	assert.True(t, keyboard.OneTimeKeyboard)
	require.Len(t, keyboard.Keyboard, 1)
	require.Len(t, keyboard.Keyboard[0], len(SurveyChoices))
	for i, button := range keyboard.Keyboard[0] {
		assert.Equal(t, SurveyChoices[i], button.Text)
	}

	require.NoError(t, s.SendChoices(context.Background(), 42, "Done", nil))
	remove, ok := api.sent[1].(tgbotapi.MessageConfig).ReplyMarkup.(tgbotapi.ReplyKeyboardRemove)
	require.True(t, ok, "no choices should remove the keyboard")
	assert.True(t, remove.RemoveKeyboard)
}

func TestTelegramSenderSendDocument(t *testing.T) {
	api := &fakeTelegramAPI{}
	s := NewTelegramSender(api)

	require.NoError(t, s.SendDocument(context.Background(), 7, "summary.json", []byte("{}"), "caption"))

	doc, ok := api.sent[0].(tgbotapi.DocumentConfig)
	require.True(t, ok, "sent %T, want DocumentConfig", api.sent[0])
	assert.Equal(t, int64(7), doc.ChatID)
	assert.Equal(t, "caption", doc.Caption)

	file, ok := doc.File.(tgbotapi.FileBytes)
	require.True(t, ok, "document file = %+v", doc.File)
	assert.Equal(t, "summary.json", file.Name)
	assert.Equal(t, "{}", string(file.Bytes))
}

func TestTelegramSenderBlocked(t *testing.T) {
	api := &fakeTelegramAPI{err: &tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}}
	s := NewTelegramSender(api)

	_, err := s.SendMessage(context.Background(), 42, "hi", false)
	assert.ErrorIs(t, err, ErrBotBlocked)

	err = s.SendDocument(context.Background(), 42, "a.json", nil, "")
	assert.ErrorIs(t, err, ErrBotBlocked)

	err = s.SendChoices(context.Background(), 42, "hi", SexChoices)
	assert.ErrorIs(t, err, ErrBotBlocked)
}

func TestTelegramSenderOtherErrors(t *testing.T) {
	api := &fakeTelegramAPI{err: &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}}
	s := NewTelegramSender(api)

	_, err := s.SendMessage(context.Background(), 42, "hi", false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBotBlocked)
}

func TestTelegramSenderCanceledContext(t *testing.T) {
	api := &fakeTelegramAPI{}
	s := NewTelegramSender(api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SendMessage(ctx, 42, "hi", false)
	assert.Error(t, err)
	assert.Error(t, s.SendChoices(ctx, 42, "hi", nil))
	assert.Empty(t, api.sent, "nothing should be sent after cancellation")
}
