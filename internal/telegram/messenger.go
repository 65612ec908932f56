package telegram

import (
	"context"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
)

// messenger is the part of the Bot API the enhancement flow needs.
type messenger interface {
	Send(ctx context.Context, chatID int64, text string, replyTo int64, markup *gotgbot.InlineKeyboardMarkup) (int64, error)
	Edit(ctx context.Context, chatID, messageID int64, text string, markup *gotgbot.InlineKeyboardMarkup) error
	Delete(ctx context.Context, chatID, messageID int64) error
}

type botMessenger struct {
	bot *gotgbot.Bot
}

func (m botMessenger) Send(ctx context.Context, chatID int64, text string, replyTo int64, markup *gotgbot.InlineKeyboardMarkup) (int64, error) {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
	}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	msg, err := m.bot.SendMessageWithContext(ctx, chatID, text, opts)
	if err != nil {
		return 0, err
	}
	return msg.MessageId, nil
}

func (m botMessenger) Edit(ctx context.Context, chatID, messageID int64, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	opts := &gotgbot.EditMessageTextOpts{ChatId: chatID, MessageId: messageID}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, _, err := m.bot.EditMessageTextWithContext(ctx, text, opts)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
		return nil
	}
	return err
}

func (m botMessenger) Delete(ctx context.Context, chatID, messageID int64) error {
	_, err := m.bot.DeleteMessageWithContext(ctx, chatID, messageID, nil)
	return err
}
