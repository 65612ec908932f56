package telegram

import (
	"context"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}
	cq := ctx.CallbackQuery
	if cq.Message == nil {
		s.answerCallback(b, cq, msgStale, true)
		return nil
	}
	answer := s.act(context.Background(), cq.From.Id, cq.Message.GetMessageId(), strings.TrimSpace(cq.Data))
	s.answerCallback(b, cq, answer, answer == msgStale || answer == msgUnavailable)
	return nil
}

func (s *Service) answerCallback(b *gotgbot.Bot, cq *gotgbot.CallbackQuery, text string, alert bool) {
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(cq.Id, opts)
}
