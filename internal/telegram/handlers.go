package telegram

import (
	"context"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"rafined/internal/crypto"
	"rafined/internal/model"
	"rafined/internal/protocol"
)

const historyPreviewCount = 5

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, helpText)
}

func (s *Service) enhance(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	return s.startEnhancement(context.Background(), ctx.EffectiveChat.Id, ctx.EffectiveUser.Id, msg.MessageId,
		commandRemainder(msg.GetText()), replyContext(msg))
}

func (s *Service) cancel(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	if s.cancelFor(context.Background(), ctx.EffectiveUser.Id) {
		return nil
	}
	return s.reply(ctx, "Nothing to cancel.")
}

func (s *Service) plainText(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	text := strings.TrimSpace(msg.GetText())
	if text == "" {
		return nil
	}
	_, err := s.applyEdit(context.Background(), ctx.EffectiveChat.Id, ctx.EffectiveUser.Id, text)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", ctx.EffectiveUser.Id).Msg("failed to apply edit")
	}
	return nil
}

func (s *Service) settings(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	st, err := s.store.GetSettings(context.Background(), ownerFor(ctx.EffectiveUser.Id))
	if err != nil {
		s.logger.Error().Err(err).Msg("get settings failed")
		return s.reply(ctx, "Failed to load settings.")
	}
	return s.reply(ctx, settingsText(st, crypto.Mask(st.APIKey)))
}

func (s *Service) setKey(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil || ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if ctx.EffectiveChat.Type != "private" {
		// The key is already visible to the group; remove it as fast as possible.
		_ = s.msg.Delete(context.Background(), ctx.EffectiveChat.Id, msg.MessageId)
		return s.reply(ctx, "Send /key only in a private chat with me. Revoke the key you just posted.")
	}
	key := strings.TrimSpace(commandRemainder(msg.GetText()))
	if key == "" {
		return s.reply(ctx, "Usage: /key <api key>. Send /key - to remove it.")
	}
	if key == "-" {
		key = ""
	}
	if _, err := s.store.SaveSettings(context.Background(), ownerFor(ctx.EffectiveUser.Id), model.SettingsPatch{APIKey: &key}); err != nil {
		s.logger.Error().Err(err).Msg("save api key failed")
		return s.reply(ctx, "Failed to save API key.")
	}
	_ = s.msg.Delete(context.Background(), ctx.EffectiveChat.Id, msg.MessageId)
	if key == "" {
		return s.reply(ctx, "API key removed.")
	}
	return s.reply(ctx, "API key saved: "+crypto.Mask(key))
}

func (s *Service) setTone(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil || ctx.EffectiveUser == nil {
		return nil
	}
	tone, err := model.ParseTone(commandRemainder(ctx.EffectiveMessage.GetText()))
	if err != nil {
		return s.reply(ctx, "Usage: /tone professional|casual|technical")
	}
	return s.saveSettings(ctx, model.SettingsPatch{Tone: &tone})
}

func (s *Service) setFormat(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil || ctx.EffectiveUser == nil {
		return nil
	}
	on, ok := parseOnOff(commandRemainder(ctx.EffectiveMessage.GetText()))
	if !ok {
		return s.reply(ctx, "Usage: /format on|off")
	}
	return s.saveSettings(ctx, model.SettingsPatch{AddOutputFormat: &on})
}

func (s *Service) setConcise(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveMessage == nil || ctx.EffectiveUser == nil {
		return nil
	}
	on, ok := parseOnOff(commandRemainder(ctx.EffectiveMessage.GetText()))
	if !ok {
		return s.reply(ctx, "Usage: /concise on|off")
	}
	return s.saveSettings(ctx, model.SettingsPatch{KeepConcise: &on})
}

func (s *Service) saveSettings(ctx *ext.Context, patch model.SettingsPatch) error {
	st, err := s.store.SaveSettings(context.Background(), ownerFor(ctx.EffectiveUser.Id), patch)
	if err != nil {
		s.logger.Error().Err(err).Msg("save settings failed")
		return s.reply(ctx, "Failed to save settings.")
	}
	return s.reply(ctx, settingsText(st, crypto.Mask(st.APIKey)))
}

func (s *Service) history(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	entries, err := s.store.GetHistory(context.Background(), ownerFor(ctx.EffectiveUser.Id))
	if err != nil {
		s.logger.Error().Err(err).Msg("get history failed")
		return s.reply(ctx, "Failed to load history.")
	}
	return s.reply(ctx, historyText(entries, historyPreviewCount))
}

func (s *Service) clearHistory(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	if err := s.store.ClearHistory(context.Background(), ownerFor(ctx.EffectiveUser.Id)); err != nil {
		s.logger.Error().Err(err).Msg("clear history failed")
		return s.reply(ctx, "Failed to clear history.")
	}
	return s.reply(ctx, "History cleared.")
}

func (s *Service) reply(ctx *ext.Context, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	var replyTo int64
	if ctx.EffectiveMessage != nil {
		replyTo = ctx.EffectiveMessage.MessageId
	}
	_, err := s.msg.Send(context.Background(), ctx.EffectiveChat.Id, text, replyTo, nil)
	return err
}

// replyContext turns the message being replied to into conversation context.
func replyContext(msg *gotgbot.Message) []protocol.ConversationMessage {
	if msg.ReplyToMessage == nil {
		return nil
	}
	text := strings.TrimSpace(msg.ReplyToMessage.GetText())
	if text == "" {
		return nil
	}
	role := protocol.RoleUser
	if msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.IsBot {
		role = protocol.RoleAssistant
	}
	return []protocol.ConversationMessage{{Role: role, Content: text}}
}

func commandRemainder(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return text
	}
	_, rest := splitFirstWord(text)
	return rest
}

func parseOnOff(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "yes", "1":
		return true, true
	case "off", "false", "no", "0":
		return false, true
	default:
		return false, false
	}
}
