package telegram

import (
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"rafined/internal/model"
	"rafined/internal/session"
)

const (
	cbPrefix = "rf:"

	cbCancel  = cbPrefix + "cancel"
	cbUse     = cbPrefix + "use"
	cbEdit    = cbPrefix + "edit"
	cbDiscard = cbPrefix + "discard"
)

const (
	usageEnhance      = "Usage: /enhance [chatgpt|claude|gemini] <prompt>\nReply to a message to use it as context."
	msgAlreadyRunning = "An enhancement is already running. Press Cancel or send /cancel first."
	msgUnavailable    = "Enhancer is unavailable right now. Try again later."
	msgStale          = "This result is no longer available."
	msgSendEdit       = "Send the edited prompt as your next message, or /cancel."
	msgDiscarded      = "Discarded."
	msgWaiting        = "Enhancing your prompt…"
	msgNoAPIKey       = "No API key configured. Send /key <your key> to me in a private chat."
)

var helpText = strings.Join([]string{
	"Commands:",
	"/enhance [chatgpt|claude|gemini] <prompt> - rewrite a prompt for the target model",
	"/cancel - stop the running enhancement",
	"/settings - show your settings",
	"/key <api key> - set your API key (private chat only)",
	"/tone professional|casual|technical",
	"/format on|off - add output format guidance",
	"/concise on|off - keep enhanced prompts short",
	"/history - recent enhancements",
	"/clear_history",
}, "\n")

func cancelKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{{Text: "Cancel", CallbackData: cbCancel}},
	}}
}

func resultKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Use", CallbackData: cbUse},
			{Text: "Edit", CallbackData: cbEdit},
			{Text: "Discard", CallbackData: cbDiscard},
		},
	}}
}

func renderView(v session.View) (string, *gotgbot.InlineKeyboardMarkup) {
	switch v.State {
	case session.AwaitingFirstByte:
		return msgWaiting, cancelKeyboard()
	case session.Streaming:
		return clip(v.Text + " ▌"), cancelKeyboard()
	case session.Done:
		return clip(v.Text), resultKeyboard()
	case session.NoAPIKey:
		return msgNoAPIKey, nil
	case session.Error:
		return "Enhancement failed: " + v.Error, nil
	case session.Cancelled:
		if strings.TrimSpace(v.Text) == "" {
			return "Cancelled.", nil
		}
		return clip(v.Text + "\n\n(cancelled)"), nil
	default:
		return "", nil
	}
}

func settingsText(st model.Settings, maskedKey string) string {
	key := "not set"
	if maskedKey != "" {
		key = maskedKey
	}
	return strings.Join([]string{
		"Settings:",
		"API key: " + key,
		"Tone: " + string(st.Tone),
		"Output format: " + onOff(st.AddOutputFormat),
		"Keep concise: " + onOff(st.KeepConcise),
	}, "\n")
}

func historyText(entries []model.HistoryEntry, limit int) string {
	if len(entries) == 0 {
		return "No enhancements yet."
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	lines := []string{"Recent enhancements:"}
	for i, e := range entries {
		line := fmt.Sprintf("%d. [%s] %s", i+1, e.TargetModel, preview(e.EnhancedPrompt, 80))
		if e.Used {
			line += " (used)"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
