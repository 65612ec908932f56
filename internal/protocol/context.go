package protocol

import "strings"

// WindowContext keeps the most recent MaxContextMessages messages, trims each
// one and cuts it to MaxContextCharsPerMessage runes. Messages that are empty
// after trimming are dropped before windowing.
func WindowContext(msgs []ConversationMessage) []ConversationMessage {
	out := make([]ConversationMessage, 0, len(msgs))
	for _, m := range msgs {
		content := truncateRunes(strings.TrimSpace(m.Content), MaxContextCharsPerMessage)
		if content == "" {
			continue
		}
		out = append(out, ConversationMessage{Role: m.Role, Content: content})
	}
	if len(out) > MaxContextMessages {
		out = out[len(out)-MaxContextMessages:]
	}
	return out
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
