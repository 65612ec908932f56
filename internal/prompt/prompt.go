// Package prompt builds the instructions sent to the enhancement model and
// cleans up what comes back.
package prompt

import (
	"strings"

	"rafined/internal/model"
	"rafined/internal/protocol"
)

// preambles are checked in order; the first match is removed.
var preambles = []string{
	"Here's your enhanced prompt:\n\n",
	"Here's the enhanced prompt:\n\n",
	"Here is your enhanced prompt:\n\n",
	"Here is the enhanced prompt:\n\n",
	"Enhanced prompt:\n\n",
	"Here's your enhanced prompt:\n",
	"Here's the enhanced prompt:\n",
	"Here is your enhanced prompt:\n",
	"Here is the enhanced prompt:\n",
	"Enhanced prompt:\n",
}

// BuildSystemPrompt is deterministic in its inputs. Only Tone, AddOutputFormat
// and KeepConcise are read from s.
func BuildSystemPrompt(target protocol.TargetModel, s model.Settings) string {
	var b strings.Builder
	b.WriteString(frameworkHead)
	b.WriteString("\n")
	b.WriteString(modelSection(target))
	b.WriteString("\n")
	b.WriteString(toneSection(s.Tone))
	b.WriteString("\n")
	b.WriteString(behaviorSection(s))
	b.WriteString("\n")
	b.WriteString(examples)
	return b.String()
}

func modelSection(target protocol.TargetModel) string {
	switch target {
	case protocol.TargetChatGPT:
		return chatGPTSection
	case protocol.TargetGemini:
		return geminiSection
	default:
		return claudeSection
	}
}

func toneSection(t model.Tone) string {
	switch t {
	case model.ToneCasual:
		return casualTone
	case model.ToneTechnical:
		return technicalTone
	default:
		return professionalTone
	}
}

func behaviorSection(s model.Settings) string {
	var rules []string
	if !s.AddOutputFormat {
		rules = append(rules, noOutputFormatRule)
	}
	if s.KeepConcise {
		rules = append(rules, keepConciseRule)
	}
	if len(rules) == 0 {
		return ""
	}
	return "\n<behavior-overrides>\n" + strings.Join(rules, "\n") + "\n</behavior-overrides>"
}

// BuildUserMessage returns promptText unchanged when there is no context.
// Otherwise the context is wrapped so the model treats the prompt as a
// follow-up. Context is used as given; windowing happens upstream.
func BuildUserMessage(promptText string, context []protocol.ConversationMessage) string {
	if len(context) == 0 {
		return promptText
	}
	lines := make([]string, 0, len(context))
	for _, m := range context {
		lines = append(lines, "<"+string(m.Role)+">"+m.Content+"</"+string(m.Role)+">")
	}

	var b strings.Builder
	b.WriteString("<conversation-context>\n")
	b.WriteString(contextPreface)
	b.WriteString("\n\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n</conversation-context>\n\n<new-prompt>\n")
	b.WriteString(promptText)
	b.WriteString("\n</new-prompt>")
	return b.String()
}

// StripPreamble removes the first matching preamble and trims surrounding
// whitespace. It repeats until the text is stable, so stacked preambles are
// removed too and StripPreamble(StripPreamble(x)) == StripPreamble(x).
func StripPreamble(text string) string {
	text = strings.TrimSpace(stripOnce(text))
	for {
		next := strings.TrimSpace(stripOnce(text))
		if next == text {
			return text
		}
		text = next
	}
}

func stripOnce(text string) string {
	for _, p := range preambles {
		if strings.HasPrefix(text, p) {
			return text[len(p):]
		}
	}
	return text
}
