package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rafined/internal/model"
	"rafined/internal/protocol"
)

func TestBuildSystemPromptIsDeterministic(t *testing.T) {
	s := model.DefaultSettings()
	a := BuildSystemPrompt(protocol.TargetClaude, s)
	b := BuildSystemPrompt(protocol.TargetClaude, s)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "You are an expert prompt engineer."))
	assert.True(t, strings.HasSuffix(a, "</examples>"))
	assert.NotContains(t, a, "<behavior-overrides>")
}

func TestToneChangesOnlyToneBlock(t *testing.T) {
	s := model.DefaultSettings()
	base := BuildSystemPrompt(protocol.TargetGemini, s)

	for tone, block := range map[model.Tone]string{
		model.ToneCasual:    casualTone,
		model.ToneTechnical: technicalTone,
	} {
		s.Tone = tone
		got := BuildSystemPrompt(protocol.TargetGemini, s)
		assert.NotEqual(t, base, got)
		assert.Equal(t, base, strings.Replace(got, block, professionalTone, 1), "tone %s", tone)
	}
}

func TestModelSections(t *testing.T) {
	s := model.DefaultSettings()
	assert.Contains(t, BuildSystemPrompt(protocol.TargetChatGPT, s), "used with ChatGPT (OpenAI)")
	assert.Contains(t, BuildSystemPrompt(protocol.TargetClaude, s), "used with Claude (Anthropic)")
	assert.Contains(t, BuildSystemPrompt(protocol.TargetGemini, s), "used with Gemini (Google)")
}

func TestBehaviorOverrides(t *testing.T) {
	s := model.DefaultSettings()
	s.AddOutputFormat = false
	got := BuildSystemPrompt(protocol.TargetClaude, s)
	assert.Contains(t, got, "<behavior-overrides>\n"+noOutputFormatRule+"\n</behavior-overrides>")

	s.KeepConcise = true
	got = BuildSystemPrompt(protocol.TargetClaude, s)
	assert.Contains(t, got, noOutputFormatRule+"\n"+keepConciseRule)
}

func TestSystemPromptKeepsExampleBackticks(t *testing.T) {
	got := BuildSystemPrompt(protocol.TargetClaude, model.DefaultSettings())
	assert.Contains(t, got, "Use the `requests` library")
}

func TestBuildUserMessageWithoutContext(t *testing.T) {
	assert.Equal(t, "fix my code", BuildUserMessage("fix my code", nil))
	assert.Equal(t, "fix my code", BuildUserMessage("fix my code", []protocol.ConversationMessage{}))
}

func TestBuildUserMessageWrapsContextInOrder(t *testing.T) {
	ctx := []protocol.ConversationMessage{
		{Role: protocol.RoleUser, Content: "first question"},
		{Role: protocol.RoleAssistant, Content: "first answer"},
		{Role: protocol.RoleUser, Content: "second question"},
	}
	got := BuildUserMessage("and now?", ctx)

	assert.True(t, strings.HasPrefix(got, "<conversation-context>\n"))
	assert.True(t, strings.HasSuffix(got, "<new-prompt>\nand now?\n</new-prompt>"))
	assert.Contains(t, got, "<assistant>first answer</assistant>")

	last := -1
	for _, m := range ctx {
		idx := strings.Index(got, m.Content)
		require.Greater(t, idx, last, m.Content)
		last = idx
	}
	assert.Greater(t, strings.Index(got, "and now?"), last)
}

func TestStripPreambleEachLiteral(t *testing.T) {
	rest := "  You are a senior engineer.\nDo the thing.\n"
	for _, p := range preambles {
		assert.Equal(t, strings.TrimSpace(rest), StripPreamble(p+rest), "%q", p)
	}
}

func TestStripPreambleOrderPrefersDoubleNewline(t *testing.T) {
	assert.Equal(t, "body", StripPreamble("Here's your enhanced prompt:\n\nbody"))
	assert.Equal(t, "body", StripPreamble("Enhanced prompt:\nbody"))
}

func TestStripPreambleNoMatchTrims(t *testing.T) {
	assert.Equal(t, "Write a poem.", StripPreamble("\n Write a poem. \n"))
	assert.Equal(t, "", StripPreamble(""))
	assert.Equal(t, "Enhanced prompt:", StripPreamble("Enhanced prompt:"))
}

func TestStripPreambleIsIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"plain",
		"Here is the enhanced prompt:\nX",
		"Here's your enhanced prompt:\n\nEnhanced prompt:\nX",
		"  Enhanced prompt:\n\nX  ",
		"Enhanced prompt:\n\n\n",
		"Enhanced prompt:\n",
	}
	for _, in := range inputs {
		once := StripPreamble(in)
		assert.Equal(t, once, StripPreamble(once), "%q", in)
	}
}
