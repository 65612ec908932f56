package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformedPayload = errors.New("malformed event payload")
	ErrUpstreamEvent    = errors.New("upstream error event")
	ErrUnknownGrammar   = errors.New("unknown stream grammar")
)

// Grammar interprets decoded events for one upstream vendor. The decoding of
// chunk boundaries is shared; only extraction and termination differ.
type Grammar interface {
	Name() string
	// Delta returns the text carried by e, or "" when e carries none. A
	// payload that fails to decode yields ErrMalformedPayload and no text.
	Delta(e Event) (string, error)
	IsEnd(e Event) bool
	// Fault returns a non-nil error when e reports a vendor-side failure.
	Fault(e Event) error
}

var (
	Anthropic Grammar = anthropicGrammar{}
	OpenAI    Grammar = openAIGrammar{}
)

func GrammarFor(name string) (Grammar, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "anthropic", "anthropic_messages", "a":
		return Anthropic, nil
	case "openai", "openai_compat", "b":
		return OpenAI, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownGrammar, name)
	}
}

// anthropicGrammar handles labeled "event:"/"data:" pairs. Text arrives on
// content_block_delta events whose delta has type text_delta, and the stream
// ends with message_stop.
type anthropicGrammar struct{}

func (anthropicGrammar) Name() string { return "anthropic" }

func (g anthropicGrammar) Delta(e Event) (string, error) {
	if g.kind(e) != "content_block_delta" {
		return "", nil
	}
	var payload struct {
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(e.Data), &payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.Delta.Type != "text_delta" {
		return "", nil
	}
	return payload.Delta.Text, nil
}

func (g anthropicGrammar) IsEnd(e Event) bool {
	return g.kind(e) == "message_stop"
}

func (g anthropicGrammar) Fault(e Event) error {
	if g.kind(e) != "error" {
		return nil
	}
	var payload struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Data), &payload); err != nil || payload.Error.Message == "" {
		return ErrUpstreamEvent
	}
	if payload.Error.Type != "" {
		return fmt.Errorf("%w: %s: %s", ErrUpstreamEvent, payload.Error.Type, payload.Error.Message)
	}
	return fmt.Errorf("%w: %s", ErrUpstreamEvent, payload.Error.Message)
}

// kind prefers the event label and falls back to the payload's type field,
// which the vendor mirrors.
func (anthropicGrammar) kind(e Event) string {
	if e.Kind != "" {
		return e.Kind
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(e.Data), &head); err != nil {
		return ""
	}
	return head.Type
}

const openAIDoneSentinel = "[DONE]"

// openAIGrammar handles data-only events. Text is choices[0].delta.content and
// the literal [DONE] payload ends the stream.
type openAIGrammar struct{}

func (openAIGrammar) Name() string { return "openai" }

func (openAIGrammar) Delta(e Event) (string, error) {
	if isDone(e) {
		return "", nil
	}
	var payload struct {
		Choices []struct {
			Delta struct {
				Content *string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(e.Data), &payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if len(payload.Choices) == 0 || payload.Choices[0].Delta.Content == nil {
		return "", nil
	}
	return *payload.Choices[0].Delta.Content, nil
}

func (openAIGrammar) IsEnd(e Event) bool {
	return isDone(e)
}

func (openAIGrammar) Fault(e Event) error {
	if isDone(e) {
		return nil
	}
	var payload struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(e.Data), &payload); err != nil || payload.Error == nil {
		return nil
	}
	if payload.Error.Message == "" {
		return ErrUpstreamEvent
	}
	return fmt.Errorf("%w: %s", ErrUpstreamEvent, payload.Error.Message)
}

func isDone(e Event) bool {
	return strings.TrimSpace(e.Data) == openAIDoneSentinel
}
