package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	MinPromptLength           = 5
	MaxContextMessages        = 10
	MaxContextCharsPerMessage = 500
)

// Type is the wire discriminator carried in every envelope.
type Type string

const (
	TypeEnhanceRequest Type = "ENHANCE_REQUEST"
	TypeCancelStream   Type = "CANCEL_STREAM"
	TypeStreamChunk    Type = "STREAM_CHUNK"
	TypeStreamDone     Type = "STREAM_DONE"
	TypeStreamError    Type = "STREAM_ERROR"
	TypeNoAPIKey       Type = "NO_API_KEY"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// TargetModel identifies the chat site a request originated from. It selects
// prompt-engineering rules, not the upstream vendor.
type TargetModel string

const (
	TargetChatGPT TargetModel = "chatgpt"
	TargetClaude  TargetModel = "claude"
	TargetGemini  TargetModel = "gemini"
)

func ParseTargetModel(v string) (TargetModel, error) {
	switch t := TargetModel(strings.ToLower(strings.TrimSpace(v))); t {
	case TargetChatGPT, TargetClaude, TargetGemini:
		return t, nil
	default:
		return "", fmt.Errorf("unsupported target model %q", v)
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ConversationMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Message is one of the six channel messages. The set is closed.
type Message interface {
	Type() Type
}

// Requester -> Enhancer.

type EnhanceRequest struct {
	Prompt      string                `json:"prompt"`
	Context     []ConversationMessage `json:"context"`
	TargetModel TargetModel           `json:"targetModel"`
}

type CancelStream struct{}

// Enhancer -> Requester.

type StreamChunk struct {
	Text string `json:"text"`
}

type StreamDone struct {
	FullText  string `json:"fullText"`
	HistoryID string `json:"historyId,omitempty"`
}

type StreamError struct {
	Error string `json:"error"`
}

type NoAPIKey struct{}

func (EnhanceRequest) Type() Type { return TypeEnhanceRequest }
func (CancelStream) Type() Type   { return TypeCancelStream }
func (StreamChunk) Type() Type    { return TypeStreamChunk }
func (StreamDone) Type() Type     { return TypeStreamDone }
func (StreamError) Type() Type    { return TypeStreamError }
func (NoAPIKey) Type() Type       { return TypeNoAPIKey }

// Terminal reports whether m ends a session on the Requester side.
func Terminal(m Message) bool {
	switch m.Type() {
	case TypeStreamDone, TypeStreamError, TypeNoAPIKey:
		return true
	default:
		return false
	}
}

// Encode renders m as a flat JSON object with a "type" field, matching the
// shape the browser side of the protocol uses.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Type(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s: %w", m.Type(), err)
	}
	typ, _ := json.Marshal(m.Type())
	fields["type"] = typ
	return json.Marshal(fields)
}

// Decode parses one envelope. Errors wrap ErrMalformed or ErrUnknownType; a
// peer that sends either is still connected.
func Decode(raw []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var m Message
	switch head.Type {
	case TypeEnhanceRequest:
		var v EnhanceRequest
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
		}
		m = v
	case TypeCancelStream:
		m = CancelStream{}
	case TypeStreamChunk:
		var v StreamChunk
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
		}
		m = v
	case TypeStreamDone:
		var v StreamDone
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
		}
		m = v
	case TypeStreamError:
		var v StreamError
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
		}
		m = v
	case TypeNoAPIKey:
		m = NoAPIKey{}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, head.Type)
	}
	return m, nil
}
