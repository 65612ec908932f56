package openai_compat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"rafined/internal/providers"
	"rafined/internal/sse"
)

func TestBuildPayloadChatCompletions(t *testing.T) {
	c := New(Config{BaseURL: "https://api.x.ai/v1"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model:        "grok-beta",
		SystemPrompt: "You are concise",
		UserPrompt:   "hello",
		MaxTokens:    123,
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.x.ai/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["model"] != "grok-beta" {
		t.Fatalf("expected model grok-beta, got %#v", payload["model"])
	}
	if payload["stream"] != true {
		t.Fatalf("expected stream true, got %#v", payload["stream"])
	}
	msgs, ok := payload["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("expected system and user messages, got %#v", payload["messages"])
	}
}

func TestBuildPayloadKeepsFullEndpoint(t *testing.T) {
	c := New(Config{BaseURL: "http://localhost:11434/v1/chat/completions"})

	_, endpoint, err := c.buildPayload(providers.ChatRequest{Model: "llama3", UserPrompt: "hello"})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "http://localhost:11434/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}
}

func TestOpenStreamSendsBearerAndReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected authorization %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1"})
	if c.Grammar() != sse.OpenAI {
		t.Fatalf("expected openai grammar")
	}
	body, err := c.OpenStream(context.Background(), providers.ChatRequest{Model: "m", UserPrompt: "x", APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	events, _ := sse.Parse(string(raw))
	if len(events) != 2 || !sse.OpenAI.IsEnd(events[1]) {
		t.Fatalf("unexpected events %#v", events)
	}
}

func TestOpenStreamUnauthorizedIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3})
	_, err := c.OpenStream(context.Background(), providers.ChatRequest{Model: "m", UserPrompt: "x", APIKey: "k"})
	if !errors.Is(err, providers.ErrUpstreamStatus) {
		t.Fatalf("expected upstream status error, got %v", err)
	}
	if err.Error() != `API error 401: {"error":{"message":"bad key"}}` {
		t.Fatalf("unexpected error text %q", err.Error())
	}
}
