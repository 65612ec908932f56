package enhancer

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rafined/internal/channel"
	"rafined/internal/model"
	"rafined/internal/protocol"
	"rafined/internal/providers"
	"rafined/internal/providers/anthropic_messages"
	"rafined/internal/sse"
)

type memStore struct {
	mu       sync.Mutex
	settings model.Settings
	history  []model.HistoryEntry
	addErr   error
}

func newMemStore(apiKey string) *memStore {
	s := model.DefaultSettings()
	s.APIKey = apiKey
	return &memStore{settings: s}
}

func (m *memStore) GetSettings(context.Context, string) (model.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, nil
}

func (m *memStore) AddToHistory(_ context.Context, _ string, e model.NewHistoryEntry) (model.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return model.HistoryEntry{}, m.addErr
	}
	entry := model.HistoryEntry{
		ID:             "h-" + string(rune('a'+len(m.history))),
		OriginalPrompt: e.OriginalPrompt,
		EnhancedPrompt: e.EnhancedPrompt,
		TargetModel:    e.TargetModel,
		Timestamp:      e.Timestamp,
	}
	m.history = append(m.history, entry)
	return entry, nil
}

func (m *memStore) entries() []model.HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.HistoryEntry(nil), m.history...)
}

// pipeStream is an upstream body fed by the test through w. Cancelling the
// request context closes the body and is reported on cancelled.
type pipeStream struct {
	r         *io.PipeReader
	w         *io.PipeWriter
	cancelled chan struct{}
}

func newPipeStream() *pipeStream {
	r, w := io.Pipe()
	return &pipeStream{r: r, w: w, cancelled: make(chan struct{})}
}

func (p *pipeStream) open(ctx context.Context, _ providers.ChatRequest) (io.ReadCloser, error) {
	go func() {
		<-ctx.Done()
		_ = p.r.CloseWithError(ctx.Err())
		close(p.cancelled)
	}()
	return p.r, nil
}

type funcProvider struct {
	grammar sse.Grammar
	calls   atomic.Int32
	open    func(ctx context.Context, req providers.ChatRequest) (io.ReadCloser, error)
}

func (p *funcProvider) Name() string         { return "func" }
func (p *funcProvider) Grammar() sse.Grammar { return p.grammar }
func (p *funcProvider) OpenStream(ctx context.Context, req providers.ChatRequest) (io.ReadCloser, error) {
	p.calls.Add(1)
	return p.open(ctx, req)
}

func staticBody(text string) func(context.Context, providers.ChatRequest) (io.ReadCloser, error) {
	return func(context.Context, providers.ChatRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(text)), nil
	}
}

func newEnhancer(p providers.Provider, store Store) *Enhancer {
	return New(Config{Provider: p, Store: store, Logger: zerolog.Nop()})
}

func serve(t *testing.T, e *Enhancer) (channel.Conn, <-chan error) {
	t.Helper()
	client, server := channel.NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx, server, "local") }()
	return client, done
}

func send(t *testing.T, c channel.Conn, m protocol.Message) {
	t.Helper()
	require.NoError(t, c.Send(context.Background(), m))
}

func recv(t *testing.T, c channel.Conn) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	m, err := c.Recv(ctx)
	require.NoError(t, err)
	return m
}

func expectSilence(t *testing.T, c channel.Conn, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	m, err := c.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected message %#v", m)
}

func waitClosed(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("upstream request was not cancelled")
	}
}

func anthropicDelta(text string) string {
	return "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"" + text + "\"}}\n\n"
}

const anthropicStop = "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n"

func TestEndToEndAnthropicStream(t *testing.T) {
	type seen struct{ key, body string }
	seenCh := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seenCh <- seen{key: r.Header.Get("x-api-key"), body: string(b)}

		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		first := anthropicDelta("Hello")
		for _, part := range []string{
			"event: message_start\ndata: {\"type\":\"message_start\"}\n\n",
			first[:17], first[17:],
			anthropicDelta(" world"),
			anthropicStop,
		} {
			_, _ = io.WriteString(w, part)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	store := newMemStore("sk-ant-test")
	e := newEnhancer(anthropic_messages.New(anthropic_messages.Config{BaseURL: srv.URL}), store)
	client, _ := serve(t, e)

	send(t, client, protocol.EnhanceRequest{Prompt: "fix my code", TargetModel: protocol.TargetClaude})

	assert.Equal(t, protocol.StreamChunk{Text: "Hello"}, recv(t, client))
	assert.Equal(t, protocol.StreamChunk{Text: " world"}, recv(t, client))
	done, ok := recv(t, client).(protocol.StreamDone)
	require.True(t, ok)
	assert.Equal(t, "Hello world", done.FullText)
	assert.NotEmpty(t, done.HistoryID)

	entries := store.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "fix my code", entries[0].OriginalPrompt)
	assert.Equal(t, "Hello world", entries[0].EnhancedPrompt)
	assert.Equal(t, protocol.TargetClaude, entries[0].TargetModel)
	assert.False(t, entries[0].Used)
	assert.Equal(t, done.HistoryID, entries[0].ID)

	got := <-seenCh
	assert.Equal(t, "sk-ant-test", got.key)
	assert.Contains(t, got.body, `"model":"claude-sonnet-4-20250514"`)
	assert.Contains(t, got.body, `"max_tokens":4096`)
	assert.Contains(t, got.body, "fix my code")
}

func TestNoAPIKeyNeverCallsUpstream(t *testing.T) {
	p := &funcProvider{grammar: sse.Anthropic, open: staticBody(anthropicStop)}
	store := newMemStore("  ")
	client, _ := serve(t, newEnhancer(p, store))

	send(t, client, protocol.EnhanceRequest{Prompt: "fix my code", TargetModel: protocol.TargetChatGPT})

	assert.Equal(t, protocol.NoAPIKey{}, recv(t, client))
	expectSilence(t, client, 50*time.Millisecond)
	assert.Zero(t, p.calls.Load())
	assert.Empty(t, store.entries())
}

func TestCancelMidStreamIsSilent(t *testing.T) {
	p := newPipeStream()
	fp := &funcProvider{grammar: sse.Anthropic, open: p.open}
	store := newMemStore("key")
	client, _ := serve(t, newEnhancer(fp, store))

	send(t, client, protocol.EnhanceRequest{Prompt: "fix my code", TargetModel: protocol.TargetClaude})
	_, err := io.WriteString(p.w, anthropicDelta("Hel"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StreamChunk{Text: "Hel"}, recv(t, client))

	send(t, client, protocol.CancelStream{})
	waitClosed(t, p.cancelled)

	expectSilence(t, client, 100*time.Millisecond)
	assert.Empty(t, store.entries())
}

func TestCancelledFlightDoesNotBlockNextRequest(t *testing.T) {
	p := newPipeStream()
	calls := 0
	fp := &funcProvider{grammar: sse.Anthropic}
	fp.open = func(ctx context.Context, req providers.ChatRequest) (io.ReadCloser, error) {
		calls++
		if calls == 1 {
			return p.open(ctx, req)
		}
		return io.NopCloser(strings.NewReader(anthropicDelta("again") + anthropicStop)), nil
	}
	store := newMemStore("key")
	client, _ := serve(t, newEnhancer(fp, store))

	send(t, client, protocol.EnhanceRequest{Prompt: "first prompt", TargetModel: protocol.TargetClaude})
	send(t, client, protocol.CancelStream{})
	waitClosed(t, p.cancelled)

	send(t, client, protocol.EnhanceRequest{Prompt: "second prompt", TargetModel: protocol.TargetClaude})
	assert.Equal(t, protocol.StreamChunk{Text: "again"}, recv(t, client))
	done := recv(t, client).(protocol.StreamDone)
	assert.Equal(t, "again", done.FullText)

	entries := store.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "second prompt", entries[0].OriginalPrompt)
}

func TestDisconnectAbortsUpstream(t *testing.T) {
	p := newPipeStream()
	fp := &funcProvider{grammar: sse.Anthropic, open: p.open}
	store := newMemStore("key")
	client, done := serve(t, newEnhancer(fp, store))

	send(t, client, protocol.EnhanceRequest{Prompt: "fix my code", TargetModel: protocol.TargetClaude})
	_, err := io.WriteString(p.w, anthropicDelta("partial"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StreamChunk{Text: "partial"}, recv(t, client))

	require.NoError(t, client.Close())
	waitClosed(t, p.cancelled)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after disconnect")
	}
	assert.Empty(t, store.entries())
}

func TestNon2xxBecomesStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	store := newMemStore("bad-key")
	client, _ := serve(t, newEnhancer(anthropic_messages.New(anthropic_messages.Config{BaseURL: srv.URL}), store))

	send(t, client, protocol.EnhanceRequest{Prompt: "fix my code", TargetModel: protocol.TargetClaude})

	assert.Equal(t, protocol.StreamError{
		Error: `API error 401: {"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`,
	}, recv(t, client))
	assert.Empty(t, store.entries())
}

func TestPreambleStrippedButChunksVerbatim(t *testing.T) {
	body := anthropicDelta(`Here's your enhanced prompt:\n\n`) + anthropicDelta("You are a poet.") + anthropicStop
	p := &funcProvider{grammar: sse.Anthropic, open: staticBody(body)}
	store := newMemStore("key")
	client, _ := serve(t, newEnhancer(p, store))

	send(t, client, protocol.EnhanceRequest{Prompt: "write a poem", TargetModel: protocol.TargetGemini})

	assert.Equal(t, protocol.StreamChunk{Text: "Here's your enhanced prompt:\n\n"}, recv(t, client))
	assert.Equal(t, protocol.StreamChunk{Text: "You are a poet."}, recv(t, client))
	done := recv(t, client).(protocol.StreamDone)
	assert.Equal(t, "You are a poet.", done.FullText)
	assert.Equal(t, "You are a poet.", store.entries()[0].EnhancedPrompt)
}

func TestOpenAIStreamEndingWithoutTerminatorFinalizes(t *testing.T) {
	body := "data: {\"choices\":[{\"delta\":{\"content\":\"abc\"}}]}\n\n" +
		"data: {broken}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"def\"}}]}"
	p := &funcProvider{grammar: sse.OpenAI, open: staticBody(body)}
	store := newMemStore("key")
	client, _ := serve(t, newEnhancer(p, store))

	send(t, client, protocol.EnhanceRequest{Prompt: "summarize this", TargetModel: protocol.TargetChatGPT})

	assert.Equal(t, protocol.StreamChunk{Text: "abc"}, recv(t, client))
	assert.Equal(t, protocol.StreamChunk{Text: "def"}, recv(t, client))
	assert.Equal(t, "abcdef", recv(t, client).(protocol.StreamDone).FullText)
	require.Len(t, store.entries(), 1)
}

func TestNothingAfterEndEvent(t *testing.T) {
	body := anthropicDelta("kept") + anthropicStop + anthropicDelta("ignored")
	p := &funcProvider{grammar: sse.Anthropic, open: staticBody(body)}
	client, _ := serve(t, newEnhancer(p, newMemStore("key")))

	send(t, client, protocol.EnhanceRequest{Prompt: "fix my code", TargetModel: protocol.TargetClaude})
	assert.Equal(t, protocol.StreamChunk{Text: "kept"}, recv(t, client))
	assert.Equal(t, "kept", recv(t, client).(protocol.StreamDone).FullText)
	expectSilence(t, client, 50*time.Millisecond)
}

func TestUpstreamErrorEventFailsSession(t *testing.T) {
	body := anthropicDelta("half") + "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n"
	p := &funcProvider{grammar: sse.Anthropic, open: staticBody(body)}
	store := newMemStore("key")
	client, _ := serve(t, newEnhancer(p, store))

	send(t, client, protocol.EnhanceRequest{Prompt: "fix my code", TargetModel: protocol.TargetClaude})
	assert.Equal(t, protocol.StreamChunk{Text: "half"}, recv(t, client))
	se, ok := recv(t, client).(protocol.StreamError)
	require.True(t, ok)
	assert.Contains(t, se.Error, "Overloaded")
	assert.Empty(t, store.entries())
}

func TestStorageFailureStillDeliversResult(t *testing.T) {
	p := &funcProvider{grammar: sse.Anthropic, open: staticBody(anthropicDelta("ok") + anthropicStop)}
	store := newMemStore("key")
	store.addErr = errors.New("disk full")
	client, _ := serve(t, newEnhancer(p, store))

	send(t, client, protocol.EnhanceRequest{Prompt: "fix my code", TargetModel: protocol.TargetClaude})
	assert.Equal(t, protocol.StreamChunk{Text: "ok"}, recv(t, client))
	assert.Equal(t, protocol.StreamDone{FullText: "ok"}, recv(t, client))
}

func TestRejectsInvalidRequests(t *testing.T) {
	p := &funcProvider{grammar: sse.Anthropic, open: staticBody(anthropicStop)}
	client, _ := serve(t, newEnhancer(p, newMemStore("key")))

	send(t, client, protocol.EnhanceRequest{Prompt: " hi ", TargetModel: protocol.TargetClaude})
	assert.Equal(t, protocol.StreamError{Error: "Prompt must be at least 5 characters"}, recv(t, client))

	send(t, client, protocol.EnhanceRequest{Prompt: "fix my code", TargetModel: "bard"})
	_, ok := recv(t, client).(protocol.StreamError)
	assert.True(t, ok)
	assert.Zero(t, p.calls.Load())
}

func TestSecondRequestWhileBusy(t *testing.T) {
	p := newPipeStream()
	fp := &funcProvider{grammar: sse.Anthropic, open: p.open}
	client, _ := serve(t, newEnhancer(fp, newMemStore("key")))

	send(t, client, protocol.EnhanceRequest{Prompt: "first prompt", TargetModel: protocol.TargetClaude})
	send(t, client, protocol.EnhanceRequest{Prompt: "second prompt", TargetModel: protocol.TargetClaude})
	assert.Equal(t, protocol.StreamError{Error: msgBusy}, recv(t, client))

	_, err := io.WriteString(p.w, anthropicDelta("first")+anthropicStop)
	require.NoError(t, err)
	assert.Equal(t, protocol.StreamChunk{Text: "first"}, recv(t, client))
	assert.Equal(t, "first", recv(t, client).(protocol.StreamDone).FullText)
	assert.Equal(t, int32(1), fp.calls.Load())
}

type denyLimiter struct{ reset time.Time }

func (d denyLimiter) Allow(context.Context, string, time.Time) (bool, int64, time.Time, error) {
	return false, 61, d.reset, nil
}

func TestRateLimitedRequest(t *testing.T) {
	p := &funcProvider{grammar: sse.Anthropic, open: staticBody(anthropicStop)}
	e := New(Config{
		Provider: p,
		Store:    newMemStore("key"),
		Limiter:  denyLimiter{reset: time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)},
		Logger:   zerolog.Nop(),
	})
	client, _ := serve(t, e)

	send(t, client, protocol.EnhanceRequest{Prompt: "fix my code", TargetModel: protocol.TargetClaude})
	assert.Equal(t, protocol.StreamError{Error: "Rate limit reached. Try again after 14:00 UTC"}, recv(t, client))
	assert.Zero(t, p.calls.Load())
}

func TestContextIsWindowedBeforeUpstream(t *testing.T) {
	var got providers.ChatRequest
	p := &funcProvider{grammar: sse.Anthropic}
	p.open = func(_ context.Context, req providers.ChatRequest) (io.ReadCloser, error) {
		got = req
		return io.NopCloser(strings.NewReader(anthropicStop)), nil
	}
	client, _ := serve(t, newEnhancer(p, newMemStore("key")))

	var ctxMsgs []protocol.ConversationMessage
	for i := 0; i < 12; i++ {
		ctxMsgs = append(ctxMsgs, protocol.ConversationMessage{Role: protocol.RoleUser, Content: "message-" + string(rune('a'+i))})
	}
	send(t, client, protocol.EnhanceRequest{Prompt: "and now?", Context: ctxMsgs, TargetModel: protocol.TargetClaude})
	_ = recv(t, client)

	assert.NotContains(t, got.UserPrompt, "message-a")
	assert.NotContains(t, got.UserPrompt, "message-b")
	assert.Contains(t, got.UserPrompt, "message-c")
	assert.Contains(t, got.UserPrompt, "message-l")
	assert.Contains(t, got.SystemPrompt, "used with Claude (Anthropic)")
}
