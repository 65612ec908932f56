package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rafined/internal/enhancer"
	"rafined/internal/httpapi"
	"rafined/internal/model"
	"rafined/internal/protocol"
	"rafined/internal/providers"
	"rafined/internal/sse"
	"rafined/internal/storage"
)

type staticProvider struct{ body string }

func (staticProvider) Name() string         { return "static" }
func (staticProvider) Grammar() sse.Grammar { return sse.Anthropic }
func (p staticProvider) OpenStream(context.Context, providers.ChatRequest) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(p.body)), nil
}

const anthropicBody = "event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Sharper \"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"prompt\"}}\n\n" +
	"event: message_stop\n" +
	"data: {\"type\":\"message_stop\"}\n\n"

func newServer(t *testing.T) (*client, *storage.Store) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Options{
		Driver:      "sqlite",
		DSN:         "file:" + filepath.Join(t.TempDir(), "cli.db"),
		AutoMigrate: true,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(httpapi.New(httpapi.Config{
		Enhancer: enhancer.New(enhancer.Config{
			Provider: staticProvider{body: anthropicBody},
			Store:    store,
			Logger:   zerolog.Nop(),
		}),
		Store:  store,
		Logger: zerolog.Nop(),
	}).Handler())
	t.Cleanup(srv.Close)
	return newClient(srv.URL, "", 0), store
}

func setKey(t *testing.T, c *client) {
	t.Helper()
	key := "sk-ant-0123456789abcdef"
	var view settingsView
	require.NoError(t, c.do(context.Background(), http.MethodPut, "/api/settings", model.SettingsPatch{APIKey: &key}, &view))
	assert.True(t, view.HasAPIKey)
	assert.NotContains(t, view.APIKey, "0123456789")
}

func TestRunEnhanceAcceptsResult(t *testing.T) {
	c, store := newServer(t)
	setKey(t, c)

	var stdout, stderr bytes.Buffer
	err := runEnhance(context.Background(), c, enhanceParams{
		Prompt: "write a sonnet about rain",
		Target: protocol.TargetClaude,
	}, &stdout, &stderr, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "Sharper prompt\n", stdout.String())

	history, err := store.GetHistory(context.Background(), httpapi.LocalOwner)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "write a sonnet about rain", history[0].OriginalPrompt)
	assert.True(t, history[0].Used)
}

func TestRunEnhancePrintOnly(t *testing.T) {
	c, store := newServer(t)
	setKey(t, c)

	var stdout, stderr bytes.Buffer
	err := runEnhance(context.Background(), c, enhanceParams{
		Prompt:    "write a sonnet about rain",
		Target:    protocol.TargetGemini,
		PrintOnly: true,
	}, &stdout, &stderr, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "Sharper prompt\n", stdout.String())

	history, err := store.GetHistory(context.Background(), httpapi.LocalOwner)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Used)
}

func TestRunEnhanceWithoutKey(t *testing.T) {
	c, _ := newServer(t)
	var stdout, stderr bytes.Buffer
	err := runEnhance(context.Background(), c, enhanceParams{
		Prompt: "write a sonnet about rain",
		Target: protocol.TargetClaude,
	}, &stdout, &stderr, zerolog.Nop())
	assert.ErrorIs(t, err, errNoAPIKey)
	assert.Empty(t, stdout.String())
}

func TestAPIErrorsCarryServerMessage(t *testing.T) {
	c, _ := newServer(t)
	bad := model.Tone("shouty")
	err := c.do(context.Background(), http.MethodPut, "/api/settings", model.SettingsPatch{Tone: &bad}, nil)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Message, "shouty")
}

func TestWSURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":       "ws://localhost:8080/ws",
		"https://rafined.example/":    "wss://rafined.example/ws",
		"https://example.com/rafined": "wss://example.com/rafined/ws",
		"ws://127.0.0.1:9000":         "ws://127.0.0.1:9000/ws",
	}
	for in, want := range cases {
		got, err := newClient(in, "", 0).wsURL()
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := newClient("ftp://x", "", 0).wsURL()
	assert.Error(t, err)

	assert.Equal(t, "https://h", newClient("wss://h", "", 0).httpBase())
}

func TestReadPrompt(t *testing.T) {
	p, err := readPrompt([]string{"make", "it", "better"}, strings.NewReader("ignored"))
	require.NoError(t, err)
	assert.Equal(t, "make it better", p)

	p, err = readPrompt(nil, strings.NewReader("from stdin\n"))
	require.NoError(t, err)
	assert.Equal(t, "from stdin\n", p)

	p, err = readPrompt([]string{"-"}, strings.NewReader("dash"))
	require.NoError(t, err)
	assert.Equal(t, "dash", p)
}

func TestReadContext(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]`), 0o600))
	msgs, err := readContext(good)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"role":"system","content":"x"}]`), 0o600))
	_, err = readContext(bad)
	assert.Error(t, err)

	msgs, err = readContext("")
	require.NoError(t, err)
	assert.Nil(t, msgs)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "a b", summarize("a\nb", 10))
	assert.Equal(t, "abcd…", summarize("abcdefgh", 5))
}
