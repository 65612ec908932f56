package custom_http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"rafined/internal/providers"
	"rafined/internal/sse"
)

// Config describes an arbitrary streaming endpoint. BodyTemplate is a
// text/template rendered with Model, SystemPrompt, UserPrompt, MaxTokens and
// APIKey; the endpoint must answer with an event stream in Grammar.
type Config struct {
	URL          string
	Headers      map[string]string
	BodyTemplate string
	Method       string
	Grammar      sse.Grammar
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

type Client struct {
	cfg Config
	tpl *template.Template
}

func New(cfg Config) (*Client, error) {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Grammar == nil {
		cfg.Grammar = sse.OpenAI
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("custom http url is empty")
	}
	c := &Client{cfg: cfg}
	if strings.TrimSpace(cfg.BodyTemplate) != "" {
		tpl, err := template.New("custom_http_body").Option("missingkey=zero").Parse(cfg.BodyTemplate)
		if err != nil {
			return nil, fmt.Errorf("parse body template: %w", err)
		}
		c.tpl = tpl
	}
	return c, nil
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Name() string { return "custom_http" }

func (c *Client) Grammar() sse.Grammar { return c.cfg.Grammar }

func (c *Client) OpenStream(ctx context.Context, req providers.ChatRequest) (io.ReadCloser, error) {
	body, err := c.renderBody(req)
	if err != nil {
		return nil, err
	}
	policy := providers.RetryPolicy{MaxRetries: c.cfg.MaxRetries, BackoffBase: c.cfg.BackoffBase}
	return providers.OpenStream(ctx, c.cfg.HTTPClient, policy, func(ctx context.Context) (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, c.cfg.Method, c.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if len(c.cfg.Headers) == 0 {
			httpReq.Header.Set("Content-Type", "application/json")
		} else {
			providers.SetHeaders(httpReq, c.cfg.Headers, req.APIKey)
		}
		return httpReq, nil
	})
}

func (c *Client) renderBody(req providers.ChatRequest) ([]byte, error) {
	if c.tpl == nil {
		payload := map[string]any{
			"model":         req.Model,
			"system_prompt": req.SystemPrompt,
			"prompt":        req.UserPrompt,
			"max_tokens":    req.MaxTokens,
			"stream":        true,
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal custom payload: %w", err)
		}
		return b, nil
	}

	var buf bytes.Buffer
	if err := c.tpl.Execute(&buf, map[string]any{
		"Model":        req.Model,
		"SystemPrompt": jsonString(req.SystemPrompt),
		"UserPrompt":   jsonString(req.UserPrompt),
		"MaxTokens":    req.MaxTokens,
		"APIKey":       req.APIKey,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	return buf.Bytes(), nil
}

// jsonString escapes s for embedding between quotes in a JSON template.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
