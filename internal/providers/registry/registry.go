package registry

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"rafined/internal/providers"
	"rafined/internal/providers/anthropic_messages"
	"rafined/internal/providers/custom_http"
	"rafined/internal/providers/openai_compat"
	"rafined/internal/sse"
)

type BuildOptions struct {
	Kind         string
	BaseURL      string
	Headers      map[string]string
	Grammar      string
	BodyTemplate string
	Method       string
	HTTPClient   *http.Client
	MaxRetries   int
	BackoffBase  time.Duration
}

func Build(opts BuildOptions) (providers.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "anthropic", "anthropic_messages", "anthropic-messages", "":
		return anthropic_messages.New(anthropic_messages.Config{
			BaseURL:     opts.BaseURL,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case "openai_compat", "openai-compatible", "openai":
		return openai_compat.New(openai_compat.Config{
			BaseURL:     opts.BaseURL,
			Headers:     opts.Headers,
			HTTPClient:  opts.HTTPClient,
			MaxRetries:  opts.MaxRetries,
			BackoffBase: opts.BackoffBase,
		}), nil

	case "custom_http", "custom-http":
		grammar := sse.OpenAI
		if strings.TrimSpace(opts.Grammar) != "" {
			g, err := sse.GrammarFor(opts.Grammar)
			if err != nil {
				return nil, err
			}
			grammar = g
		}
		return custom_http.New(custom_http.Config{
			URL:          opts.BaseURL,
			Headers:      opts.Headers,
			BodyTemplate: opts.BodyTemplate,
			Method:       opts.Method,
			Grammar:      grammar,
			HTTPClient:   opts.HTTPClient,
			MaxRetries:   opts.MaxRetries,
			BackoffBase:  opts.BackoffBase,
		})

	default:
		return nil, fmt.Errorf("unsupported provider kind %q", opts.Kind)
	}
}
