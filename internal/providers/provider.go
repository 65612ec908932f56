package providers

import (
	"context"
	"errors"
	"fmt"
	"io"

	"rafined/internal/sse"
)

var (
	ErrUpstreamStatus = errors.New("upstream status")
	ErrNoBody         = errors.New("No response body received")
)

type ChatRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	APIKey       string
}

// Provider opens one streaming completion. The returned body is raw event
// stream text in the provider's Grammar; the caller owns closing it.
type Provider interface {
	Name() string
	Grammar() sse.Grammar
	OpenStream(ctx context.Context, req ChatRequest) (io.ReadCloser, error)
}

// StatusError is a non-2xx upstream response. Its message carries the status
// code and body verbatim.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUpstreamStatus
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// ClientFault reports a rejection caused by the request itself, such as a bad
// API key. These say nothing about upstream health.
func (e *StatusError) ClientFault() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != 429
}
