package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxErrorBody = 64 << 10

// RetryPolicy governs reopening a stream before any byte of it was consumed.
// Once a body is handed to the caller nothing is retried.
type RetryPolicy struct {
	MaxRetries  int
	BackoffBase time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.BackoffBase <= 0 {
		p.BackoffBase = 400 * time.Millisecond
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// OpenStream sends the request built by newReq and returns the response body
// on a 2xx status. Transport errors, 5xx and 429 are retried with exponential
// backoff; any other status fails at once with a *StatusError.
func OpenStream(ctx context.Context, client *http.Client, policy RetryPolicy, newReq func(ctx context.Context) (*http.Request, error)) (io.ReadCloser, error) {
	policy = policy.normalized()

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		body, retry, err := openOnce(ctx, client, newReq)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retry || attempt == policy.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.BackoffBase * (1 << attempt)):
		}
	}
	return nil, lastErr
}

func openOnce(ctx context.Context, client *http.Client, newReq func(ctx context.Context) (*http.Request, error)) (body io.ReadCloser, retry bool, err error) {
	req, err := newReq(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{StatusCode: resp.StatusCode, Body: string(b)}
		return nil, serr.Temporary(), serr
	}

	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return nil, false, ErrNoBody
	}
	return resp.Body, false, nil
}

// SetHeaders applies static headers, replacing {{api_key}} with key.
func SetHeaders(req *http.Request, headers map[string]string, key string) {
	for k, v := range headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", key))
	}
}

// IsStatus reports whether err is a *StatusError and returns it.
func IsStatus(err error) (*StatusError, bool) {
	var serr *StatusError
	if errors.As(err, &serr) {
		return serr, true
	}
	return nil, false
}
