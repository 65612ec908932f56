package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newGet(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestOpenStreamRetriesTemporaryStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "data: ok\n\n")
	}))
	defer srv.Close()

	body, err := OpenStream(context.Background(), srv.Client(), RetryPolicy{MaxRetries: 2, BackoffBase: time.Millisecond}, newGet(srv.URL))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer body.Close()
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

func TestOpenStreamDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "bad request")
	}))
	defer srv.Close()

	_, err := OpenStream(context.Background(), srv.Client(), RetryPolicy{MaxRetries: 3, BackoffBase: time.Millisecond}, newGet(srv.URL))
	serr, ok := IsStatus(err)
	if !ok {
		t.Fatalf("expected status error, got %v", err)
	}
	if serr.StatusCode != http.StatusBadRequest || !serr.ClientFault() || serr.Temporary() {
		t.Fatalf("unexpected classification %+v", serr)
	}
	if err.Error() != "API error 400: bad request" {
		t.Fatalf("unexpected text %q", err.Error())
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 call, got %d", calls.Load())
	}
}

func TestOpenStreamEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := OpenStream(context.Background(), srv.Client(), RetryPolicy{}, newGet(srv.URL))
	if !errors.Is(err, ErrNoBody) {
		t.Fatalf("expected ErrNoBody, got %v", err)
	}
	if err.Error() != "No response body received" {
		t.Fatalf("unexpected text %q", err.Error())
	}
}

func TestOpenStreamCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := OpenStream(ctx, srv.Client(), RetryPolicy{MaxRetries: 5}, newGet(srv.URL))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
