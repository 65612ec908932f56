// Package breaker guards stream opening with a circuit breaker so a failing
// upstream is not hammered by every new session.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"rafined/internal/providers"
	"rafined/internal/sse"
)

const (
	defaultMaxFailures uint32 = 5
	defaultTimeout            = 30 * time.Second
	defaultInterval           = 60 * time.Second
)

var ErrOpen = errors.New("upstream temporarily unavailable")

type Config struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
	Logger      zerolog.Logger
	// OnStateChange is called after every transition, e.g. to export a gauge.
	OnStateChange func(name string, to gobreaker.State)
}

// Provider protects only the opening of a stream. Failures while reading an
// already open body are not counted.
type Provider struct {
	inner   providers.Provider
	breaker *gobreaker.CircuitBreaker[io.ReadCloser]
}

func Wrap(inner providers.Provider, cfg Config) *Provider {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = defaultMaxFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultInterval
	}
	maxFailures := cfg.MaxFailures
	logger := cfg.Logger

	cb := gobreaker.NewCircuitBreaker[io.ReadCloser](gobreaker.Settings{
		Name:        "upstream:" + inner.Name(),
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, to)
			}
		},
		IsSuccessful: isSuccessful,
	})
	return &Provider{inner: inner, breaker: cb}
}

// isSuccessful treats rejections caused by the caller (bad key, bad request)
// and abandoned requests as healthy upstream responses.
func isSuccessful(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if serr, ok := providers.IsStatus(err); ok && serr.ClientFault() {
		return true
	}
	return false
}

var _ providers.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return p.inner.Name() }

func (p *Provider) Grammar() sse.Grammar { return p.inner.Grammar() }

func (p *Provider) OpenStream(ctx context.Context, req providers.ChatRequest) (io.ReadCloser, error) {
	body, err := p.breaker.Execute(func() (io.ReadCloser, error) {
		return p.inner.OpenStream(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s circuit open", ErrOpen, p.inner.Name())
		}
		return nil, err
	}
	return body, nil
}

func (p *Provider) State() gobreaker.State {
	return p.breaker.State()
}
