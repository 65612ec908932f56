// Package enhancer serves enhancement requests arriving over a channel. Each
// channel gets one loop that owns all session state and every outbound send;
// upstream calls run in their own goroutine and report back to the loop.
package enhancer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rafined/internal/channel"
	"rafined/internal/metrics"
	"rafined/internal/model"
	"rafined/internal/protocol"
	"rafined/internal/providers"
)

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 4096
)

const (
	msgBusy           = "An enhancement is already in progress"
	msgPromptTooShort = "Prompt must be at least %d characters"
	msgSettings       = "Failed to load settings"
)

type Store interface {
	GetSettings(ctx context.Context, owner string) (model.Settings, error)
	AddToHistory(ctx context.Context, owner string, e model.NewHistoryEntry) (model.HistoryEntry, error)
}

type Limiter interface {
	Allow(ctx context.Context, owner string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error)
}

type Config struct {
	Provider  providers.Provider
	Store     Store
	Limiter   Limiter
	Model     string
	MaxTokens int
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Enhancer struct {
	provider  providers.Provider
	store     Store
	limiter   Limiter
	model     string
	maxTokens int
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func New(cfg Config) *Enhancer {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Enhancer{
		provider:  cfg.Provider,
		store:     cfg.Store,
		limiter:   cfg.Limiter,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger.With().Str("component", "enhancer").Logger(),
		metrics:   m,
		now:       cfg.Now,
	}
}

type inbound struct {
	msg protocol.Message
	err error
}

// flight is one upstream call. Only the serve loop touches it.
type flight struct {
	id     string
	req    protocol.EnhanceRequest
	cancel context.CancelFunc
	start  time.Time
	text   strings.Builder
	log    zerolog.Logger
}

type eventKind int

const (
	evChunk eventKind = iota
	evEnd
	evFail
	evNoKey
	evLimited
)

type flightEvent struct {
	flight string
	kind   eventKind
	text   string
	err    error
}

// Serve runs the protocol for one channel until the peer disconnects or ctx
// ends. It closes conn before returning.
func (e *Enhancer) Serve(ctx context.Context, conn channel.Conn, owner string) error {
	log := e.logger.With().Str("owner", owner).Logger()
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	in := make(chan inbound)
	go func() {
		for {
			m, err := conn.Recv(ctx)
			select {
			case in <- inbound{msg: m, err: err}:
			case <-done:
				return
			}
			if err != nil && !recoverable(err) {
				return
			}
		}
	}()

	events := make(chan flightEvent)
	var wg sync.WaitGroup
	defer wg.Wait()

	var cur *flight
	abandon := func(reason string) {
		if cur == nil {
			return
		}
		cur.cancel()
		cur.log.Debug().Str("reason", reason).Msg("session abandoned")
		e.finish(cur, metrics.OutcomeCancelled)
		cur = nil
	}
	defer func() { abandon("serve exit") }()

	send := func(m protocol.Message) {
		if !channel.SendSilently(ctx, conn, m) {
			log.Debug().Str("type", string(m.Type())).Msg("send dropped, channel closed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-in:
			if msg.err != nil {
				if recoverable(msg.err) {
					log.Warn().Err(msg.err).Msg("ignoring undecodable message")
					continue
				}
				abandon("disconnect")
				if errors.Is(msg.err, channel.ErrClosed) || ctx.Err() != nil {
					return nil
				}
				return msg.err
			}

			switch m := msg.msg.(type) {
			case protocol.EnhanceRequest:
				if cur != nil {
					send(protocol.StreamError{Error: msgBusy})
					continue
				}
				req, err := normalize(m)
				if err != nil {
					send(protocol.StreamError{Error: err.Error()})
					continue
				}
				cur = e.launch(ctx, &wg, events, owner, req, log)

			case protocol.CancelStream:
				abandon("cancelled")

			default:
				log.Debug().Str("type", string(m.Type())).Msg("ignoring unexpected message")
			}

		case ev := <-events:
			if cur == nil || ev.flight != cur.id {
				continue
			}
			switch ev.kind {
			case evChunk:
				cur.text.WriteString(ev.text)
				e.metrics.Chunks.Inc()
				send(protocol.StreamChunk{Text: ev.text})

			case evEnd:
				send(e.finalize(ctx, cur, owner))
				e.finish(cur, metrics.OutcomeDone)
				cur = nil

			case evNoKey:
				send(protocol.NoAPIKey{})
				e.finish(cur, metrics.OutcomeNoAPIKey)
				cur = nil

			case evLimited:
				send(protocol.StreamError{Error: ev.err.Error()})
				e.finish(cur, metrics.OutcomeRateLimited)
				cur = nil

			case evFail:
				cur.log.Warn().Err(ev.err).Msg("enhancement failed")
				send(protocol.StreamError{Error: ev.err.Error()})
				e.finish(cur, metrics.OutcomeError)
				cur = nil
			}
		}
	}
}

func (e *Enhancer) launch(ctx context.Context, wg *sync.WaitGroup, events chan<- flightEvent, owner string, req protocol.EnhanceRequest, log zerolog.Logger) *flight {
	fctx, cancel := context.WithCancel(ctx)
	f := &flight{
		id:     uuid.NewString(),
		req:    req,
		cancel: cancel,
		start:  e.now(),
	}
	f.log = log.With().Str("session_id", f.id).Str("target", string(req.TargetModel)).Logger()
	f.log.Debug().Int("context_messages", len(req.Context)).Msg("session started")
	e.metrics.ActiveSessions.Inc()

	post := func(ev flightEvent) bool {
		ev.flight = f.id
		select {
		case events <- ev:
			return true
		case <-fctx.Done():
			return false
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.run(fctx, owner, req, f.log, post)
	}()
	return f
}

func (e *Enhancer) finish(f *flight, outcome string) {
	f.cancel()
	e.metrics.ActiveSessions.Dec()
	e.metrics.Sessions.WithLabelValues(outcome).Inc()
	e.metrics.SessionDuration.Observe(e.now().Sub(f.start).Seconds())
}

// finalize post-processes the accumulated text and records it. A storage
// failure is logged and the result is still delivered, without a history id.
func (e *Enhancer) finalize(ctx context.Context, f *flight, owner string) protocol.StreamDone {
	cleaned := cleanResult(f.text.String())
	entry, err := e.store.AddToHistory(ctx, owner, model.NewHistoryEntry{
		OriginalPrompt: f.req.Prompt,
		EnhancedPrompt: cleaned,
		TargetModel:    f.req.TargetModel,
		Timestamp:      e.now(),
	})
	if err != nil {
		f.log.Error().Err(err).Msg("failed to save history entry")
		return protocol.StreamDone{FullText: cleaned}
	}
	f.log.Info().Str("history_id", entry.ID).Int("chars", len(cleaned)).Msg("enhancement complete")
	return protocol.StreamDone{FullText: cleaned, HistoryID: entry.ID}
}

// normalize validates a request from a possibly untrusted peer and bounds its
// context the same way Requesters do.
func normalize(req protocol.EnhanceRequest) (protocol.EnhanceRequest, error) {
	if len([]rune(strings.TrimSpace(req.Prompt))) < protocol.MinPromptLength {
		return req, fmt.Errorf(msgPromptTooShort, protocol.MinPromptLength)
	}
	target, err := protocol.ParseTargetModel(string(req.TargetModel))
	if err != nil {
		return req, err
	}
	req.TargetModel = target
	req.Context = protocol.WindowContext(req.Context)
	return req, nil
}

func recoverable(err error) bool {
	return errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrUnknownType)
}
