package enhancer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"rafined/internal/prompt"
	"rafined/internal/protocol"
	"rafined/internal/providers"
	"rafined/internal/providers/breaker"
	"rafined/internal/sse"
)

const readBufferSize = 4096

var errStreamEnded = errors.New("stream ended")

func cleanResult(text string) string {
	return prompt.StripPreamble(text)
}

// run performs one enhancement and reports through post. It returns as soon
// as post reports that the flight was abandoned; nothing it does afterwards
// can reach the peer.
func (e *Enhancer) run(ctx context.Context, owner string, req protocol.EnhanceRequest, log zerolog.Logger, post func(flightEvent) bool) {
	settings, err := e.store.GetSettings(ctx, owner)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Msg("failed to load settings")
		post(flightEvent{kind: evFail, err: errors.New(msgSettings)})
		return
	}
	if strings.TrimSpace(settings.APIKey) == "" {
		post(flightEvent{kind: evNoKey})
		return
	}

	if e.limiter != nil {
		allowed, used, resetAt, err := e.limiter.Allow(ctx, owner, e.now())
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("rate limiter unavailable, allowing request")
		case !allowed:
			log.Info().Int64("used", used).Time("reset_at", resetAt).Msg("rate limited")
			post(flightEvent{kind: evLimited, err: fmt.Errorf("Rate limit reached. Try again after %s UTC", resetAt.UTC().Format("15:04"))})
			return
		}
	}

	body, err := e.provider.OpenStream(ctx, providers.ChatRequest{
		Model:        e.model,
		SystemPrompt: prompt.BuildSystemPrompt(req.TargetModel, settings),
		UserPrompt:   prompt.BuildUserMessage(req.Prompt, req.Context),
		MaxTokens:    e.maxTokens,
		APIKey:       settings.APIKey,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.metrics.UpstreamErrors.WithLabelValues(upstreamReason(err)).Inc()
		post(flightEvent{kind: evFail, err: err})
		return
	}
	defer body.Close()

	err = e.relay(ctx, body, e.provider.Grammar(), log, post)
	switch {
	case ctx.Err() != nil:
		return
	case err == nil || errors.Is(err, errStreamEnded):
		post(flightEvent{kind: evEnd})
	default:
		e.metrics.UpstreamErrors.WithLabelValues(upstreamReason(err)).Inc()
		post(flightEvent{kind: evFail, err: err})
	}
}

// relay feeds body through the decoder and posts every text delta. It returns
// nil when the body ends without an end event, after flushing what is left.
func (e *Enhancer) relay(ctx context.Context, body io.Reader, g sse.Grammar, log zerolog.Logger, post func(flightEvent) bool) error {
	var dec sse.Decoder
	buf := make([]byte, readBufferSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if err := e.dispatch(ctx, dec.Feed(string(buf[:n])), g, log, post); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return e.dispatch(ctx, dec.Flush(), g, log, post)
		}
		if rerr != nil {
			return fmt.Errorf("read stream: %w", rerr)
		}
	}
}

func (e *Enhancer) dispatch(ctx context.Context, events []sse.Event, g sse.Grammar, log zerolog.Logger, post func(flightEvent) bool) error {
	for _, ev := range events {
		if err := g.Fault(ev); err != nil {
			return err
		}
		if g.IsEnd(ev) {
			return errStreamEnded
		}
		text, err := g.Delta(ev)
		if err != nil {
			e.metrics.DecodeSkips.Inc()
			log.Debug().Err(err).Str("event", ev.Kind).Msg("skipping undecodable event")
			continue
		}
		if text == "" {
			continue
		}
		if !post(flightEvent{kind: evChunk, text: text}) {
			return ctx.Err()
		}
	}
	return nil
}

func upstreamReason(err error) string {
	switch {
	case errors.Is(err, providers.ErrUpstreamStatus):
		return "status"
	case errors.Is(err, sse.ErrUpstreamEvent):
		return "event"
	case errors.Is(err, providers.ErrNoBody):
		return "no_body"
	case errors.Is(err, breaker.ErrOpen):
		return "breaker"
	default:
		return "transport"
	}
}
