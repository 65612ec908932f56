package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"rafined/internal/channel"
	"rafined/internal/protocol"
)

var (
	ErrPromptTooShort = fmt.Errorf("prompt must be at least %d characters", protocol.MinPromptLength)
	ErrSessionActive  = errors.New("an enhancement is already in progress")
	ErrNotDone        = errors.New("no finished enhancement to accept")
)

// View is what the presentation collaborator renders.
type View struct {
	State State
	Text  string
	Error string
}

type Config struct {
	// Dial opens a fresh channel to the Enhancer for every session.
	Dial func(ctx context.Context) (channel.Conn, error)
	// Insert receives accepted text. An error keeps the result in Done.
	Insert func(ctx context.Context, text string) error
	// MarkUsed is optional and called after a successful Insert.
	MarkUsed func(ctx context.Context, historyID string) error
	// Render is called after every transition, in order, with the session
	// lock held. It must not call back into the Requester.
	Render func(View)
	Logger zerolog.Logger
}

type Requester struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.Mutex
	snap Snapshot
	conn channel.Conn
	gen  uint64
}

func NewRequester(cfg Config) *Requester {
	if cfg.Render == nil {
		cfg.Render = func(View) {}
	}
	if cfg.Insert == nil {
		cfg.Insert = func(context.Context, string) error { return nil }
	}
	return &Requester{cfg: cfg, logger: cfg.Logger.With().Str("component", "requester").Logger()}
}

func (r *Requester) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view()
}

func (r *Requester) view() View {
	return View{State: r.snap.State, Text: r.snap.Text, Error: r.snap.Error}
}

// StartSession opens a channel and sends the request. Context is windowed
// here, at collection time. A finished but unresolved session is discarded.
func (r *Requester) StartSession(ctx context.Context, promptText string, convo []protocol.ConversationMessage, target protocol.TargetModel) error {
	promptText = strings.TrimSpace(promptText)
	if len([]rune(promptText)) < protocol.MinPromptLength {
		return ErrPromptTooShort
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snap.State.Active() {
		return ErrSessionActive
	}
	if r.snap.State.Terminal() {
		r.apply(ctx, Discard{})
	}

	conn, err := r.cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	r.gen++
	r.conn = conn

	r.apply(ctx, Start{Request: protocol.EnhanceRequest{
		Prompt:      promptText,
		Context:     protocol.WindowContext(convo),
		TargetModel: target,
	}})
	go r.readLoop(r.gen, conn)
	return nil
}

// Cancel is a no-op unless a call is in flight. It does not wait for the
// Enhancer to abort.
func (r *Requester) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apply(context.Background(), Cancel{})
}

func (r *Requester) AcceptResult(ctx context.Context, finalText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snap.State != Done {
		return ErrNotDone
	}
	if err := r.cfg.Insert(ctx, finalText); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	r.apply(ctx, Accept{Text: finalText})
	return nil
}

func (r *Requester) DiscardResult() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snap.State.Active() {
		return ErrSessionActive
	}
	r.apply(context.Background(), Discard{})
	return nil
}

func (r *Requester) readLoop(gen uint64, conn channel.Conn) {
	ctx := context.Background()
	for {
		m, err := conn.Recv(ctx)
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) || errors.Is(err, protocol.ErrUnknownType) {
				r.logger.Warn().Err(err).Msg("ignoring undecodable message")
				continue
			}
			r.deliver(gen, Disconnected{})
			return
		}
		r.deliver(gen, Received{Message: m})
		if protocol.Terminal(m) {
			return
		}
	}
}

func (r *Requester) deliver(gen uint64, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen {
		return
	}
	r.apply(context.Background(), ev)
}

// apply runs one transition and its effects. Callers hold mu.
func (r *Requester) apply(ctx context.Context, ev Event) {
	next, effects := Transition(r.snap, ev)
	r.snap = next
	for _, eff := range effects {
		switch eff := eff.(type) {
		case Open:
			// The channel is dialled before the transition; nothing left to do.
		case Send:
			if r.conn != nil && !channel.SendSilently(ctx, r.conn, eff.Message) {
				r.logger.Debug().Str("type", string(eff.Message.Type())).Msg("send dropped, channel closed")
			}
		case Close:
			if r.conn != nil {
				_ = r.conn.Close()
				r.conn = nil
			}
		case Insert:
			if eff.HistoryID != "" && r.cfg.MarkUsed != nil {
				if err := r.cfg.MarkUsed(ctx, eff.HistoryID); err != nil {
					r.logger.Warn().Err(err).Str("history_id", eff.HistoryID).Msg("failed to mark history entry used")
				}
			}
		case Render:
			r.cfg.Render(r.view())
		}
	}
}
