package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"rafined/internal/channel"
	"rafined/internal/protocol"
	"rafined/internal/session"
)

// Telegram rejects longer messages.
const maxMessageRunes = 4000

// userSession is one user's Requester and the chat message that shows it.
type userSession struct {
	userID int64
	req    *session.Requester
	views  chan session.View

	mu          sync.Mutex
	chatID      int64
	messageID   int64
	promptMsgID int64
}

func (u *userSession) target() (chatID, messageID, promptMsgID int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.chatID, u.messageID, u.promptMsgID
}

// push keeps only the latest view so a slow chat never blocks the session.
func (u *userSession) push(v session.View) {
	for {
		select {
		case u.views <- v:
			return
		default:
		}
		select {
		case <-u.views:
		default:
		}
	}
}

func (s *Service) userSession(userID int64) *userSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		return u
	}
	owner := ownerFor(userID)
	u := &userSession{userID: userID, views: make(chan session.View, 1)}
	u.req = session.NewRequester(session.Config{
		Dial: func(context.Context) (channel.Conn, error) {
			local, remote := channel.NewPipe()
			go func() {
				if err := s.enhancer.Serve(s.ctx, remote, owner); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Warn().Err(err).Str("owner", owner).Msg("enhancer channel failed")
				}
			}()
			return local, nil
		},
		Insert: func(ctx context.Context, text string) error {
			chatID, _, promptMsgID := u.target()
			_, err := s.msg.Send(ctx, chatID, text, promptMsgID, nil)
			return err
		},
		MarkUsed: func(ctx context.Context, historyID string) error {
			return s.store.MarkHistoryUsed(ctx, owner, historyID)
		},
		Render: u.push,
		Logger: s.logger.With().Str("owner", owner).Logger(),
	})
	s.users[userID] = u
	go s.renderLoop(u)
	return u
}

func (s *Service) renderLoop(u *userSession) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case v := <-u.views:
			if v.State == session.Idle {
				continue
			}
			chatID, msgID, _ := u.target()
			text, markup := renderView(v)
			if err := s.msg.Edit(s.ctx, chatID, msgID, text, markup); err != nil {
				s.logger.Debug().Err(err).Int64("chat_id", chatID).Msg("failed to update live message")
			}
			if v.State.Terminal() {
				continue
			}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.editInterval):
			}
		}
	}
}

// startEnhancement posts the live message and opens a session for it.
func (s *Service) startEnhancement(ctx context.Context, chatID, userID, promptMsgID int64, args string, convo []protocol.ConversationMessage) error {
	target, promptText := parseEnhanceArgs(args)
	if len([]rune(promptText)) < protocol.MinPromptLength {
		_, err := s.msg.Send(ctx, chatID, usageEnhance, promptMsgID, nil)
		return err
	}

	u := s.userSession(userID)
	if u.req.View().State.Active() {
		_, err := s.msg.Send(ctx, chatID, msgAlreadyRunning, promptMsgID, nil)
		return err
	}

	text, markup := renderView(session.View{State: session.AwaitingFirstByte})
	msgID, err := s.msg.Send(ctx, chatID, text, promptMsgID, markup)
	if err != nil {
		return fmt.Errorf("send live message: %w", err)
	}

	u.mu.Lock()
	u.chatID, u.messageID, u.promptMsgID = chatID, msgID, promptMsgID
	u.mu.Unlock()
	_ = s.edits.Clear(ctx, userID)

	err = u.req.StartSession(ctx, promptText, convo, target)
	switch {
	case errors.Is(err, session.ErrSessionActive):
		return s.msg.Edit(ctx, chatID, msgID, msgAlreadyRunning, nil)
	case err != nil:
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to start enhancement")
		return s.msg.Edit(ctx, chatID, msgID, msgUnavailable, nil)
	}
	return nil
}

// liveSession returns the user's session when messageID is its live message.
func (s *Service) liveSession(userID, messageID int64) (*userSession, bool) {
	s.mu.Lock()
	u, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	_, current, _ := u.target()
	return u, current == messageID
}

// act applies a button press and returns the callback answer.
func (s *Service) act(ctx context.Context, userID, messageID int64, action string) string {
	u, ok := s.liveSession(userID, messageID)
	if !ok {
		return msgStale
	}
	chatID, _, _ := u.target()

	switch action {
	case cbCancel:
		u.req.Cancel()
		return ""

	case cbUse:
		v := u.req.View()
		if err := u.req.AcceptResult(ctx, v.Text); err != nil {
			return answerFor(err)
		}
		_ = s.edits.Clear(ctx, userID)
		_ = s.msg.Edit(ctx, chatID, messageID, clip(v.Text), nil)
		return "Sent."

	case cbEdit:
		if u.req.View().State != session.Done {
			return msgStale
		}
		if err := s.edits.Set(ctx, userID, pendingEdit{ChatID: chatID, MessageID: messageID}); err != nil {
			s.logger.Error().Err(err).Int64("user_id", userID).Msg("failed to store pending edit")
			return msgUnavailable
		}
		_, _ = s.msg.Send(ctx, chatID, msgSendEdit, messageID, nil)
		return ""

	case cbDiscard:
		if err := u.req.DiscardResult(); err != nil {
			return answerFor(err)
		}
		_ = s.edits.Clear(ctx, userID)
		_ = s.msg.Edit(ctx, chatID, messageID, msgDiscarded, nil)
		return ""

	default:
		return fmt.Sprintf("Unknown action: %s", action)
	}
}

// applyEdit uses text in place of the finished result when the user has a
// pending edit in this chat. It reports whether the message was consumed.
func (s *Service) applyEdit(ctx context.Context, chatID, userID int64, text string) (bool, error) {
	edit, err := s.edits.Get(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load pending edit: %w", err)
	}
	if edit == nil || edit.ChatID != chatID {
		return false, nil
	}
	_ = s.edits.Clear(ctx, userID)

	u, ok := s.liveSession(userID, edit.MessageID)
	if !ok {
		_, err := s.msg.Send(ctx, chatID, msgStale, 0, nil)
		return true, err
	}
	if err := u.req.AcceptResult(ctx, text); err != nil {
		_, serr := s.msg.Send(ctx, chatID, answerFor(err), 0, nil)
		return true, serr
	}
	return true, s.msg.Edit(ctx, chatID, edit.MessageID, clip(text), nil)
}

func (s *Service) cancelFor(ctx context.Context, userID int64) bool {
	_ = s.edits.Clear(ctx, userID)
	s.mu.Lock()
	u, ok := s.users[userID]
	s.mu.Unlock()
	if !ok || !u.req.View().State.Active() {
		return false
	}
	u.req.Cancel()
	return true
}

// parseEnhanceArgs reads an optional leading target model.
func parseEnhanceArgs(args string) (protocol.TargetModel, string) {
	args = strings.TrimSpace(args)
	first, rest := splitFirstWord(args)
	if t, err := protocol.ParseTargetModel(first); err == nil && first != "" {
		return t, strings.TrimSpace(rest)
	}
	return protocol.TargetClaude, args
}

func answerFor(err error) string {
	switch {
	case errors.Is(err, session.ErrNotDone), errors.Is(err, session.ErrSessionActive):
		return msgStale
	default:
		return msgUnavailable
	}
}

func clip(text string) string {
	r := []rune(text)
	if len(r) <= maxMessageRunes {
		return text
	}
	return string(r[:maxMessageRunes-1]) + "…"
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexAny(s, " \n\t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}
