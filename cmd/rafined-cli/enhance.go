package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"rafined/internal/channel"
	"rafined/internal/protocol"
	"rafined/internal/session"
)

var (
	errCancelled = errors.New("enhancement cancelled")
	errNoAPIKey  = errors.New("no API key configured, set one with: rafined-cli settings --api-key <key>")
)

type enhanceParams struct {
	Prompt  string
	Context []protocol.ConversationMessage
	Target  protocol.TargetModel
	// PrintOnly writes the result without marking the history entry used.
	PrintOnly bool
}

// runEnhance streams a preview to stderr and writes the accepted prompt to
// stdout. Cancelling ctx cancels the enhancement.
func runEnhance(ctx context.Context, c *client, p enhanceParams, stdout, stderr io.Writer, logger zerolog.Logger) error {
	wsURL, err := c.wsURL()
	if err != nil {
		return err
	}

	finished := make(chan session.View, 1)
	printed := 0
	req := session.NewRequester(session.Config{
		Dial: func(ctx context.Context) (channel.Conn, error) {
			conn, err := channel.Dial(ctx, wsURL, c.header())
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
		Insert: func(_ context.Context, text string) error {
			_, err := fmt.Fprintln(stdout, text)
			return err
		},
		MarkUsed: c.markUsed,
		Render: func(v session.View) {
			if v.State == session.Streaming && len(v.Text) > printed {
				fmt.Fprint(stderr, v.Text[printed:])
				printed = len(v.Text)
			}
			if v.State.Terminal() {
				select {
				case finished <- v:
				default:
				}
			}
		},
		Logger: logger,
	})

	if err := req.StartSession(context.Background(), p.Prompt, p.Context, p.Target); err != nil {
		return err
	}

	var v session.View
	select {
	case v = <-finished:
	case <-ctx.Done():
		req.Cancel()
		v = <-finished
	}
	if printed > 0 {
		fmt.Fprintln(stderr)
	}

	switch v.State {
	case session.Done:
		if p.PrintOnly {
			_, err := fmt.Fprintln(stdout, v.Text)
			_ = req.DiscardResult()
			return err
		}
		return req.AcceptResult(context.Background(), v.Text)
	case session.NoAPIKey:
		return errNoAPIKey
	case session.Cancelled:
		return errCancelled
	default:
		return fmt.Errorf("enhancement failed: %s", v.Error)
	}
}

// readPrompt joins args, or reads stdin when there are none or the only
// argument is "-".
func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.Join(args, " "), nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	return string(b), nil
}

// readContext loads prior conversation turns from a JSON array file.
func readContext(path string) ([]protocol.ConversationMessage, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}
	var msgs []protocol.ConversationMessage
	if err := json.Unmarshal(b, &msgs); err != nil {
		return nil, fmt.Errorf("parse context: %w", err)
	}
	for i, m := range msgs {
		if m.Role != protocol.RoleUser && m.Role != protocol.RoleAssistant {
			return nil, fmt.Errorf("context message %d: unsupported role %q", i, m.Role)
		}
	}
	return msgs, nil
}
