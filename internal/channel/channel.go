// Package channel carries protocol messages between a Requester and the
// Enhancer. Messages arrive in send order; closing either end closes both.
package channel

import (
	"context"
	"errors"

	"rafined/internal/protocol"
)

var ErrClosed = errors.New("channel closed")

type Conn interface {
	Send(ctx context.Context, m protocol.Message) error
	// Recv blocks for the next message. After the channel closes it still
	// returns messages already delivered, then ErrClosed.
	Recv(ctx context.Context) (protocol.Message, error)
	Close() error
}

// SendSilently delivers m and reports whether it got through. A closed or
// broken channel is not an error for callers that have nobody left to tell.
func SendSilently(ctx context.Context, c Conn, m protocol.Message) bool {
	return c.Send(ctx, m) == nil
}
