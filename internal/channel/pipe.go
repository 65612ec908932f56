package channel

import (
	"context"
	"sync"

	"rafined/internal/protocol"
)

const pipeBuffer = 64

type pipe struct {
	closed chan struct{}
	once   sync.Once
}

func (p *pipe) close() {
	p.once.Do(func() { close(p.closed) })
}

type pipeEnd struct {
	p   *pipe
	in  <-chan protocol.Message
	out chan<- protocol.Message
}

// NewPipe returns the two ends of an in-process channel.
func NewPipe() (Conn, Conn) {
	p := &pipe{closed: make(chan struct{})}
	ab := make(chan protocol.Message, pipeBuffer)
	ba := make(chan protocol.Message, pipeBuffer)
	return &pipeEnd{p: p, in: ba, out: ab}, &pipeEnd{p: p, in: ab, out: ba}
}

func (e *pipeEnd) Send(ctx context.Context, m protocol.Message) error {
	select {
	case <-e.p.closed:
		return ErrClosed
	default:
	}
	select {
	case e.out <- m:
		return nil
	case <-e.p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *pipeEnd) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-e.in:
		return m, nil
	case <-e.p.closed:
		select {
		case m := <-e.in:
			return m, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *pipeEnd) Close() error {
	e.p.close()
	return nil
}
