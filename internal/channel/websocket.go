package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"rafined/internal/protocol"
)

const wsReadLimit = 1 << 20

// WSConn is a Conn over one WebSocket connection, one JSON message per frame.
// Cancelling the context passed to Recv tears the connection down.
type WSConn struct {
	ws        *websocket.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// Accept upgrades an HTTP request. The caller must keep the handler running
// for as long as the connection is in use.
func Accept(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (*WSConn, error) {
	ws, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	return newWSConn(ws), nil
}

func Dial(ctx context.Context, url string, header http.Header) (*WSConn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return newWSConn(ws), nil
}

func newWSConn(ws *websocket.Conn) *WSConn {
	ws.SetReadLimit(wsReadLimit)
	return &WSConn{ws: ws, closed: make(chan struct{})}
}

func (c *WSConn) Send(ctx context.Context, m protocol.Message) error {
	if c.isClosed() {
		return ErrClosed
	}
	raw, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := wsjson.Write(ctx, c.ws, json.RawMessage(raw)); err != nil {
		return c.mapErr(err)
	}
	return nil
}

func (c *WSConn) Recv(ctx context.Context) (protocol.Message, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	var raw json.RawMessage
	if err := wsjson.Read(ctx, c.ws, &raw); err != nil {
		mapped := c.mapErr(err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, mapped
	}
	// An unknown message type leaves the connection usable.
	return protocol.Decode(raw)
}

func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (c *WSConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// mapErr folds every transport failure into ErrClosed; a WebSocket that
// failed once is unusable.
func (c *WSConn) mapErr(err error) error {
	_ = c.Close()
	if status := websocket.CloseStatus(err); status != -1 {
		return fmt.Errorf("%w: peer closed with %v", ErrClosed, status)
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}
