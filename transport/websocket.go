package transport

import (
	"context"
	"fmt"

	"github.com/coder/websocket"

	"hostmux/mux"
	"hostmux/util"
)

// DialWebSocket connects to a ws:// or wss:// peer and returns a frame
// transport carrying one binary message per frame.
func DialWebSocket(ctx context.Context, url string, logger *util.Logger) (mux.Transport, error) {
	return DialWebSocketLimits(ctx, url, Limits{}, logger)
}

// DialWebSocketLimits is DialWebSocket with explicit decoder limits.
func DialWebSocketLimits(ctx context.Context, url string, lim Limits, logger *util.Logger) (mux.Transport, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	c.SetReadLimit(int64(lim.maxPayload()) + int64(frameHeaderLen))
	logger.Verbose("websocket: connected to %s", url)

	ctx, cancel := context.WithCancel(context.Background())
	return &wsTransport{c: c, lim: lim, ctx: ctx, cancel: cancel}, nil
}

// wsTransport frames over websocket binary messages.  Message
// boundaries replace the stream codec's own framing on the read side;
// the header still travels so both carrier kinds stay wire-compatible.
type wsTransport struct {
	c   *websocket.Conn
	lim Limits

	ctx    context.Context
	cancel context.CancelFunc
}

func (t *wsTransport) Send(f mux.Frame) error {
	return t.c.Write(t.ctx, websocket.MessageBinary, marshalFrame(f))
}

func (t *wsTransport) Receive() (mux.Frame, error) {
	typ, data, err := t.c.Read(t.ctx)
	if err != nil {
		return mux.Frame{}, err
	}
	if typ != websocket.MessageBinary {
		return mux.Frame{}, fmt.Errorf("unexpected %v websocket message", typ)
	}
	return unmarshalFrame(data, t.lim)
}

func (t *wsTransport) Close() error {
	t.cancel()
	return t.c.Close(websocket.StatusNormalClosure, "")
}
