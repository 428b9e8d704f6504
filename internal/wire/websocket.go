package wire

import (
	"context"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/mkovalev/wirehub/internal/proto"
)

// wsCodec frames each proto.Frame as one JSON websocket message.
type wsCodec struct {
	conn *websocket.Conn
}

// NewWebsocketCodec wraps an established websocket connection.
func NewWebsocketCodec(conn *websocket.Conn) Codec {
	return &wsCodec{conn: conn}
}

func (c *wsCodec) ReadFrame(ctx context.Context) (proto.Frame, error) {
	var f proto.Frame
	if err := wsjson.Read(ctx, c.conn, &f); err != nil {
		return proto.Frame{}, err
	}
	return f, nil
}

func (c *wsCodec) WriteFrame(ctx context.Context, f proto.Frame) error {
	return wsjson.Write(ctx, c.conn, f)
}

func (c *wsCodec) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}
