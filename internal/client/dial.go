package client

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/mkovalev/wirehub/internal/core"
	"github.com/mkovalev/wirehub/internal/proto"
	"github.com/mkovalev/wirehub/internal/wire"
)

// DialOptions extends Options with transport-level settings.
type DialOptions struct {
	Options
	// HTTPHeader is sent with the websocket upgrade request, for brokers
	// behind a bearer-token gate.
	HTTPHeader http.Header
}

// Dial connects to a broker's websocket endpoint, performs the handshake,
// and returns an active client.
func Dial(ctx context.Context, url string, req Request, opts DialOptions) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: opts.HTTPHeader})
	if err != nil {
		return nil, err
	}
	c := New(wire.NewWebsocketCodec(conn), opts.Options)
	if err := c.Open(ctx, req); err != nil {
		return nil, err
	}
	return c, nil
}

// PublicChannelList runs a simple-query connection: dial, one channel-list
// query, one response, close. It never joins a channel.
func PublicChannelList(ctx context.Context, url, appID string) ([]proto.ChannelInfo, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	codec := wire.NewWebsocketCodec(conn)
	defer codec.Close()

	c := &Client{codec: codec, log: *nopLogger()}
	caps, err := c.readCapabilities(ctx)
	if err != nil {
		return nil, err
	}
	if !caps.Has(proto.TokenSimpleQueries) {
		return nil, core.NewError(core.ErrCodeUnsupportedFeature, "simple queries not supported by server")
	}

	if err := c.write(ctx, proto.Frame{
		TS:   time.Now().UnixMilli(),
		Kind: proto.KindHandshake,
		Data: marshal(proto.HandshakeRequest{}),
	}); err != nil {
		return nil, err
	}
	if err := c.write(ctx, proto.Frame{
		TS:         time.Now().UnixMilli(),
		Management: true,
		Kind:       proto.KindQuery,
		Data:       marshal(proto.Query{What: proto.QueryChannelList, AppID: appID}),
	}); err != nil {
		return nil, err
	}

	f, err := codec.ReadFrame(ctx)
	if err != nil {
		return nil, err
	}
	switch f.Kind {
	case proto.KindChannelList:
		var list proto.ChannelList
		if err := json.Unmarshal(f.Data, &list); err != nil {
			return nil, core.NewError(core.ErrCodeInternal, "malformed channel list")
		}
		return list.Channels, nil
	case proto.KindError:
		return nil, decodeError(f)
	default:
		return nil, core.NewError(core.ErrCodeInternal, "unexpected response to simple query")
	}
}
