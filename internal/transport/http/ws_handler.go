package http

import (
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkovalev/wirehub/internal/broker"
	"github.com/mkovalev/wirehub/internal/core"
	"github.com/mkovalev/wirehub/internal/log"
	"github.com/mkovalev/wirehub/internal/wire"
)

// WSHandler upgrades HTTP connections and hands them to a ClientHandler.
// It is a plain stdlib handler: the upgrade hijacks the connection and must
// see the raw ResponseWriter, not a framework wrapper.
type WSHandler struct {
	registry *core.Registry
	features broker.Features
	log      *zerolog.Logger
}

// NewWSHandler builds the websocket endpoint.
func NewWSHandler(registry *core.Registry, features broker.Features, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{registry: registry, features: features, log: logger}
}

// ServeHTTP blocks until the session has fully terminated, so the request
// context stays alive for the session's duration.
func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}

	connLog := log.ForConn(h.log, uuid.NewString())
	connLog.Debug().Str("remote", r.RemoteAddr).Msg("connection accepted")

	handler := broker.NewClientHandler(wire.NewWebsocketCodec(conn), h.registry, h.features, connLog)
	handler.Run(r.Context())

	connLog.Debug().Msg("connection closed")
}
