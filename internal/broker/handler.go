// Package broker holds the server side of the session protocol: one
// ClientHandler per accepted connection, driving the handshake, the dispatch
// loop, and the feature-gated server commands.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkovalev/wirehub/internal/auth"
	"github.com/mkovalev/wirehub/internal/core"
	"github.com/mkovalev/wirehub/internal/proto"
	"github.com/mkovalev/wirehub/internal/wire"
)

// outboundBuffer bounds the per-connection write queue. A member that cannot
// keep up is kicked rather than allowed to stall channel broadcasts.
const outboundBuffer = 256

// ClientHandler owns one server-side connection: handshake, membership, and
// the read/dispatch loop. It implements core.Member for its channel.
type ClientHandler struct {
	codec    wire.Codec
	registry *core.Registry
	features Features
	log      zerolog.Logger

	// Populated during the handshake, after validation. A simple-query
	// connection never populates them.
	userID  string
	appID   string
	channel *core.Channel

	out       chan proto.Frame
	done      chan struct{}
	closeOnce sync.Once
}

// NewClientHandler wraps an accepted connection.
func NewClientHandler(codec wire.Codec, registry *core.Registry, features Features, logger zerolog.Logger) *ClientHandler {
	return &ClientHandler{
		codec:    codec,
		registry: registry,
		features: features,
		log:      logger,
		out:      make(chan proto.Frame, outboundBuffer),
		done:     make(chan struct{}),
	}
}

// UserID returns the member id assigned at handshake.
func (h *ClientHandler) UserID() string {
	return h.userID
}

// Deliver enqueues a frame for the connection's writer without blocking.
// A full queue means the consumer is too slow; it gets kicked so one stalled
// connection cannot block a channel broadcast.
func (h *ClientHandler) Deliver(f proto.Frame) {
	select {
	case <-h.done:
	case h.out <- f:
	default:
		h.log.Warn().Str("user", h.userID).Msg("outbound queue full, kicking slow consumer")
		h.Kick()
	}
}

// Kick initiates session teardown. Safe to call repeatedly and from inside a
// channel's lock: it only signals, it never calls back into the channel.
func (h *ClientHandler) Kick() {
	h.closeOnce.Do(func() {
		close(h.done)
	})
}

// Run drives the session to completion: handshake, then the dispatch loop,
// then teardown. It returns once the transport is closed and the channel (if
// any was joined) has observed the departure.
func (h *ClientHandler) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-h.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx)
	}()

	if err := h.handshake(ctx); err != nil {
		h.log.Debug().Err(err).Msg("handshake failed")
		h.Deliver(proto.ErrorFrame(core.ErrorCode(err), err.Error()))
	} else if h.channel != nil {
		h.readLoop(ctx)
	}

	h.Kick()
	<-writerDone
	if h.channel != nil {
		h.channel.Quit(h.userID)
	}
}

// writeLoop is the connection's single writer. On shutdown it flushes the
// frames already queued (the handshake error frame in particular) before
// closing the transport.
func (h *ClientHandler) writeLoop(ctx context.Context) {
	defer h.codec.Close()
	for {
		select {
		case f := <-h.out:
			if err := h.codec.WriteFrame(ctx, f); err != nil {
				h.log.Debug().Err(err).Msg("write frame")
				h.Kick()
				return
			}
		case <-h.done:
			h.flush()
			return
		case <-ctx.Done():
			// Cancellation and done race each other (the monitor cancels
			// ctx when done closes); both exits must drain the queue or a
			// handshake error frame can be dropped on the floor.
			h.flush()
			return
		}
	}
}

func (h *ClientHandler) flush() {
	flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		select {
		case f := <-h.out:
			if err := h.codec.WriteFrame(flushCtx, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

// handshake announces capabilities, reads and validates the request, and
// joins or creates the channel. Simple-query connections are answered here
// and leave h.channel nil.
func (h *ClientHandler) handshake(ctx context.Context) error {
	h.Deliver(proto.ServerFrame(proto.KindCapabilities, h.features.Capabilities()))

	f, err := h.codec.ReadFrame(ctx)
	if err != nil {
		return err
	}
	var req proto.HandshakeRequest
	if f.Kind != proto.KindHandshake {
		return core.NewError(core.ErrCodeInvalidRequest, fmt.Sprintf("expected handshake, got %q", f.Kind))
	}
	if err := json.Unmarshal(f.Data, &req); err != nil {
		return core.NewError(core.ErrCodeInvalidRequest, "malformed handshake request")
	}

	if req.IsSimpleQuery() {
		return h.simpleQuery(ctx)
	}

	if err := h.validate(req); err != nil {
		return err
	}

	var ch *core.Channel
	if req.Create {
		passwordHash, err := auth.HashChannelPassword(req.Password)
		if err != nil {
			return err
		}
		ch, err = h.registry.CreateChannel(req.AppID, *req.Config, req.UserID, passwordHash)
		if err != nil {
			return err
		}
	} else {
		ch, err = h.registry.Channel(req.AppID, req.ChannelID)
		if err != nil {
			return err
		}
	}

	h.userID = req.UserID
	h.appID = req.AppID
	if err := ch.Join(req.UserID, h, req.Password); err != nil {
		return err
	}
	h.channel = ch
	h.log.Info().Str("user", req.UserID).Str("channel", ch.ID().String()).Msg("session active")
	return nil
}

func (h *ClientHandler) validate(req proto.HandshakeRequest) error {
	if req.UserID == "" {
		return core.NewError(core.ErrCodeInvalidRequest, "user id may not be empty")
	}
	if req.AppID == "" {
		return core.NewError(core.ErrCodeInvalidRequest, "application id may not be empty")
	}
	if !auth.StructuralAppID(req.AppID) {
		return core.NewError(core.ErrCodeInvalidAppID, "application id must match "+auth.DefaultAppIDPattern)
	}
	if req.Create && req.ChannelID != "" {
		return core.NewError(core.ErrCodeInvalidRequest, "requested channel creation but sent along a channel id")
	}
	if !req.Create && req.ChannelID == "" {
		return core.NewError(core.ErrCodeInvalidRequest, "requested channel joining but missing channel id")
	}
	if req.Password != "" && !h.features.ChannelPasswords {
		return core.NewError(core.ErrCodeInvalidRequest, "channel passwords are disabled on this broker")
	}
	if !req.Create {
		return nil
	}
	if req.Config == nil {
		return core.NewError(core.ErrCodeInvalidRequest, "channel configuration missing")
	}
	if req.Config.Capacity != 0 && req.Config.Capacity < 2 {
		return core.NewError(core.ErrCodeInvalidRequest, "at least 2 clients must be allowed")
	}
	if req.Config.Public && !h.features.PublicChannels {
		return core.NewError(core.ErrCodeInvalidRequest, "public channels are disabled on this broker")
	}
	return nil
}

// simpleQuery serves the short-lived query-only connection path: one query
// record in, one response frame out, then the transport closes.
func (h *ClientHandler) simpleQuery(ctx context.Context) error {
	if !h.features.SimpleQueries {
		return core.NewError(core.ErrCodeUnsupportedFeature, "simple queries are disabled on this broker")
	}

	f, err := h.codec.ReadFrame(ctx)
	if err != nil {
		return err
	}
	var q proto.Query
	if f.Kind != proto.KindQuery || json.Unmarshal(f.Data, &q) != nil {
		return core.NewError(core.ErrCodeInvalidRequest, "malformed simple query")
	}
	switch q.What {
	case proto.QueryChannelList:
		if !h.features.PublicChannels {
			return core.NewError(core.ErrCodeUnsupportedFeature, "public channels are disabled on this broker")
		}
		list, err := h.registry.ListPublic(q.AppID)
		if err != nil {
			return err
		}
		h.Deliver(proto.ServerFrame(proto.KindChannelList, proto.ChannelList{Channels: list}))
		return nil
	default:
		return core.NewError(core.ErrCodeInvalidRequest, fmt.Sprintf("unsupported simple query: %q", q.What))
	}
}

// readLoop processes inbound frames strictly in arrival order. Application
// frames (including client-to-client questions and answers) are routed by
// the channel; management frames are the broker's own business. A malformed
// command never kills the connection, it just earns an error response.
func (h *ClientHandler) readLoop(ctx context.Context) {
	for {
		f, err := h.codec.ReadFrame(ctx)
		if err != nil {
			h.log.Debug().Err(err).Str("user", h.userID).Msg("session read ended")
			return
		}

		if !f.Management {
			// The broker stamps the sender; clients cannot spoof it.
			f.From = h.userID
			if f.TS == 0 {
				f.TS = time.Now().UnixMilli()
			}
			h.channel.Send(f)
			continue
		}

		switch f.Kind {
		case proto.KindCommand:
			h.handleCommand(f)
		default:
			h.log.Debug().Str("kind", f.Kind).Msg("ignoring unknown management frame")
		}
	}
}

func (h *ClientHandler) handleCommand(f proto.Frame) {
	var cmd proto.Command
	if err := json.Unmarshal(f.Data, &cmd); err != nil {
		h.log.Debug().Err(err).Msg("malformed server command")
		return
	}

	resp := proto.CommandResponse{ID: cmd.ID}
	data, err := h.runCommand(cmd)
	if err != nil {
		resp.Error = &proto.Error{Code: core.ErrorCode(err), Msg: err.Error()}
	} else {
		resp.Data = data
	}
	h.Deliver(proto.ServerFrame(proto.KindCommandResponse, resp))
}

func (h *ClientHandler) runCommand(cmd proto.Command) (json.RawMessage, error) {
	if !h.features.ServerCommands {
		return nil, core.NewError(core.ErrCodeUnsupportedFeature, "server commands are disabled on this broker")
	}

	switch cmd.Verb {
	case proto.VerbChannelInfo:
		return json.Marshal(h.channel.Info())
	case proto.VerbChannelList:
		if !h.features.PublicChannels {
			return nil, core.NewError(core.ErrCodeUnsupportedFeature, "public channels are disabled on this broker")
		}
		list, err := h.registry.ListPublic(h.appID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(proto.ChannelList{Channels: list})
	default:
		return nil, core.NewError(core.ErrCodeInvalidRequest, fmt.Sprintf("unknown command: %q", cmd.Verb))
	}
}
