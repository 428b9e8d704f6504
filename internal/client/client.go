// Package client implements the connecting side of the session protocol: the
// handshake, the dispatch loop with its pre-attach backlog, and the
// correlation-based ask/command calls.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkovalev/wirehub/internal/core"
	"github.com/mkovalev/wirehub/internal/promise"
	"github.com/mkovalev/wirehub/internal/proto"
	"github.com/mkovalev/wirehub/internal/wire"
)

// backlogBuffer bounds the undelivered-message queue used while no consumer
// is attached. Overflow drops the newest frame with a warning; a consumer
// that stays detached this long has abandoned the messages anyway.
const backlogBuffer = 1024

// Message is one application message as observed by a consumer.
type Message struct {
	From    string
	To      string
	Time    time.Time
	Private bool
	Data    json.RawMessage
}

// MessageHandler consumes application messages. Attaching one drains the
// backlog through it, in original arrival order, before live delivery
// resumes.
type MessageHandler interface {
	HandleMessage(msg Message)
	HandlePrivateMessage(msg Message)
}

// EventHandler observes membership changes of the joined channel.
type EventHandler interface {
	UserJoined(userID string)
	UserLeft(userID string)
}

// QuestionHandler answers questions from other members. It runs off the read
// loop; a returned error travels back to the asker as the answer's error
// payload.
type QuestionHandler interface {
	HandleQuestion(from string, data json.RawMessage) (any, error)
}

// Options configures a client before its handshake.
type Options struct {
	MessageHandler  MessageHandler
	EventHandler    EventHandler
	QuestionHandler QuestionHandler
	// Timeout is the default deadline of Ask and server commands.
	// Zero means wait forever.
	Timeout time.Duration
	Logger  *zerolog.Logger
}

// Request is the membership half of the handshake. Exactly one of ChannelID
// (join) or Create+Config (create) must be set.
type Request struct {
	AppID     string
	ChannelID string
	UserID    string
	Create    bool
	Config    *proto.ChannelConfig
	Password  string
}

// JoinRequest builds a request to join an existing channel.
func JoinRequest(appID, channelID, userID string) Request {
	return Request{AppID: appID, ChannelID: channelID, UserID: userID}
}

// CreateRequest builds a request to create a new channel.
func CreateRequest(appID, userID string, config proto.ChannelConfig) Request {
	return Request{AppID: appID, UserID: userID, Create: true, Config: &config}
}

// Client is one connected channel member.
type Client struct {
	codec    wire.Codec
	log      zerolog.Logger
	userID   string
	timeout  time.Duration
	promises *promise.Table

	writeMu sync.Mutex

	// Capabilities announced by the server.
	supportsPublicChannels bool
	supportsServerCommands bool

	configMu sync.Mutex
	config   proto.ChannelConfig
	users    []string

	// handlerMu serializes frame delivery with handler attachment so the
	// backlog drain and live dispatch cannot reorder or duplicate a frame.
	handlerMu       sync.Mutex
	messageHandler  MessageHandler
	eventHandler    EventHandler
	questionHandler QuestionHandler
	backlog         chan Message

	done      chan struct{}
	closeOnce sync.Once
	runCancel context.CancelFunc
}

// New wraps an established connection. The client is inert until Open runs
// the handshake.
func New(codec wire.Codec, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger()
	}
	return &Client{
		codec:           codec,
		log:             *logger,
		timeout:         opts.Timeout,
		promises:        promise.NewTable(),
		messageHandler:  opts.MessageHandler,
		eventHandler:    opts.EventHandler,
		questionHandler: opts.QuestionHandler,
		backlog:         make(chan Message, backlogBuffer),
		done:            make(chan struct{}),
	}
}

// Open performs the client-side handshake and starts the dispatch loop.
// Application frames that legitimately race the greeting are buffered and
// replayed through normal dispatch once the greeting arrives.
func (c *Client) Open(ctx context.Context, req Request) error {
	caps, err := c.readCapabilities(ctx)
	if err != nil {
		c.codec.Close()
		return err
	}
	c.supportsPublicChannels = caps.Has(proto.TokenPublicChannels)
	c.supportsServerCommands = caps.Has(proto.TokenServerCommands)

	if req.Create && req.Config != nil && req.Config.Public && !c.supportsPublicChannels {
		c.codec.Close()
		return core.NewError(core.ErrCodeUnsupportedFeature, "public channels not supported by server")
	}

	if err := c.write(ctx, proto.Frame{
		TS:   time.Now().UnixMilli(),
		Kind: proto.KindHandshake,
		Data: marshal(proto.HandshakeRequest{
			AppID:     req.AppID,
			ChannelID: req.ChannelID,
			UserID:    req.UserID,
			Create:    req.Create,
			Config:    req.Config,
			Password:  req.Password,
		}),
	}); err != nil {
		c.codec.Close()
		return err
	}
	c.userID = req.UserID

	var early []proto.Frame
	for {
		f, err := c.codec.ReadFrame(ctx)
		if err != nil {
			c.codec.Close()
			return err
		}
		if f.Management && f.Kind == proto.KindGreeting {
			var greeting proto.Greeting
			if err := json.Unmarshal(f.Data, &greeting); err != nil {
				c.codec.Close()
				return core.NewError(core.ErrCodeInvalidRequest, "malformed greeting")
			}
			c.configMu.Lock()
			c.config = greeting.Config
			c.users = greeting.Users
			c.configMu.Unlock()
			break
		}
		if f.Management && f.Kind == proto.KindError {
			c.codec.Close()
			return decodeError(f)
		}
		if f.Management {
			c.dispatch(f)
			continue
		}
		early = append(early, f)
	}

	for _, f := range early {
		c.dispatch(f)
	}

	// The dial context bounds only the handshake. The session itself runs
	// until Disconnect or transport failure, so the dispatch loop gets its
	// own context; otherwise a caller's deadline-scoped dial would kill the
	// established session the moment its scope ends.
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	go c.run(runCtx)
	return nil
}

func (c *Client) readCapabilities(ctx context.Context) (proto.Capabilities, error) {
	f, err := c.codec.ReadFrame(ctx)
	if err != nil {
		return proto.Capabilities{}, err
	}
	var caps proto.Capabilities
	if f.Kind != proto.KindCapabilities || json.Unmarshal(f.Data, &caps) != nil {
		return proto.Capabilities{}, core.NewError(core.ErrCodeIncompatibleProtocol, "server did not announce capabilities")
	}
	if !caps.Has(proto.TokenBase) {
		return proto.Capabilities{}, core.NewError(core.ErrCodeIncompatibleProtocol,
			fmt.Sprintf("incompatible server: expected %q in %q", proto.TokenBase, caps.Features))
	}
	return caps, nil
}

// run is the dispatch loop: one blocking read at a time, frames processed in
// strict arrival order.
func (c *Client) run(ctx context.Context) {
	for {
		f, err := c.codec.ReadFrame(ctx)
		if err != nil {
			c.log.Debug().Err(err).Msg("connection read ended")
			c.close()
			return
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f proto.Frame) {
	switch f.Kind {
	case proto.KindUserChange:
		c.handleUserChange(f)
	case proto.KindCommandResponse:
		var resp proto.CommandResponse
		if err := json.Unmarshal(f.Data, &resp); err != nil {
			c.log.Warn().Err(err).Msg("malformed command response")
			return
		}
		c.settle(resp.ID, resp.Data, resp.Error)
	case proto.KindAnswer:
		var ans proto.Answer
		if err := json.Unmarshal(f.Data, &ans); err != nil {
			c.log.Warn().Err(err).Msg("malformed answer")
			return
		}
		c.settle(ans.ID, ans.Data, ans.Error)
	case proto.KindQuestion:
		// A slow handler must not stall frame delivery.
		go c.answerQuestion(f)
	case proto.KindMessage:
		c.deliver(Message{
			From:    f.From,
			To:      f.To,
			Time:    time.UnixMilli(f.TS),
			Private: f.Private,
			Data:    f.Data,
		})
	case proto.KindError:
		c.log.Warn().RawJSON("error", f.Data).Msg("server reported error")
	default:
		c.log.Debug().Str("kind", f.Kind).Msg("ignoring unknown frame")
	}
}

func (c *Client) handleUserChange(f proto.Frame) {
	var change proto.UserChange
	if err := json.Unmarshal(f.Data, &change); err != nil {
		c.log.Warn().Err(err).Msg("malformed user change")
		return
	}

	c.configMu.Lock()
	if change.Joined {
		if !contains(c.users, change.UserID) {
			c.users = append(c.users, change.UserID)
		}
	} else {
		c.users = remove(c.users, change.UserID)
	}
	c.configMu.Unlock()

	c.handlerMu.Lock()
	handler := c.eventHandler
	c.handlerMu.Unlock()
	if handler == nil {
		return
	}
	c.safely("event handler", func() {
		if change.Joined {
			handler.UserJoined(change.UserID)
		} else {
			handler.UserLeft(change.UserID)
		}
	})
}

// settle resolves the pending request with the given correlation id. Unknown
// ids are dropped silently: the request timed out, or was never ours.
func (c *Client) settle(id int64, data json.RawMessage, perr *proto.Error) {
	if perr != nil {
		c.promises.Fail(id, core.NewError(perr.Code, perr.Msg))
		return
	}
	c.promises.Fulfill(id, data)
}

// deliver hands a message to the attached consumer, or parks it in the
// backlog. Delivery and handler attachment share handlerMu, so a frame can
// be observed exactly once and in order across the handoff.
func (c *Client) deliver(msg Message) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	if c.messageHandler == nil {
		select {
		case c.backlog <- msg:
		default:
			c.log.Warn().Msg("backlog full, dropping message")
		}
		return
	}
	c.invoke(c.messageHandler, msg)
}

// invoke must be called with handlerMu held.
func (c *Client) invoke(handler MessageHandler, msg Message) {
	c.safely("message handler", func() {
		if msg.Private {
			handler.HandlePrivateMessage(msg)
		} else {
			handler.HandleMessage(msg)
		}
	})
}

// safely confines a panicking user handler to a log line; user code must not
// kill the dispatch loop.
func (c *Client) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("handler", what).Msg("user handler panicked")
		}
	}()
	fn()
}

func (c *Client) answerQuestion(f proto.Frame) {
	var q proto.Question
	if err := json.Unmarshal(f.Data, &q); err != nil {
		c.log.Warn().Err(err).Msg("malformed question")
		return
	}

	c.handlerMu.Lock()
	handler := c.questionHandler
	c.handlerMu.Unlock()

	ans := proto.Answer{ID: q.ID}
	if handler == nil {
		ans.Error = &proto.Error{Code: core.ErrCodeUnsupportedFeature, Msg: "no question handler defined"}
	} else {
		result, err := c.askHandler(handler, f.From, q.Data)
		if err != nil {
			ans.Error = &proto.Error{Code: core.ErrorCode(err), Msg: err.Error()}
		} else {
			ans.Data = result
		}
	}

	frame := proto.PrivateFrame(proto.KindAnswer, c.userID, f.From, ans)
	if err := c.write(context.Background(), frame); err != nil {
		c.log.Debug().Err(err).Msg("send answer")
	}
}

func (c *Client) askHandler(handler QuestionHandler, from string, data json.RawMessage) (raw json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("question handler panicked: %v", r)
		}
	}()
	result, err := handler.HandleQuestion(from, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// SetMessageHandler attaches (or detaches, with nil) the message consumer.
// Attaching drains the backlog through the new handler in FIFO order inside
// the same critical section that guards live delivery.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	c.messageHandler = handler
	if handler == nil {
		return
	}
	for {
		select {
		case msg := <-c.backlog:
			c.invoke(handler, msg)
		default:
			return
		}
	}
}

// SetEventHandler attaches the membership-change observer.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.handlerMu.Lock()
	c.eventHandler = handler
	c.handlerMu.Unlock()
}

// SetQuestionHandler attaches the question responder.
func (c *Client) SetQuestionHandler(handler QuestionHandler) {
	c.handlerMu.Lock()
	c.questionHandler = handler
	c.handlerMu.Unlock()
}

// Receive blocks until a backlogged message is available, the context is
// cancelled, or the connection closes. Only meaningful while no message
// handler is attached.
func (c *Client) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.backlog:
		return msg, nil
	case <-c.done:
		return Message{}, promise.ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// TryReceive returns a backlogged message if one is immediately available.
func (c *Client) TryReceive() (Message, bool) {
	select {
	case msg := <-c.backlog:
		return msg, true
	default:
		return Message{}, false
	}
}

// Send broadcasts an application payload to the channel.
func (c *Client) Send(payload any) error {
	return c.write(context.Background(), proto.AppFrame(c.userID, marshal(payload)))
}

// SendPrivately sends an application payload to a single member.
func (c *Client) SendPrivately(userID string, payload any) error {
	if !contains(c.Users(), userID) {
		return core.NewError(core.ErrCodeInvalidRequest, fmt.Sprintf("unknown client: %q", userID))
	}
	f := proto.PrivateFrame(proto.KindMessage, c.userID, userID, nil)
	f.Data = marshal(payload)
	return c.write(context.Background(), f)
}

// Ask sends a question to another member and blocks until its answer, the
// default timeout, or context cancellation. The pending slot is registered
// before the question frame is sent, so an answer can never race the
// registration.
func (c *Client) Ask(ctx context.Context, userID string, payload any) (json.RawMessage, error) {
	p := c.promises.Register()
	q := proto.Question{ID: p.ID(), Data: marshal(payload)}
	if err := c.write(ctx, proto.PrivateFrame(proto.KindQuestion, c.userID, userID, q)); err != nil {
		c.promises.Fail(p.ID(), err)
	}
	res, err := c.promises.Await(ctx, p, c.timeout)
	if err != nil {
		return nil, err
	}
	data, _ := res.(json.RawMessage)
	return data, nil
}

// ChannelInfo asks the broker for this channel's current snapshot.
func (c *Client) ChannelInfo(ctx context.Context) (proto.ChannelInfo, error) {
	var info proto.ChannelInfo
	err := c.runCommand(ctx, proto.VerbChannelInfo, &info)
	return info, err
}

// PublicChannels asks the broker for the discoverable channels of this
// client's application.
func (c *Client) PublicChannels(ctx context.Context) ([]proto.ChannelInfo, error) {
	var list proto.ChannelList
	if err := c.runCommand(ctx, proto.VerbChannelList, &list); err != nil {
		return nil, err
	}
	return list.Channels, nil
}

func (c *Client) runCommand(ctx context.Context, verb string, out any) error {
	if !c.supportsServerCommands {
		return core.NewError(core.ErrCodeUnsupportedFeature, "server commands not supported by server")
	}

	p := c.promises.Register()
	cmd := proto.Command{ID: p.ID(), Verb: verb}
	if err := c.write(ctx, proto.ServerFrame(proto.KindCommand, cmd)); err != nil {
		c.promises.Fail(p.ID(), err)
	}
	res, err := c.promises.Await(ctx, p, c.timeout)
	if err != nil {
		return err
	}
	data, _ := res.(json.RawMessage)
	if data == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// UserID returns this client's member id.
func (c *Client) UserID() string {
	return c.userID
}

// Config returns the channel configuration adopted from the greeting.
func (c *Client) Config() proto.ChannelConfig {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	return c.config
}

// Users returns a snapshot of the channel's current member ids.
func (c *Client) Users() []string {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	users := make([]string, len(c.users))
	copy(users, c.users)
	return users
}

// Disconnect closes the transport. Outstanding asks fail with a
// closed-connection error, not a timeout.
func (c *Client) Disconnect() {
	c.close()
}

// Done is closed once the connection has terminated.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.runCancel != nil {
			c.runCancel()
		}
		c.codec.Close()
		c.promises.FailAll(promise.ErrClosed)
	})
}

func (c *Client) write(ctx context.Context, f proto.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.codec.WriteFrame(ctx, f)
}

func marshal(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}

func decodeError(f proto.Frame) error {
	var perr proto.Error
	if err := json.Unmarshal(f.Data, &perr); err != nil {
		return core.NewError(core.ErrCodeInternal, "malformed error frame")
	}
	return core.NewError(perr.Code, perr.Msg)
}

func nopLogger() *zerolog.Logger {
	nop := zerolog.Nop()
	return &nop
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
