package proto

import (
	"encoding/json"
	"strings"
	"time"
)

// Capability tokens exchanged during the handshake. TokenBase identifies the
// protocol generation and is mandatory: a client must drop the connection if
// the server does not announce it. All other tokens are optional features and
// unknown tokens must be ignored.
const (
	TokenBase             = "WIREHUB_1"
	TokenPublicChannels   = "PUBLIC_CHANNELS"
	TokenServerCommands   = "SERVER_COMMANDS"
	TokenSimpleQueries    = "SIMPLE_QUERIES"
	TokenChannelPasswords = "CHANNEL_PASSWORDS"
)

// Frame kinds. Every frame on the wire carries exactly one of these in its
// Kind field; Data holds the kind-specific payload.
const (
	KindCapabilities    = "capabilities"
	KindHandshake       = "handshake"
	KindGreeting        = "greeting"
	KindUserChange      = "user_change"
	KindMessage         = "msg"
	KindCommand         = "cmd"
	KindCommandResponse = "cmd_response"
	KindQuestion        = "question"
	KindAnswer          = "answer"
	KindQuery           = "query"
	KindChannelList     = "channel_list"
	KindError           = "error"
)

// Server command verbs.
const (
	VerbChannelInfo = "get_channel_info"
	VerbChannelList = "get_channel_list"
)

// QueryChannelList is the only simple-query kind.
const QueryChannelList = "channel_list"

// Frame is the wire envelope. Application payloads pass through the broker
// opaque; management payloads (mgmt=true) are decoded by the broker itself.
type Frame struct {
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	TS         int64           `json:"ts,omitempty"`
	Private    bool            `json:"private,omitempty"`
	Management bool            `json:"mgmt,omitempty"`
	Kind       string          `json:"kind"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ServerFrame builds a management frame originating from the broker.
func ServerFrame(kind string, payload any) Frame {
	return Frame{
		TS:         time.Now().UnixMilli(),
		Management: true,
		Kind:       kind,
		Data:       mustMarshal(payload),
	}
}

// AppFrame builds a public application message from the given sender.
func AppFrame(from string, data json.RawMessage) Frame {
	return Frame{
		From: from,
		TS:   time.Now().UnixMilli(),
		Kind: KindMessage,
		Data: data,
	}
}

// PrivateFrame builds a frame addressed to a single member.
func PrivateFrame(kind, from, to string, payload any) Frame {
	return Frame{
		From:    from,
		To:      to,
		TS:      time.Now().UnixMilli(),
		Private: true,
		Kind:    kind,
		Data:    mustMarshal(payload),
	}
}

// ErrorFrame builds the single error frame sent before a handshake-time close.
func ErrorFrame(code, msg string) Frame {
	return ServerFrame(KindError, Error{Code: code, Msg: msg})
}

func mustMarshal(payload any) json.RawMessage {
	if payload == nil {
		return nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(payload)
	if err != nil {
		// All payload types in this package marshal cleanly; reaching this
		// means a programming error, not bad input.
		panic("proto: marshal payload: " + err.Error())
	}
	return data
}

// Capabilities is the first frame of every connection, server to client.
type Capabilities struct {
	Features string `json:"features"`
}

// Tokens splits the capability string into its token list.
func (c Capabilities) Tokens() []string {
	return strings.Split(c.Features, ",")
}

// Has reports whether the capability string contains the given token.
func (c Capabilities) Has(token string) bool {
	for _, t := range c.Tokens() {
		if t == token {
			return true
		}
	}
	return false
}

// BuildCapabilities assembles the capability string from the base token and
// the enabled feature tokens, in announcement order.
func BuildCapabilities(features ...string) Capabilities {
	return Capabilities{Features: strings.Join(append([]string{TokenBase}, features...), ",")}
}
