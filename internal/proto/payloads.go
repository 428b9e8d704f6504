package proto

import "encoding/json"

// HandshakeRequest is the second handshake frame, client to server. Exactly
// one of ChannelID (join) or Create+Config (create) must be set. A request
// with none of the membership fields set opens a simple-query connection.
type HandshakeRequest struct {
	AppID     string         `json:"app_id,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Create    bool           `json:"create,omitempty"`
	Config    *ChannelConfig `json:"config,omitempty"`
	Password  string         `json:"password,omitempty"`
}

// IsSimpleQuery reports whether the request asks for a short-lived
// query-only connection instead of channel membership.
func (r HandshakeRequest) IsSimpleQuery() bool {
	return !r.Create && r.AppID == "" && r.ChannelID == "" && r.UserID == "" && r.Config == nil
}

// ChannelConfig describes a channel as requested at creation and as announced
// to joining members. Capacity 0 means unbounded. Protected indicates a
// password is required to join; the password itself never appears here.
type ChannelConfig struct {
	ChannelID string `json:"channel_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Capacity  int    `json:"capacity,omitempty"`
	Bounce    bool   `json:"bounce,omitempty"`
	Public    bool   `json:"public,omitempty"`
	Protected bool   `json:"protected,omitempty"`
}

// Greeting is sent to a member immediately after a successful join. Users
// includes the new member itself.
type Greeting struct {
	Config ChannelConfig `json:"config"`
	Users  []string      `json:"users"`
}

// UserChange announces membership changes to the remaining members.
type UserChange struct {
	UserID string `json:"user"`
	Joined bool   `json:"joined"`
}

// Command is a broker-directed request correlated by ID.
type Command struct {
	ID   int64           `json:"id"`
	Verb string          `json:"verb"`
	Data json.RawMessage `json:"data,omitempty"`
}

// CommandResponse resolves a Command. Exactly one of Data or Error is set.
type CommandResponse struct {
	ID    int64           `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Question is the client-to-client request half of the question/answer
// exchange; it travels as a private frame.
type Question struct {
	ID   int64           `json:"id"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Answer resolves a Question. A handler failure travels in Error.
type Answer struct {
	ID    int64           `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Query is the request record of a simple-query connection.
type Query struct {
	What  string `json:"what"`
	AppID string `json:"app_id,omitempty"`
}

// ChannelInfo is the immutable reporting snapshot of one channel.
type ChannelInfo struct {
	ID          string        `json:"id"`
	Name        string        `json:"name,omitempty"`
	CreatedBy   string        `json:"created_by"`
	MemberCount int           `json:"member_count"`
	Capacity    int           `json:"capacity,omitempty"`
	Config      ChannelConfig `json:"config"`
}

// ChannelList is the response payload of channel discovery.
type ChannelList struct {
	Channels []ChannelInfo `json:"channels"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
