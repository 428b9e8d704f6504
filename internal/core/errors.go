package core

import "errors"

// Error codes for domain errors.
const (
	ErrCodeInvalidAppID         = "invalid_app_id"
	ErrCodeInvalidRequest       = "invalid_request"
	ErrCodeInvalidChannelID     = "invalid_channel_id"
	ErrCodeChannelFull          = "channel_full"
	ErrCodeChannelClosed        = "channel_closed"
	ErrCodeDuplicateUserID      = "duplicate_user_id"
	ErrCodeBadPassword          = "bad_password"
	ErrCodeUnsupportedFeature   = "unsupported_feature"
	ErrCodeTimeout              = "timeout"
	ErrCodeIncompatibleProtocol = "incompatible_protocol"
	ErrCodeConnectionClosed     = "connection_closed"
	ErrCodeInternal             = "internal"
)

// Error wraps a code and human-readable message.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// NewError builds a coded domain error.
func NewError(code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// ErrorCode extracts the domain code from err, or ErrCodeInternal when err
// carries none.
func ErrorCode(err error) string {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ErrCodeInternal
}
