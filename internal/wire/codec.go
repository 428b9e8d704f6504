// Package wire is the codec boundary between the messaging core and the
// transport. The core reads and writes proto.Frame values; how they are
// framed on the wire is opaque to it.
package wire

import (
	"context"

	"github.com/mkovalev/wirehub/internal/proto"
)

// Codec turns frames into wire units and back over one duplex connection.
// ReadFrame blocks until a frame arrives, the context is cancelled, or the
// connection fails. Implementations must make Close unblock a concurrent
// ReadFrame; callers serialize WriteFrame.
type Codec interface {
	ReadFrame(ctx context.Context) (proto.Frame, error)
	WriteFrame(ctx context.Context, f proto.Frame) error
	Close() error
}
