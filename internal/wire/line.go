package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/mkovalev/wirehub/internal/proto"
)

// lineCodec frames each proto.Frame as one newline-delimited JSON record over
// any duplex byte stream. Reads do not honor context cancellation; callers
// unblock a pending read by closing the codec, which closes the underlying
// stream.
type lineCodec struct {
	rwc io.ReadWriteCloser
	r   *bufio.Reader

	wmu sync.Mutex
}

// NewLineCodec wraps a duplex byte stream such as a net.Conn or net.Pipe end.
func NewLineCodec(rwc io.ReadWriteCloser) Codec {
	return &lineCodec{
		rwc: rwc,
		r:   bufio.NewReader(rwc),
	}
}

func (c *lineCodec) ReadFrame(_ context.Context) (proto.Frame, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return proto.Frame{}, err
	}
	var f proto.Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return proto.Frame{}, err
	}
	return f, nil
}

func (c *lineCodec) WriteFrame(_ context.Context, f proto.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.rwc.Write(append(data, '\n'))
	return err
}

func (c *lineCodec) Close() error {
	return c.rwc.Close()
}
