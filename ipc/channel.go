package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/buddhike/flotilla/messages"
)

// Channel carries newline delimited JSON messages between two processes.
// Messages are delivered in send order. Send is safe for concurrent use.
type Channel struct {
	mut *sync.Mutex
	enc *json.Encoder
	dec *json.Decoder
}

func NewChannel(r io.Reader, w io.Writer) *Channel {
	return &Channel{
		mut: &sync.Mutex{},
		enc: json.NewEncoder(w),
		dec: json.NewDecoder(r),
	}
}

func (c *Channel) Send(m *messages.Message) error {
	c.mut.Lock()
	defer c.mut.Unlock()
	if err := c.enc.Encode(m); err != nil {
		return fmt.Errorf("failed to send %s: %w", m.Op, err)
	}
	return nil
}

// Serve reads messages until the reader is exhausted and hands each one to
// handler on the calling goroutine. A clean end of stream returns nil.
func (c *Channel) Serve(handler func(*messages.Message)) error {
	for {
		var m messages.Message
		err := c.dec.Decode(&m)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to decode message: %w", err)
		}
		handler(&m)
	}
}
