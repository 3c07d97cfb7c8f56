package wire

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/tinylib/msgp/msgp"
)

// ErrUnknownType is returned for frames whose type tag is not known.
var ErrUnknownType = errors.New("unknown message type")

// Codec reads and writes frames on one stream. A frame is the two-element
// array [type, body]. Send is safe for concurrent use; Recv is not.
type Codec struct {
	r *msgp.Reader

	wmu sync.Mutex
	w   *msgp.Writer
}

// NewCodec wraps rw.
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{
		r: msgp.NewReader(rw),
		w: msgp.NewWriter(rw),
	}
}

// Send writes and flushes one frame.
func (c *Codec) Send(m Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := WriteMsg(c.w, m); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv reads the next frame.
func (c *Codec) Recv() (Message, error) {
	return ReadMsg(c.r)
}

// WriteMsg encodes one frame without flushing.
func WriteMsg(w *msgp.Writer, m Message) error {
	if err := w.WriteArrayHeader(2); err != nil {
		return err
	}
	if err := w.WriteUint8(uint8(m.Type())); err != nil {
		return err
	}
	if err := m.EncodeMsg(w); err != nil {
		return fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return nil
}

// ReadMsg decodes one frame.
func ReadMsg(r *msgp.Reader) (Message, error) {
	n, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	if n != 2 {
		return nil, fmt.Errorf("frame has %d elements, want 2", n)
	}
	t, err := r.ReadUint8()
	if err != nil {
		return nil, fmt.Errorf("frame type: %w", err)
	}
	m := newMessage(Type(t))
	if m == nil {
		return nil, fmt.Errorf("type %d: %w", t, ErrUnknownType)
	}
	if err := m.DecodeMsg(r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.Type(), err)
	}
	return m, nil
}
