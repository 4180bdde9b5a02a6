package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Decoder reassembles frames from an arbitrarily chunked byte stream.
// Bytes of an incomplete frame are carried over to the next Write.
// Not safe for concurrent use.
type Decoder struct {
	c       *Codec
	maxRaw  int
	maxBody int
	buf     []byte
	off     int // start of undecoded bytes in buf
	err     error
}

// NewDecoder returns a decoder bound to c's providers and limit.
func (c *Codec) NewDecoder() *Decoder {
	return &Decoder{c: c, maxRaw: c.maxLen, maxBody: c.maxBody(c.maxLen)}
}

// Write appends stream bytes. Never fails unless the decoder already failed.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.err != nil {
		return 0, d.err
	}
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Buffered: bytes held for a frame not yet complete.
func (d *Decoder) Buffered() int { return len(d.buf) - d.off }

// Err: sticky decode error, nil while healthy.
func (d *Decoder) Err() error { return d.err }

// Finish reports ErrTruncated when the stream ended mid-frame.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if n := d.Buffered(); n > 0 {
		d.err = fmt.Errorf("%w: %d bytes left at end of stream", ErrTruncated, n)
	}
	return d.err
}

// Next decodes one buffered frame. ok=false with nil error -> need more bytes.
// Errors are sticky.
func (d *Decoder) Next() (Message, bool, error) {
	if d.err != nil {
		return Message{}, false, d.err
	}
	avail := d.buf[d.off:]
	if len(avail) < FrameHeaderSize {
		return Message{}, false, nil
	}
	// bounds are checked on the wire values: int is 32 bits on some targets
	body32 := binary.LittleEndian.Uint32(avail[16:20])
	raw32 := binary.LittleEndian.Uint32(avail[20:24])
	if uint64(raw32) > uint64(d.maxRaw) {
		return d.fail(fmt.Errorf("%w: raw length %d > %d", ErrFrameTooLarge, raw32, d.maxRaw))
	}
	if uint64(body32) > uint64(d.maxBody) {
		return d.fail(fmt.Errorf("%w: body length %d > %d", ErrFrameTooLarge, body32, d.maxBody))
	}
	bodyLen, rawLen := int(body32), int(raw32)
	total := FrameHeaderSize + bodyLen + d.c.hash.Size()
	if len(avail) < total {
		return Message{}, false, nil
	}
	var key uuid.UUID
	copy(key[:], avail[:16])
	body := avail[FrameHeaderSize : FrameHeaderSize+bodyLen]
	tag := avail[FrameHeaderSize+bodyLen : total]

	opened, err := d.c.ciph.Open(body)
	if err != nil {
		return d.fail(fmt.Errorf("%w: open: %v", ErrIntegrity, err))
	}
	payload, err := d.c.comp.Decompress(opened, rawLen)
	if err != nil {
		return d.fail(fmt.Errorf("%w: decompress: %v", ErrIntegrity, err))
	}
	if !d.c.hash.Verify(payload, tag) {
		return d.fail(fmt.Errorf("%w: %s tag mismatch", ErrIntegrity, d.c.hash.Tag()))
	}
	d.off += total
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	return Message{Key: key, Payload: payload}, true, nil
}

func (d *Decoder) fail(err error) (Message, bool, error) {
	d.err = err
	d.buf = nil
	d.off = 0
	return Message{}, false, err
}
