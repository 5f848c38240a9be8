package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameHeaderLen is the size of the big-endian length prefix.
const FrameHeaderLen = 2

// MaxFrameLen is the largest payload a 16-bit length prefix can describe.
const MaxFrameLen = 1<<16 - 1

// ErrFrameTooLarge is returned when a payload does not fit a length prefix.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// EncodeFrame prefixes payload with its length as a 2-byte big-endian integer.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	out := make([]byte, FrameHeaderLen, FrameHeaderLen+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(payload)))
	return append(out, payload...), nil
}

// Deframer recovers length-prefixed messages from a fragment stream.
// It is not safe for concurrent use.
type Deframer struct {
	max int
	buf []byte
}

// NewDeframer returns a Deframer that discards any frame announcing more
// than maxLen bytes. maxLen <= 0 means MaxFrameLen.
func NewDeframer(maxLen int) *Deframer {
	if maxLen <= 0 || maxLen > MaxFrameLen {
		maxLen = MaxFrameLen
	}
	return &Deframer{max: maxLen}
}

// Push appends a fragment and returns every message it completed, in order.
// A header announcing an oversized frame drops the buffered bytes.
func (d *Deframer) Push(fragment []byte) [][]byte {
	d.buf = append(d.buf, fragment...)
	var msgs [][]byte
	for len(d.buf) >= FrameHeaderLen {
		n := int(binary.BigEndian.Uint16(d.buf))
		if n > d.max {
			d.buf = nil
			break
		}
		if len(d.buf) < FrameHeaderLen+n {
			break
		}
		msg := make([]byte, n)
		copy(msg, d.buf[FrameHeaderLen:FrameHeaderLen+n])
		msgs = append(msgs, msg)
		d.buf = d.buf[FrameHeaderLen+n:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return msgs
}

// Pending reports how many bytes of an incomplete frame are buffered.
func (d *Deframer) Pending() int {
	return len(d.buf)
}

// Reset discards any partial frame.
func (d *Deframer) Reset() {
	d.buf = nil
}
