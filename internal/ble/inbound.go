package ble

import (
	"log/slog"
	"time"

	"github.com/chaz8081/gattlink/internal/ble/protocol"
)

// Framing selects how inbound message boundaries are recovered.
type Framing int

const (
	// FramingSilence ends a message after the idle window passes without a
	// new fragment.
	FramingSilence Framing = iota
	// FramingLengthPrefix expects every message to carry a 2-byte
	// big-endian length prefix, in both directions.
	FramingLengthPrefix
)

// Message is a completed inbound message.
type Message struct {
	Data     []byte
	Received time.Time
}

func (m Message) String() string {
	return string(m.Data)
}

// reassembler accumulates notification fragments into messages. It is owned
// by the central's loop.
type reassembler struct {
	framing  Framing
	window   time.Duration
	maxBytes int // force a flush at this size; 0 disables
	now      func() time.Time
	after    afterFunc
	publish  func(Message)

	buf      []byte
	deframer *protocol.Deframer
	gen      uint64
	stopIdle func()
}

func newReassembler(framing Framing, window time.Duration, maxBytes int, now func() time.Time, after afterFunc, publish func(Message)) *reassembler {
	return &reassembler{
		framing:  framing,
		window:   window,
		maxBytes: maxBytes,
		now:      now,
		after:    after,
		publish:  publish,
		deframer: protocol.NewDeframer(maxBytes),
	}
}

// push appends a fragment in arrival order.
func (r *reassembler) push(fragment []byte) {
	if r.framing == FramingLengthPrefix {
		r.pushFramed(fragment)
		return
	}

	r.buf = append(r.buf, fragment...)
	if r.maxBytes > 0 && len(r.buf) >= r.maxBytes {
		r.cancelIdle()
		slog.Warn("[BLE] inbound buffer limit reached, flushing", "bytes", len(r.buf))
		r.flush()
		return
	}
	r.armIdle(r.flush)
}

// pushFramed feeds the deframer. A partial frame left idle for the window is
// dropped, since the next fragment cannot belong to it.
func (r *reassembler) pushFramed(fragment []byte) {
	for _, msg := range r.deframer.Push(fragment) {
		r.publish(Message{Data: msg, Received: r.now()})
	}
	if r.deframer.Pending() == 0 {
		r.cancelIdle()
		return
	}
	r.armIdle(func() {
		slog.Warn("[BLE] dropping stale partial frame", "bytes", r.deframer.Pending())
		r.deframer.Reset()
	})
}

func (r *reassembler) flush() {
	if len(r.buf) == 0 {
		return
	}
	msg := Message{Data: r.buf, Received: r.now()}
	r.buf = nil
	slog.Debug("[BLE] message received", "bytes", len(msg.Data))
	r.publish(msg)
}

// discard drops any partial message without publishing it.
func (r *reassembler) discard() {
	r.cancelIdle()
	if n := len(r.buf) + r.deframer.Pending(); n > 0 {
		slog.Debug("[BLE] discarding partial inbound message", "bytes", n)
	}
	r.buf = nil
	r.deframer.Reset()
}

// armIdle restarts the idle timer. Only the most recently armed timer may run
// fn.
func (r *reassembler) armIdle(fn func()) {
	r.cancelIdle()
	gen := r.gen
	r.stopIdle = r.after(r.window, func() {
		if gen != r.gen {
			return
		}
		r.stopIdle = nil
		fn()
	})
}

func (r *reassembler) cancelIdle() {
	r.gen++
	if r.stopIdle != nil {
		r.stopIdle()
		r.stopIdle = nil
	}
}
