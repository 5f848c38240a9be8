package ble

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gattlink/internal/ble/protocol"
)

// BusyPolicy decides what Send does while a transfer is in flight.
type BusyPolicy int

const (
	BusyReject BusyPolicy = iota // return ErrTransferBusy
	BusyQueue                    // queue up to QueueSize payloads
)

// Progress reports the state of an outbound transfer.
type Progress struct {
	Job   string
	Sent  int
	Total int
	Done  bool
	Err   error
}

// job is a single in-flight send. payload is never modified after creation.
type job struct {
	id      uuid.UUID
	payload []byte
	cursor  int
	unit    int // usable unit snapshotted at job start

	seq      int // identifies the outstanding write
	inflight int
	attempts int
}

// outbound segments payloads into acknowledged writes, one chunk at a time.
// It is owned by the central's loop.
type outbound struct {
	policy     BusyPolicy
	queueSize  int
	retries    int
	backoff    time.Duration
	backoffMax time.Duration

	unit    func() int
	write   func(id uuid.UUID, seq int, chunk []byte)
	after   afterFunc
	publish func(Progress)
	fail    func(error)

	active    *job
	queue     [][]byte
	retryGen  uint64
	stopRetry func()
}

// send starts a job for payload, or queues or rejects it when one is active.
func (o *outbound) send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)

	if o.active != nil {
		if o.policy != BusyQueue {
			return ErrTransferBusy
		}
		if len(o.queue) >= o.queueSize {
			return ErrQueueFull
		}
		o.queue = append(o.queue, buf)
		slog.Debug("[BLE] transfer queued", "bytes", len(buf), "queued", len(o.queue))
		return nil
	}
	o.begin(buf)
	return nil
}

func (o *outbound) begin(payload []byte) {
	j := &job{
		id:      uuid.New(),
		payload: payload,
		unit:    o.unit(),
	}
	o.active = j
	slog.Info("[BLE] transfer started", "job", j.id, "bytes", len(payload), "unit", j.unit)
	o.publish(Progress{Job: j.id.String(), Total: len(payload)})
	o.transmit()
}

// transmit issues the chunk at the cursor of the active job.
func (o *outbound) transmit() {
	j := o.active
	chunk := protocol.NextChunk(j.payload, j.cursor, j.unit)
	j.seq++
	j.inflight = len(chunk)
	slog.Debug("[BLE] chunk sent", "job", j.id, "offset", j.cursor, "bytes", len(chunk))
	o.write(j.id, j.seq, chunk)
}

// onAck handles the acknowledgement of the outstanding write.
func (o *outbound) onAck(id uuid.UUID, seq int, err error) {
	j := o.active
	if j == nil || j.id != id || j.seq != seq || j.inflight == 0 {
		return
	}

	if err != nil {
		if j.attempts < o.retries {
			j.attempts++
			delay := backoffDelay(j.attempts-1, o.backoff, o.backoffMax)
			slog.Warn("[BLE] chunk write failed, retrying", "job", j.id, "offset", j.cursor, "attempt", j.attempts, "delay", delay, "error", err)
			o.retryGen++
			gen := o.retryGen
			j.inflight = 0
			o.stopRetry = o.after(delay, func() {
				if o.active == j && o.retryGen == gen {
					o.transmit()
				}
			})
			return
		}
		werr := fmt.Errorf("%w: offset %d: %v", ErrWriteFailed, j.cursor, err)
		slog.Error("[BLE] transfer abandoned", "job", j.id, "offset", j.cursor, "error", err)
		o.fail(werr)
		o.finish(werr)
		return
	}

	j.cursor += j.inflight
	j.inflight = 0
	j.attempts = 0
	if j.cursor >= len(j.payload) {
		slog.Info("[BLE] transfer complete", "job", j.id, "bytes", len(j.payload))
		o.finish(nil)
		return
	}
	o.publish(Progress{Job: j.id.String(), Sent: j.cursor, Total: len(j.payload)})
	o.transmit()
}

// finish clears the active job and starts the next queued payload.
func (o *outbound) finish(err error) {
	j := o.active
	o.active = nil
	o.publish(Progress{Job: j.id.String(), Sent: j.cursor, Total: len(j.payload), Done: true, Err: err})

	if len(o.queue) > 0 {
		next := o.queue[0]
		o.queue = o.queue[1:]
		o.begin(next)
	}
}

// abandon drops the active job and every queued payload.
func (o *outbound) abandon(err error) {
	o.retryGen++
	if o.stopRetry != nil {
		o.stopRetry()
		o.stopRetry = nil
	}
	if n := len(o.queue); n > 0 {
		slog.Warn("[BLE] dropping queued transfers", "count", n)
	}
	o.queue = nil

	j := o.active
	if j == nil {
		return
	}
	o.active = nil
	slog.Warn("[BLE] transfer abandoned", "job", j.id, "offset", j.cursor, "bytes", len(j.payload))
	o.publish(Progress{Job: j.id.String(), Sent: j.cursor, Total: len(j.payload), Done: true, Err: err})
}

// busy reports whether a job is in flight.
func (o *outbound) busy() bool {
	return o.active != nil
}

// backoffDelay returns the retry delay for attempt n, doubling from base and
// capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > max {
		return max
	}
	return delay
}
