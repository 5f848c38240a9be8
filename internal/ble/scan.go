package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ScanEndReason says why a scan session ended.
type ScanEndReason int

const (
	ScanTimedOut  ScanEndReason = iota // bounded duration elapsed
	ScanStopped                        // explicit stop or restart
	ScanPreempted                      // a connection attempt started
	ScanAborted                        // the platform ended or failed the scan
)

func (r ScanEndReason) String() string {
	switch r {
	case ScanTimedOut:
		return "timed out"
	case ScanStopped:
		return "stopped"
	case ScanPreempted:
		return "preempted by connect"
	case ScanAborted:
		return "aborted"
	default:
		return fmt.Sprintf("ScanEndReason(%d)", int(r))
	}
}

// ScanDone is published exactly once per scan session.
type ScanDone struct {
	Reason  ScanEndReason
	Devices []Device
	Err     error
}

// scanner runs bounded discovery sessions. It is owned by the central's loop.
type scanner struct {
	adapter  Adapter
	duration time.Duration
	post     func(event) bool
	after    afterFunc
	now      func() time.Time
	publish  func([]Device)
	done     func(ScanDone)
	fail     func(error)

	session   uint64
	active    bool
	cancel    context.CancelFunc
	stopTimer func()
	platform  chan struct{} // closed when the last adapter.Scan call returns
	results   []Device
	index     map[string]int
}

// start clears the result set and begins a new session, ending any active
// one first.
func (s *scanner) start() {
	if s.active {
		s.finish(ScanStopped, nil)
	}

	s.session++
	session := s.session
	s.results = nil
	s.index = make(map[string]int)
	s.publish(nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.active = true

	// Host stacks refuse a second scan until the previous one has stopped.
	prev := s.platform
	running := make(chan struct{})
	s.platform = running
	go func() {
		defer close(running)
		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			return
		}
		err := s.adapter.Scan(ctx, func(adv Advertisement) {
			s.post(advertised{scan: session, adv: adv})
		})
		s.post(scanEnded{scan: session, err: err})
	}()

	s.stopTimer = s.after(s.duration, func() {
		if s.active && s.session == session {
			s.finish(ScanTimedOut, nil)
		}
	})
	slog.Info("[BLE] scan started", "duration", s.duration)
}

// stop halts discovery; safe to call when not scanning.
func (s *scanner) stop(reason ScanEndReason) {
	if !s.active {
		return
	}
	s.finish(reason, nil)
}

func (s *scanner) finish(reason ScanEndReason, err error) {
	s.active = false
	s.cancel()
	s.stopTimer()
	slog.Info("[BLE] scan ended", "reason", reason, "devices", len(s.results))
	s.done(ScanDone{Reason: reason, Devices: s.snapshot(), Err: err})
}

func (s *scanner) onAdvertised(ev advertised) {
	if !s.active || ev.scan != s.session {
		return
	}
	if ev.adv.Name == "" {
		return
	}
	if i, ok := s.index[ev.adv.Address]; ok {
		s.results[i].RSSI = ev.adv.RSSI
		s.results[i].LastSeen = s.now()
		s.publish(s.snapshot())
		return
	}
	s.index[ev.adv.Address] = len(s.results)
	s.results = append(s.results, Device{
		Name:     ev.adv.Name,
		Address:  ev.adv.Address,
		RSSI:     ev.adv.RSSI,
		LastSeen: s.now(),
	})
	slog.Debug("[BLE] device found", "name", ev.adv.Name, "addr", ev.adv.Address, "rssi", ev.adv.RSSI)
	s.publish(s.snapshot())
}

func (s *scanner) onEnded(ev scanEnded) {
	if !s.active || ev.scan != s.session {
		return
	}
	if ev.err != nil {
		err := fmt.Errorf("%w: %v", ErrScanFailed, ev.err)
		slog.Error("[BLE] scan failed", "error", ev.err)
		s.fail(err)
		s.finish(ScanAborted, err)
		return
	}
	s.finish(ScanAborted, nil)
}

// lookup returns the discovered device with the given address.
func (s *scanner) lookup(address string) (Device, bool) {
	i, ok := s.index[address]
	if !ok {
		return Device{}, false
	}
	return s.results[i], true
}

// remove drops address from the result set, keeping discovery order.
func (s *scanner) remove(address string) {
	i, ok := s.index[address]
	if !ok {
		return
	}
	s.results = append(s.results[:i], s.results[i+1:]...)
	delete(s.index, address)
	for j := i; j < len(s.results); j++ {
		s.index[s.results[j].Address] = j
	}
	s.publish(s.snapshot())
}

func (s *scanner) snapshot() []Device {
	if len(s.results) == 0 {
		return nil
	}
	out := make([]Device, len(s.results))
	copy(out, s.results)
	return out
}
