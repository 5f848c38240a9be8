package ble

import (
	"fmt"
	"sync"
)

// Status is the connection status published for a device address.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusChange is delivered to registry subscribers.
type StatusChange struct {
	Address string
	Status  Status
}

// StatusView is the read side of the registry handed to the presentation
// layer.
type StatusView interface {
	Status(address string) Status
	Snapshot() map[string]Status
	Subscribe(buffer int) (<-chan StatusChange, func())
}

// Registry maps device addresses to connection status. Only the link writes
// to it; everything else reads through StatusView.
type Registry struct {
	mu       sync.RWMutex
	statuses map[string]Status
	subs     map[int]chan StatusChange
	nextSub  int
}

var _ StatusView = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		statuses: make(map[string]Status),
		subs:     make(map[int]chan StatusChange),
	}
}

// Status returns the status for address; unknown addresses are Idle.
func (r *Registry) Status(address string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statuses[address]
}

// Snapshot returns a copy of every non-Idle entry.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.statuses))
	for addr, s := range r.statuses {
		out[addr] = s
	}
	return out
}

// Subscribe returns a channel of status changes and a function that
// unsubscribes. Changes are dropped for a subscriber whose buffer is full.
func (r *Registry) Subscribe(buffer int) (<-chan StatusChange, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan StatusChange, buffer)

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

// set records status for address. It refuses to move a second address out of
// Idle while another one is active.
func (r *Registry) set(address string, s Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s != StatusIdle {
		for addr := range r.statuses {
			if addr != address {
				return fmt.Errorf("%w: %s", ErrConnectionActive, addr)
			}
		}
	}
	if s == StatusIdle {
		delete(r.statuses, address)
	} else {
		r.statuses[address] = s
	}
	r.notify(StatusChange{Address: address, Status: s})
	return nil
}

// clear returns address to Idle.
func (r *Registry) clear(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.statuses[address]; !ok {
		return
	}
	delete(r.statuses, address)
	r.notify(StatusChange{Address: address, Status: StatusIdle})
}

// notify fans out a change (caller must hold mu).
func (r *Registry) notify(change StatusChange) {
	for _, ch := range r.subs {
		select {
		case ch <- change:
		default:
		}
	}
}
