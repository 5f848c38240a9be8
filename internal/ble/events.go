package ble

import (
	"time"

	"github.com/google/uuid"
)

// event is the closed set of inputs consumed by the central's loop. User
// intents, platform callbacks and timers all arrive as events so that every
// state change happens on one goroutine.
type event interface {
	isEvent()
}

// Intents from the presentation layer.
type (
	startScanIntent  struct{ reply chan error }
	stopScanIntent   struct{ reply chan error }
	connectIntent    struct {
		address string
		reply   chan error
	}
	disconnectIntent struct{ reply chan error }
	sendIntent       struct {
		payload []byte
		reply   chan error
	}
)

// Platform signals. scan and session tag the scan or link generation that
// produced them; stale generations are ignored.
type (
	advertised struct {
		scan uint64
		adv  Advertisement
	}
	scanEnded struct {
		scan uint64
		err  error
	}
	linkUp struct {
		session uint64
		conn    Connection
	}
	connectFailed struct {
		session uint64
		err     error
	}
	discovered struct {
		session uint64
		tx, rx  Characteristic
		err     error
	}
	mtuNegotiated struct {
		session uint64
		mtu     int
		err     error
	}
	subscribed struct {
		session uint64
		err     error
	}
	notified struct {
		session uint64
		data    []byte
	}
	writeAcked struct {
		session uint64
		job     uuid.UUID
		seq     int
		err     error
	}
	linkDropped struct{ session uint64 }
	released    struct {
		session uint64
		err     error
	}
)

// timerFired runs fn on the loop. Owners guard fn with a generation check.
type timerFired struct{ fn func() }

func (startScanIntent) isEvent()  {}
func (stopScanIntent) isEvent()   {}
func (connectIntent) isEvent()    {}
func (disconnectIntent) isEvent() {}
func (sendIntent) isEvent()       {}
func (advertised) isEvent()       {}
func (scanEnded) isEvent()        {}
func (linkUp) isEvent()           {}
func (connectFailed) isEvent()    {}
func (discovered) isEvent()       {}
func (mtuNegotiated) isEvent()    {}
func (subscribed) isEvent()       {}
func (notified) isEvent()         {}
func (writeAcked) isEvent()       {}
func (linkDropped) isEvent()      {}
func (released) isEvent()         {}
func (timerFired) isEvent()       {}

// afterFunc arms a one-shot callback and returns a function that disarms it.
type afterFunc func(d time.Duration, fn func()) (stop func())
