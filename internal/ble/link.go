package ble

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/gattlink/internal/ble/protocol"
)

// LinkState is the lifecycle state of the single peripheral connection.
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkConnecting
	LinkServiceDiscovery
	LinkNegotiatingMTU
	LinkSubscribing
	LinkReady
	LinkDisconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "Idle"
	case LinkConnecting:
		return "Connecting"
	case LinkServiceDiscovery:
		return "ServiceDiscovery"
	case LinkNegotiatingMTU:
		return "NegotiatingMTU"
	case LinkSubscribing:
		return "Subscribing"
	case LinkReady:
		return "Ready"
	case LinkDisconnecting:
		return "Disconnecting"
	default:
		return fmt.Sprintf("LinkState(%d)", int(s))
	}
}

// UnknownDeviceName is published for a peripheral connected by address
// without a prior scan result.
const UnknownDeviceName = "Unknown Device"

type teardownCause int

const (
	causeDisconnect teardownCause = iota
	causeDropped
	causeFailed
	causeClosed
)

// linkSnapshot is the part of the link state readable outside the loop.
type linkSnapshot struct {
	state   LinkState
	address string
	name    string
	mtu     int
}

// link owns the connection handle and the negotiated transfer unit. It is
// owned by the central's loop.
type link struct {
	adapter  Adapter
	opts     *Options
	registry *Registry
	scan     *scanner
	out      *outbound
	in       *reassembler
	post     func(event) bool
	after    afterFunc
	publish  func(linkSnapshot)
	fail     func(error)

	state   LinkState
	session uint64
	address string
	name    string
	mtu     int
	conn    Connection
	tx, rx  Characteristic
	cancel  context.CancelFunc
	cause   teardownCause

	stopRelease func()
	rescanGen   uint64
	stopRescan  func()
}

func (l *link) setState(s LinkState) {
	slog.Debug("[BLE] link state", "from", l.state, "to", s, "addr", l.address)
	l.state = s
	l.publish(linkSnapshot{state: l.state, address: l.address, name: l.name, mtu: l.mtu})
}

// usableUnit is the current per-write payload size.
func (l *link) usableUnit() int {
	return protocol.UsableUnit(l.mtu)
}

// current reports whether an event from session applies to state s.
func (l *link) current(session uint64, s LinkState) bool {
	return session == l.session && l.state == s
}

// connect starts a connection attempt to address.
func (l *link) connect(address string) error {
	if l.state != LinkIdle {
		switch {
		case address == l.address && l.state == LinkReady:
			return ErrAlreadyConnected
		case address == l.address && l.state != LinkDisconnecting:
			return nil
		default:
			return fmt.Errorf("%w: %s is %s", ErrConnectionActive, l.address, l.state)
		}
	}
	if err := l.registry.set(address, StatusConnecting); err != nil {
		return err
	}

	l.cancelRescan()
	dev, known := l.scan.lookup(address)
	l.scan.stop(ScanPreempted)
	l.scan.remove(address)

	l.session++
	session := l.session
	l.address = address
	l.name = UnknownDeviceName
	if known {
		l.name = dev.Name
	}
	l.mtu = protocol.DefaultMTU
	l.setState(LinkConnecting)
	slog.Info("[BLE] connecting", "addr", address, "name", l.name)

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.ConnectTimeout)
	l.cancel = cancel
	go func() {
		conn, err := l.adapter.Connect(ctx, address)
		if err != nil {
			l.post(connectFailed{session: session, err: err})
			return
		}
		l.post(linkUp{session: session, conn: conn})
	}()
	return nil
}

func (l *link) onConnectFailed(ev connectFailed) {
	if !l.current(ev.session, LinkConnecting) {
		return
	}
	slog.Warn("[BLE] connect failed", "addr", l.address, "error", ev.err)
	l.teardown(causeFailed)
}

func (l *link) onLinkUp(ev linkUp) {
	if !l.current(ev.session, LinkConnecting) {
		// The attempt was abandoned; release the late handle.
		slog.Debug("[BLE] releasing stale connection")
		go func() { _ = ev.conn.Disconnect() }()
		return
	}
	l.cancel()
	l.conn = ev.conn
	session := l.session
	ev.conn.OnDisconnect(func() {
		go l.post(linkDropped{session: session})
	})
	l.setState(LinkServiceDiscovery)

	conn := ev.conn
	svc, writeUUID, notifyUUID := l.opts.ServiceUUID, l.opts.WriteCharUUID, l.opts.NotifyCharUUID
	go func() {
		tx, err := conn.DiscoverCharacteristic(svc, writeUUID)
		if err != nil {
			l.post(discovered{session: session, err: fmt.Errorf("write characteristic %s: %w", writeUUID, err)})
			return
		}
		rx := tx
		if notifyUUID != writeUUID {
			rx, err = conn.DiscoverCharacteristic(svc, notifyUUID)
			if err != nil {
				l.post(discovered{session: session, err: fmt.Errorf("notify characteristic %s: %w", notifyUUID, err)})
				return
			}
		}
		l.post(discovered{session: session, tx: tx, rx: rx})
	}()
}

func (l *link) onDiscovered(ev discovered) {
	if !l.current(ev.session, LinkServiceDiscovery) {
		return
	}
	if ev.err != nil {
		l.incompatible(ev.err)
		return
	}
	l.tx, l.rx = ev.tx, ev.rx
	l.setState(LinkNegotiatingMTU)

	conn, want, session := l.conn, l.opts.MTURequest, l.session
	go func() {
		mtu, err := conn.RequestMTU(want)
		l.post(mtuNegotiated{session: session, mtu: mtu, err: err})
	}()
}

func (l *link) onMTU(ev mtuNegotiated) {
	if !l.current(ev.session, LinkNegotiatingMTU) {
		return
	}
	mtu := protocol.DefaultMTU
	if ev.err != nil {
		slog.Warn("[BLE] MTU request failed, using default", "mtu", mtu, "error", ev.err)
	} else {
		mtu = protocol.ClampMTU(ev.mtu)
		if mtu != ev.mtu {
			slog.Warn("[BLE] peripheral proposed unusable MTU", "proposed", ev.mtu, "using", mtu)
		}
	}
	l.mtu = mtu
	slog.Info("[BLE] MTU negotiated", "mtu", mtu, "usable", l.usableUnit())
	l.setState(LinkSubscribing)

	rx, session := l.rx, l.session
	go func() {
		err := rx.Subscribe(func(data []byte) {
			buf := make([]byte, len(data))
			copy(buf, data)
			l.post(notified{session: session, data: buf})
		})
		l.post(subscribed{session: session, err: err})
	}()
}

func (l *link) onSubscribed(ev subscribed) {
	if !l.current(ev.session, LinkSubscribing) {
		return
	}
	if ev.err != nil {
		l.incompatible(fmt.Errorf("enable notifications: %w", ev.err))
		return
	}
	if err := l.registry.set(l.address, StatusConnected); err != nil {
		slog.Error("[BLE] registry rejected status", "addr", l.address, "error", err)
	}
	l.setState(LinkReady)
	slog.Info("[BLE] connected", "addr", l.address, "name", l.name, "mtu", l.mtu)
}

func (l *link) onNotified(ev notified) {
	if ev.session != l.session || (l.state != LinkSubscribing && l.state != LinkReady) {
		return
	}
	l.in.push(ev.data)
}

func (l *link) onWriteAcked(ev writeAcked) {
	if ev.session != l.session || l.state != LinkReady {
		return
	}
	l.out.onAck(ev.job, ev.seq, ev.err)
}

func (l *link) onDropped(ev linkDropped) {
	if ev.session != l.session || l.state == LinkIdle || l.state == LinkDisconnecting {
		return
	}
	slog.Warn("[BLE] link dropped", "addr", l.address, "state", l.state)
	l.teardown(causeDropped)
}

func (l *link) onReleased(ev released) {
	if !l.current(ev.session, LinkDisconnecting) {
		return
	}
	if ev.err != nil {
		slog.Warn("[BLE] disconnect reported error", "addr", l.address, "error", ev.err)
	}
	l.finish()
}

// write issues one chunk; the acknowledgement comes back as writeAcked.
func (l *link) write(id uuid.UUID, seq int, chunk []byte) {
	tx, session := l.tx, l.session
	go func() {
		err := tx.Write(chunk)
		l.post(writeAcked{session: session, job: id, seq: seq, err: err})
	}()
}

// disconnect tears the link down; a no-op when idle or already
// disconnecting.
func (l *link) disconnect() {
	if l.state == LinkIdle || l.state == LinkDisconnecting {
		return
	}
	slog.Info("[BLE] disconnecting", "addr", l.address)
	l.teardown(causeDisconnect)
}

// close tears the link down synchronously without scheduling a rescan.
func (l *link) close() {
	l.cancelRescan()
	if l.state == LinkIdle {
		return
	}
	if l.state == LinkDisconnecting {
		l.cause = causeClosed
		l.finish()
		return
	}
	l.teardown(causeClosed)
}

func (l *link) incompatible(err error) {
	err = fmt.Errorf("%w: %s: %v", ErrServiceIncompatible, l.address, err)
	slog.Error("[BLE] peripheral incompatible", "addr", l.address, "error", err)
	l.fail(err)
	l.teardown(causeFailed)
}

// teardown is the single exit path from every non-idle state. The connection
// handle is released exactly once.
func (l *link) teardown(cause teardownCause) {
	l.cause = cause
	if err := l.registry.set(l.address, StatusDisconnecting); err != nil {
		slog.Error("[BLE] registry rejected status", "addr", l.address, "error", err)
	}
	l.setState(LinkDisconnecting)

	l.out.abandon(ErrLinkDropped)
	l.in.discard()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}

	conn := l.conn
	l.conn, l.tx, l.rx = nil, nil, nil
	if conn == nil {
		l.finish()
		return
	}
	if cause == causeClosed {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect reported error", "addr", l.address, "error", err)
		}
		l.finish()
		return
	}

	session := l.session
	go func() {
		l.post(released{session: session, err: conn.Disconnect()})
	}()
	l.stopRelease = l.after(l.opts.ConnectTimeout, func() {
		if l.current(session, LinkDisconnecting) {
			slog.Warn("[BLE] disconnect did not complete, forcing idle", "addr", l.address)
			l.finish()
		}
	})
}

// finish returns the link to Idle and schedules the rescan.
func (l *link) finish() {
	if l.stopRelease != nil {
		l.stopRelease()
		l.stopRelease = nil
	}
	addr := l.address
	l.registry.clear(addr)
	l.mtu = protocol.DefaultMTU
	l.address = ""
	l.name = ""
	l.setState(LinkIdle)
	slog.Info("[BLE] disconnected", "addr", addr)

	if l.cause != causeClosed {
		l.scheduleRescan(l.opts.RescanCooldown)
	}
}

// scheduleRescan arms the single post-teardown rescan.
func (l *link) scheduleRescan(d time.Duration) {
	l.cancelRescan()
	gen := l.rescanGen
	l.stopRescan = l.after(d, func() {
		if gen != l.rescanGen || l.state != LinkIdle {
			return
		}
		l.stopRescan = nil
		slog.Info("[BLE] rescanning after disconnect")
		l.scan.start()
	})
}

func (l *link) cancelRescan() {
	l.rescanGen++
	if l.stopRescan != nil {
		l.stopRescan()
		l.stopRescan = nil
	}
}
