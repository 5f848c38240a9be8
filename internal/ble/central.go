package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/gattlink/internal/ble/protocol"
)

// Options configures the central.
type Options struct {
	ServiceUUID    string
	WriteCharUUID  string
	NotifyCharUUID string
	MTURequest     int // transfer unit asked for after discovery

	ScanDuration   time.Duration
	ConnectTimeout time.Duration // also bounds the wait for a disconnect to complete
	RescanCooldown time.Duration

	Framing         Framing
	IdleWindow      time.Duration
	MaxMessageBytes int

	WriteRetries    int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration
	BusyPolicy      BusyPolicy
	QueueSize       int

	SinkBuffer int // capacity of the Messages, Progress, Errors and ScanDone channels
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:     ServiceUUID,
		WriteCharUUID:   CharUUID,
		NotifyCharUUID:  CharUUID,
		MTURequest:      512,
		ScanDuration:    20 * time.Second,
		ConnectTimeout:  10 * time.Second,
		RescanCooldown:  time.Second,
		Framing:         FramingSilence,
		IdleWindow:      500 * time.Millisecond,
		RetryBackoff:    100 * time.Millisecond,
		RetryBackoffMax: 2 * time.Second,
		BusyPolicy:      BusyReject,
		QueueSize:       8,
		SinkBuffer:      32,
	}
}

// Central drives a single peripheral connection. All state changes happen on
// one internal goroutine; the exported methods are safe for concurrent use.
type Central struct {
	adapter  Adapter
	opts     Options
	registry *Registry

	events    chan event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	enableMu sync.Mutex
	enabled  bool

	// owned by the loop goroutine
	scan *scanner
	link *link
	out  *outbound
	in   *reassembler

	mu      sync.RWMutex
	devices []Device
	snap    linkSnapshot

	messages chan Message
	progress chan Progress
	errs     chan error
	scanDone chan ScanDone
}

// NewCentral creates a central using adapter and starts its event loop.
// Zero option values are replaced by defaults. Call Close to release it.
func NewCentral(adapter Adapter, opts Options) *Central {
	if adapter == nil {
		panic("ble: NewCentral called with nil adapter")
	}
	opts = withDefaults(opts)

	c := &Central{
		adapter:  adapter,
		opts:     opts,
		registry: NewRegistry(),
		events:   make(chan event, 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		snap:     linkSnapshot{mtu: protocol.DefaultMTU},
		messages: make(chan Message, opts.SinkBuffer),
		progress: make(chan Progress, opts.SinkBuffer),
		errs:     make(chan error, opts.SinkBuffer),
		scanDone: make(chan ScanDone, opts.SinkBuffer),
	}

	c.scan = &scanner{
		adapter:  adapter,
		duration: opts.ScanDuration,
		post:     c.post,
		after:    c.after,
		now:      time.Now,
		publish:  c.setDevices,
		done:     func(d ScanDone) { emit(c.scanDone, d, "scan done") },
		fail:     c.emitError,
	}
	c.in = newReassembler(opts.Framing, opts.IdleWindow, opts.MaxMessageBytes, time.Now, c.after,
		func(m Message) { emit(c.messages, m, "message") })
	c.out = &outbound{
		policy:     opts.BusyPolicy,
		queueSize:  opts.QueueSize,
		retries:    opts.WriteRetries,
		backoff:    opts.RetryBackoff,
		backoffMax: opts.RetryBackoffMax,
		after:      c.after,
		publish:    func(p Progress) { emit(c.progress, p, "progress") },
		fail:       c.emitError,
	}
	c.link = &link{
		adapter:  adapter,
		opts:     &c.opts,
		registry: c.registry,
		scan:     c.scan,
		out:      c.out,
		in:       c.in,
		post:     c.post,
		after:    c.after,
		publish:  c.setSnapshot,
		fail:     c.emitError,
		mtu:      protocol.DefaultMTU,
	}
	c.out.unit = c.link.usableUnit
	c.out.write = c.link.write

	go c.loop()
	return c
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.WriteCharUUID == "" {
		opts.WriteCharUUID = def.WriteCharUUID
	}
	if opts.NotifyCharUUID == "" {
		opts.NotifyCharUUID = def.NotifyCharUUID
	}
	if opts.MTURequest <= 0 {
		opts.MTURequest = def.MTURequest
	}
	if opts.ScanDuration <= 0 {
		opts.ScanDuration = def.ScanDuration
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.RescanCooldown <= 0 {
		opts.RescanCooldown = def.RescanCooldown
	}
	if opts.IdleWindow <= 0 {
		opts.IdleWindow = def.IdleWindow
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.RetryBackoffMax < opts.RetryBackoff {
		opts.RetryBackoffMax = opts.RetryBackoff
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.SinkBuffer <= 0 {
		opts.SinkBuffer = def.SinkBuffer
	}
	return opts
}

// StartScan clears the device list and starts a bounded scan, stopping any
// scan already running. It fails while a connection is active.
func (c *Central) StartScan() error {
	if err := c.enable(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	return c.request(startScanIntent{reply: reply}, reply)
}

// StopScan stops discovery. Safe to call when not scanning.
func (c *Central) StopScan() error {
	reply := make(chan error, 1)
	return c.request(stopScanIntent{reply: reply}, reply)
}

// Connect starts connecting to the peripheral at address. It returns once
// the attempt has started; watch Registry or State for the outcome.
func (c *Central) Connect(address string) error {
	if err := c.enable(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	return c.request(connectIntent{address: address, reply: reply}, reply)
}

// Disconnect tears down the active connection. A no-op when idle.
func (c *Central) Disconnect() error {
	reply := make(chan error, 1)
	return c.request(disconnectIntent{reply: reply}, reply)
}

// Send starts an acknowledged chunked transfer of payload. It returns once
// the transfer has started or been queued; watch Progress for completion.
func (c *Central) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if c.opts.Framing == FramingLengthPrefix {
		framed, err := protocol.EncodeFrame(payload)
		if err != nil {
			return fmt.Errorf("ble: %w", err)
		}
		payload = framed
	}
	reply := make(chan error, 1)
	return c.request(sendIntent{payload: payload, reply: reply}, reply)
}

// SendFile sends file content. It behaves exactly like Send.
func (c *Central) SendFile(content []byte) error {
	return c.Send(content)
}

// Registry returns the read-only connection status view.
func (c *Central) Registry() StatusView {
	return c.registry
}

// Devices returns the current scan results in discovery order.
func (c *Central) Devices() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Device, len(c.devices))
	copy(out, c.devices)
	return out
}

// State returns the current link state.
func (c *Central) State() LinkState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.state
}

// ConnectedName returns the display name of the peripheral being connected
// or connected, or "" when idle.
func (c *Central) ConnectedName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.name
}

// TransferUnit returns the negotiated transfer unit (MTU).
func (c *Central) TransferUnit() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.mtu
}

// Messages delivers completed inbound messages.
func (c *Central) Messages() <-chan Message { return c.messages }

// Progress delivers outbound transfer progress.
func (c *Central) Progress() <-chan Progress { return c.progress }

// Errors delivers failures the user should know about: permission denial,
// incompatible peripherals, scan failures and abandoned writes.
func (c *Central) Errors() <-chan error { return c.errs }

// ScanDone delivers one value per finished scan session.
func (c *Central) ScanDone() <-chan ScanDone { return c.scanDone }

// Close stops scanning, disconnects and stops the event loop.
func (c *Central) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	return nil
}

func (c *Central) enable() error {
	c.enableMu.Lock()
	defer c.enableMu.Unlock()
	if c.enabled {
		return nil
	}
	if err := c.adapter.Enable(); err != nil {
		err = fmt.Errorf("ble: enable adapter: %w", err)
		if errors.Is(err, ErrPermissionDenied) {
			c.emitError(err)
		}
		return err
	}
	c.enabled = true
	return nil
}

// post hands ev to the loop. It returns false once the central is closed.
func (c *Central) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Central) request(ev event, reply chan error) error {
	if !c.post(ev) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// after arms a timer whose callback runs on the loop.
func (c *Central) after(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, func() { c.post(timerFired{fn: fn}) })
	return func() { t.Stop() }
}

func (c *Central) loop() {
	defer close(c.done)
	for {
		select {
		case ev := <-c.events:
			c.handle(ev)
		case <-c.quit:
			c.scan.stop(ScanStopped)
			c.link.close()
			slog.Debug("[BLE] central closed")
			return
		}
	}
}

// handle is the transition table.
func (c *Central) handle(ev event) {
	switch ev := ev.(type) {
	case startScanIntent:
		if c.link.state != LinkIdle {
			ev.reply <- fmt.Errorf("%w: %s", ErrConnectionActive, c.link.address)
			return
		}
		c.link.cancelRescan()
		c.scan.start()
		ev.reply <- nil
	case stopScanIntent:
		c.scan.stop(ScanStopped)
		ev.reply <- nil
	case connectIntent:
		ev.reply <- c.link.connect(ev.address)
	case disconnectIntent:
		c.link.disconnect()
		ev.reply <- nil
	case sendIntent:
		if c.link.state != LinkReady {
			ev.reply <- ErrNotReady
			return
		}
		ev.reply <- c.out.send(ev.payload)

	case advertised:
		c.scan.onAdvertised(ev)
	case scanEnded:
		c.scan.onEnded(ev)
	case linkUp:
		c.link.onLinkUp(ev)
	case connectFailed:
		c.link.onConnectFailed(ev)
	case discovered:
		c.link.onDiscovered(ev)
	case mtuNegotiated:
		c.link.onMTU(ev)
	case subscribed:
		c.link.onSubscribed(ev)
	case notified:
		c.link.onNotified(ev)
	case writeAcked:
		c.link.onWriteAcked(ev)
	case linkDropped:
		c.link.onDropped(ev)
	case released:
		c.link.onReleased(ev)
	case timerFired:
		ev.fn()
	}
}

func (c *Central) setDevices(devices []Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices = devices
}

func (c *Central) setSnapshot(s linkSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = s
}

func (c *Central) emitError(err error) {
	emit(c.errs, err, "error")
}

// emit delivers v without blocking the loop; a full sink drops the value.
func emit[T any](ch chan T, v T, what string) {
	select {
	case ch <- v:
	default:
		slog.Warn("[BLE] sink full, dropping", "kind", what)
	}
}
