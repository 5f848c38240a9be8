package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter wraps tinygo-org/bluetooth. On macOS, device addresses are
// CoreBluetooth UUIDs rather than MAC addresses; both are handled as opaque
// strings.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	drops   dropRouter
	scanMu  sync.Mutex // one platform scan at a time
}

// NewTinyGoAdapter creates a BLE adapter on the default host controller.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{adapter: bluetooth.DefaultAdapter}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		if isPermissionError(err) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return err
	}

	// The adapter-level handler is the only disconnect signal tinygo
	// provides; route it to the matching connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		a.drops.route(device.Address.String())
	})
	return nil
}

// dropRouter hands adapter-wide disconnect events to the matching
// connection. Addresses compare case-insensitively: host stacks print MACs
// in upper case whatever the user typed.
type dropRouter struct {
	mu    sync.Mutex
	conns map[string]*tinyGoConnection
}

func addressKey(addr string) string {
	return strings.ToUpper(addr)
}

func (r *dropRouter) track(addr string, conn *tinyGoConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns == nil {
		r.conns = make(map[string]*tinyGoConnection)
	}
	r.conns[addressKey(addr)] = conn
}

// route signals the drop to the connection at addr, once. It reports whether
// a connection was tracked.
func (r *dropRouter) route(addr string) bool {
	key := addressKey(addr)
	r.mu.Lock()
	conn, ok := r.conns[key]
	delete(r.conns, key)
	r.mu.Unlock()
	if ok {
		conn.dropped()
	}
	return ok
}

func isPermissionError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "permission") ||
		strings.Contains(msg, "not authorized") ||
		strings.Contains(msg, "unauthorized")
}

func (a *TinyGoAdapter) Scan(ctx context.Context, onResult func(Advertisement)) error {
	if ctx.Err() != nil {
		return nil
	}

	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			if err := a.adapter.StopScan(); err != nil && !strings.Contains(err.Error(), "no scan in progress") {
				slog.Warn("[BLE] failed to stop scan", "error", err)
			}
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if ctx.Err() != nil {
			return
		}
		onResult(Advertisement{
			Address: result.Address.String(),
			Name:    result.LocalName(),
			RSSI:    int(result.RSSI),
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	// tinygo's Connect has no cancellation; ctx bounds the wait instead.
	device, err := awaitConnect(ctx,
		func() (bluetooth.Device, error) { return a.adapter.Connect(addr, params) },
		func(late bluetooth.Device) {
			if err := late.Disconnect(); err != nil {
				slog.Warn("[BLE] failed to release late connection", "addr", address, "error", err)
			}
		})
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	conn := &tinyGoConnection{device: device}
	a.drops.track(device.Address.String(), conn)
	return conn, nil
}

// awaitConnect runs connect and waits for it or for ctx to end, whichever
// comes first. A connection that completes after ctx ended is handed to
// release so the handle is never leaked.
func awaitConnect[T any](ctx context.Context, connect func() (T, error), release func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := connect()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				release(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}

type tinyGoConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
	chars        []*tinyGoCharacteristic
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	ch := &tinyGoCharacteristic{char: chars[0]}
	c.mu.Lock()
	c.chars = append(c.chars, ch)
	c.mu.Unlock()
	return ch, nil
}

// RequestMTU reports the MTU the platform negotiated. Host stacks negotiate
// the exchange themselves, so the result never exceeds mtu.
func (c *tinyGoConnection) RequestMTU(mtu int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.chars) == 0 {
		return 0, fmt.Errorf("ble: no characteristic discovered")
	}
	got, err := c.chars[0].char.GetMTU()
	if err != nil {
		return 0, fmt.Errorf("ble: get MTU: %w", err)
	}
	return min(int(got), mtu), nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) dropped() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

// Write blocks until the host stack has completed the write, which is the
// acknowledgement the transfer controller paces on.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	n, err := c.char.WriteWithoutResponse(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("ble: wrote %d of %d bytes", n, len(data))
	}
	return nil
}

// Subscribe enables notifications; the host stack writes the
// ClientConfigUUID descriptor.
func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// The platform may reuse buf after the callback returns.
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}
