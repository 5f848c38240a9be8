package ble

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

const testAddr = "AA:BB:CC:DD:EE:FF"

// connectReady connects to testAddr and waits for the link to become ready.
func connectReady(t *testing.T, c *Central, adapter *mockAdapter) *mockConnection {
	t.Helper()
	if err := c.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "link ready", func() bool { return c.State() == LinkReady })
	return adapter.latestConnection()
}

// nextProgress returns the next progress value, failing after a timeout.
func nextProgress(t *testing.T, c *Central) Progress {
	t.Helper()
	select {
	case p := <-c.Progress():
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no progress published")
		return Progress{}
	}
}

// finalProgress drains progress until a done value arrives.
func finalProgress(t *testing.T, c *Central) Progress {
	t.Helper()
	for {
		if p := nextProgress(t, c); p.Done {
			return p
		}
	}
}

func nextError(t *testing.T, c *Central) error {
	t.Helper()
	select {
	case err := <-c.Errors():
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("no error published")
		return nil
	}
}

func TestConnectReachesReady(t *testing.T) {
	adapter := newMockAdapter([]Advertisement{{Address: testAddr, Name: "SPEED-MTI", RSSI: -50}})
	c := newTestCentral(t, adapter, testOptions())

	if err := c.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	waitFor(t, "device discovered", func() bool { return len(c.Devices()) == 1 })

	conn := connectReady(t, c, adapter)

	if got := c.Registry().Status(testAddr); got != StatusConnected {
		t.Errorf("Status = %v, want Connected", got)
	}
	if got := c.TransferUnit(); got != 247 {
		t.Errorf("TransferUnit() = %d, want 247", got)
	}
	if got := c.ConnectedName(); got != "SPEED-MTI" {
		t.Errorf("ConnectedName() = %q, want %q", got, "SPEED-MTI")
	}
	if !conn.char().subscribed() {
		t.Error("notifications were not enabled")
	}
	if len(c.Devices()) != 0 {
		t.Errorf("connected device still listed in scan results: %v", c.Devices())
	}
	waitFor(t, "scan stopped", func() bool { return !adapter.scanning() })
	select {
	case done := <-c.ScanDone():
		if done.Reason != ScanPreempted {
			t.Errorf("ScanDone.Reason = %v, want %v", done.Reason, ScanPreempted)
		}
	case <-time.After(time.Second):
		t.Error("no ScanDone after connect")
	}
}

func TestConnectUnknownAddressName(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := newTestCentral(t, adapter, testOptions())
	connectReady(t, c, adapter)

	if got := c.ConnectedName(); got != UnknownDeviceName {
		t.Errorf("ConnectedName() = %q, want %q", got, UnknownDeviceName)
	}
}

func TestConnectPublishesConnectingImmediately(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := newTestCentral(t, adapter, testOptions())

	updates, unsubscribe := c.Registry().Subscribe(16)
	defer unsubscribe()

	connectReady(t, c, adapter)

	var seen []Status
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case ch := <-updates:
			if ch.Address != testAddr {
				t.Fatalf("update for %q, want %q", ch.Address, testAddr)
			}
			seen = append(seen, ch.Status)
		case <-timeout:
			t.Fatalf("status updates = %v, want [Connecting Connected]", seen)
		}
	}
	if seen[0] != StatusConnecting || seen[1] != StatusConnected {
		t.Errorf("status updates = %v, want [Connecting Connected]", seen)
	}
}

func TestConnectRejectsSecondAddress(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := newTestCentral(t, adapter, testOptions())
	connectReady(t, c, adapter)

	err := c.Connect("11:22:33:44:55:66")
	if !errors.Is(err, ErrConnectionActive) {
		t.Errorf("second Connect() error = %v, want ErrConnectionActive", err)
	}
	snap := c.Registry().Snapshot()
	if len(snap) != 1 || snap[testAddr] != StatusConnected {
		t.Errorf("registry = %v, want only %s Connected", snap, testAddr)
	}
	if adapter.connectionCount() != 1 {
		t.Errorf("connections = %d, want 1", adapter.connectionCount())
	}
}

func TestConnectSameAddressAlreadyConnected(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := newTestCentral(t, adapter, testOptions())
	connectReady(t, c, adapter)

	if err := c.Connect(testAddr); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("Connect() error = %v, want ErrAlreadyConnected", err)
	}
}

func TestDisconnectWhenIdleIsNoop(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := newTestCentral(t, adapter, testOptions())

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if adapter.scanCount() != 0 {
		t.Errorf("idle Disconnect() scheduled a rescan")
	}
}

func TestDisconnectReleasesOnce(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := newTestCentral(t, adapter, testOptions())
	conn := connectReady(t, c, adapter)

	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	waitFor(t, "link idle", func() bool { return c.State() == LinkIdle })
	_ = c.Disconnect()

	if n := conn.disconnectCount(); n != 1 {
		t.Errorf("Disconnect called %d times on the handle, want 1", n)
	}
	if got := c.Registry().Status(testAddr); got != StatusIdle {
		t.Errorf("Status = %v, want Idle", got)
	}
	if len(c.Registry().Snapshot()) != 0 {
		t.Errorf("registry not cleared: %v", c.Registry().Snapshot())
	}
	if got := c.TransferUnit(); got != 23 {
		t.Errorf("TransferUnit() = %d, want 23 after teardown", got)
	}
	if got := c.ConnectedName(); got != "" {
		t.Errorf("ConnectedName() = %q, want empty", got)
	}
}

func TestMissingCharacteristicIsFatal(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.setup = func(conn *mockConnection) {
		conn.chars = map[string]*mockCharacteristic{}
	}
	c := newTestCentral(t, adapter, testOptions())

	if err := c.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	err := nextError(t, c)
	if !errors.Is(err, ErrServiceIncompatible) {
		t.Fatalf("error = %v, want ErrServiceIncompatible", err)
	}
	waitFor(t, "link idle", func() bool { return c.State() == LinkIdle })

	if n := adapter.latestConnection().disconnectCount(); n != 1 {
		t.Errorf("handle released %d times, want 1", n)
	}
	if len(c.Registry().Snapshot()) != 0 {
		t.Errorf("registry not cleared: %v", c.Registry().Snapshot())
	}
	if adapter.connectionCount() != 1 {
		t.Errorf("incompatible peripheral was retried")
	}
}

func TestSubscribeFailureIsFatal(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.setup = func(conn *mockConnection) {
		conn.chars[CharUUID].subscribeErr = errors.New("notify not permitted")
	}
	c := newTestCentral(t, adapter, testOptions())

	_ = c.Connect(testAddr)
	if err := nextError(t, c); !errors.Is(err, ErrServiceIncompatible) {
		t.Fatalf("error = %v, want ErrServiceIncompatible", err)
	}
	waitFor(t, "link idle", func() bool { return c.State() == LinkIdle })
}

func TestConnectFailureReturnsToIdle(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errors.New("gatt error 133")
	c := newTestCentral(t, adapter, testOptions())

	if err := c.Connect(testAddr); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "link idle", func() bool { return c.State() == LinkIdle })
	if len(c.Registry().Snapshot()) != 0 {
		t.Errorf("registry not cleared: %v", c.Registry().Snapshot())
	}
	waitFor(t, "rescan", func() bool { return adapter.scanCount() == 1 })
}

func TestMTUClamped(t *testing.T) {
	tests := []struct {
		name string
		mtu  int
		err  error
		want int
	}{
		{"pathological small", 5, nil, 23},
		{"request failed", 0, errors.New("not supported"), 23},
		{"negotiated", 185, nil, 185},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adapter := newMockAdapter(nil)
			adapter.setup = func(conn *mockConnection) {
				conn.mtu = tt.mtu
				conn.mtuErr = tt.err
			}
			c := newTestCentral(t, adapter, testOptions())
			connectReady(t, c, adapter)
			if got := c.TransferUnit(); got != tt.want {
				t.Errorf("TransferUnit() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSendNotReady(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := newTestCentral(t, adapter, testOptions())

	if err := c.Send([]byte("hello")); !errors.Is(err, ErrNotReady) {
		t.Errorf("Send() error = %v, want ErrNotReady", err)
	}
}

func TestSendChunksByNegotiatedUnit(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.setup = func(conn *mockConnection) { conn.mtu = 23 }
	c := newTestCentral(t, adapter, testOptions())
	conn := connectReady(t, c, adapter)

	payload := bytes.Repeat([]byte("0123456789"), 5)[:45]
	if err := c.SendFile(payload); err != nil {
		t.Fatalf("SendFile() error = %v", err)
	}
	p := finalProgress(t, c)
	if p.Err != nil || p.Sent != 45 {
		t.Fatalf("final progress = %+v", p)
	}

	writes := conn.char().writeLog()
	want := []int{20, 20, 5}
	if len(writes) != len(want) {
		t.Fatalf("writes = %d, want %d", len(writes), len(want))
	}
	var joined []byte
	for i, w := range writes {
		if len(w) != want[i] {
			t.Errorf("write[%d] = %d bytes, want %d", i, len(w), want[i])
		}
		joined = append(joined, w...)
	}
	if !bytes.Equal(joined, payload) {
		t.Error("writes do not reassemble the payload")
	}
}

func TestSendWhileBusyRejected(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.setup = func(conn *mockConnection) { conn.char().manualAcks() }
	c := newTestCentral(t, adapter, testOptions())
	connectReady(t, c, adapter)

	if err := c.Send(bytes.Repeat([]byte{'a'}, 100)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := c.Send([]byte("b")); !errors.Is(err, ErrTransferBusy) {
		t.Errorf("Send() while busy error = %v, want ErrTransferBusy", err)
	}
}

func TestWriteFailureSurfaces(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.setup = func(conn *mockConnection) {
		conn.mtu = 23
		conn.char().writeErrs = []error{nil, errors.New("gatt write error")}
	}
	c := newTestCentral(t, adapter, testOptions())
	conn := connectReady(t, c, adapter)

	_ = c.Send(bytes.Repeat([]byte{'a'}, 45))
	if err := nextError(t, c); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("error = %v, want ErrWriteFailed", err)
	}
	p := finalProgress(t, c)
	if !errors.Is(p.Err, ErrWriteFailed) || p.Sent != 20 {
		t.Errorf("final progress = %+v", p)
	}
	if conn.char().writeCount() != 2 {
		t.Errorf("writes = %d, want 2 (abandoned, not retried)", conn.char().writeCount())
	}

	// The link stays up and accepts a fresh job.
	if err := c.Send([]byte("again")); err != nil {
		t.Errorf("Send() after failure error = %v", err)
	}
}

func TestNotificationsBecomeMessages(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := newTestCentral(t, adapter, testOptions())
	conn := connectReady(t, c, adapter)

	conn.char().SimulateNotification([]byte("AB"))
	time.Sleep(10 * time.Millisecond)
	conn.char().SimulateNotification([]byte("CD"))

	select {
	case m := <-c.Messages():
		if m.String() != "ABCD" {
			t.Errorf("message = %q, want %q", m.String(), "ABCD")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestLengthPrefixFramingBothWays(t *testing.T) {
	adapter := newMockAdapter(nil)
	opts := testOptions()
	opts.Framing = FramingLengthPrefix
	c := newTestCentral(t, adapter, opts)
	conn := connectReady(t, c, adapter)

	_ = c.Send([]byte("hi"))
	finalProgress(t, c)
	if w := conn.char().writeLog(); len(w) != 1 || !bytes.Equal(w[0], []byte{0x00, 0x02, 'h', 'i'}) {
		t.Errorf("writes = %x, want one framed write", w)
	}

	conn.char().SimulateNotification([]byte{0x00, 0x03, 'a'})
	conn.char().SimulateNotification([]byte{'b', 'c'})
	select {
	case m := <-c.Messages():
		if m.String() != "abc" {
			t.Errorf("message = %q, want %q", m.String(), "abc")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestDisconnectDiscardsPartialMessage(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := newTestCentral(t, adapter, testOptions())
	conn := connectReady(t, c, adapter)

	conn.char().SimulateNotification([]byte("torn"))
	_ = c.Disconnect()

	select {
	case m := <-c.Messages():
		t.Errorf("partial message published after disconnect: %q", m.String())
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCloseDisconnects(t *testing.T) {
	adapter := newMockAdapter(nil)
	c := NewCentral(adapter, testOptions())
	conn := connectReady(t, c, adapter)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if conn.disconnectCount() != 1 {
		t.Errorf("handle released %d times, want 1", conn.disconnectCount())
	}
	if err := c.Connect(testAddr); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Close error = %v, want ErrClosed", err)
	}
	time.Sleep(100 * time.Millisecond)
	if adapter.scanCount() != 0 {
		t.Error("Close scheduled a rescan")
	}
}

func TestEnablePermissionDenied(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.enableErr = ErrPermissionDenied
	c := newTestCentral(t, adapter, testOptions())

	if err := c.StartScan(); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("StartScan() error = %v, want ErrPermissionDenied", err)
	}
	if err := nextError(t, c); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("published error = %v, want ErrPermissionDenied", err)
	}
}
