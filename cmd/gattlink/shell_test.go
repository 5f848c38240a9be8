package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/chaz8081/gattlink/internal/ble"
	"github.com/chaz8081/gattlink/internal/config"
	"github.com/chaz8081/gattlink/internal/payload"
)

// mockCentral records console calls.
type mockCentral struct {
	devices    []ble.Device
	state      ble.LinkState
	connected  []string
	scans      int
	stops      int
	disconnect int
	err        error
}

func (m *mockCentral) StartScan() error { m.scans++; return m.err }
func (m *mockCentral) StopScan() error { m.stops++; return nil }
func (m *mockCentral) Disconnect() error { m.disconnect++; return nil }
func (m *mockCentral) Devices() []ble.Device { return m.devices }
func (m *mockCentral) State() ble.LinkState { return m.state }
func (m *mockCentral) ConnectedName() string { return "SPEED-MTI" }
func (m *mockCentral) TransferUnit() int { return 247 }
func (m *mockCentral) Registry() ble.StatusView { return ble.NewRegistry() }

func (m *mockCentral) Connect(address string) error {
	if m.err != nil {
		return m.err
	}
	m.connected = append(m.connected, address)
	return nil
}

type mockText struct{ sent []string }

func (m *mockText) SendText(text string) error {
	m.sent = append(m.sent, text)
	return nil
}

type mockFiles struct{ paths []string }

func (m *mockFiles) SendPath(path string) (payload.File, error) {
	m.paths = append(m.paths, path)
	return payload.File{Name: "a.bin", Path: path, Content: make([]byte, 45)}, nil
}

func newTestShell() (*shell, *mockCentral, *mockText, *mockFiles, *bytes.Buffer) {
	c := &mockCentral{devices: []ble.Device{
		{Name: "Dev0", Address: "AA:00:00:00:00:00"},
		{Name: "Dev1", Address: "AA:00:00:00:00:01"},
	}}
	text, files, out := &mockText{}, &mockFiles{}, &bytes.Buffer{}
	return newShell(c, text, files, out), c, text, files, out
}

func TestShellRun(t *testing.T) {
	sh, c, text, files, out := newTestShell()

	input := strings.Join([]string{
		"scan",
		"devices",
		"connect 1",
		`send "hello   world" again`,
		"file '~/my file.bin'",
		"",
		"bogus",
		"quit",
		"scan",
	}, "\n")

	if status := sh.run(strings.NewReader(input)); status != 0 {
		t.Errorf("run() = %d, want 0", status)
	}
	if c.scans != 1 {
		t.Errorf("scans = %d, want 1 (commands after quit must not run)", c.scans)
	}
	if len(c.connected) != 1 || c.connected[0] != "AA:00:00:00:00:01" {
		t.Errorf("connected = %v", c.connected)
	}
	if len(text.sent) != 1 || text.sent[0] != "hello   world again" {
		t.Errorf("sent = %q", text.sent)
	}
	if len(files.paths) != 1 || files.paths[0] != "~/my file.bin" {
		t.Errorf("paths = %q", files.paths)
	}
	if !strings.Contains(out.String(), `unknown command "bogus"`) {
		t.Errorf("output missing unknown command error:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "[1] Dev1") {
		t.Errorf("output missing device list:\n%s", out.String())
	}
}

func TestShellUsageErrors(t *testing.T) {
	sh, _, _, _, _ := newTestShell()

	for _, args := range [][]string{{"connect"}, {"send"}, {"file"}, {"file", "a", "b"}} {
		err := sh.execute(args)
		if err == nil || !strings.HasPrefix(err.Error(), "usage: ") {
			t.Errorf("execute(%q) error = %v, want usage", args, err)
		}
	}
}

func TestShellPropagatesCentralErrors(t *testing.T) {
	sh, c, _, _, _ := newTestShell()
	c.err = ble.ErrConnectionActive

	if err := sh.execute([]string{"connect", "AA:00:00:00:00:09"}); !errors.Is(err, ble.ErrConnectionActive) {
		t.Errorf("connect error = %v, want ErrConnectionActive", err)
	}
	if err := sh.execute([]string{"scan"}); !errors.Is(err, ble.ErrConnectionActive) {
		t.Errorf("scan error = %v, want ErrConnectionActive", err)
	}
}

func TestShellStatus(t *testing.T) {
	sh, c, _, _, out := newTestShell()

	_ = sh.execute([]string{"status"})
	if !strings.Contains(out.String(), "Idle") {
		t.Errorf("idle status output = %q", out.String())
	}

	out.Reset()
	c.state = ble.LinkReady
	_ = sh.execute([]string{"status"})
	if !strings.Contains(out.String(), "Ready: SPEED-MTI (MTU 247)") {
		t.Errorf("ready status output = %q", out.String())
	}
}

func TestResolveTarget(t *testing.T) {
	devices := []ble.Device{{Address: "AA:00:00:00:00:00"}, {Address: "AA:00:00:00:00:01"}}

	tests := []struct {
		target  string
		want    string
		wantErr bool
	}{
		{"0", "AA:00:00:00:00:00", false},
		{"1", "AA:00:00:00:00:01", false},
		{"2", "", true},
		{"-1", "", true},
		{"AA:00:00:00:00:09", "AA:00:00:00:00:09", false},
	}
	for _, tt := range tests {
		got, err := resolveTarget(tt.target, devices)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("resolveTarget(%q) = %q, %v; want %q, wantErr %v", tt.target, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestCentralOptions(t *testing.T) {
	cfg := config.Default()
	cfg.BLE.MTURequest = 185
	cfg.Transfer.BusyPolicy = "queue"
	cfg.Transfer.QueueSize = 3
	cfg.Transfer.WriteRetries = 2
	cfg.Inbound.Framing = "length-prefix"
	cfg.Inbound.MaxMessageBytes = 1024

	opts := centralOptions(cfg)
	if opts.MTURequest != 185 {
		t.Errorf("MTURequest = %d, want 185", opts.MTURequest)
	}
	if opts.BusyPolicy != ble.BusyQueue || opts.QueueSize != 3 {
		t.Errorf("BusyPolicy = %v, QueueSize = %d", opts.BusyPolicy, opts.QueueSize)
	}
	if opts.WriteRetries != 2 {
		t.Errorf("WriteRetries = %d, want 2", opts.WriteRetries)
	}
	if opts.Framing != ble.FramingLengthPrefix || opts.MaxMessageBytes != 1024 {
		t.Errorf("Framing = %v, MaxMessageBytes = %d", opts.Framing, opts.MaxMessageBytes)
	}
	if opts.ScanDuration != cfg.BLE.ScanDuration || opts.IdleWindow != cfg.Inbound.IdleWindow {
		t.Errorf("timing not carried over: %+v", opts)
	}

	def := centralOptions(config.Default())
	if def.BusyPolicy != ble.BusyReject || def.Framing != ble.FramingSilence {
		t.Errorf("default policy/framing = %v/%v", def.BusyPolicy, def.Framing)
	}
}

func TestPrintProgress(t *testing.T) {
	tests := []struct {
		p    ble.Progress
		want string
	}{
		{ble.Progress{Sent: 20, Total: 45}, "Sending 20/45 bytes (44%)"},
		{ble.Progress{Sent: 45, Total: 45, Done: true}, "Transfer complete: 45 bytes"},
		{ble.Progress{Sent: 20, Total: 45, Done: true, Err: ble.ErrLinkDropped}, "Transfer failed at 20/45 bytes"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		printProgress(&out, tt.p)
		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("printProgress(%+v) = %q, want %q", tt.p, out.String(), tt.want)
		}
	}
}

func TestShellFileOnConnect(t *testing.T) {
	sh, c, _, files, _ := newTestShell()

	if err := sh.execute([]string{"file", "--on-connect", "~/fw.bin"}); err != nil {
		t.Fatalf("execute() error = %v", err)
	}
	if len(files.paths) != 0 {
		t.Fatalf("file sent while idle: %q", files.paths)
	}

	sh.onStatus(ble.StatusChange{Address: "AA:00:00:00:00:01", Status: ble.StatusConnecting})
	if len(files.paths) != 0 {
		t.Fatalf("file sent before the link was ready: %q", files.paths)
	}

	for i := 0; i < 2; i++ {
		sh.onStatus(ble.StatusChange{Address: "AA:00:00:00:00:01", Status: ble.StatusConnected})
	}
	if len(files.paths) != 2 || files.paths[0] != "~/fw.bin" {
		t.Errorf("paths = %q, want the file once per connect", files.paths)
	}

	_ = sh.execute([]string{"file", "--on-connect", "-"})
	sh.onStatus(ble.StatusChange{Address: "AA:00:00:00:00:01", Status: ble.StatusConnected})
	if len(files.paths) != 2 {
		t.Errorf("paths = %q, cleared file still sent", files.paths)
	}

	c.state = ble.LinkReady
	_ = sh.execute([]string{"file", "--on-connect", "now.bin"})
	if len(files.paths) != 3 || files.paths[2] != "now.bin" {
		t.Errorf("paths = %q, want immediate send while ready", files.paths)
	}
}

func TestShellFileOnConnectUsage(t *testing.T) {
	sh, _, _, files, _ := newTestShell()

	for _, args := range [][]string{{"file", "--on-connect"}, {"file", "--bogus", "x"}} {
		if err := sh.execute(args); err == nil || !strings.HasPrefix(err.Error(), "usage: ") {
			t.Errorf("execute(%q) error = %v, want usage", args, err)
		}
	}
	if len(files.paths) != 0 {
		t.Errorf("paths = %q, want none", files.paths)
	}
}
