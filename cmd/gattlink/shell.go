package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/shlex"

	"github.com/chaz8081/gattlink/internal/ble"
	"github.com/chaz8081/gattlink/internal/payload"
)

// centralAPI is the part of the central the console drives.
type centralAPI interface {
	StartScan() error
	StopScan() error
	Connect(address string) error
	Disconnect() error
	Devices() []ble.Device
	State() ble.LinkState
	ConnectedName() string
	TransferUnit() int
	Registry() ble.StatusView
}

type textSender interface {
	SendText(text string) error
}

type pathSender interface {
	SendPath(path string) (payload.File, error)
}

var errUsage = errors.New("usage")

type command struct {
	usage string
	help  string
	run   func(s *shell, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"scan":       {"scan", "start a bounded scan", (*shell).scan},
		"stop":       {"stop", "stop scanning", (*shell).stop},
		"devices":    {"devices", "list discovered devices", (*shell).devices},
		"connect":    {"connect <addr|index>", "connect to a device", (*shell).connect},
		"disconnect": {"disconnect", "disconnect the active device", (*shell).disconnect},
		"send":       {"send <text>", "send text", (*shell).send},
		"file":       {"file [--on-connect] <path|->", "send a file, or send it on every connect (- clears)", (*shell).file},
		"status":     {"status", "show link state", (*shell).status},
		"help":       {"help", "show this list", (*shell).help},
	}
}

// shell is the interactive console.
type shell struct {
	central centralAPI
	text    textSender
	files   pathSender
	out     io.Writer

	mu        sync.Mutex
	onConnect string // file sent whenever a connection becomes ready
}

func newShell(central centralAPI, text textSender, files pathSender, out io.Writer) *shell {
	return &shell{central: central, text: text, files: files, out: out}
}

// run reads commands from in until EOF or quit. It returns the exit status.
func (s *shell) run(in io.Reader) int {
	scanner := bufio.NewScanner(in)
	for fmt.Fprint(s.out, "> "); scanner.Scan(); fmt.Fprint(s.out, "> ") {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" || args[0] == "exit" {
			return 0
		}
		if err != nil {
			fmt.Fprintf(s.out, "Invalid command: %s\n", err)
			continue
		}
		if err := s.execute(args); err != nil {
			fmt.Fprintf(s.out, "Error: %s\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(s.out, "Error reading command: %s\n", err)
		return 1
	}
	return 0
}

func (s *shell) execute(args []string) error {
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (try 'help')", args[0])
	}
	err := cmd.run(s, args[1:])
	if errors.Is(err, errUsage) {
		return fmt.Errorf("usage: %s", cmd.usage)
	}
	return err
}

func (s *shell) scan(args []string) error {
	if err := s.central.StartScan(); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "Scanning...")
	return nil
}

func (s *shell) stop(args []string) error {
	return s.central.StopScan()
}

func (s *shell) devices(args []string) error {
	devices := s.central.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(s.out, "No devices found.")
		return nil
	}
	for i, d := range devices {
		fmt.Fprintf(s.out, "  [%d] %-20s %s  %d dBm\n", i, d.Name, d.Address, d.RSSI)
	}
	return nil
}

func (s *shell) connect(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	addr, err := resolveTarget(args[0], s.central.Devices())
	if err != nil {
		return err
	}
	if err := s.central.Connect(addr); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Connecting to %s...\n", addr)
	return nil
}

func (s *shell) disconnect(args []string) error {
	return s.central.Disconnect()
}

func (s *shell) send(args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	return s.text.SendText(strings.Join(args, " "))
}

func (s *shell) file(args []string) error {
	if len(args) == 2 && args[0] == "--on-connect" {
		path := args[1]
		if path == "-" {
			path = ""
		}
		s.mu.Lock()
		s.onConnect = path
		s.mu.Unlock()
		if path == "" {
			fmt.Fprintln(s.out, "No file will be sent on connect.")
			return nil
		}
		fmt.Fprintf(s.out, "%s will be sent on every connect.\n", path)
		if s.central.State() == ble.LinkReady {
			return s.sendFile(path)
		}
		return nil
	}
	if len(args) != 1 || strings.HasPrefix(args[0], "--") {
		return errUsage
	}
	return s.sendFile(args[0])
}

func (s *shell) sendFile(path string) error {
	f, err := s.files.SendPath(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Sending %s (%d bytes)\n", f.Name, len(f.Content))
	return nil
}

// onStatus sends the on-connect file when a device becomes connected.
func (s *shell) onStatus(ch ble.StatusChange) {
	if ch.Status != ble.StatusConnected {
		return
	}
	s.mu.Lock()
	path := s.onConnect
	s.mu.Unlock()
	if path == "" {
		return
	}
	if err := s.sendFile(path); err != nil {
		fmt.Fprintf(s.out, "Error: on-connect file: %s\n", err)
	}
}

func (s *shell) status(args []string) error {
	state := s.central.State()
	if state == ble.LinkIdle {
		fmt.Fprintln(s.out, "Idle")
		return nil
	}
	fmt.Fprintf(s.out, "%s: %s (MTU %d)\n", state, s.central.ConnectedName(), s.central.TransferUnit())
	for addr, st := range s.central.Registry().Snapshot() {
		fmt.Fprintf(s.out, "  %s %s\n", addr, st)
	}
	return nil
}

func (s *shell) help(args []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(s.out, "  %-22s %s\n", commands[name].usage, commands[name].help)
	}
	fmt.Fprintf(s.out, "  %-22s %s\n", "quit", "exit the console")
	return nil
}

// resolveTarget maps an index into devices, or returns target unchanged as
// an address.
func resolveTarget(target string, devices []ble.Device) (string, error) {
	i, err := strconv.Atoi(target)
	if err != nil {
		return target, nil
	}
	if i < 0 || i >= len(devices) {
		return "", fmt.Errorf("no device at index %d (%d discovered)", i, len(devices))
	}
	return devices[i].Address, nil
}
