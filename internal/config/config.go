package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/gattlink/internal/ble/protocol"
)

// Config holds all application configuration.
type Config struct {
	BLE      BLEConfig      `yaml:"ble"`
	Transfer TransferConfig `yaml:"transfer"`
	Inbound  InboundConfig  `yaml:"inbound"`
	LogLevel string         `yaml:"log_level"`
}

// BLEConfig holds the wire contract and link timing.
type BLEConfig struct {
	ServiceUUID    string        `yaml:"service_uuid"`
	WriteCharUUID  string        `yaml:"write_char_uuid"`
	NotifyCharUUID string        `yaml:"notify_char_uuid"`
	DescriptorUUID string        `yaml:"descriptor_uuid"`
	MTURequest     int           `yaml:"mtu_request"`
	ScanDuration   time.Duration `yaml:"scan_duration"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RescanCooldown time.Duration `yaml:"rescan_cooldown"`
	DeviceAddress  string        `yaml:"device_address,omitempty"` // connected at startup when set
}

// TransferConfig holds outbound transfer settings.
type TransferConfig struct {
	WriteRetries    int           `yaml:"write_retries"`
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`
	BusyPolicy      string        `yaml:"busy_policy"` // "reject" or "queue"
	QueueSize       int           `yaml:"queue_size"`
	MaxFileBytes    int64         `yaml:"max_file_bytes"`
}

// InboundConfig holds reassembly settings.
type InboundConfig struct {
	Framing         string        `yaml:"framing"` // "silence" or "length-prefix"
	IdleWindow      time.Duration `yaml:"idle_window"`
	MaxMessageBytes int           `yaml:"max_message_bytes"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gattlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			ServiceUUID:    "0000ffe0-0000-1000-8000-00805f9b34fb",
			WriteCharUUID:  "0000ffe1-0000-1000-8000-00805f9b34fb",
			NotifyCharUUID: "0000ffe1-0000-1000-8000-00805f9b34fb",
			DescriptorUUID: "00002902-0000-1000-8000-00805f9b34fb",
			MTURequest:     512,
			ScanDuration:   20 * time.Second,
			ConnectTimeout: 10 * time.Second,
			RescanCooldown: time.Second,
		},
		Transfer: TransferConfig{
			WriteRetries:    0,
			RetryBackoffMax: 2 * time.Second,
			BusyPolicy:      "reject",
			QueueSize:       8,
			MaxFileBytes:    1 << 20,
		},
		Inbound: InboundConfig{
			Framing:    "silence",
			IdleWindow: 500 * time.Millisecond,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	uuids := []struct {
		field, value string
	}{
		{"ble.service_uuid", c.BLE.ServiceUUID},
		{"ble.write_char_uuid", c.BLE.WriteCharUUID},
		{"ble.notify_char_uuid", c.BLE.NotifyCharUUID},
		{"ble.descriptor_uuid", c.BLE.DescriptorUUID},
	}
	for _, u := range uuids {
		if _, err := uuid.Parse(u.value); err != nil {
			return fmt.Errorf("%s must be a UUID, got %q: %w", u.field, u.value, err)
		}
	}

	if c.BLE.MTURequest < protocol.DefaultMTU || c.BLE.MTURequest > protocol.MaxMTU {
		return fmt.Errorf("ble.mtu_request must be between %d and %d, got %d",
			protocol.DefaultMTU, protocol.MaxMTU, c.BLE.MTURequest)
	}
	if c.BLE.ScanDuration <= 0 {
		return fmt.Errorf("ble.scan_duration must be > 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}
	if c.BLE.RescanCooldown <= 0 {
		return fmt.Errorf("ble.rescan_cooldown must be > 0")
	}
	if c.BLE.DeviceAddress != "" && !validAddress(c.BLE.DeviceAddress) {
		return fmt.Errorf("ble.device_address must be a MAC address or UUID, got %q", c.BLE.DeviceAddress)
	}

	if c.Transfer.WriteRetries < 0 {
		return fmt.Errorf("transfer.write_retries must be >= 0")
	}
	if c.Transfer.RetryBackoffMax <= 0 {
		return fmt.Errorf("transfer.retry_backoff_max must be > 0")
	}
	switch c.Transfer.BusyPolicy {
	case "reject":
	case "queue":
		if c.Transfer.QueueSize <= 0 {
			return fmt.Errorf("transfer.queue_size must be > 0 when busy_policy is \"queue\"")
		}
	default:
		return fmt.Errorf("transfer.busy_policy must be \"reject\" or \"queue\", got %q", c.Transfer.BusyPolicy)
	}
	if c.Transfer.MaxFileBytes <= 0 {
		return fmt.Errorf("transfer.max_file_bytes must be > 0")
	}

	switch c.Inbound.Framing {
	case "silence":
	case "length-prefix":
		if c.Transfer.MaxFileBytes > protocol.MaxFrameLen {
			return fmt.Errorf("transfer.max_file_bytes must be <= %d with length-prefix framing", protocol.MaxFrameLen)
		}
	default:
		return fmt.Errorf("inbound.framing must be \"silence\" or \"length-prefix\", got %q", c.Inbound.Framing)
	}
	if c.Inbound.IdleWindow <= 0 {
		return fmt.Errorf("inbound.idle_window must be > 0")
	}
	if c.Inbound.MaxMessageBytes < 0 {
		return fmt.Errorf("inbound.max_message_bytes must be >= 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// validAddress accepts a MAC address (Linux, Windows) or a peripheral UUID
// (macOS).
func validAddress(addr string) bool {
	if _, err := net.ParseMAC(addr); err == nil {
		return true
	}
	_, err := uuid.Parse(addr)
	return err == nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	header := "# gattlink configuration\n# See README for the meaning of each field.\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel converts a log_level string to a slog.Level. Unknown values
// map to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ExpandTilde replaces a leading ~ with the user's home directory.
func ExpandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
