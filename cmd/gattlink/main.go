// Command gattlink is an interactive BLE central console: scan for
// peripherals, connect to one, and exchange text and files with it.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/gattlink/internal/ble"
	"github.com/chaz8081/gattlink/internal/config"
	"github.com/chaz8081/gattlink/internal/payload"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gattlink/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			log.Printf("Config already exists at %s", config.DefaultConfigPath())
			return
		}
		log.Printf("Default config written to %s", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetLogLoggerLevel(config.ParseLogLevel(cfg.LogLevel))
	printBanner(cfg)

	central := ble.NewCentral(ble.NewTinyGoAdapter(), centralOptions(cfg))
	sh := newShell(central,
		payload.NewTextSender(central),
		payload.NewFileSender(central, cfg.Transfer.MaxFileBytes),
		os.Stdout)

	go watch(central, os.Stdout, sh.onStatus)

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %s, shutting down...", sig)
		central.Close()
		log.Println("Goodbye!")
		os.Exit(0)
	}()

	if addr := cfg.BLE.DeviceAddress; addr != "" {
		log.Printf("Connecting to %s...", addr)
		if err := central.Connect(addr); err != nil {
			log.Printf("ERROR: connect: %v", err)
		}
	} else if err := central.StartScan(); err != nil {
		log.Printf("ERROR: scan: %v", err)
	}

	log.Println("Ready! Type 'help' for commands.")
	status := sh.run(os.Stdin)
	central.Close()
	os.Exit(status)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== gattlink ===")
	fmt.Printf("  Service:  %s\n", cfg.BLE.ServiceUUID)
	fmt.Printf("  Write:    %s\n", cfg.BLE.WriteCharUUID)
	fmt.Printf("  Notify:   %s (CCCD %s)\n", cfg.BLE.NotifyCharUUID, cfg.BLE.DescriptorUUID)
	fmt.Printf("  MTU:      request %d\n", cfg.BLE.MTURequest)
	fmt.Printf("  Scan:     %s, rescan after %s\n", cfg.BLE.ScanDuration, cfg.BLE.RescanCooldown)
	fmt.Printf("  Transfer: %s when busy, %d retries\n", cfg.Transfer.BusyPolicy, cfg.Transfer.WriteRetries)
	fmt.Printf("  Inbound:  %s framing, %s idle window\n", cfg.Inbound.Framing, cfg.Inbound.IdleWindow)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("================")
}
