package main

import (
	"github.com/chaz8081/gattlink/internal/ble"
	"github.com/chaz8081/gattlink/internal/config"
)

// centralOptions maps the validated config onto central options.
func centralOptions(cfg *config.Config) ble.Options {
	opts := ble.DefaultOptions()
	opts.ServiceUUID = cfg.BLE.ServiceUUID
	opts.WriteCharUUID = cfg.BLE.WriteCharUUID
	opts.NotifyCharUUID = cfg.BLE.NotifyCharUUID
	opts.MTURequest = cfg.BLE.MTURequest
	opts.ScanDuration = cfg.BLE.ScanDuration
	opts.ConnectTimeout = cfg.BLE.ConnectTimeout
	opts.RescanCooldown = cfg.BLE.RescanCooldown

	opts.WriteRetries = cfg.Transfer.WriteRetries
	opts.RetryBackoffMax = cfg.Transfer.RetryBackoffMax
	opts.QueueSize = cfg.Transfer.QueueSize
	if cfg.Transfer.BusyPolicy == "queue" {
		opts.BusyPolicy = ble.BusyQueue
	}

	opts.IdleWindow = cfg.Inbound.IdleWindow
	opts.MaxMessageBytes = cfg.Inbound.MaxMessageBytes
	if cfg.Inbound.Framing == "length-prefix" {
		opts.Framing = ble.FramingLengthPrefix
	}
	return opts
}
