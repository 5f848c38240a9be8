// Package ble provides the BLE central used to talk to a single serial-style
// peripheral. It handles discovery, the connection lifecycle, MTU
// negotiation, acknowledged chunked writes and reassembly of notifications.
package ble

import (
	"context"
	"time"
)

// Default wire contract (HM-10 style UART service).
const (
	ServiceUUID      = "0000ffe0-0000-1000-8000-00805f9b34fb"
	CharUUID         = "0000ffe1-0000-1000-8000-00805f9b34fb"
	ClientConfigUUID = "00002902-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data and returns once the write has completed. Its
	// return is the acknowledgement that paces the next chunk.
	Write(data []byte) error
	// Subscribe enables notifications through the client configuration
	// descriptor and registers a callback for them.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name     string
	Address  string
	RSSI     int
	LastSeen time.Time
}

// Advertisement is a single scan result reported by an Adapter.
type Advertisement struct {
	Address string
	Name    string
	RSSI    int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// RequestMTU asks for a transfer unit and returns the negotiated value.
	RequestMTU(mtu int) (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertisements to onResult until ctx is cancelled or the
	// platform fails.
	Scan(ctx context.Context, onResult func(Advertisement)) error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
