// Command test-scan is a manual test for BLE discovery.
// It runs one bounded scan and prints every named peripheral found.
//
// Usage:
//
//	go run ./cmd/test-scan [--duration 10s]
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/chaz8081/gattlink/internal/ble"
)

func main() {
	duration := flag.Duration("duration", 10*time.Second, "scan duration")
	flag.Parse()

	opts := ble.DefaultOptions()
	opts.ScanDuration = *duration

	central := ble.NewCentral(ble.NewTinyGoAdapter(), opts)
	defer central.Close()

	fmt.Printf("Scanning for %s...\n", *duration)
	if err := central.StartScan(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	done := <-central.ScanDone()
	if done.Err != nil {
		fmt.Printf("Error: %v\n", done.Err)
		return
	}

	fmt.Printf("\nScan %s, %d device(s):\n", done.Reason, len(done.Devices))
	for i, d := range done.Devices {
		fmt.Printf("  [%d] %-20s %s  %d dBm\n", i, d.Name, d.Address, d.RSSI)
	}
}
