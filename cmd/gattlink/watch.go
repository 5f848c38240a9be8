package main

import (
	"fmt"
	"io"

	"github.com/chaz8081/gattlink/internal/ble"
)

// events is the publish side of the central the console prints.
type events interface {
	Messages() <-chan ble.Message
	Progress() <-chan ble.Progress
	Errors() <-chan error
	ScanDone() <-chan ble.ScanDone
	Registry() ble.StatusView
}

// watch prints published state until the status subscription closes.
// onStatus, if set, sees every status change after it is printed.
func watch(c events, out io.Writer, onStatus func(ble.StatusChange)) {
	statuses, unsubscribe := c.Registry().Subscribe(16)
	defer unsubscribe()

	for {
		select {
		case m := <-c.Messages():
			fmt.Fprintf(out, "\n<< %s\n", m.String())
		case p := <-c.Progress():
			printProgress(out, p)
		case err := <-c.Errors():
			fmt.Fprintf(out, "\nERROR: %v\n", err)
		case d := <-c.ScanDone():
			fmt.Fprintf(out, "\nScan %s, %d device(s) found\n", d.Reason, len(d.Devices))
		case ch, ok := <-statuses:
			if !ok {
				return
			}
			fmt.Fprintf(out, "\n%s: %s\n", ch.Address, ch.Status)
			if onStatus != nil {
				onStatus(ch)
			}
		}
	}
}

func printProgress(out io.Writer, p ble.Progress) {
	switch {
	case p.Done && p.Err != nil:
		fmt.Fprintf(out, "\nTransfer failed at %d/%d bytes: %v\n", p.Sent, p.Total, p.Err)
	case p.Done:
		fmt.Fprintf(out, "\nTransfer complete: %d bytes\n", p.Total)
	case p.Total > 0:
		fmt.Fprintf(out, "\rSending %d/%d bytes (%d%%)", p.Sent, p.Total, p.Sent*100/p.Total)
	}
}
