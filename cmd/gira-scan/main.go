// Command gira-scan prints decoded broadcasts from every advertising Gira
// System 3000 device, to find the addresses to put in the bridge config.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/gira-scan [--all]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/gira-bridge/internal/ble"
	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
)

func main() {
	all := flag.Bool("all", false, "print every packet, not only changes")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Scanning for Gira devices (manufacturer 1412)...")
	fmt.Println("Press Ctrl+C to exit.")

	last := make(map[string]string)
	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Scan calls the handler from a single goroutine, so last needs no lock.
	err := adapter.Scan(ctx, func(adv ble.Advertisement) {
		line, ok := describe(adv)
		if !ok {
			return
		}
		addr := ble.NormalizeAddress(adv.Address)
		if !*all && last[addr] == line {
			return
		}
		last[addr] = line
		fmt.Printf("%s  %-17s  rssi=%4d  %s\n", adv.Time.Format("15:04:05"), addr, adv.RSSI, line)
	})
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nDone. %d Gira devices seen.\n", len(last))
}

// describe decodes every Gira payload in adv under both profiles.
func describe(adv ble.Advertisement) (string, bool) {
	payloads := adv.Manufacturer(protocol.ManufacturerID)
	if len(payloads) == 0 {
		return "", false
	}

	var parts []string
	for _, p := range payloads {
		if pos, ok := protocol.DecodeCoverPosition(p); ok {
			parts = append(parts, fmt.Sprintf("profile=cover position=%d%%", pos))
		}
		readings, err := protocol.Decode(protocol.ProfileClimate, p)
		for _, r := range readings {
			parts = append(parts, fmt.Sprintf("profile=climate %s=%.2f°C", r.Kind, r.Value))
		}
		if err != nil {
			parts = append(parts, "malformed: "+err.Error())
		}
	}
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("unrecognised payload % X", payloads[0]))
	}
	if adv.LocalName != "" {
		parts = append([]string{fmt.Sprintf("name=%q", adv.LocalName)}, parts...)
	}
	return strings.Join(parts, " "), true
}
