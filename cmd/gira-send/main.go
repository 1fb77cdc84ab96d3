// Command gira-send sends one command to a Gira System 3000 device and exits.
// The device must be advertising; gira-send scans until it is seen.
//
// Usage:
//
//	go run ./cmd/gira-send --address AA:BB:CC:DD:EE:FF --command open
//	go run ./cmd/gira-send --address AA:BB:CC:DD:EE:FF --command position --value 40
//	go run ./cmd/gira-send --address 11:22:33:44:55:66 --command temperature --value 21.5
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/chaz8081/gira-bridge/internal/ble"
	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
)

func main() {
	address := flag.String("address", "", "device address (required)")
	command := flag.String("command", "", "open, close, stop, step_up, step_down, ventilate, position or temperature")
	value := flag.String("value", "", "percent for position, celsius for temperature")
	wait := flag.Duration("wait", 30*time.Second, "how long to scan for the device")
	flag.Parse()

	if *address == "" || *command == "" {
		flag.Usage()
		os.Exit(2)
	}

	frame, err := encode(*command, *value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := send(ctx, ble.NormalizeAddress(*address), frame, *wait); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Done!")
}

func send(ctx context.Context, address string, frame []byte, wait time.Duration) error {
	adapter := ble.NewTinyGoAdapter()
	scanner := ble.NewScanner(adapter, ble.ScannerOptions{})

	seen := make(chan struct{})
	var once sync.Once
	unsubscribe := scanner.Subscribe(address, func(ev ble.ScanEvent) {
		if ev.Type == ble.EventAdvertisement {
			once.Do(func() { close(seen) })
		}
	})
	defer unsubscribe()

	scanCtx, cancelScan := context.WithCancel(ctx)
	defer cancelScan()
	scanErr := make(chan error, 1)
	go func() { scanErr <- scanner.Run(scanCtx) }()

	fmt.Printf("Waiting for %s to advertise...\n", address)
	select {
	case <-seen:
	case err := <-scanErr:
		return fmt.Errorf("scan: %w", err)
	case <-time.After(wait):
		return fmt.Errorf("%w: %s not seen within %s", ble.ErrDeviceNotFound, address, wait)
	case <-ctx.Done():
		return ctx.Err()
	}

	channel := ble.NewChannel(adapter, scanner, ble.DefaultChannelOptions())
	defer channel.CloseAll()

	fmt.Printf("Sending % X\n", frame)
	return channel.Send(ctx, address, frame)
}

// encode builds the command frame for a command name.
func encode(command, value string) ([]byte, error) {
	switch command {
	case "open":
		return protocol.EncodeCoverMove(protocol.Up), nil
	case "close":
		return protocol.EncodeCoverMove(protocol.Down), nil
	case "stop":
		return protocol.EncodeCoverStop(), nil
	case "step_up":
		return protocol.EncodeCoverStep(protocol.Up), nil
	case "step_down":
		return protocol.EncodeCoverStep(protocol.Down), nil
	case "ventilate":
		return protocol.EncodeCoverPosition(protocol.VentilationPercent)
	case "position":
		percent, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("position needs --value 0..100: %w", err)
		}
		return protocol.EncodeCoverPosition(percent)
	case "temperature":
		celsius, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("temperature needs --value in celsius: %w", err)
		}
		return protocol.EncodeClimateTarget(celsius)
	default:
		return nil, errors.New("unknown command " + command)
	}
}
