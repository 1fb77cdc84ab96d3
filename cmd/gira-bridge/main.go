package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/gira-bridge/internal/api"
	"github.com/chaz8081/gira-bridge/internal/ble"
	"github.com/chaz8081/gira-bridge/internal/config"
	"github.com/chaz8081/gira-bridge/internal/device"
	"github.com/chaz8081/gira-bridge/internal/history"
	"github.com/chaz8081/gira-bridge/internal/logging"
	"github.com/chaz8081/gira-bridge/internal/mqtt"
	"github.com/chaz8081/gira-bridge/internal/store"
	"github.com/chaz8081/gira-bridge/internal/throttle"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/gira-bridge/config.yaml)")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fmt.Fprintf(os.Stderr, "init: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr))
	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("bridge stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Goodbye!")
}

// services holds what run starts, so shutdown can stop it in order.
type services struct {
	store   *store.Store
	server  *api.Server
	manager *device.Manager
	channel *ble.Channel
	history *history.Writer
	mqtt    *mqtt.Client
}

// shutdown stops producers before the sinks they feed: the API first, then
// the manager (which publishes offline state), then the BLE links, then the
// sinks, and the store last.
func (s *services) shutdown() {
	if s.server != nil {
		if err := s.server.Close(); err != nil {
			slog.Warn("API server close failed", "error", err)
		}
	}
	if s.manager != nil {
		s.manager.Close()
	}
	if s.channel != nil {
		s.channel.CloseAll()
	}
	if s.history != nil {
		s.history.Close()
	}
	if s.mqtt != nil {
		if err := s.mqtt.Close(); err != nil {
			slog.Warn("MQTT close failed", "error", err)
		}
	}
	if err := s.store.Close(); err != nil {
		slog.Warn("State store close failed", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	svc := &services{store: st}
	// Runs after the scanner below has stopped.
	defer svc.shutdown()

	if err := st.Migrate(ctx); err != nil {
		return err
	}
	slog.Info("State store ready", "path", cfg.Database.Path)

	adapter := ble.NewTinyGoAdapter()
	scanner := ble.NewScanner(adapter, ble.ScannerOptions{UnavailableAfter: cfg.Scanner.UnavailableAfter})
	svc.channel = ble.NewChannel(adapter, scanner, ble.ChannelOptions{
		ConnectTimeout:  cfg.Command.ConnectTimeout,
		ConnectAttempts: cfg.Command.ConnectAttempts,
		WriteTimeout:    cfg.Command.WriteTimeout,
		IdleTimeout:     cfg.Command.IdleTimeout,
	})

	manager := device.NewManager(svc.channel, scanner, throttle.New(cfg.Throttle.Interval),
		device.WithRestorer(st),
		device.WithSinks(st),
	)
	svc.manager = manager

	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return err
		}
		svc.mqtt = client
		manager.AddSink(mqtt.NewBridge(client, manager, mqtt.BridgeOptions{
			TopicPrefix:     cfg.MQTT.TopicPrefix,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		}))
		slog.Info("MQTT bridge ready", "broker", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port))
	}

	if cfg.InfluxDB.Enabled {
		writer, err := history.Connect(cfg.InfluxDB)
		if err != nil {
			// History is optional; keep bridging without it.
			slog.Warn("InfluxDB unavailable, history disabled", "error", err)
		} else {
			svc.history = writer
			manager.AddSink(writer)
			slog.Info("History writer ready", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		}
	}

	if err := bindDevices(ctx, cfg, st, manager); err != nil {
		return err
	}

	if cfg.API.Enabled {
		svc.server = api.New(manager, map[string]api.HealthFunc{"database": st.HealthCheck}, slog.Default())
		svc.server.Start(cfg.API.Listen)
	}

	scanCtx, cancelScan := context.WithCancel(ctx)
	scanErr := make(chan error, 1)
	go func() { scanErr <- scanner.Run(scanCtx) }()

	slog.Info("Ready! Listening for Gira broadcasts. Ctrl+C to quit.", "devices", len(manager.List()))

	select {
	case <-ctx.Done():
		slog.Info("Shutting down...")
		cancelScan()
		<-scanErr
		return nil
	case err := <-scanErr:
		cancelScan()
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("scan ended")
		}
		return fmt.Errorf("scanner: %w", err)
	}
}

// bindDevices binds the configured devices. With none configured, the
// bindings remembered by the store are used instead.
func bindDevices(ctx context.Context, cfg *config.Config, st *store.Store, manager *device.Manager) error {
	bindings := make([]device.Binding, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		bindings = append(bindings, device.Binding{Address: d.Address, Name: d.Name, Profile: d.Profile})
	}
	if len(bindings) == 0 {
		stored, err := st.Devices(ctx)
		if err != nil {
			return err
		}
		for _, d := range stored {
			bindings = append(bindings, device.Binding{Address: d.Address, Name: d.Name, Profile: d.Profile})
		}
		if len(stored) > 0 {
			slog.Info("No devices configured, using stored bindings", "count", len(stored))
		}
	}

	for _, b := range bindings {
		if _, err := manager.Bind(ctx, b); err != nil {
			return fmt.Errorf("binding %s: %w", b.Address, err)
		}
	}
	if len(bindings) == 0 {
		slog.Warn("No devices bound; run gira-scan to find addresses and add them to the config")
	}
	return nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	fmt.Fprintln(os.Stderr, "No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	onOff := func(b bool) string {
		if b {
			return "enabled"
		}
		return "disabled"
	}
	fmt.Println("=== gira-bridge ===")
	fmt.Printf("  Devices:  %d configured\n", len(cfg.Devices))
	fmt.Printf("  Throttle: %s\n", cfg.Throttle.Interval)
	fmt.Printf("  Database: %s\n", cfg.Database.Path)
	fmt.Printf("  MQTT:     %s (%s:%d)\n", onOff(cfg.MQTT.Enabled), cfg.MQTT.Host, cfg.MQTT.Port)
	fmt.Printf("  InfluxDB: %s\n", onOff(cfg.InfluxDB.Enabled))
	fmt.Printf("  API:      %s (%s)\n", onOff(cfg.API.Enabled), cfg.API.Listen)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("===================")
}
