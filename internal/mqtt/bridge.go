package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
	"github.com/chaz8081/gira-bridge/internal/device"
)

// Cover commands accepted on <prefix>/<id>/set.
const (
	CommandOpen      = "OPEN"
	CommandClose     = "CLOSE"
	CommandStop      = "STOP"
	CommandStepUp    = "STEP_UP"
	CommandStepDown  = "STEP_DOWN"
	CommandVentilate = "VENTILATE"
)

// DefaultCommandTimeout bounds one command received over MQTT, including
// connection establishment.
const DefaultCommandTimeout = time.Minute

// Publisher is the subset of *Client the bridge needs.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
}

// Devices looks up bindings. *device.Manager implements it.
type Devices interface {
	Get(address string) (device.Device, bool)
}

// BridgeOptions configures topics.
type BridgeOptions struct {
	TopicPrefix     string
	DiscoveryPrefix string
	CommandTimeout  time.Duration
}

// Bridge is a device.StateSink that mirrors device state to MQTT and turns
// command topics into device calls.
type Bridge struct {
	pub     Publisher
	devices Devices
	opts    BridgeOptions

	// run executes a command off the MQTT delivery goroutine.
	run func(func())

	mu        sync.Mutex
	announced map[string][]string // address -> subscribed command topics
}

// NewBridge creates a bridge publishing through pub.
func NewBridge(pub Publisher, devices Devices, opts BridgeOptions) *Bridge {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "gira"
	}
	if opts.DiscoveryPrefix == "" {
		opts.DiscoveryPrefix = "homeassistant"
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	return &Bridge{
		pub:       pub,
		devices:   devices,
		opts:      opts,
		run:       func(f func()) { go f() },
		announced: make(map[string][]string),
	}
}

// objectID turns an address into a topic-safe identifier.
func objectID(address string) string {
	r := strings.NewReplacer(":", "", "-", "")
	return strings.ToLower(r.Replace(address))
}

func (b *Bridge) topic(address, suffix string) string {
	return b.opts.TopicPrefix + "/" + objectID(address) + "/" + suffix
}

// statePayload is the retained JSON published on the state topic.
type statePayload struct {
	device.State
	CoverState string `json:"state,omitempty"`
}

func coverState(s device.State) string {
	switch {
	case s.Opening:
		return "opening"
	case s.Closing:
		return "closing"
	case s.Position == nil:
		return "stopped"
	case *s.Position == 0:
		return "closed"
	default:
		return "open"
	}
}

// DeviceChanged implements device.StateSink.
func (b *Bridge) DeviceChanged(c device.Change) {
	s := c.State
	if c.Removed {
		b.withdraw(s.Address)
		return
	}

	if err := b.announce(s); err != nil {
		slog.Warn("mqtt discovery failed", "address", s.Address, "error", err)
	}

	payload := statePayload{State: s}
	if s.Profile == protocol.ProfileCover {
		payload.CoverState = coverState(s)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("mqtt encode state", "address", s.Address, "error", err)
		return
	}
	if err := b.pub.Publish(b.topic(s.Address, "state"), data, true); err != nil {
		slog.Debug("mqtt publish state", "address", s.Address, "error", err)
	}
	b.publishAvailability(s.Address, s.Available)
}

func (b *Bridge) publishAvailability(address string, available bool) {
	payload := payloadOffline
	if available {
		payload = payloadOnline
	}
	if err := b.pub.Publish(b.topic(address, "availability"), []byte(payload), true); err != nil {
		slog.Debug("mqtt publish availability", "address", address, "error", err)
	}
}

// announce publishes discovery and subscribes command topics the first time
// a device is seen.
func (b *Bridge) announce(s device.State) error {
	b.mu.Lock()
	_, done := b.announced[s.Address]
	b.mu.Unlock()
	if done {
		return nil
	}

	topic, cfg := b.discoveryConfig(s)
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding discovery config: %w", err)
	}
	if err := b.pub.Publish(topic, data, true); err != nil {
		return err
	}

	commands := map[string]func([]byte) (func(context.Context) error, error){}
	if s.Profile == protocol.ProfileClimate {
		commands["temperature/set"] = b.parseTemperature(s.Address)
	} else {
		commands["set"] = b.parseCoverCommand(s.Address)
		commands["position/set"] = b.parsePosition(s.Address)
	}

	var subscribed []string
	for suffix, parse := range commands {
		t := b.topic(s.Address, suffix)
		if err := b.pub.Subscribe(t, b.commandHandler(s.Address, parse)); err != nil {
			for _, st := range subscribed {
				_ = b.pub.Unsubscribe(st)
			}
			return err
		}
		subscribed = append(subscribed, t)
	}

	b.mu.Lock()
	b.announced[s.Address] = subscribed
	b.mu.Unlock()
	slog.Info("mqtt device announced", "address", s.Address, "discovery_topic", topic)
	return nil
}

func (b *Bridge) withdraw(address string) {
	b.mu.Lock()
	topics := b.announced[address]
	delete(b.announced, address)
	b.mu.Unlock()

	for _, t := range topics {
		if err := b.pub.Unsubscribe(t); err != nil {
			slog.Debug("mqtt unsubscribe", "topic", t, "error", err)
		}
	}
	b.publishAvailability(address, false)
}

// commandHandler validates the payload synchronously and runs the command
// asynchronously; BLE commands can take seconds.
func (b *Bridge) commandHandler(address string, parse func([]byte) (func(context.Context) error, error)) MessageHandler {
	return func(topic string, payload []byte) error {
		cmd, err := parse(payload)
		if err != nil {
			return err
		}
		b.run(func() {
			ctx, cancel := context.WithTimeout(context.Background(), b.opts.CommandTimeout)
			defer cancel()
			if err := cmd(ctx); err != nil {
				level := slog.LevelError
				if errors.Is(err, device.ErrNotSent) {
					level = slog.LevelWarn
				}
				slog.Log(ctx, level, "mqtt command failed", "address", address, "topic", topic, "error", err)
			}
		})
		return nil
	}
}

func (b *Bridge) cover(address string) (*device.Cover, error) {
	d, ok := b.devices.Get(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrNotBound, address)
	}
	c, ok := d.(*device.Cover)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a cover", ErrInvalidCommand, address)
	}
	return c, nil
}

func (b *Bridge) climate(address string) (*device.Climate, error) {
	d, ok := b.devices.Get(address)
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrNotBound, address)
	}
	c, ok := d.(*device.Climate)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a thermostat", ErrInvalidCommand, address)
	}
	return c, nil
}

func (b *Bridge) parseCoverCommand(address string) func([]byte) (func(context.Context) error, error) {
	return func(payload []byte) (func(context.Context) error, error) {
		c, err := b.cover(address)
		if err != nil {
			return nil, err
		}
		switch strings.ToUpper(strings.TrimSpace(string(payload))) {
		case CommandOpen:
			return c.Open, nil
		case CommandClose:
			return c.Close, nil
		case CommandStop:
			return c.Stop, nil
		case CommandStepUp:
			return c.StepUp, nil
		case CommandStepDown:
			return c.StepDown, nil
		case CommandVentilate:
			return c.Ventilate, nil
		default:
			return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, payload)
		}
	}
}

func (b *Bridge) parsePosition(address string) func([]byte) (func(context.Context) error, error) {
	return func(payload []byte) (func(context.Context) error, error) {
		c, err := b.cover(address)
		if err != nil {
			return nil, err
		}
		percent, err := strconv.Atoi(strings.TrimSpace(string(payload)))
		if err != nil {
			return nil, fmt.Errorf("%w: position %q", ErrInvalidCommand, payload)
		}
		return func(ctx context.Context) error { return c.SetPosition(ctx, percent) }, nil
	}
}

func (b *Bridge) parseTemperature(address string) func([]byte) (func(context.Context) error, error) {
	return func(payload []byte) (func(context.Context) error, error) {
		c, err := b.climate(address)
		if err != nil {
			return nil, err
		}
		celsius, err := strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: temperature %q", ErrInvalidCommand, payload)
		}
		return func(ctx context.Context) error { return c.SetTargetTemperature(ctx, celsius) }, nil
	}
}
