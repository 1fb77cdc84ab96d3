package ble

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
)

// ConnState is the lifecycle state of a device's transport connection.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

// Resolver reports whether a device is currently reachable. *Scanner implements it.
type Resolver interface {
	Lookup(address string) (Advertisement, bool)
}

// ChannelOptions configures the command channel.
type ChannelOptions struct {
	ConnectTimeout  time.Duration // per connect attempt (default 10s)
	ConnectAttempts int           // connect attempts per fresh connection (default 3)
	WriteTimeout    time.Duration // acknowledged write timeout (default 10s)
	// IdleTimeout keeps a freshly established connection cached for reuse.
	// Zero closes it right after the acknowledged write.
	IdleTimeout time.Duration
}

// DefaultChannelOptions returns the defaults.
func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{
		ConnectTimeout:  DefaultConnectTimeout,
		ConnectAttempts: DefaultConnectAttempts,
		WriteTimeout:    10 * time.Second,
	}
}

// Channel serializes command frames per device. It holds at most one live
// transport connection per address.
type Channel struct {
	adapter  Adapter
	resolver Resolver
	opts     ChannelOptions

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// entry is the per-device slot. lock is a one-token semaphore so waiting
// callers can give up when their context ends; the fields below it are only
// touched while holding the token.
type entry struct {
	address string
	lock    chan struct{}

	// ctx is cancelled when the device binding is torn down, abandoning any
	// connect in progress.
	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	conn    Connection
	char    Characteristic
	connGen uint64
	lost    atomic.Uint64 // connGen of a connection the transport reported dropped
	idle    *time.Timer
	idleGen uint64
}

// NewChannel creates a command channel. resolver is consulted before every
// fresh connection.
func NewChannel(adapter Adapter, resolver Resolver, opts ChannelOptions) *Channel {
	def := DefaultChannelOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = def.ConnectAttempts
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.IdleTimeout < 0 {
		opts.IdleTimeout = 0
	}
	return &Channel{
		adapter:  adapter,
		resolver: resolver,
		opts:     opts,
		entries:  make(map[string]*entry),
	}
}

func (c *Channel) entry(address string) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	e, ok := c.entries[address]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		e = &entry{
			address: address,
			lock:    make(chan struct{}, 1),
			ctx:     ctx,
			cancel:  cancel,
		}
		c.entries[address] = e
	}
	return e, nil
}

func commandFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrCommandFailed, err)
}

// Send writes frame to the device at address. Calls for the same address are
// serialized; calls for different addresses run independently. Every error
// returned wraps ErrCommandFailed.
func (c *Channel) Send(ctx context.Context, address string, frame []byte) error {
	address = NormalizeAddress(address)
	e, err := c.entry(address)
	if err != nil {
		return commandFailed(err)
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return commandFailed(ctx.Err())
	case <-e.ctx.Done():
		return commandFailed(ErrClosed)
	}
	defer func() { <-e.lock }()

	// Teardown may have won the race for the token.
	if e.ctx.Err() != nil {
		return commandFailed(ErrClosed)
	}

	if e.char != nil {
		if e.lost.Load() == e.connGen {
			slog.Info("[BLE] cached connection was dropped by the device", "address", address)
			e.drop()
		} else if err := c.sendCached(e, frame); err == nil {
			return nil
		} else {
			slog.Warn("[BLE] write on cached connection failed, reconnecting", "address", address, "error", err)
			e.drop()
		}
	}

	if _, ok := c.resolver.Lookup(address); !ok {
		slog.Error("[BLE] device not found", "address", address)
		return commandFailed(fmt.Errorf("%w: %s", ErrDeviceNotFound, address))
	}

	return c.sendFresh(ctx, e, frame)
}

// sendCached is the fire-and-forget path on an already established link.
func (c *Channel) sendCached(e *entry, frame []byte) error {
	e.stopIdle()
	slog.Debug("[BLE] sending on cached connection", "address", e.address, "frame", hex.EncodeToString(frame))
	if err := e.char.WriteWithoutResponse(frame); err != nil {
		return err
	}
	c.armIdle(e)
	return nil
}

// sendFresh connects, caches the link, and writes with acknowledgment so the
// link is known to be usable. The link is released afterwards unless an idle
// timeout asks for it to be kept.
func (c *Channel) sendFresh(ctx context.Context, e *entry, frame []byte) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	e.state.Store(int32(StateConnecting))
	conn, err := ConnectWithRetry(ctx, c.adapter, e.address, c.opts.ConnectAttempts, c.opts.ConnectTimeout)
	if err != nil {
		e.state.Store(int32(StateIdle))
		slog.Error("[BLE] failed to connect", "address", e.address, "error", err)
		return commandFailed(fmt.Errorf("%w: %w", ErrTransport, err))
	}

	e.connGen++
	gen := e.connGen
	e.conn = conn
	e.state.Store(int32(StateConnected))
	conn.OnDisconnect(func() { e.lost.Store(gen) })

	keep := false
	defer func() {
		if !keep {
			e.drop()
		}
	}()

	char, err := conn.DiscoverCharacteristic(protocol.CommandCharUUID)
	if err != nil {
		slog.Error("[BLE] command characteristic not found", "address", e.address, "error", err)
		return commandFailed(fmt.Errorf("%w: %w", ErrTransport, err))
	}
	e.char = char
	slog.Info("[BLE] connected, sending command", "address", e.address)
	slog.Debug("[BLE] sending with acknowledgment", "address", e.address, "frame", hex.EncodeToString(frame))

	if err := writeAcked(ctx, char, frame, c.opts.WriteTimeout); err != nil {
		slog.Error("[BLE] acknowledged write failed", "address", e.address, "error", err)
		return commandFailed(fmt.Errorf("%w: %w", ErrTransport, err))
	}
	slog.Info("[BLE] command sent", "address", e.address)

	if c.opts.IdleTimeout > 0 {
		keep = true
		c.armIdle(e)
	}
	return nil
}

// writeAcked performs an acknowledged write bounded by timeout.
func writeAcked(ctx context.Context, char Characteristic, frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan error, 1)
	go func() { ch <- char.Write(frame) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("acknowledged write: %w", ctx.Err())
	case err := <-ch:
		return err
	}
}

// armIdle schedules the cached connection to be closed after IdleTimeout.
// Caller holds the entry token.
func (c *Channel) armIdle(e *entry) {
	if c.opts.IdleTimeout <= 0 {
		return
	}
	e.idleGen++
	gen := e.idleGen
	e.idle = time.AfterFunc(c.opts.IdleTimeout, func() {
		select {
		case e.lock <- struct{}{}:
		case <-e.ctx.Done():
			return
		}
		defer func() { <-e.lock }()
		if e.idleGen != gen || e.conn == nil {
			return
		}
		slog.Debug("[BLE] closing idle connection", "address", e.address)
		e.drop()
	})
}

// stopIdle cancels a pending idle close. Caller holds the entry token.
func (e *entry) stopIdle() {
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	e.idleGen++
}

// drop disconnects and forgets the cached connection. Caller holds the entry token.
func (e *entry) drop() {
	e.stopIdle()
	if e.conn == nil {
		e.char = nil
		e.state.Store(int32(StateIdle))
		return
	}
	e.state.Store(int32(StateDisconnecting))
	slog.Info("[BLE] disconnecting", "address", e.address)
	if err := e.conn.Disconnect(); err != nil {
		slog.Debug("[BLE] disconnect", "address", e.address, "error", err)
	}
	e.conn = nil
	e.char = nil
	e.state.Store(int32(StateIdle))
}

// State returns the connection state for address.
func (c *Channel) State(address string) ConnState {
	c.mu.Lock()
	e, ok := c.entries[NormalizeAddress(address)]
	c.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return ConnState(e.state.Load())
}

// Close tears down the slot for address: a connect in progress is abandoned,
// waiting senders fail with ErrClosed and any cached connection is closed.
// A later Send for the same address starts from a fresh slot.
func (c *Channel) Close(address string) {
	address = NormalizeAddress(address)
	c.mu.Lock()
	e, ok := c.entries[address]
	delete(c.entries, address)
	c.mu.Unlock()
	if ok {
		c.closeEntry(e)
	}
}

// CloseAll tears down every slot and rejects further sends.
func (c *Channel) CloseAll() {
	c.mu.Lock()
	c.closed = true
	entries := c.entries
	c.entries = make(map[string]*entry)
	c.mu.Unlock()

	for _, e := range entries {
		c.closeEntry(e)
	}
}

func (c *Channel) closeEntry(e *entry) {
	e.cancel()
	// Wait for the in-flight send, which the cancel above bounds.
	e.lock <- struct{}{}
	defer func() { <-e.lock }()
	e.drop()
}
