// Package history writes throttled readings to InfluxDB as a time series.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chaz8081/gira-bridge/internal/config"
	"github.com/chaz8081/gira-bridge/internal/device"
	"github.com/chaz8081/gira-bridge/internal/throttle"
)

// Measurement is the InfluxDB measurement every reading is written to.
const Measurement = "gira_reading"

const connectTimeout = 10 * time.Second

var (
	// ErrDisabled is returned by Connect when history is switched off.
	ErrDisabled = errors.New("history: influxdb disabled")
	// ErrConnectionFailed wraps ping failures.
	ErrConnectionFailed = errors.New("history: connection failed")
)

// pointWriter is the part of api.WriteAPI the Writer uses.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Writer batches readings into InfluxDB. Writes never block. Writes after
// Close are dropped.
type Writer struct {
	client influxdb2.Client
	api    pointWriter

	mu     sync.Mutex
	closed bool
}

// Connect pings the server and sets up the non-blocking write API.
func Connect(cfg config.InfluxDBConfig) (*Writer, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			slog.Warn("influxdb write failed", "error", err)
		}
	}()

	return &Writer{client: client, api: writeAPI}, nil
}

// WriteReading queues one reading.
func (w *Writer) WriteReading(u throttle.Update) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.api.WritePoint(Point(u))
}

// DeviceChanged implements device.StateSink. Only broadcast readings are
// recorded.
func (w *Writer) DeviceChanged(c device.Change) {
	if c.Reading == nil {
		return
	}
	w.WriteReading(*c.Reading)
}

// Close flushes pending points and closes the client. It is safe to call
// more than once.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true

	w.api.Flush()
	if w.client != nil {
		w.client.Close()
	}
}

// Point builds the line-protocol point for u.
func Point(u throttle.Update) *write.Point {
	return write.NewPoint(Measurement,
		map[string]string{
			"address": u.Address,
			"kind":    u.Kind.String(),
		},
		map[string]any{"value": u.Value},
		u.Time)
}
