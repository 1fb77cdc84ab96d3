// Package api serves a small local HTTP API for inspecting and commanding
// bound devices.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chaz8081/gira-bridge/internal/device"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	maxBodyBytes      = 1 << 16
	// Commands may wait on a BLE connect with retries.
	commandTimeout = time.Minute
)

// Devices is the part of device.Manager the API needs.
type Devices interface {
	Get(address string) (device.Device, bool)
	List() []device.Device
}

// HealthFunc reports whether a backing component is healthy.
type HealthFunc func(ctx context.Context) error

// Server is the HTTP API server.
type Server struct {
	devices Devices
	checks  map[string]HealthFunc
	logger  *slog.Logger
	server  *http.Server
}

// New creates a Server. checks are reported by GET /health.
func New(devices Devices, checks map[string]HealthFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{devices: devices, checks: checks, logger: logger}
}

// NewRouter builds the chi router.
func (s *Server) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(bodyLimitMiddleware)

	r.Get("/health", s.handleHealth)
	r.Route("/devices", func(r chi.Router) {
		r.Get("/", s.handleListDevices)
		r.Route("/{address}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Post("/cover", s.handleCoverCommand)
			r.Post("/temperature", s.handleTemperatureCommand)
		})
	})
	return r
}

// Start listens on addr in the background.
func (s *Server) Start(addr string) {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.NewRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		s.logger.Info("API server listening", "address", addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
}

// Close shuts the server down, waiting for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered in HTTP handler", "error", err, "path", r.URL.Path)
				writeError(w, http.StatusInternalServerError, ErrCodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}
