// Package store persists device bindings and their last readings in SQLite
// so state survives restarts.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
	"github.com/chaz8081/gira-bridge/internal/config"
	"github.com/chaz8081/gira-bridge/internal/device"
	"github.com/chaz8081/gira-bridge/internal/throttle"
)

const (
	dirPermissions    = 0750
	filePermissions   = 0600
	connectionTimeout = 5 * time.Second
	sinkTimeout       = 2 * time.Second
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a device is not stored.
var ErrNotFound = errors.New("store: not found")

// DeviceRecord is a stored binding.
type DeviceRecord struct {
	Address   string
	Name      string
	Profile   protocol.Profile
	UpdatedAt time.Time
}

// Store wraps the SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at cfg.Path.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	_ = os.Chmod(cfg.Path, filePermissions)

	return &Store{db: db, path: cfg.Path}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// HealthCheck runs a trivial query.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Migrate applies pending migrations in file-name order, each in its own
// transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	names, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.TrimSuffix(filepath.Base(name), ".up.sql")

		var exists int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}
		if err := s.apply(ctx, version, string(body)); err != nil {
			return fmt.Errorf("applying migration %s: %w", version, err)
		}
		slog.Info("database migration applied", "version", version)
	}
	return nil
}

func (s *Store) apply(ctx context.Context, version, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
		version, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertDevice stores or updates a binding.
func (s *Store) UpsertDevice(ctx context.Context, d DeviceRecord) error {
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (address, name, profile, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			name = excluded.name,
			profile = excluded.profile,
			updated_at = excluded.updated_at`,
		d.Address, d.Name, d.Profile.String(), formatTime(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", d.Address, err)
	}
	return nil
}

// Devices returns every stored binding ordered by address.
func (s *Store) Devices(ctx context.Context) ([]DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT address, name, profile, updated_at FROM devices ORDER BY address")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		var (
			d                DeviceRecord
			profile, updated string
		)
		if err := rows.Scan(&d.Address, &d.Name, &profile, &updated); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		if d.Profile, err = protocol.ParseProfile(profile); err != nil {
			return nil, fmt.Errorf("device %s: %w", d.Address, err)
		}
		if d.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("device %s: %w", d.Address, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDevice removes a binding and its readings.
func (s *Store) DeleteDevice(ctx context.Context, address string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE address = ?", address)
	if err != nil {
		return fmt.Errorf("deleting device %s: %w", address, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, address)
	}
	return nil
}

// SaveReading records u as the last reading of its kind. The device must
// have been stored with UpsertDevice.
func (s *Store) SaveReading(ctx context.Context, u throttle.Update) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO last_readings (address, kind, value, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(address, kind) DO UPDATE SET
			value = excluded.value,
			recorded_at = excluded.recorded_at`,
		u.Address, u.Kind.String(), u.Value, formatTime(u.Time))
	if err != nil {
		return fmt.Errorf("saving reading for %s: %w", u.Address, err)
	}
	return nil
}

// LastReadings returns the stored readings of address. It implements
// device.Restorer.
func (s *Store) LastReadings(ctx context.Context, address string) ([]throttle.Update, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT kind, value, recorded_at FROM last_readings WHERE address = ? ORDER BY kind", address)
	if err != nil {
		return nil, fmt.Errorf("querying readings for %s: %w", address, err)
	}
	defer rows.Close()

	var out []throttle.Update
	for rows.Next() {
		var (
			kind, recorded string
			u              = throttle.Update{Address: address}
		)
		if err := rows.Scan(&kind, &u.Value, &recorded); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		if u.Kind, err = protocol.ParseKind(kind); err != nil {
			return nil, err
		}
		if u.Time, err = parseTime(recorded); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DeviceChanged implements device.StateSink: bindings are kept in the
// devices table and every broadcast reading replaces the stored one.
func (s *Store) DeviceChanged(c device.Change) {
	if c.Removed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if c.Reading == nil {
		err := s.UpsertDevice(ctx, DeviceRecord{
			Address:   c.State.Address,
			Name:      c.State.Name,
			Profile:   c.State.Profile,
			UpdatedAt: c.State.UpdatedAt,
		})
		if err != nil {
			slog.Warn("store device", "address", c.State.Address, "error", err)
		}
		return
	}
	if err := s.SaveReading(ctx, *c.Reading); err != nil {
		slog.Warn("store reading", "address", c.State.Address, "error", err)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}
