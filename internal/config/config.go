package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaz8081/gira-bridge/internal/ble/protocol"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // "text" or "json"
	Devices   []DeviceConfig `yaml:"devices"`
	Throttle  ThrottleConfig `yaml:"throttle"`
	Command   CommandConfig  `yaml:"command"`
	Scanner   ScannerConfig  `yaml:"scanner"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Database  DatabaseConfig `yaml:"database"`
	InfluxDB  InfluxDBConfig `yaml:"influxdb"`
	API       APIConfig      `yaml:"api"`
}

// DeviceConfig binds one Gira device.
type DeviceConfig struct {
	Address string           `yaml:"address"`
	Name    string           `yaml:"name"` // empty selects "Gira Shutter XXXX" / "Gira Thermostat XXXX"
	Profile protocol.Profile `yaml:"profile"`
}

// ThrottleConfig holds broadcast throttling settings.
type ThrottleConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// CommandConfig holds command channel settings.
type CommandConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"` // 0 disconnects after every command
}

// ScannerConfig holds scanner settings.
type ScannerConfig struct {
	UnavailableAfter time.Duration `yaml:"unavailable_after"`
}

// MQTTConfig holds the MQTT bridge settings.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ClientID        string `yaml:"client_id"` // empty generates "gira-bridge-<uuid>"
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	QoS             byte   `yaml:"qos"`
}

// DatabaseConfig holds the SQLite state store settings.
type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	WALMode     bool          `yaml:"wal_mode"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// InfluxDBConfig holds reading history settings.
type InfluxDBConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	BatchSize     uint          `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// APIConfig holds the local HTTP API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gira-bridge")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dbPath := filepath.Join(home, ".local", "share", "gira-bridge", "state.db")

	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Throttle: ThrottleConfig{
			Interval: 60 * time.Second,
		},
		Command: CommandConfig{
			ConnectTimeout:  10 * time.Second,
			ConnectAttempts: 3,
			WriteTimeout:    10 * time.Second,
		},
		Scanner: ScannerConfig{
			UnavailableAfter: 15 * time.Minute,
		},
		MQTT: MQTTConfig{
			Host:            "localhost",
			Port:            1883,
			TopicPrefix:     "gira",
			DiscoveryPrefix: "homeassistant",
			QoS:             1,
		},
		Database: DatabaseConfig{
			Path:        dbPath,
			WALMode:     true,
			BusyTimeout: 5 * time.Second,
		},
		InfluxDB: InfluxDBConfig{
			URL:           "http://localhost:8086",
			Bucket:        "gira",
			BatchSize:     100,
			FlushInterval: 10 * time.Second,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8480",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in database.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Database.Path = expandTilde(cfg.Database.Path)
	for i := range cfg.Devices {
		cfg.Devices[i].Address = strings.ToUpper(strings.TrimSpace(cfg.Devices[i].Address))
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Address == "" {
			return fmt.Errorf("devices[%d].address must not be empty", i)
		}
		if seen[d.Address] {
			return fmt.Errorf("devices[%d].address %s is listed twice", i, d.Address)
		}
		seen[d.Address] = true
	}

	if c.Throttle.Interval <= 0 {
		return fmt.Errorf("throttle.interval must be > 0")
	}

	if c.Command.ConnectTimeout <= 0 {
		return fmt.Errorf("command.connect_timeout must be > 0")
	}
	if c.Command.ConnectAttempts < 1 {
		return fmt.Errorf("command.connect_attempts must be >= 1")
	}
	if c.Command.WriteTimeout <= 0 {
		return fmt.Errorf("command.write_timeout must be > 0")
	}
	if c.Command.IdleTimeout < 0 {
		return fmt.Errorf("command.idle_timeout must be >= 0")
	}

	if c.Scanner.UnavailableAfter <= 0 {
		return fmt.Errorf("scanner.unavailable_after must be > 0")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Host == "" {
			return fmt.Errorf("mqtt.host must not be empty")
		}
		if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
			return fmt.Errorf("mqtt.port must be 1-65535, got %d", c.MQTT.Port)
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty")
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			return fmt.Errorf("influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen must not be empty")
	}

	return nil
}

const defaultHeader = `# gira-bridge configuration
#
# Add one entry per device under "devices". profile is "cover" or "climate".
#
# devices:
#   - address: "AA:BB:CC:DD:EE:FF"
#     name: "Living Room Shutter"
#     profile: cover
`

// WriteDefault writes the default config to DefaultConfigPath. If a file
// already exists it is left untouched and ("", nil) is returned.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader+"\n"), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
