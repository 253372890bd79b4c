// Package config loads the daemon configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/edwardtay/deadman-switch/pkg/logger"
)

// Config is the full daemon configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Storage   StorageConfig        `yaml:"storage"`
	Ledger    LedgerConfig         `yaml:"ledger"`
	Scheduler SchedulerConfig      `yaml:"scheduler"`
	Snapshot  SnapshotConfig       `yaml:"snapshot"`
	Logging   logger.LoggingConfig `yaml:"logging"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	ListenAddress   string   `yaml:"listen_address"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects and configures the account store backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds the connection settings for the postgres backend.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// LedgerConfig configures the external ledger client.
type LedgerConfig struct {
	URL                string        `yaml:"url"`
	CustodyAccount     string        `yaml:"custody_account"`
	RequestTimeout     Duration `yaml:"request_timeout"`
	TransfersPerSecond int      `yaml:"transfers_per_second"`
}

// SchedulerConfig configures the timeout sweep.
type SchedulerConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
}

// SnapshotConfig configures periodic state snapshots. An empty Path
// disables them.
type SnapshotConfig struct {
	Path string `yaml:"path"`
	// Schedule is a cron expression; defaults to hourly.
	Schedule string `yaml:"schedule"`
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Backend: "memory",
			Postgres: PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration(30 * time.Minute),
			},
		},
		Ledger: LedgerConfig{
			URL:                "http://localhost:9090/rpc",
			RequestTimeout:     Duration(10 * time.Second),
			TransfersPerSecond: 5,
		},
		Scheduler: SchedulerConfig{
			PollInterval: Duration(60 * time.Second),
		},
		Snapshot: SnapshotConfig{
			Schedule: "0 * * * *",
		},
		Logging: logger.LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads path (optional), applies DEADMAN_* environment overrides, and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv layers environment overrides on top of file values. Only the
// settings that differ per deployment environment are overridable.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DEADMAN_LISTEN_ADDRESS"); v != "" {
		cfg.Server.ListenAddress = v
	}
	if v := os.Getenv("DEADMAN_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("DEADMAN_POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("DEADMAN_LEDGER_URL"); v != "" {
		cfg.Ledger.URL = v
	}
	if v := os.Getenv("DEADMAN_CUSTODY_ACCOUNT"); v != "" {
		cfg.Ledger.CustodyAccount = v
	}
	if v := os.Getenv("DEADMAN_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("DEADMAN_SNAPSHOT_PATH"); v != "" {
		cfg.Snapshot.Path = v
	}
	if v := os.Getenv("DEADMAN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DEADMAN_TRANSFERS_PER_SECOND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Ledger.TransfersPerSecond = n
		}
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres, got %q", c.Storage.Backend)
	}
	if c.Ledger.URL == "" {
		return fmt.Errorf("ledger.url is required")
	}
	if c.Ledger.CustodyAccount == "" {
		return fmt.Errorf("ledger.custody_account is required")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive")
	}
	return nil
}
