// Package config loads the trade engine's configuration from an optional
// YAML file and then applies environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the top-level configuration.
type Config struct {
	Server      Server      `yaml:"server"`
	Storage     Storage     `yaml:"storage"`
	Redis       Redis       `yaml:"redis"`
	NATS        NATS        `yaml:"nats"`
	Settlement  Settlement  `yaml:"settlement"`
	Risk        Risk        `yaml:"risk"`
	Instruments Instruments `yaml:"instruments"`
	Logging     Logging     `yaml:"logging"`
	Tracing     Tracing     `yaml:"tracing"`
}

// Server holds HTTP listener settings.
type Server struct {
	Port            int           `yaml:"port" env:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"HTTP_REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"HTTP_SHUTDOWN_TIMEOUT"`
}

// Storage selects and configures the ledger backend.
type Storage struct {
	Driver      string        `yaml:"driver" env:"STORAGE_DRIVER"`
	DatabaseURL string        `yaml:"database_url" env:"DATABASE_URL"`
	SQLitePath  string        `yaml:"sqlite_path" env:"SQLITE_PATH"`
	LockTimeout time.Duration `yaml:"lock_timeout" env:"STORAGE_LOCK_TIMEOUT"`
	Migrate     bool          `yaml:"migrate" env:"STORAGE_MIGRATE"`
}

// Redis is optional. When URL is empty the ledger is read directly, prices
// live in process memory and the leaderboard is computed from the ledger.
type Redis struct {
	URL            string        `yaml:"url" env:"REDIS_URL"`
	CacheTTL       time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	PricesKey      string        `yaml:"prices_key" env:"REDIS_PRICES_KEY"`
	LeaderboardKey string        `yaml:"leaderboard_key" env:"REDIS_LEADERBOARD_KEY"`
}

// NATS is optional; executed trades are published when URL is set.
type NATS struct {
	URL     string `yaml:"url" env:"NATS_URL"`
	Subject string `yaml:"subject" env:"NATS_SUBJECT"`
}

// Settlement tunes the engine. Money amounts are decimal strings.
type Settlement struct {
	MaxAttempts     int           `yaml:"max_attempts" env:"SETTLEMENT_MAX_ATTEMPTS"`
	BaseBackoff     time.Duration `yaml:"base_backoff" env:"SETTLEMENT_BASE_BACKOFF"`
	StorageTimeout  time.Duration `yaml:"storage_timeout" env:"SETTLEMENT_STORAGE_TIMEOUT"`
	StartingBalance string        `yaml:"starting_balance" env:"STARTING_BALANCE"`
}

// Risk caps cost basis per instrument and per sector. Empty or zero
// disables a cap.
type Risk struct {
	MaxPerInstrument string `yaml:"max_per_instrument" env:"RISK_MAX_PER_INSTRUMENT"`
	MaxPerSector     string `yaml:"max_per_sector" env:"RISK_MAX_PER_SECTOR"`
}

// Instruments controls catalogue seeding and the lookup cache.
type Instruments struct {
	Seed      bool          `yaml:"seed" env:"SEED_CATALOGUE"`
	CacheSize int64         `yaml:"cache_size" env:"INSTRUMENT_CACHE_SIZE"`
	CacheTTL  time.Duration `yaml:"cache_ttl" env:"INSTRUMENT_CACHE_TTL"`
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Tracing exports spans over OTLP/gRPC when Endpoint is set.
type Tracing struct {
	Endpoint    string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: Storage{
			Driver:      DriverMemory,
			SQLitePath:  "papertrade.db",
			LockTimeout: 5 * time.Second,
			Migrate:     true,
		},
		Redis: Redis{
			CacheTTL:       30 * time.Second,
			PricesKey:      "prices:latest",
			LeaderboardKey: "leaderboard:net_worth",
		},
		NATS: NATS{
			Subject: "trades.executed",
		},
		Settlement: Settlement{
			MaxAttempts:     3,
			BaseBackoff:     25 * time.Millisecond,
			StorageTimeout:  5 * time.Second,
			StartingBalance: "100000",
		},
		Instruments: Instruments{
			Seed:      true,
			CacheSize: 1 << 20,
			CacheTTL:  10 * time.Minute,
		},
		Logging: Logging{Level: "info"},
		Tracing: Tracing{ServiceName: "trade-engine"},
	}
}

// Load starts from Default, overlays the YAML file at path when path is
// non-empty, then applies environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("config: storage.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == DriverSQLite && c.Storage.SQLitePath == "" {
		return errors.New("config: storage.sqlite_path is required for the sqlite driver")
	}
	if c.Settlement.MaxAttempts < 1 {
		return errors.New("config: settlement.max_attempts must be at least 1")
	}

	bal, err := c.StartingBalance()
	if err != nil {
		return err
	}
	if bal.IsNegative() {
		return errors.New("config: settlement.starting_balance must not be negative")
	}
	if _, _, err := c.RiskLimits(); err != nil {
		return err
	}
	return nil
}

// StartingBalance is the wallet credit for new users.
func (c *Config) StartingBalance() (decimal.Decimal, error) {
	return parseAmount("settlement.starting_balance", c.Settlement.StartingBalance)
}

// RiskLimits returns the per-instrument and per-sector caps; zero means off.
func (c *Config) RiskLimits() (perInstrument, perSector decimal.Decimal, err error) {
	if perInstrument, err = parseAmount("risk.max_per_instrument", c.Risk.MaxPerInstrument); err != nil {
		return
	}
	perSector, err = parseAmount("risk.max_per_sector", c.Risk.MaxPerSector)
	return
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("config: %s: %w", field, err)
	}
	return v, nil
}
