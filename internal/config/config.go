package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ignatij/leaseflow/pkg/service"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. LEASEFLOW_LOG_LEVEL.
const EnvPrefix = "leaseflow"

type DatabaseConfig struct {
	URL string `toml:"url" envconfig:"url"`
}

type PresenceConfig struct {
	HeartbeatTimeout time.Duration `toml:"heartbeat_timeout" envconfig:"heartbeat_timeout"`
	SweepInterval    time.Duration `toml:"sweep_interval" envconfig:"sweep_interval"`
}

// Config is everything the leaseflow binaries read at startup.
type Config struct {
	Database        DatabaseConfig         `toml:"database" envconfig:"database"`
	LogLevel        string                 `toml:"log_level" envconfig:"log_level"`
	HTTPAddr        string                 `toml:"http_addr" envconfig:"http_addr"`
	NATSURL         string                 `toml:"nats_url" envconfig:"nats_url"`
	Workers         int                    `toml:"workers" envconfig:"workers"`
	RecoveryTimeout time.Duration          `toml:"recovery_timeout" envconfig:"recovery_timeout"`
	Presence        PresenceConfig         `toml:"presence" envconfig:"presence"`
	Issuer          service.IssuerConfig   `toml:"issuer" envconfig:"issuer"`
	Detector        service.DetectorConfig `toml:"detector" envconfig:"detector"`
	Requeue         service.RequeueConfig  `toml:"requeue" envconfig:"requeue"`
}

func Default() *Config {
	return &Config{
		LogLevel:        "INFO",
		HTTPAddr:        ":8080",
		NATSURL:         "nats://127.0.0.1:4222",
		RecoveryTimeout: service.DefaultRecoveryTimeout,
		Presence: PresenceConfig{
			HeartbeatTimeout: 30 * time.Second,
			SweepInterval:    5 * time.Second,
		},
		Issuer: service.IssuerConfig{
			LeaseDuration:   service.DefaultLeaseDuration,
			DeliveryTimeout: service.DefaultDeliveryTimeout,
		},
		Detector: service.DetectorConfig{
			ScanInterval: service.DefaultScanInterval,
			GracePeriod:  service.DefaultGracePeriod,
			BatchSize:    service.DefaultBatchSize,
		},
		Requeue: service.RequeueConfig{
			BaseDelay: service.DefaultBackoffBase,
			MaxDelay:  service.DefaultBackoffMax,
		},
	}
}

// Load layers the defaults, the TOML file at path (skipped when empty), the
// given .env files (".env" when none are given; missing files are ignored)
// and finally LEASEFLOW_* environment variables.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, errors.Wrapf(err, "decode config file %s", path)
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(err, "load env file %s", f)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errors.Wrap(err, "process environment")
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = DatabaseURLFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DatabaseURLFromEnv builds a connection string from the DB_USERNAME,
// DB_PASSWORD, DB_HOST, DB_PORT and DB_NAME variables, or returns "" when
// any of them is missing.
func DatabaseURLFromEnv() string {
	dbUsername := os.Getenv("DB_USERNAME")
	dbPassword := os.Getenv("DB_PASSWORD")
	dbHost := os.Getenv("DB_HOST")
	dbPort := os.Getenv("DB_PORT")
	dbName := os.Getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

func (c *Config) Validate() error {
	if c.Workers < 0 {
		return errors.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.Requeue.MaxDelay > 0 && c.Requeue.BaseDelay > c.Requeue.MaxDelay {
		return errors.Errorf("requeue base delay %s exceeds max delay %s", c.Requeue.BaseDelay, c.Requeue.MaxDelay)
	}
	if c.Presence.HeartbeatTimeout <= 0 {
		return errors.New("presence heartbeat timeout must be positive")
	}
	return nil
}

// Services returns the per-service settings.
func (c *Config) Services() service.Config {
	return service.Config{
		Issuer:   c.Issuer,
		Detector: c.Detector,
		Requeue:  c.Requeue,
	}
}
