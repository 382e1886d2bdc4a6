package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	Production = "production"

	DriverMySQL  = "mysql"
	DriverMemory = "memory"
)

type Configuration struct {
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`

	HTTPPort    string `env:"HTTP_PORT" envDefault:":8080"`
	GRPCPort    string `env:"GRPC_PORT" envDefault:":50051"`
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	StoreDriver    string `env:"STORE_DRIVER" envDefault:"mysql"`
	MySQLDSN       string `env:"MYSQL_DSN" envDefault:"root:root@tcp(localhost:3306)/pipestorage?parseTime=true"`
	MigrateOnStart bool   `env:"MIGRATE_ON_START" envDefault:"true"`

	RedisAddr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	Relay RelayOptions
}

type RelayOptions struct {
	Enabled      bool          `env:"RELAY_ENABLED" envDefault:"true"`
	PollInterval time.Duration `env:"RELAY_POLL_INTERVAL" envDefault:"1s"`
	BatchSize    int           `env:"RELAY_BATCH_SIZE" envDefault:"100"`
	Stream       string        `env:"RELAY_STREAM" envDefault:"pipestorage:notifications"`
}

// LoadEnv loads the env files that exist and returns how many it found.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load reads .env and .env.local when present, then the environment.
func Load() (*Configuration, error) {
	if _, err := LoadEnv([]string{".env", ".env.local"}); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	c := &Configuration{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Configuration) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverMySQL:
		if c.MySQLDSN == "" {
			errs = append(errs, errors.New("MYSQL_DSN is required for the mysql driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverMySQL, DriverMemory, c.StoreDriver))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL must be positive"))
	}
	if c.Relay.PollInterval <= 0 {
		errs = append(errs, errors.New("RELAY_POLL_INTERVAL must be positive"))
	}
	if c.Relay.BatchSize <= 0 {
		errs = append(errs, errors.New("RELAY_BATCH_SIZE must be positive"))
	}
	return errors.Join(errs...)
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger builds the process logger: JSON in production, text elsewhere.
func (c *Configuration) Logger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(c.LogrusLogLevel())
	if c.GoAppEnvironment == Production {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}
