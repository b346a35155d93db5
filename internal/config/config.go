package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	APIKey   string
	AppURL   string
	Port     string
	Env      string
	LogLevel string

	StoreDriver string
	BadgerPath  string
	DBSource    string

	CodeExpiration time.Duration
	SweepInterval  time.Duration
	Retention      time.Duration

	IntakeQueueSize int
	IntakeWorkers   int
	SpoolDir        string
	PollInterval    time.Duration
	AllowedSenders  []string

	ConfirmTimeout time.Duration
	ConfirmRate    float64

	QRTemplate string

	DiscordToken     string
	DiscordChannelID string
}

// Load reads the environment, after applying a .env file from the working
// directory when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", "badger")
	v.SetDefault("BADGER_PATH", "./data/badger")
	v.SetDefault("TRANSACTION_CODE_EXPIRATION", 600)
	v.SetDefault("SWEEP_INTERVAL", "60s")
	v.SetDefault("RETENTION_WINDOW", "24h")
	v.SetDefault("INTAKE_QUEUE_SIZE", 100)
	v.SetDefault("INTAKE_WORKERS", 2)
	v.SetDefault("POLL_INTERVAL", "20s")
	v.SetDefault("CONFIRM_TIMEOUT", "10s")
	v.SetDefault("CONFIRM_RATE_PER_SECOND", 5)
	v.SetDefault("QR_PAYLOAD_TEMPLATE", "{code}|{amount}")
	return v
}

// FromViper builds and validates a Config from an already populated viper.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		APIKey:   v.GetString("API_KEY"),
		AppURL:   strings.TrimRight(v.GetString("APP_URL"), "/"),
		Port:     v.GetString("SERVER_PORT"),
		Env:      v.GetString("ENVIRONMENT"),
		LogLevel: v.GetString("LOG_LEVEL"),

		StoreDriver: strings.ToLower(v.GetString("STORE_DRIVER")),
		BadgerPath:  v.GetString("BADGER_PATH"),
		DBSource:    v.GetString("DB_SOURCE"),

		CodeExpiration: time.Duration(v.GetInt64("TRANSACTION_CODE_EXPIRATION")) * time.Second,
		SweepInterval:  v.GetDuration("SWEEP_INTERVAL"),
		Retention:      v.GetDuration("RETENTION_WINDOW"),

		IntakeQueueSize: v.GetInt("INTAKE_QUEUE_SIZE"),
		IntakeWorkers:   v.GetInt("INTAKE_WORKERS"),
		SpoolDir:        v.GetString("SPOOL_DIR"),
		PollInterval:    v.GetDuration("POLL_INTERVAL"),
		AllowedSenders:  splitList(v.GetString("ALLOWED_SENDERS")),

		ConfirmTimeout: v.GetDuration("CONFIRM_TIMEOUT"),
		ConfirmRate:    v.GetFloat64("CONFIRM_RATE_PER_SECOND"),

		QRTemplate: v.GetString("QR_PAYLOAD_TEMPLATE"),

		DiscordToken:     v.GetString("DISCORD_BOT_TOKEN"),
		DiscordChannelID: v.GetString("DISCORD_CHANNEL_ID"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API_KEY environment variable is required")
	}
	switch c.StoreDriver {
	case "badger":
	case "postgres":
		if c.DBSource == "" {
			return fmt.Errorf("DB_SOURCE environment variable is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.CodeExpiration <= 0 {
		return fmt.Errorf("TRANSACTION_CODE_EXPIRATION must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.Retention < 0 {
		return fmt.Errorf("RETENTION_WINDOW must not be negative")
	}
	return nil
}

// StoreGrace is how long past its deadline the store keeps a pending record,
// giving the sweeper two ticks to expire it first.
func (c *Config) StoreGrace() time.Duration {
	return 2 * c.SweepInterval
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
