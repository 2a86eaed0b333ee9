package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"widget-datacache/pkg/log"
)

// Config is the full service configuration, loaded through viper from a
// yaml file with WIDGET_DATACACHE_* environment overrides.
type Config struct {
	ID       string   `mapstructure:"id" validate:"required"`
	LogLevel string   `mapstructure:"log_level"`
	Postgres Postgres `mapstructure:"postgres" validate:"required"`
	Vault    Vault    `mapstructure:"vault" validate:"required"`
	Poller   Poller   `mapstructure:"poller" validate:"required"`
	Reaper   Reaper   `mapstructure:"reaper" validate:"required"`
	API      API      `mapstructure:"api" validate:"required"`
}

type Postgres struct {
	Address        string `mapstructure:"address" validate:"required"`
	Port           int    `mapstructure:"port" validate:"required,gt=0"`
	Username       string `mapstructure:"username" validate:"required"`
	Password       string `mapstructure:"password" validate:"required"`
	DBName         string `mapstructure:"db_name" validate:"required"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections" validate:"gte=0"`
}

type Vault struct {
	Address       string `mapstructure:"address" validate:"required"`
	Token         string `mapstructure:"token" validate:"required"`
	Mount         string `mapstructure:"mount" validate:"required"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
}

type Poller struct {
	ScanIntervalSeconds    int `mapstructure:"scan_interval_seconds" validate:"gt=0"`
	Concurrency            int `mapstructure:"concurrency" validate:"gt=0"`
	FetchTimeoutSeconds    int `mapstructure:"fetch_timeout_seconds" validate:"gt=0,lte=60"`
	LockWaitSeconds        int `mapstructure:"lock_wait_seconds" validate:"gt=0"`
	BackoffDivisor         int `mapstructure:"backoff_divisor" validate:"gt=1"`
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures" validate:"gt=0"`
}

type Reaper struct {
	RetentionDays int    `mapstructure:"retention_days" validate:"gt=0"`
	SweepCron     string `mapstructure:"sweep_cron" validate:"required"`
}

type API struct {
	ListenAddress string `mapstructure:"listen_address" validate:"required"`
}

func (p *Poller) ScanInterval() time.Duration {
	return time.Duration(p.ScanIntervalSeconds) * time.Second
}

func (p *Poller) FetchTimeout() time.Duration {
	return time.Duration(p.FetchTimeoutSeconds) * time.Second
}

func (p *Poller) LockWait() time.Duration {
	return time.Duration(p.LockWaitSeconds) * time.Second
}

func (r *Reaper) Retention() time.Duration {
	return time.Duration(r.RetentionDays) * 24 * time.Hour
}

//nolint:mnd
func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("postgres.ssl_mode", "disable")
	viper.SetDefault("postgres.max_connections", 10)
	viper.SetDefault("vault.mount", "widget-credentials")
	viper.SetDefault("poller.scan_interval_seconds", 10)
	viper.SetDefault("poller.concurrency", 8)
	viper.SetDefault("poller.fetch_timeout_seconds", 15)
	viper.SetDefault("poller.lock_wait_seconds", 20)
	viper.SetDefault("poller.backoff_divisor", 4)
	viper.SetDefault("poller.max_consecutive_failures", 5)
	viper.SetDefault("reaper.retention_days", 30)
	viper.SetDefault("reaper.sweep_cron", "0 3 * * *")
	viper.SetDefault("api.listen_address", ":8080")
}

// NewConfig builds the configuration from whatever viper has loaded
// (config file plus environment) and validates it.
func NewConfig() (*Config, error) {
	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Logger.Error().Err(err).Msg("Failed to unmarshal configuration")
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		log.Logger.Error().Err(err).Msg("Configuration validation failed")
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Poller.LockWaitSeconds < c.Poller.FetchTimeoutSeconds {
		return fmt.Errorf("invalid configuration: poller.lock_wait_seconds (%d) must be >= poller.fetch_timeout_seconds (%d)",
			c.Poller.LockWaitSeconds, c.Poller.FetchTimeoutSeconds)
	}

	return nil
}
