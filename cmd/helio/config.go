package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log           LogConfig           `mapstructure:"log"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Store         StoreConfig         `mapstructure:"store"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Definitions   DefinitionsConfig   `mapstructure:"definitions"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Audit         AuditConfig         `mapstructure:"audit"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	RateLimits    []RateLimitConfig   `mapstructure:"rate_limits"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type EngineConfig struct {
	Workers       int           `mapstructure:"workers"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	NodeTimeout   time.Duration `mapstructure:"node_timeout"`
	ClaimTTL      time.Duration `mapstructure:"claim_ttl"`
	LeaseTTL      time.Duration `mapstructure:"lease_ttl"`
	RetryBase     time.Duration `mapstructure:"retry_base"`
	RetryCap      time.Duration `mapstructure:"retry_cap"`
	RedactFields  []string      `mapstructure:"redact_fields"`
}

type DefinitionsConfig struct {
	Dir string `mapstructure:"dir"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type AuditConfig struct {
	// Path of the JSON lines file; "-" writes to stdout, empty disables.
	Path string `mapstructure:"path"`
}

type NotificationsConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Log        bool          `mapstructure:"log"`
}

type RateLimitConfig struct {
	NodeType string  `mapstructure:"node_type"`
	Rate     float64 `mapstructure:"rate"`
	Burst    int     `mapstructure:"burst"`
}

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 15*time.Second)
	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.sqlite_path", "helio.db")
	v.SetDefault("engine.workers", 64)
	v.SetDefault("engine.poll_interval", 500*time.Millisecond)
	v.SetDefault("engine.sweep_interval", 10*time.Second)
	v.SetDefault("engine.node_timeout", 30*time.Second)
	v.SetDefault("engine.claim_ttl", time.Minute)
	v.SetDefault("engine.lease_ttl", 30*time.Second)
	v.SetDefault("engine.retry_base", time.Second)
	v.SetDefault("engine.retry_cap", 5*time.Minute)
	v.SetDefault("definitions.dir", "definitions")
	v.SetDefault("telemetry.endpoint", "localhost:4318")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "helio")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("notifications.timeout", 5*time.Second)
}

// LoadConfig reads helio.yaml (from path, or the working directory and
// /etc/helio when path is empty) and HELIO_* environment variables.
// A missing default config file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("helio")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/helio")
	}

	v.SetEnvPrefix("HELIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	for i, limit := range c.RateLimits {
		if limit.NodeType == "" {
			return fmt.Errorf("rate_limits[%d]: node_type is required", i)
		}
		if limit.Rate <= 0 || limit.Burst < 1 {
			return fmt.Errorf("rate_limits[%d] (%s): rate and burst must be positive", i, limit.NodeType)
		}
	}

	return nil
}
