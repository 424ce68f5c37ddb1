// Package config loads the service configuration from an optional YAML
// file and CREDITPOOL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, with dots in the
// key replaced by underscores: pool.seed_amount → CREDITPOOL_POOL_SEED_AMOUNT.
const EnvPrefix = "CREDITPOOL"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Finalizer FinalizerConfig `mapstructure:"finalizer"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (cfg *ServerConfig) Validate() error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Port)
	}
	if cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("server timeouts must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return errors.New("server shutdown_timeout must be positive")
	}
	return nil
}

func (cfg *ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", cfg.Port)
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

func (cfg *LogConfig) Validate() error {
	_, err := cfg.SlogLevel()
	return err
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (cfg *LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	return level, nil
}

// RetryConfig controls how connections to backing services are retried
// at startup.
type RetryConfig struct {
	MaxRetryTimes uint          `mapstructure:"max_retry_times"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

func (cfg *RetryConfig) Validate(section string) error {
	if cfg.MaxRetryTimes == 0 {
		return fmt.Errorf("%s max_retry_times must be positive", section)
	}
	if cfg.RetryInterval <= 0 {
		return fmt.Errorf("%s retry_interval must be positive", section)
	}
	return nil
}

// DatabaseConfig selects PostgreSQL persistence. An empty URL keeps
// snapshots and events in memory.
type DatabaseConfig struct {
	URL         string `mapstructure:"url"`
	RetryConfig `mapstructure:",squash"`
}

func (cfg *DatabaseConfig) Validate() error {
	if cfg.URL == "" {
		return nil
	}
	return cfg.RetryConfig.Validate("database")
}

// RedisConfig enables the read-through cache in front of PostgreSQL.
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	TTL         time.Duration `mapstructure:"ttl"`
	RetryConfig `mapstructure:",squash"`
}

func (cfg *RedisConfig) Validate() error {
	if cfg.URL == "" {
		return nil
	}
	if cfg.TTL <= 0 {
		return errors.New("redis ttl must be positive")
	}
	return cfg.RetryConfig.Validate("redis")
}

// NATSConfig enables publishing committed events. An empty URL disables it.
type NATSConfig struct {
	URL         string `mapstructure:"url"`
	Subject     string `mapstructure:"subject"`
	RetryConfig `mapstructure:",squash"`
}

func (cfg *NATSConfig) Validate() error {
	if cfg.URL == "" {
		return nil
	}
	if cfg.Subject == "" || strings.ContainsAny(cfg.Subject, " *>") {
		return fmt.Errorf("nats subject %q must be a literal subject", cfg.Subject)
	}
	return cfg.RetryConfig.Validate("nats")
}

// FinalizerConfig drives the background withdrawal finalizer. A zero
// interval disables it.
type FinalizerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

func (cfg *FinalizerConfig) Validate() error {
	if cfg.Interval < 0 {
		return errors.New("finalizer interval must not be negative")
	}
	return nil
}

func (cfg *Config) Validate() error {
	if err := cfg.Server.Validate(); err != nil {
		return err
	}
	if err := cfg.Log.Validate(); err != nil {
		return err
	}
	if err := cfg.Database.Validate(); err != nil {
		return err
	}
	if err := cfg.Redis.Validate(); err != nil {
		return err
	}
	if cfg.Redis.URL != "" && cfg.Database.URL == "" {
		return errors.New("redis cache requires database url")
	}
	if err := cfg.NATS.Validate(); err != nil {
		return err
	}
	if err := cfg.Pool.Validate(); err != nil {
		return err
	}
	return cfg.Finalizer.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")

	for _, section := range []string{"database", "redis", "nats"} {
		v.SetDefault(section+".url", "")
		v.SetDefault(section+".max_retry_times", 5)
		v.SetDefault(section+".retry_interval", time.Second)
	}
	v.SetDefault("redis.ttl", 30*time.Second)
	v.SetDefault("nats.subject", "creditpool.events")

	setPoolDefaults(v)

	v.SetDefault("finalizer.interval", 10*time.Second)
}

// New reads the configuration. path may be empty, in which case only
// defaults and environment variables apply. The result is validated.
func New(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
