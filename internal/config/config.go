// Package config defines all configuration for the signal pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via FLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Server   ServerConfig   `mapstructure:"server"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Ingress  IngressConfig  `mapstructure:"ingress"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Store    StoreConfig    `mapstructure:"store"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// RedisConfig locates the queue backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig controls the webhook HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// WorkerConfig tunes the signal processing pool.
//
//   - Count: number of concurrent workers draining the queue.
//   - DequeueTimeout: how long a worker blocks waiting for a signal.
//   - MaxExecutionTime: hard deadline per signal, order placement included.
//   - RecoverMaxAge: processing entries older than this are re-queued
//     on startup.
type WorkerConfig struct {
	Count            int           `mapstructure:"count"`
	DequeueTimeout   time.Duration `mapstructure:"dequeue_timeout"`
	MaxExecutionTime time.Duration `mapstructure:"max_execution_time"`
	RecoverMaxAge    time.Duration `mapstructure:"recover_max_age"`
}

// IngressConfig tunes webhook intake.
//
//   - RatePerMinute: per-IP request cap on the webhook endpoint.
//   - DedupTTL: window within which duplicate signals per user, symbol,
//     and action are dropped.
type IngressConfig struct {
	RatePerMinute int           `mapstructure:"rate_per_minute"`
	DedupTTL      time.Duration `mapstructure:"dedup_ttl"`
}

// ExchangeConfig tunes venue interaction.
//
//   - DefaultSlippagePercent: pad applied to ticker-resolved entry
//     prices when sizing market orders.
type ExchangeConfig struct {
	DefaultSlippagePercent float64 `mapstructure:"default_slippage_percent"`
}

// StoreConfig sets where strategy, subscription, and key data lives
// (JSON files).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: FLOW_REDIS_ADDR, FLOW_REDIS_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if addr := os.Getenv("FLOW_REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pass := os.Getenv("FLOW_REDIS_PASSWORD"); pass != "" {
		cfg.Redis.Password = pass
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.dequeue_timeout", 5*time.Second)
	v.SetDefault("worker.max_execution_time", 5*time.Second)
	v.SetDefault("worker.recover_max_age", 5*time.Minute)
	v.SetDefault("ingress.rate_per_minute", 30)
	v.SetDefault("ingress.dedup_ttl", 30*time.Second)
	v.SetDefault("exchange.default_slippage_percent", 0.1)
	v.SetDefault("store.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required (set FLOW_REDIS_ADDR)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("worker.count must be > 0")
	}
	if c.Worker.MaxExecutionTime <= 0 {
		return fmt.Errorf("worker.max_execution_time must be > 0")
	}
	if c.Ingress.RatePerMinute <= 0 {
		return fmt.Errorf("ingress.rate_per_minute must be > 0")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	return nil
}
