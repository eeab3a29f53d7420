// Package config loads typed runtime configuration via viper, following the
// reference server's env-prefix-plus-optional-file convention.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for messagebusd.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Identity  IdentityConfig  `mapstructure:"identity"`
}

// ServerConfig contains network-level settings for the public HTTP listener.
type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	BasePath         string        `mapstructure:"base_path"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	LongPollTimeout  time.Duration `mapstructure:"long_poll_timeout"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
}

// RedisConfig configures the shared-store backend's connection. Addr empty
// means "use the in-memory backend instead" (dev/test convenience).
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// BackendConfig carries the global-backlog trimming bounds that have no
// natural per-publish-call caller (per-channel bounds travel through
// PublishOptions on each Engine.Publish call instead).
type BackendConfig struct {
	MaxGlobalBacklogSize uint64 `mapstructure:"max_global_backlog_size"`
	GlobalClearEvery     uint64 `mapstructure:"global_clear_every"`
}

// MetricsConfig controls the Prometheus endpoint, served on its own
// listener distinct from the public API.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig controls zerolog level/format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateLimitConfig bounds publish throughput and per-client poll admission.
type RateLimitConfig struct {
	PublishRatePerSecond float64 `mapstructure:"publish_rate_per_second"`
	PublishBurst         int     `mapstructure:"publish_burst"`
	PollRatePerSecond    float64 `mapstructure:"poll_rate_per_second"`
	PollBurst            int     `mapstructure:"poll_burst"`
}

// IdentityConfig selects how request identity is resolved. An empty
// JWTSecret means no hook is installed and every session is unscoped
// (identity.NoopHooks); setting it switches the process entrypoint to
// identity.JWTManager.Hooks.
type IdentityConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// Load reads configuration from environment variables (prefix MESSAGEBUS_)
// and an optional messagebus.yaml/messagebus.toml on a small search path.
// Both overlays are optional; defaults set in code always apply first.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_path", "/message-bus")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.long_poll_timeout", 25*time.Second)
	v.SetDefault("server.keepalive_interval", 20*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("backend.max_global_backlog_size", uint64(10000))
	v.SetDefault("backend.global_clear_every", uint64(1))

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("rate_limit.publish_rate_per_second", 500.0)
	v.SetDefault("rate_limit.publish_burst", 1000)
	v.SetDefault("rate_limit.poll_rate_per_second", 5.0)
	v.SetDefault("rate_limit.poll_burst", 10)

	v.SetDefault("identity.jwt_secret", "")

	v.SetConfigName("messagebus")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("MESSAGEBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}
	return cfg, nil
}
