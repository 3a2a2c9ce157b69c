// Package config loads service configuration from defaults, an optional YAML
// file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"emdispatch/internal/auth"
	"emdispatch/internal/dispatch"
	"emdispatch/internal/lifecycle"
	"emdispatch/internal/maintenance"
	"emdispatch/internal/stream"
	"emdispatch/internal/tracking"
	"emdispatch/internal/webhooks"
)

type Config struct {
	Environment string             `mapstructure:"environment"`
	HTTP        HTTPConfig         `mapstructure:"http"`
	Log         LogConfig          `mapstructure:"log"`
	Database    DatabaseConfig     `mapstructure:"database"`
	Redis       RedisConfig        `mapstructure:"redis"`
	Kafka       stream.Config      `mapstructure:"kafka"`
	Auth        auth.Config        `mapstructure:"auth"`
	Tracking    tracking.Config    `mapstructure:"tracking"`
	Dispatch    dispatch.Config    `mapstructure:"dispatch"`
	Lifecycle   lifecycle.Config   `mapstructure:"lifecycle"`
	Webhooks    webhooks.Config    `mapstructure:"webhooks"`
	Maintenance maintenance.Config `mapstructure:"maintenance"`
}

// RateRPS and RateBurst limit location ingestion per client IP.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateRPS         float64       `mapstructure:"rate_rps"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// Addr is the listen address for the HTTP server.
func (h HTTPConfig) Addr() string { return fmt.Sprintf(":%d", h.Port) }

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	Migrate         bool          `mapstructure:"migrate"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// legacy names kept so existing deployments keep working
var envAliases = map[string][]string{
	"http.port":             {"EMD_HTTP_PORT", "PORT"},
	"http.rate_rps":         {"EMD_HTTP_RATE_RPS", "RATE_RPS"},
	"http.rate_burst":       {"EMD_HTTP_RATE_BURST", "RATE_BURST"},
	"database.url":          {"EMD_DATABASE_URL", "DATABASE_URL"},
	"database.migrate":      {"EMD_DATABASE_MIGRATE", "DB_MIGRATE"},
	"redis.url":             {"EMD_REDIS_URL", "REDIS_URL"},
	"kafka.brokers":         {"EMD_KAFKA_BROKERS", "KAFKA_BROKERS"},
	"auth.mode":             {"EMD_AUTH_MODE", "AUTH_MODE"},
	"auth.hmac_secret":      {"EMD_AUTH_HMAC_SECRET", "AUTH_HMAC_SECRET"},
	"auth.jwks_url":         {"EMD_AUTH_JWKS_URL", "AUTH_JWKS_URL"},
	"auth.issuer":           {"EMD_AUTH_ISSUER", "AUTH_ISSUER"},
	"webhooks.max_attempts": {"EMD_WEBHOOKS_MAX_ATTEMPTS", "WEBHOOK_MAX_ATTEMPTS"},
}

// Load reads configuration. path may name a YAML file; when empty, emdispatch.yaml
// is looked up in the working directory and ./config, and its absence is fine.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EMD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("emdispatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "0s") // streams stay open
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("http.rate_rps", 5.0)
	v.SetDefault("http.rate_burst", 10)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("redis.url", "")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "case-events")
	v.SetDefault("kafka.write_timeout", "5s")
	v.SetDefault("kafka.batch_timeout", "50ms")

	v.SetDefault("auth.mode", "dev")
	v.SetDefault("auth.hmac_secret", "")
	v.SetDefault("auth.jwks_url", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.role_claim", "role")
	v.SetDefault("auth.responder_claim", "responder_id")
	v.SetDefault("auth.jwks_cache_ttl_secs", 600)

	v.SetDefault("tracking.high_accuracy", true)
	v.SetDefault("tracking.timeout", "10s")
	v.SetDefault("tracking.max_sample_age", "30s")
	v.SetDefault("tracking.poll_interval", "0s")

	v.SetDefault("dispatch.ambulance_staleness", "2m")
	v.SetDefault("dispatch.police_staleness", "2m")
	v.SetDefault("dispatch.hospital_staleness", "24h")

	v.SetDefault("lifecycle.arrival_radius_m", lifecycle.DefaultArrivalRadius)
	v.SetDefault("lifecycle.max_conflict_retries", 3)

	v.SetDefault("webhooks.max_attempts", 10)
	v.SetDefault("webhooks.poll_interval", "1s")
	v.SetDefault("webhooks.batch_size", 50)
	v.SetDefault("webhooks.timeout", "5s")

	v.SetDefault("maintenance.prune_schedule", "0 */15 * * * *")
	v.SetDefault("maintenance.sweep_schedule", "*/30 * * * * *")
	v.SetDefault("maintenance.delivered_retention", "72h")
}

// Validate rejects combinations the service cannot start with.
func (c Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	switch strings.ToLower(c.Auth.Mode) {
	case "dev":
	case "hmac":
		if c.Auth.HMACSecret == "" {
			return errors.New("auth.hmac_secret is required in hmac mode")
		}
	case "jwks":
		if c.Auth.JWKSURL == "" {
			return errors.New("auth.jwks_url is required in jwks mode")
		}
	default:
		return fmt.Errorf("unknown auth.mode %q", c.Auth.Mode)
	}
	if c.Lifecycle.ArrivalRadius <= 0 {
		return errors.New("lifecycle.arrival_radius_m must be positive")
	}
	return nil
}
