// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file; a .env file is
// loaded into the environment first when present.
//
// The gateway starts without Redis (rate limits degrade to allow-all) and
// without DATABASE_URL (a local SQLite file is used).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// AdminSuperSecret guards the admin endpoints. Empty disables them.
	AdminSuperSecret string

	// DatabaseURL selects the store backend: postgres:// for Postgres,
	// anything else is treated as a SQLite path. Empty uses ./modelgate.db.
	DatabaseURL string

	// RedisURL is a redis:// URL for rate limiting and the dedup shadow
	// cache. Empty runs the gateway without Redis.
	RedisURL string

	// Bucket is the default per-model token bucket shape.
	Bucket BucketConfig

	// Failover controls multi-provider fallback behaviour.
	Failover FailoverConfig

	// InitConfig controls first-boot catalog seeding.
	InitConfig InitConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// BucketConfig is the default token bucket for models without an override.
type BucketConfig struct {
	// Capacity is the bucket size. 0 disables the per-model bucket.
	Capacity int
	// RefillRate is tokens per second.
	RefillRate float64
}

// FailoverConfig controls multi-provider failover.
type FailoverConfig struct {
	// MaxProviderAttempts is the maximum number of distinct providers tried
	// per request. Default: 3.
	MaxProviderAttempts int

	// SameProviderRetries is the number of extra attempts against the same
	// provider after a transient failure. Default: 1.
	SameProviderRetries int

	// ProviderTimeout is the per-attempt HTTP deadline. Default: 120s.
	ProviderTimeout time.Duration
}

// InitConfig controls seeding of providers, models and API keys on first
// boot.
type InitConfig struct {
	// Enabled turns seeding on. The seed runs once; a settings-table flag
	// marks completion.
	Enabled bool
	// JSON is the inline seed document. Takes precedence over Path.
	JSON string
	// Path points at a seed JSON file.
	Path string
	// ForceAddKeys re-ensures the seed's API keys even when the flag is
	// already set.
	ForceAddKeys bool
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGINS", []string{"*"})

	// Bucket: 0 capacity disables the per-model bucket.
	v.SetDefault("DEFAULT_RATE_LIMIT", 0)
	v.SetDefault("DEFAULT_REFILL_RATE", 1.0)

	// Failover defaults.
	v.SetDefault("MAX_PROVIDER_ATTEMPTS", 3)
	v.SetDefault("SAME_PROVIDER_RETRIES", 1)
	v.SetDefault("PROVIDER_TIMEOUT", "120s")

	v.SetDefault("ENABLE_INIT_CONFIG", false)
	v.SetDefault("FORCILY_ADD_API_KEYS", false)

	cfg := &Config{
		Port:             v.GetInt("PORT"),
		LogLevel:         strings.ToLower(v.GetString("LOG_LEVEL")),
		AdminSuperSecret: v.GetString("ADMIN_SUPER_SECRET"),
		DatabaseURL:      v.GetString("DATABASE_URL"),
		RedisURL:         v.GetString("REDIS_URL"),

		Bucket: BucketConfig{
			Capacity:   v.GetInt("DEFAULT_RATE_LIMIT"),
			RefillRate: v.GetFloat64("DEFAULT_REFILL_RATE"),
		},

		Failover: FailoverConfig{
			MaxProviderAttempts: v.GetInt("MAX_PROVIDER_ATTEMPTS"),
			SameProviderRetries: v.GetInt("SAME_PROVIDER_RETRIES"),
			ProviderTimeout:     v.GetDuration("PROVIDER_TIMEOUT"),
		},

		InitConfig: InitConfig{
			Enabled:      v.GetBool("ENABLE_INIT_CONFIG"),
			JSON:         v.GetString("INIT_CONFIG_JSON"),
			Path:         v.GetString("INIT_CONFIG_PATH"),
			ForceAddKeys: v.GetBool("FORCILY_ADD_API_KEYS"),
		},

		CORSOrigins: v.GetStringSlice("ALLOWED_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks the semantic constraints that cannot be expressed as
// defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	if c.Failover.MaxProviderAttempts < 1 {
		return fmt.Errorf("config: MAX_PROVIDER_ATTEMPTS must be ≥ 1, got %d", c.Failover.MaxProviderAttempts)
	}
	if c.Failover.SameProviderRetries < 0 {
		return fmt.Errorf("config: SAME_PROVIDER_RETRIES must be ≥ 0, got %d", c.Failover.SameProviderRetries)
	}
	if c.Failover.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	if c.Bucket.Capacity < 0 {
		return fmt.Errorf("config: DEFAULT_RATE_LIMIT must be ≥ 0, got %d", c.Bucket.Capacity)
	}
	if c.Bucket.Capacity > 0 && c.Bucket.RefillRate <= 0 {
		return fmt.Errorf("config: DEFAULT_REFILL_RATE must be > 0 when DEFAULT_RATE_LIMIT is set")
	}

	if c.InitConfig.Enabled && c.InitConfig.JSON == "" && c.InitConfig.Path == "" {
		return fmt.Errorf("config: ENABLE_INIT_CONFIG requires INIT_CONFIG_JSON or INIT_CONFIG_PATH")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
