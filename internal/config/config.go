// Package config loads the billing gateway's YAML configuration with
// environment variable overrides — the same singleton-plus-env-override
// shape the original backend used for its own config, trimmed down to the
// sections the billing core actually reads.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the billing gateway's top-level configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Supabase SupabaseConfig `yaml:"supabase"`
	Stripe   StripeConfig   `yaml:"stripe"`
	Billing  BillingConfig  `yaml:"billing"`
}

type ServerConfig struct {
	Port               string `yaml:"port"`
	PrivateBackendMode bool   `yaml:"private_backend_mode"`
}

// SupabaseConfig names the object store backing the five system blobs
// (spec.md §4.1, §6).
type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

type StripeConfig struct {
	SecretKey    string `yaml:"secret_key"`
	MeterWorkers int    `yaml:"meter_workers"`
}

// BillingConfig mirrors billingcore.Tunables as YAML-addressable
// milliseconds.
type BillingConfig struct {
	GracePeriodMs          int64 `yaml:"grace_period_ms"`
	CacheTTLMs             int64 `yaml:"cache_ttl_ms"`
	OrphanExpiringCutoffMs int64 `yaml:"orphan_expiring_cutoff_ms"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config, loading CONFIG_PATH (or
// config.yaml) on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
			cfg = &Config{}
		}
		cfg.applyDefaults()
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig reads path as YAML, applies defaults, then environment
// overrides (env wins over the file, per spec.md §9's config layering).
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return &cfg, nil
}

// applyDefaults fills in zero-valued tunables so a config file that omits
// a section still runs with sane values.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Billing.GracePeriodMs == 0 {
		c.Billing.GracePeriodMs = 14 * 24 * 60 * 60 * 1000
	}
	if c.Billing.CacheTTLMs == 0 {
		c.Billing.CacheTTLMs = 5 * 60 * 1000
	}
	if c.Billing.OrphanExpiringCutoffMs == 0 {
		c.Billing.OrphanExpiringCutoffMs = 1735689600000
	}
	if c.Stripe.MeterWorkers == 0 {
		c.Stripe.MeterWorkers = 4
	}
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.PrivateBackendMode = getEnvBool("NINJA_PRIVATE_BACKEND", c.Server.PrivateBackendMode)

	c.Supabase.URL = getEnv("SUPABASE_URL", c.Supabase.URL)
	c.Supabase.ServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Supabase.ServiceKey)

	c.Stripe.SecretKey = getEnv("STRIPE_SECRET_KEY", c.Stripe.SecretKey)
	if v := getEnvInt("STRIPE_METER_WORKERS", 0); v > 0 {
		c.Stripe.MeterWorkers = v
	}

	if v := getEnvInt64("NINJA_GRACE_PERIOD_MS", 0); v > 0 {
		c.Billing.GracePeriodMs = v
	}
	if v := getEnvInt64("NINJA_CACHE_TTL_MS", 0); v > 0 {
		c.Billing.CacheTTLMs = v
	}
	if v := getEnvInt64("NINJA_ORPHAN_EXPIRING_CUTOFF_MS", 0); v > 0 {
		c.Billing.OrphanExpiringCutoffMs = v
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

// IsPrivateBackend reports whether this deployment runs with billing
// disabled entirely (spec.md §1 Non-goals, §9 design note).
func (c *Config) IsPrivateBackend() bool {
	return c.Server.PrivateBackendMode
}
