package runtime

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every recognized runtime option. Unknown keys in a
// config file are rejected at startup.
type Config struct {
	Port       int    `toml:"port"`
	ModulesDir string `toml:"modules_dir"`
	ScriptsDir string `toml:"scripts_dir"`
	CacheDir   string `toml:"cache_dir"`

	MaxGlobalInflight    int `toml:"max_global_inflight"`
	MaxPerModuleInflight int `toml:"max_per_module_inflight"`

	MaxBodyBytes     int64 `toml:"max_body_bytes"`
	MaxHeaders       int   `toml:"max_headers"`
	RequestTimeoutMs int   `toml:"request_timeout_ms"`
	FuelPerRequest   int64 `toml:"fuel_per_request"`

	BreakerFailThreshold int `toml:"breaker_fail_threshold"`
	BreakerCooldownMs    int `toml:"breaker_cooldown_ms"`
	BreakerProbeBudget   int `toml:"breaker_probe_budget"`

	CacheMaxEntries int   `toml:"cache_max_entries"`
	CacheMaxBytes   int64 `toml:"cache_max_bytes"`

	WorkerPoolSize int `toml:"worker_pool_size"`

	RateLimitRPS float64 `toml:"rate_limit_rps"`

	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{
		Port:                 8080,
		ModulesDir:           "modules",
		ScriptsDir:           "scripts",
		MaxGlobalInflight:    256,
		MaxPerModuleInflight: 16,
		MaxBodyBytes:         10 << 20,
		MaxHeaders:           64,
		RequestTimeoutMs:     30_000,
		FuelPerRequest:       10_000_000,
		BreakerFailThreshold: 5,
		BreakerCooldownMs:    30_000,
		BreakerProbeBudget:   1,
		CacheMaxEntries:      64,
		CacheMaxBytes:        256 << 20,
		WorkerPoolSize:       4,
		LogLevel:             "info",
	}
}

// LoadConfig reads a TOML config file over the defaults. Unknown keys
// are a startup error, not a warning.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config options in %s: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot operate with.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ModulesDir == "" {
		return fmt.Errorf("modules_dir must not be empty")
	}
	if c.MaxGlobalInflight < 1 || c.MaxPerModuleInflight < 1 {
		return fmt.Errorf("inflight caps must be at least 1")
	}
	if c.MaxPerModuleInflight > c.MaxGlobalInflight {
		return fmt.Errorf("max_per_module_inflight %d exceeds max_global_inflight %d",
			c.MaxPerModuleInflight, c.MaxGlobalInflight)
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("max_body_bytes must be positive")
	}
	if c.MaxHeaders < 1 {
		return fmt.Errorf("max_headers must be positive")
	}
	if c.RequestTimeoutMs < 1 {
		return fmt.Errorf("request_timeout_ms must be positive")
	}
	if c.FuelPerRequest < 1 {
		return fmt.Errorf("fuel_per_request must be positive")
	}
	if c.BreakerFailThreshold < 1 {
		return fmt.Errorf("breaker_fail_threshold must be at least 1")
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker_pool_size must be at least 1")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("rate_limit_rps must not be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// RequestTimeout returns the configured default per-request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// BreakerCooldown returns the configured breaker cooldown.
func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownMs) * time.Millisecond
}
