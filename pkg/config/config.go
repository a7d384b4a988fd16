package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pario-ai/promptgate/pkg/ratelimit"
)

// Config holds all promptgate configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	DBPath    string          `yaml:"db_path"`
	Provider  ProviderConfig  `yaml:"provider"`
	Cache     CacheConfig     `yaml:"cache"`
	Redis     RedisConfig     `yaml:"redis"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
}

// ProviderConfig defines the upstream Anthropic messages API.
type ProviderConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Version     string        `yaml:"version"`
	Timeout     time.Duration `yaml:"timeout"`
	// MaxRPS paces outbound calls. Zero means unpaced.
	MaxRPS float64 `yaml:"max_rps"`
	Burst  int     `yaml:"burst"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Normalize     bool          `yaml:"normalize"`
	SingleFlight  bool          `yaml:"single_flight"`
}

// RedisConfig is shared by the redis cache backend and the redis rate limit store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RateLimitConfig controls the rate limiter.
type RateLimitConfig struct {
	Backend        string                                   `yaml:"backend"`
	TrustForwarded bool                                     `yaml:"trust_forwarded"`
	GCProbability  float64                                  `yaml:"gc_probability"`
	Overrides      map[ratelimit.Category]ratelimit.Override `yaml:"overrides"`
}

// AdminConfig protects the /admin routes. An empty token leaves them open.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// LogConfig controls the zap logger and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// CompletionLimit is the expensive-external-call ceiling applied to the
// completion endpoint unless overridden.
const CompletionLimit = 10

// Default returns a Config with sensible defaults.
func Default() *Config {
	limit := CompletionLimit
	return &Config{
		Listen: ":8080",
		DBPath: "promptgate.db",
		Provider: ProviderConfig{
			URL:         "https://api.anthropic.com",
			Model:       "claude-3-haiku-20240307",
			MaxTokens:   4000,
			Temperature: 0.7,
			Version:     "2023-06-01",
			Timeout:     60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:       true,
			Backend:       BackendSQLite,
			TTL:           7 * 24 * time.Hour,
			SweepInterval: 10 * time.Minute,
			SingleFlight:  true,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "promptgate",
		},
		RateLimit: RateLimitConfig{
			Backend:       BackendMemory,
			GCProbability: ratelimit.DefaultGCProbability,
			Overrides: map[ratelimit.Category]ratelimit.Override{
				ratelimit.CategoryExpensiveExternalCall: {MaxRequests: &limit},
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	// yaml replaces map values whole, so overrides are merged field by field
	defaults := cfg.RateLimit.Overrides
	cfg.RateLimit.Overrides = nil
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.RateLimit.Overrides = mergeOverrides(defaults, cfg.RateLimit.Overrides)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return Load(path)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Provider.URL == "" {
		errs = append(errs, errors.New("provider.url is required"))
	}
	if c.Provider.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("provider.max_tokens must be positive, got %d", c.Provider.MaxTokens))
	}
	if c.Provider.MaxRPS < 0 {
		errs = append(errs, fmt.Errorf("provider.max_rps must not be negative, got %g", c.Provider.MaxRPS))
	}
	switch c.Cache.Backend {
	case BackendSQLite, BackendRedis, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be sqlite, redis or memory, got %q", c.Cache.Backend))
	}
	if c.Cache.Enabled && c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive, got %s", c.Cache.TTL))
	}
	switch c.RateLimit.Backend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("rate_limit.backend must be memory or redis, got %q", c.RateLimit.Backend))
	}
	if p := c.RateLimit.GCProbability; p < 0 || p > 1 {
		errs = append(errs, fmt.Errorf("rate_limit.gc_probability must be within [0, 1], got %g", p))
	}
	if _, err := c.RateLimit.Policies(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func mergeOverrides(base, file map[ratelimit.Category]ratelimit.Override) map[ratelimit.Category]ratelimit.Override {
	out := make(map[ratelimit.Category]ratelimit.Override, len(base)+len(file))
	for c, o := range base {
		out[c] = o
	}
	for c, o := range file {
		out[c] = o.Merge(base[c])
	}
	return out
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return (c.Cache.Enabled && c.Cache.Backend == BackendRedis) || c.RateLimit.Backend == BackendRedis
}

// Policies returns the default policy table with the overrides applied.
func (r RateLimitConfig) Policies() (ratelimit.Policies, error) {
	policies := ratelimit.DefaultPolicies()
	cats := make([]ratelimit.Category, 0, len(r.Overrides))
	for c := range r.Overrides {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })

	for _, c := range cats {
		next, err := policies.With(c, r.Overrides[c])
		if err != nil {
			return nil, fmt.Errorf("rate_limit.overrides: %w", err)
		}
		policies = next
	}
	return policies, nil
}
