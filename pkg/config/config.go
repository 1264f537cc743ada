package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "fishtank.yaml"

// Cache backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all fishtank configuration.
type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
	Router    RouterConfig     `yaml:"router"`
	Cache     CacheConfig      `yaml:"cache"`
	Redis     RedisConfig      `yaml:"redis"`
	Fetch     FetchConfig      `yaml:"fetch"`
	LLM       LLMConfig        `yaml:"llm"`
	Log       LogConfig        `yaml:"log"`
	Usage     UsageConfig      `yaml:"usage"`
}

// RouterConfig defines model routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default) or "anthropic".
type ProviderConfig struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	Type   string `yaml:"type"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	Dir           string        `yaml:"dir"`
	MaxSize       ByteSize      `yaml:"max_size"`
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	EvictInterval time.Duration `yaml:"evict_interval"`
}

// RedisConfig is used when cache.backend is "redis".
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// FetchConfig controls outbound calls.
type FetchConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	UserAgent         string        `yaml:"user_agent"`
}

// LLMConfig holds defaults for completion requests.
type LLMConfig struct {
	DefaultModel string `yaml:"default_model"`
	MaxTokens    int    `yaml:"max_tokens"`
	SystemPrompt string `yaml:"system_prompt"`
}

// LogConfig selects the log level and encoding ("json" or "console").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// UsageConfig controls the token usage ledger.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// ByteSize is a size in bytes written in human form ("256MiB", "1 GB").
type ByteSize int64

// UnmarshalYAML accepts either a plain integer or a humanized size.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", value.Value, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (any, error) {
	return b.String(), nil
}

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Providers: []ProviderConfig{
			{
				Name:   "openai",
				URL:    "https://api.openai.com",
				APIKey: os.Getenv("OPENAI_API_KEY"),
				Type:   "openai",
			},
		},
		Cache: CacheConfig{
			Backend:       BackendSQLite,
			Dir:           ".fishtank_cache",
			MaxSize:       256 << 20,
			DefaultTTL:    24 * time.Hour,
			EvictInterval: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "fishtank",
		},
		Fetch: FetchConfig{
			Timeout:        60 * time.Second,
			MaxAttempts:    5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			UserAgent:      "ai-fish-tank",
		},
		LLM: LLMConfig{
			DefaultModel: "gpt-4o-mini",
			MaxTokens:    5000,
			SystemPrompt: "You are a helpful assistant.",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Usage: UsageConfig{
			Enabled: true,
			DBPath:  "fishtank.db",
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
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault is Load, falling back to Default when path does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendSQLite:
		if c.Cache.Dir == "" {
			return errors.New("config: cache.dir is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("config: redis.addr is required for the redis backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Cache.MaxSize <= 0 {
		return errors.New("config: cache.max_size must be positive")
	}
	if c.Cache.DefaultTTL < 0 {
		return errors.New("config: cache.default_ttl must not be negative")
	}
	if c.Fetch.Timeout <= 0 {
		return errors.New("config: fetch.timeout must be positive")
	}
	if c.Fetch.MaxAttempts < 1 {
		return errors.New("config: fetch.max_attempts must be at least 1")
	}
	if c.Fetch.RequestsPerSecond < 0 {
		return errors.New("config: fetch.requests_per_second must not be negative")
	}
	for i, p := range c.Providers {
		if p.Name == "" || p.URL == "" {
			return fmt.Errorf("config: providers[%d] needs a name and url", i)
		}
		switch p.Type {
		case "", "openai", "anthropic":
		default:
			return fmt.Errorf("config: provider %q has unknown type %q", p.Name, p.Type)
		}
	}
	return nil
}
