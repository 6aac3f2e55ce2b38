package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" mapstructure:"ratelimit"`
	Tasks      TasksConfig      `yaml:"tasks" mapstructure:"tasks"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the durable cache tier.
type StoreConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL   string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns      int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns      int32  `yaml:"min_conns" mapstructure:"min_conns"`
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`
	RedisPoolSize int    `yaml:"redis_pool_size" mapstructure:"redis_pool_size"`
}

// CacheConfig sets record lifetimes and the expiry sweep.
type CacheConfig struct {
	QuickTTLHours      int    `yaml:"quick_ttl_hours" mapstructure:"quick_ttl_hours"`
	DeepTTLHours       int    `yaml:"deep_ttl_hours" mapstructure:"deep_ttl_hours"`
	FastCleanupMinutes int    `yaml:"fast_cleanup_minutes" mapstructure:"fast_cleanup_minutes"`
	FastTTLSeconds     int    `yaml:"fast_ttl_secs" mapstructure:"fast_ttl_secs"`
	SweepCron          string `yaml:"sweep_cron" mapstructure:"sweep_cron"`
}

// QuickTTL returns the quick-depth lifetime.
func (c CacheConfig) QuickTTL() time.Duration { return time.Duration(c.QuickTTLHours) * time.Hour }

// DeepTTL returns the deep-depth lifetime.
func (c CacheConfig) DeepTTL() time.Duration { return time.Duration(c.DeepTTLHours) * time.Hour }

// FastCleanup returns the fast tier janitor interval.
func (c CacheConfig) FastCleanup() time.Duration {
	return time.Duration(c.FastCleanupMinutes) * time.Minute
}

// FastTTL returns how long the fast tier serves an entry before re-reading
// the durable tier.
func (c CacheConfig) FastTTL() time.Duration {
	return time.Duration(c.FastTTLSeconds) * time.Second
}

// EnrichConfig bounds each fan-out.
type EnrichConfig struct {
	QuickDeadlineSecs int `yaml:"quick_deadline_secs" mapstructure:"quick_deadline_secs"`
	DeepDeadlineSecs  int `yaml:"deep_deadline_secs" mapstructure:"deep_deadline_secs"`
}

// SourcesConfig locates the adapter declarations.
type SourcesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	Key       string  `yaml:"key" mapstructure:"key"`
	BaseURL   string  `yaml:"base_url" mapstructure:"base_url"`
	Model     string  `yaml:"model" mapstructure:"model"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// SalesforceConfig holds Salesforce JWT auth settings.
type SalesforceConfig struct {
	ClientID  string  `yaml:"client_id" mapstructure:"client_id"`
	Username  string  `yaml:"username" mapstructure:"username"`
	KeyPath   string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL  string  `yaml:"login_url" mapstructure:"login_url"`
	RateLimit float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// Enabled reports whether Salesforce credentials were provided.
func (c SalesforceConfig) Enabled() bool {
	return c.ClientID != "" && c.KeyPath != ""
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic  map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityPricing       `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// PerplexityPricing holds Perplexity pricing.
type PerplexityPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
	PerMTok  float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// RateLimitConfig configures per-caller request budgets on the HTTP surface.
type RateLimitConfig struct {
	Backend           string `yaml:"backend" mapstructure:"backend"`
	RequestsPerMinute int    `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int    `yaml:"burst" mapstructure:"burst"`
}

// TasksConfig selects the background queue.
type TasksConfig struct {
	Backend             string `yaml:"backend" mapstructure:"backend"`
	Workers             int    `yaml:"workers" mapstructure:"workers"`
	TemporalHost        string `yaml:"temporal_host" mapstructure:"temporal_host"`
	TemporalNamespace   string `yaml:"temporal_namespace" mapstructure:"temporal_namespace"`
	TemporalTaskQueue   string `yaml:"temporal_task_queue" mapstructure:"temporal_task_queue"`
	ActivityTimeoutSecs int    `yaml:"activity_timeout_secs" mapstructure:"activity_timeout_secs"`
	MaxAttempts         int32  `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, file and environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables take precedence.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ENRICH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "enrich.db")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_pool_size", 10)
	v.SetDefault("cache.quick_ttl_hours", 720)
	v.SetDefault("cache.deep_ttl_hours", 720)
	v.SetDefault("cache.fast_cleanup_minutes", 10)
	v.SetDefault("cache.fast_ttl_secs", 300)
	v.SetDefault("cache.sweep_cron", "@hourly")
	v.SetDefault("enrich.quick_deadline_secs", 8)
	v.SetDefault("enrich.deep_deadline_secs", 60)
	v.SetDefault("sources.path", "sources.yaml")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar")
	v.SetDefault("perplexity.rate_limit", 2)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.rate_limit", 5)
	v.SetDefault("pricing.perplexity.per_query", 0.005)
	v.SetDefault("pricing.perplexity.per_mtok", 1.00)
	v.SetDefault("ratelimit.backend", "local")
	v.SetDefault("ratelimit.requests_per_minute", 60)
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("tasks.backend", "local")
	v.SetDefault("tasks.workers", 4)
	v.SetDefault("tasks.temporal_host", "localhost:7233")
	v.SetDefault("tasks.temporal_namespace", "default")
	v.SetDefault("tasks.temporal_task_queue", "enrich")
	v.SetDefault("tasks.activity_timeout_secs", 300)
	v.SetDefault("tasks.max_attempts", 3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. All problems are
// reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			errs = append(errs, "store.redis_addr is required")
		}
	case "memory":
	default:
		errs = append(errs, "store.driver must be one of sqlite, postgres, redis, memory")
	}

	if c.Cache.QuickTTLHours <= 0 || c.Cache.DeepTTLHours <= 0 {
		errs = append(errs, "cache ttl hours must be > 0")
	}
	if c.Enrich.QuickDeadlineSecs <= 0 || c.Enrich.DeepDeadlineSecs <= 0 {
		errs = append(errs, "enrich deadlines must be > 0")
	}

	switch mode {
	case "enrich":
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.RateLimit.RequestsPerMinute <= 0 {
			errs = append(errs, "ratelimit.requests_per_minute must be > 0")
		}
		switch c.RateLimit.Backend {
		case "local":
		case "redis":
			if c.Store.RedisAddr == "" {
				errs = append(errs, "store.redis_addr is required for the redis rate limiter")
			}
		default:
			errs = append(errs, "ratelimit.backend must be local or redis")
		}
		errs = append(errs, c.validateTasks()...)
	case "worker":
		if c.Tasks.Backend != "temporal" {
			errs = append(errs, "tasks.backend must be temporal to run a worker")
		}
		errs = append(errs, c.validateTasks()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateTasks() []string {
	var errs []string
	switch c.Tasks.Backend {
	case "local":
		if c.Tasks.Workers < 1 || c.Tasks.Workers > 64 {
			errs = append(errs, "tasks.workers must be between 1 and 64")
		}
	case "temporal":
		if c.Tasks.TemporalHost == "" {
			errs = append(errs, "tasks.temporal_host is required")
		}
	default:
		errs = append(errs, "tasks.backend must be local or temporal")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
