package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/paper-reader/reader"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Reader  ReaderConfig  `mapstructure:"reader"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Harness HarnessConfig `mapstructure:"harness"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Figures FiguresConfig `mapstructure:"figures"`
	Search  SearchConfig  `mapstructure:"search"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	DSN  string `mapstructure:"dsn"`
	Type string `mapstructure:"type"`
}

// ReaderConfig stores where sessions keep their files.
type ReaderConfig struct {
	DataDir      string         `mapstructure:"data_dir"`
	UploadsDir   string         `mapstructure:"uploads_dir"`   // absolute root for per-session figure folders
	PublicPrefix string         `mapstructure:"public_prefix"` // prefix of caller-facing relative paths
	Database     DatabaseConfig `mapstructure:"database"`
}

// LLMConfig stores the OpenAI-compatible endpoint used for inference and vision.
type LLMConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	VisionModel  string        `mapstructure:"vision_model"`
	MaxNewTokens int           `mapstructure:"max_new_tokens"`
	Temperature  float32       `mapstructure:"temperature"`
	TopP         float32       `mapstructure:"top_p"`
	Timeout      time.Duration `mapstructure:"timeout"` // per inference call
}

// HarnessConfig stores tool-loop harness configurations.
type HarnessConfig struct {
	// Cache settings
	CacheEnabled    bool `mapstructure:"cache_enabled"`
	CacheCapacity   int  `mapstructure:"cache_capacity"`
	CacheTTLSeconds int  `mapstructure:"cache_ttl_seconds"`

	// Rate limiting
	RateLimitEnabled    bool          `mapstructure:"rate_limit_enabled"`
	RateLimitCapacity   int           `mapstructure:"rate_limit_capacity"`
	RateLimitRefillRate time.Duration `mapstructure:"rate_limit_refill_rate"`

	// Policies
	MaxIterations      int           `mapstructure:"max_iterations"` // model calls per turn
	RetryCount         int           `mapstructure:"retry_count"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff"`
	ToolTimeout        time.Duration `mapstructure:"tool_timeout"`
	ParseTextToolCalls bool          `mapstructure:"parse_text_tool_calls"`

	// Safety and validation
	EnableGuardrails bool     `mapstructure:"enable_guardrails"`
	BlockedWords     []string `mapstructure:"blocked_words"`
	AllowedTools     []string `mapstructure:"allowed_tools"` // empty allows every registered tool

	// Telemetry
	EnableTracing bool `mapstructure:"enable_tracing"`
}

// AgentConfig stores stage orchestration settings.
type AgentConfig struct {
	Language            string `mapstructure:"language"`
	HistoryWindow       int    `mapstructure:"history_window"`
	MessageCharLimit    int    `mapstructure:"message_char_limit"`
	BootstrapIterations int    `mapstructure:"bootstrap_iterations"`
	DocumentTextTokens  int    `mapstructure:"document_text_tokens"`
	DocumentTextPages   int    `mapstructure:"document_text_pages"`
}

// FiguresConfig stores figure extraction settings.
type FiguresConfig struct {
	DPI           float64       `mapstructure:"dpi"`
	Padding       int           `mapstructure:"padding"`
	RenderWorkers int           `mapstructure:"render_workers"`
	RenderTimeout time.Duration `mapstructure:"render_timeout"`
}

// SearchConfig stores web lookup settings.
type SearchConfig struct {
	Provider   string `mapstructure:"provider"` // "duckduckgo", "brave", "tavily"
	APIKey     string `mapstructure:"api_key"`
	Depth      string `mapstructure:"depth"` // tavily only
	MaxSources int    `mapstructure:"max_sources"`
	CacheTTL   int    `mapstructure:"cache_ttl_seconds"`
}

// RedisConfig enables a shared redis cache in place of the in-process LRU.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.AutomaticEnv()
	// reader.database.dsn becomes READER_DATABASE_DSN
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("reader.data_dir", internal.DefaultDataDir)
	v.SetDefault("reader.uploads_dir", internal.DefaultUploadsDir)
	v.SetDefault("reader.public_prefix", internal.DefaultPublicPrefix)
	v.SetDefault("reader.database.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("reader.database.type", internal.DefaultDatabaseType)

	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "google/gemini-2.5-flash")
	v.SetDefault("llm.vision_model", "")
	v.SetDefault("llm.max_new_tokens", 8192)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.top_p", 0.95)
	v.SetDefault("llm.timeout", "120s")

	v.SetDefault("harness.cache_enabled", true)
	v.SetDefault("harness.cache_capacity", 256)
	v.SetDefault("harness.cache_ttl_seconds", 3600)
	v.SetDefault("harness.rate_limit_enabled", true)
	v.SetDefault("harness.rate_limit_capacity", 4)
	v.SetDefault("harness.rate_limit_refill_rate", "1s")
	v.SetDefault("harness.max_iterations", internal.DefaultMaxIterations)
	v.SetDefault("harness.retry_count", 2)
	v.SetDefault("harness.retry_backoff", "500ms")
	v.SetDefault("harness.tool_timeout", "120s")
	v.SetDefault("harness.parse_text_tool_calls", false)
	v.SetDefault("harness.enable_guardrails", true)
	v.SetDefault("harness.blocked_words", []string{})
	v.SetDefault("harness.allowed_tools", []string{})
	v.SetDefault("harness.enable_tracing", true)

	v.SetDefault("agent.language", internal.DefaultLanguage)
	v.SetDefault("agent.history_window", internal.DefaultHistoryWindow)
	v.SetDefault("agent.message_char_limit", internal.DefaultMessageCharLimit)
	v.SetDefault("agent.bootstrap_iterations", internal.DefaultBootstrapIterations)
	v.SetDefault("agent.document_text_tokens", 24000)
	v.SetDefault("agent.document_text_pages", 40)

	v.SetDefault("figures.dpi", internal.DefaultRenderDPI)
	v.SetDefault("figures.padding", internal.DefaultFigurePadding)
	v.SetDefault("figures.render_workers", 4)
	v.SetDefault("figures.render_timeout", "30s")

	v.SetDefault("search.provider", "duckduckgo")
	v.SetDefault("search.api_key", "")
	v.SetDefault("search.depth", "basic")
	v.SetDefault("search.max_sources", 5)
	v.SetDefault("search.cache_ttl_seconds", 86400)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "paper-reader:")
}
