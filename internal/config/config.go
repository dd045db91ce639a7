// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.ember/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Gemini: credential list, chat/vision models, generation parameters
//   - Cache: response cache capacity, TTL, sweep interval
//   - Streaming: heartbeat interval, retry backoff, replay pacing
//   - Search: Google Custom Search key/engine id, max results
//   - Storage: PostgreSQL connection
//   - Server: listen address
//   - Datadog: OTLP tracing via local agent
//
// Security: sensitive values (API keys, passwords) are masked in MarshalJSON().
// Validation: fail-fast range checks with sentinel errors checked via errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrNoCredentials indicates no Gemini API key was configured.
	ErrNoCredentials = errors.New("no Gemini API keys configured")

	// ErrInvalidModelName indicates the model name is empty or malformed.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates a temperature value out of [0, 2].
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidCacheCapacity indicates a non-positive cache capacity.
	ErrInvalidCacheCapacity = errors.New("invalid cache capacity")

	// ErrInvalidInterval indicates a non-positive duration option.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrInvalidWindow indicates a non-positive history window.
	ErrInvalidWindow = errors.New("invalid history window")

	// ErrInvalidDatabaseURL indicates DATABASE_URL could not be parsed.
	ErrInvalidDatabaseURL = errors.New("invalid database URL")
)

// GenerationParams are the upstream generation parameters for one model.
type GenerationParams struct {
	Temperature     float32 `mapstructure:"temperature" json:"temperature"`
	TopK            float32 `mapstructure:"top_k" json:"top_k"`
	TopP            float32 `mapstructure:"top_p" json:"top_p"`
	MaxOutputTokens int32   `mapstructure:"max_output_tokens" json:"max_output_tokens"`
}

// SearchConfig configures the Google Custom Search provider.
type SearchConfig struct {
	APIKey     string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	EngineID   string `mapstructure:"engine_id" json:"engine_id"`
	MaxResults int    `mapstructure:"max_results" json:"max_results"`
}

// DatadogConfig configures OTLP tracing via a local Datadog agent.
type DatadogConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	AgentHost   string `mapstructure:"agent_host" json:"agent_host"`
	Environment string `mapstructure:"environment" json:"environment"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields, update MarshalJSON.
type Config struct {
	// Gemini credentials. Resolution order: GEMINI_API_KEYS env (newline or
	// comma separated) > gemini_api_keys list > gemini_api_key_file lines.
	GeminiAPIKeys  []string `mapstructure:"gemini_api_keys" json:"gemini_api_keys"` // SENSITIVE
	GeminiKeyFile  string   `mapstructure:"gemini_api_key_file" json:"gemini_api_key_file"`
	ChatModel      string   `mapstructure:"chat_model" json:"chat_model"`
	VisionModel    string   `mapstructure:"vision_model" json:"vision_model"`
	Chat           GenerationParams `mapstructure:"chat" json:"chat"`
	Vision         GenerationParams `mapstructure:"vision" json:"vision"`

	// Response cache
	CacheCapacity      int           `mapstructure:"cache_capacity" json:"cache_capacity"`
	CacheTTL           time.Duration `mapstructure:"cache_ttl" json:"cache_ttl"`
	CacheSweepInterval time.Duration `mapstructure:"cache_sweep_interval" json:"cache_sweep_interval"`

	// Streaming pipeline
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff" json:"retry_backoff"`
	ReplayChunkSize   int           `mapstructure:"replay_chunk_size" json:"replay_chunk_size"`
	ReplayChunkDelay  time.Duration `mapstructure:"replay_chunk_delay" json:"replay_chunk_delay"`
	HistoryWindow     int           `mapstructure:"history_window" json:"history_window"`
	FingerprintWindow int           `mapstructure:"fingerprint_window" json:"fingerprint_window"`

	// Upstream rate limiting (requests/sec sustained, burst)
	RateLimit float64 `mapstructure:"rate_limit" json:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" json:"rate_burst"`

	// Search provider
	Search SearchConfig `mapstructure:"search" json:"search"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Server
	Addr string `mapstructure:"addr" json:"addr"`

	// Observability
	Datadog DatadogConfig `mapstructure:"datadog" json:"datadog"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".ember")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use defaults.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.resolveCredentials(); err != nil {
		return nil, err
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// Upstream models. The chat model answers conversations; the vision
	// model handles text+image prompts.
	v.SetDefault("chat_model", "gemini-2.0-flash")
	v.SetDefault("vision_model", "gemini-2.0-flash")
	v.SetDefault("chat.temperature", 0.9)
	v.SetDefault("chat.top_k", 1)
	v.SetDefault("chat.top_p", 1)
	v.SetDefault("chat.max_output_tokens", 2048)
	v.SetDefault("vision.temperature", 0.7)
	v.SetDefault("vision.top_k", 32)
	v.SetDefault("vision.top_p", 1)
	v.SetDefault("vision.max_output_tokens", 2048)

	// Response cache
	v.SetDefault("cache_capacity", 100)
	v.SetDefault("cache_ttl", "1h")
	v.SetDefault("cache_sweep_interval", "5m")

	// Streaming pipeline
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("retry_backoff", "1s")
	v.SetDefault("replay_chunk_size", 50)
	v.SetDefault("replay_chunk_delay", "50ms")
	v.SetDefault("history_window", 20)
	v.SetDefault("fingerprint_window", 3)

	// Upstream rate limiting: 10 req/s sustained, burst of 30
	v.SetDefault("rate_limit", 10)
	v.SetDefault("rate_burst", 30)

	// Search provider
	v.SetDefault("search.max_results", 3)

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "ember")
	v.SetDefault("postgres_password", "ember_dev_password")
	v.SetDefault("postgres_db_name", "ember")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Server
	v.SetDefault("addr", "127.0.0.1:8090")

	// Datadog
	v.SetDefault("datadog.enabled", false)
	v.SetDefault("datadog.agent_host", "localhost:4318")
	v.SetDefault("datadog.environment", "dev")
	v.SetDefault("datadog.service_name", "ember")
}

// bindEnvVariables binds environment variables explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded strings can't fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("search.api_key", "SEARCH_API_KEY")
	mustBind("search.engine_id", "SEARCH_ENGINE_ID")
	mustBind("addr", "EMBER_ADDR")
	mustBind("chat_model", "EMBER_CHAT_MODEL")
	mustBind("vision_model", "EMBER_VISION_MODEL")
	mustBind("postgres_password", "EMBER_POSTGRES_PASSWORD")
	mustBind("datadog.enabled", "EMBER_TRACING")

	// NOTE: GEMINI_API_KEYS and DATABASE_URL are resolved outside viper
	// because they need custom parsing (see resolveCredentials and
	// parseDatabaseURL).
}

// resolveCredentials resolves the Gemini credential list.
// Resolution order: GEMINI_API_KEYS env > config list > key file lines.
func (c *Config) resolveCredentials() error {
	if env := os.Getenv("GEMINI_API_KEYS"); env != "" {
		c.GeminiAPIKeys = ParseKeyList(env)
		return nil
	}
	if len(c.GeminiAPIKeys) > 0 {
		return nil
	}
	if c.GeminiKeyFile != "" {
		data, err := os.ReadFile(c.GeminiKeyFile)
		if err != nil {
			return fmt.Errorf("reading key file: %w", err)
		}
		c.GeminiAPIKeys = ParseKeyList(string(data))
	}
	return nil
}

// ParseKeyList splits a newline- or comma-separated credential list,
// trimming whitespace and dropping empty entries.
func ParseKeyList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == '\n' || r == ','
	})
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		if k := strings.TrimSpace(f); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// parseDatabaseURL overrides the Postgres settings from DATABASE_URL if set.
func (c *Config) parseDatabaseURL() error {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDatabaseURL, err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidDatabaseURL, u.Scheme)
	}
	c.PostgresHost = u.Hostname()
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &c.PostgresPort); err != nil {
			return fmt.Errorf("%w: bad port %q", ErrInvalidDatabaseURL, p)
		}
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	c.PostgresDBName = strings.TrimPrefix(u.Path, "/")
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// ConnURL returns the PostgreSQL connection URL.
func (c *Config) ConnURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.PostgresUser), url.QueryEscape(c.PostgresPassword),
		c.PostgresHost, c.PostgresPort, c.PostgresDBName, c.PostgresSSLMode)
}

// Validate performs fail-fast range checks on the configuration.
func (c *Config) Validate() error {
	if len(c.GeminiAPIKeys) == 0 {
		return fmt.Errorf("%w: set GEMINI_API_KEYS, gemini_api_keys, or gemini_api_key_file", ErrNoCredentials)
	}
	if c.ChatModel == "" {
		return fmt.Errorf("%w: chat_model is empty", ErrInvalidModelName)
	}
	if c.VisionModel == "" {
		return fmt.Errorf("%w: vision_model is empty", ErrInvalidModelName)
	}
	for _, p := range []GenerationParams{c.Chat, c.Vision} {
		if p.Temperature < 0 || p.Temperature > 2 {
			return fmt.Errorf("%w: %v not in [0, 2]", ErrInvalidTemperature, p.Temperature)
		}
	}
	if c.CacheCapacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCacheCapacity, c.CacheCapacity)
	}
	for name, d := range map[string]time.Duration{
		"cache_ttl":            c.CacheTTL,
		"cache_sweep_interval": c.CacheSweepInterval,
		"heartbeat_interval":   c.HeartbeatInterval,
		"retry_backoff":        c.RetryBackoff,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s = %v", ErrInvalidInterval, name, d)
		}
	}
	if c.HistoryWindow <= 0 || c.FingerprintWindow <= 0 {
		return fmt.Errorf("%w: history_window=%d fingerprint_window=%d",
			ErrInvalidWindow, c.HistoryWindow, c.FingerprintWindow)
	}
	return nil
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 chars or less are fully masked; longer secrets show the
// first and last 2 characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked: GeminiAPIKeys, Search.APIKey, PostgresPassword.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	masked := make([]string, len(a.GeminiAPIKeys))
	for i, k := range a.GeminiAPIKeys {
		masked[i] = maskSecret(k)
	}
	a.GeminiAPIKeys = masked
	a.Search.APIKey = maskSecret(a.Search.APIKey)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
