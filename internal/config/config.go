// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.scribe/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Provider: OpenAI-compatible endpoint, API key, chat/embedding models
//   - Fetcher: user agent, timeout, response size cap, retry budget
//   - Cache: byte budget, entry limit, TTLs for fetches and embeddings
//   - Chunker: chunk size and overlap
//   - Storage: PostgreSQL connection (see storage.go)
//
// Security: sensitive values (API key, password) are masked in MarshalJSON.
// Validation: range checks live in validation.go with sentinel errors so
// callers can match with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates the provider API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidEndpoint indicates the provider endpoint is not a valid URL.
	ErrInvalidEndpoint = errors.New("invalid provider endpoint")

	// ErrInvalidModelName indicates a model identifier is empty or malformed.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidDimension indicates the embedding dimension is out of range.
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrInvalidChunking indicates chunk size/overlap values are inconsistent.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidCacheBudget indicates the cache byte or entry budget is invalid.
	ErrInvalidCacheBudget = errors.New("invalid cache budget")

	// ErrInvalidFetchTimeout indicates the fetch timeout is out of range.
	ErrInvalidFetchTimeout = errors.New("invalid fetch timeout")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

const (
	// DefaultEmbeddingModel is the default embedding model identifier.
	DefaultEmbeddingModel = "text-embedding-3-small"

	// DefaultEmbeddingDimension matches text-embedding-3-small output and the
	// vector column width in the store schema.
	DefaultEmbeddingDimension = 1536

	// DefaultChatModel is the default chat-completion model identifier.
	DefaultChatModel = "gpt-4o-mini"

	// DefaultUserAgent identifies scribe to origin servers on every fetch.
	DefaultUserAgent = "Scribe/1.0 (Content Fetcher)"

	// DefaultFetchTimeout bounds a single content fetch end to end.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxBodyBytes caps fetched response bodies.
	DefaultMaxBodyBytes = 10 * 1024 * 1024 // 10MB

	// DefaultChunkSize is the maximum chunk length in runes.
	DefaultChunkSize = 800

	// DefaultChunkOverlap is the tail overlap carried between chunks.
	DefaultChunkOverlap = 100
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// Provider configuration for the OpenAI-compatible endpoint.
	Endpoint       string `mapstructure:"endpoint" json:"endpoint"`
	APIKey         string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	ChatModel      string `mapstructure:"chat_model" json:"chat_model"`
	EmbeddingModel string `mapstructure:"embedding_model" json:"embedding_model"`

	// EmbeddingDimension is the vector width the configured embedding model
	// produces; it must match the store schema.
	EmbeddingDimension int `mapstructure:"embedding_dimension" json:"embedding_dimension"`

	// Fetcher configuration.
	UserAgent       string        `mapstructure:"user_agent" json:"user_agent"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout" json:"fetch_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" json:"max_body_bytes"`
	FetchMaxRetries int           `mapstructure:"fetch_max_retries" json:"fetch_max_retries"`

	// Cache configuration.
	CacheMaxBytes   int64         `mapstructure:"cache_max_bytes" json:"cache_max_bytes"`
	CacheMaxEntries int           `mapstructure:"cache_max_entries" json:"cache_max_entries"`
	FetchTTL        time.Duration `mapstructure:"fetch_ttl" json:"fetch_ttl"`
	EmbedTTL        time.Duration `mapstructure:"embed_ttl" json:"embed_ttl"`

	// Chunker configuration.
	ChunkSize    int `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap" json:"chunk_overlap"`

	// Embedder configuration.
	EmbedMaxBatch   int     `mapstructure:"embed_max_batch" json:"embed_max_batch"`
	EmbedMaxRetries int     `mapstructure:"embed_max_retries" json:"embed_max_retries"`
	EmbedRateLimit  float64 `mapstructure:"embed_rate_limit" json:"embed_rate_limit"` // requests per second, 0 = unlimited

	// Storage configuration (see storage.go for documentation).
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".scribe")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".") // also support current directory

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
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

	// DATABASE_URL overrides individual postgres_* settings when present.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config populated with default values and no secrets.
// Intended for tests and embedding scribe as a library.
func Default() *Config {
	return &Config{
		Endpoint:           "https://api.openai.com/v1",
		ChatModel:          DefaultChatModel,
		EmbeddingModel:     DefaultEmbeddingModel,
		EmbeddingDimension: DefaultEmbeddingDimension,
		UserAgent:          DefaultUserAgent,
		FetchTimeout:       DefaultFetchTimeout,
		MaxBodyBytes:       DefaultMaxBodyBytes,
		FetchMaxRetries:    2,
		CacheMaxBytes:      64 * 1024 * 1024,
		CacheMaxEntries:    4096,
		FetchTTL:           time.Hour,
		EmbedTTL:           24 * time.Hour,
		ChunkSize:          DefaultChunkSize,
		ChunkOverlap:       DefaultChunkOverlap,
		EmbedMaxBatch:      96,
		EmbedMaxRetries:    3,
		EmbedRateLimit:     5,
		PostgresHost:       "localhost",
		PostgresPort:       5432,
		PostgresUser:       "scribe",
		PostgresDBName:     "scribe",
		PostgresSSLMode:    "disable",
	}
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// Provider defaults
	v.SetDefault("endpoint", "https://api.openai.com/v1")
	v.SetDefault("chat_model", DefaultChatModel)
	v.SetDefault("embedding_model", DefaultEmbeddingModel)
	v.SetDefault("embedding_dimension", DefaultEmbeddingDimension)

	// Fetcher defaults
	v.SetDefault("user_agent", DefaultUserAgent)
	v.SetDefault("fetch_timeout", DefaultFetchTimeout)
	v.SetDefault("max_body_bytes", DefaultMaxBodyBytes)
	v.SetDefault("fetch_max_retries", 2)

	// Cache defaults
	v.SetDefault("cache_max_bytes", 64*1024*1024)
	v.SetDefault("cache_max_entries", 4096)
	v.SetDefault("fetch_ttl", time.Hour)
	v.SetDefault("embed_ttl", 24*time.Hour)

	// Chunker defaults
	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("chunk_overlap", DefaultChunkOverlap)

	// Embedder defaults
	v.SetDefault("embed_max_batch", 96)
	v.SetDefault("embed_max_retries", 3)
	v.SetDefault("embed_rate_limit", 5.0)

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "scribe")
	v.SetDefault("postgres_password", "scribe_dev_password")
	v.SetDefault("postgres_db_name", "scribe")
	v.SetDefault("postgres_ssl_mode", "disable")
}

// bindEnvVariables binds environment variables explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a
	// runtime condition.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("api_key", "OPENAI_API_KEY")
	mustBind("endpoint", "SCRIBE_ENDPOINT")
	mustBind("chat_model", "SCRIBE_CHAT_MODEL")
	mustBind("embedding_model", "SCRIBE_EMBEDDING_MODEL")
	mustBind("user_agent", "SCRIBE_USER_AGENT")
	mustBind("postgres_password", "SCRIBE_POSTGRES_PASSWORD")
}

// maskedValue is the placeholder for masked sensitive data.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 chars or
// fewer are fully masked to prevent substring matching; longer secrets keep
// the first and last two characters for debug utility.
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
// When adding new sensitive fields (passwords, API keys, tokens), mask them here.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config // avoid recursion
	masked := alias(*c)
	masked.APIKey = maskSecret(c.APIKey)
	masked.PostgresPassword = maskSecret(c.PostgresPassword)
	return json.Marshal(masked)
}
