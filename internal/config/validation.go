package config

import (
	"fmt"
	"net/url"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// Provider validation. The API key requirement is enforced here rather
	// than at first use so a misconfigured deployment fails at startup.
	if c.APIKey == "" {
		return fmt.Errorf("%w: set OPENAI_API_KEY or api_key in config.yaml", ErrMissingAPIKey)
	}

	parsed, err := url.Parse(c.Endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidEndpoint, c.Endpoint)
	}

	if c.ChatModel == "" {
		return fmt.Errorf("%w: chat_model cannot be empty", ErrInvalidModelName)
	}
	if c.EmbeddingModel == "" {
		return fmt.Errorf("%w: embedding_model cannot be empty", ErrInvalidModelName)
	}

	// pgvector supports up to 16000 dimensions per vector column.
	if c.EmbeddingDimension < 1 || c.EmbeddingDimension > 16000 {
		return fmt.Errorf("%w: must be between 1 and 16000, got %d", ErrInvalidDimension, c.EmbeddingDimension)
	}

	// Fetcher validation.
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("%w: fetch_timeout must be positive, got %s", ErrInvalidFetchTimeout, c.FetchTimeout)
	}

	// Chunker validation. Overlap must leave forward progress, otherwise
	// chunking would never terminate.
	if c.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size), got %d (chunk_size %d)",
			ErrInvalidChunking, c.ChunkOverlap, c.ChunkSize)
	}

	// Cache validation.
	if c.CacheMaxBytes < 1 {
		return fmt.Errorf("%w: cache_max_bytes must be positive, got %d", ErrInvalidCacheBudget, c.CacheMaxBytes)
	}
	if c.CacheMaxEntries < 1 {
		return fmt.Errorf("%w: cache_max_entries must be positive, got %d", ErrInvalidCacheBudget, c.CacheMaxEntries)
	}

	// PostgreSQL validation.
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	// Modern SSL modes only; allow/prefer are deprecated (MITM vulnerable).
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}
