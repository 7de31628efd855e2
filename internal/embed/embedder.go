// Package embed computes fixed-dimension vectors for chunks through an
// OpenAI-compatible provider, and exposes the chat-completion call the
// pipeline uses for grounded drafting.
//
// Vectors are cached per chunk content hash, so re-embedding unchanged text
// never reaches the provider. Uncached chunks are batched up to the provider
// maximum; requests are paced by a client-side token bucket and rate-limit
// responses are retried honoring the provider's suggested delay.
package embed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/scribeworks/scribe/internal/cache"
	"github.com/scribeworks/scribe/internal/chunk"
	"github.com/scribeworks/scribe/internal/log"
	"github.com/scribeworks/scribe/internal/retry"
)

// Embedding is a chunk's vector under a specific model. Vector length is
// constant per model; vectors are never reused across models without
// recomputation (the cache key includes the model).
type Embedding struct {
	ChunkID string
	Vector  []float32
	Model   string
}

// Failure records a chunk that could not be embedded without failing the
// rest of its batch.
type Failure struct {
	Chunk chunk.Chunk
	Err   error
}

// Result is the outcome of embedding a chunk set. Embeddings are aligned to
// input order with failed chunks elided.
type Result struct {
	Embeddings []Embedding
	Failed     []Failure
}

// Config holds embedder construction parameters.
type Config struct {
	Endpoint          string
	APIKey            string
	Model             string // embedding model identifier
	ChatModel         string
	Dimension         int
	MaxBatch          int // provider batch ceiling
	MaxChunkBytes     int // per-input provider limit
	TTL               time.Duration
	RequestsPerSecond float64 // client-side pacing, 0 = unpaced
	Retry             retry.Policy
}

// Client talks to the embedding/chat provider. Safe for concurrent use.
type Client struct {
	api     *openai.Client
	cfg     Config
	cache   *cache.Cache
	limiter *rate.Limiter
	logger  log.Logger

	// last Retry-After seen on a 429, captured at the transport since the
	// client library does not surface response headers.
	retryAfter atomic.Int64 // nanoseconds

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Client. The cache may be nil to disable embedding reuse.
// Returns ErrMissingCredentials when no API key is configured.
func New(cfg Config, c *cache.Cache, logger log.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is empty", ErrMissingCredentials)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if cfg.Dimension < 1 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.MaxBatch < 1 {
		cfg.MaxBatch = 96
	}
	if cfg.MaxChunkBytes < 1 {
		cfg.MaxChunkBytes = 32 * 1024
	}
	if logger == nil {
		logger = log.NewNop()
	}

	cl := &Client{cfg: cfg, cache: c, logger: logger}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		apiCfg.BaseURL = cfg.Endpoint
	}
	apiCfg.HTTPClient = &http.Client{
		Transport: &retryAfterTransport{next: http.DefaultTransport, client: cl},
	}
	cl.api = openai.NewClientWithConfig(apiCfg)

	if cfg.RequestsPerSecond > 0 {
		cl.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return cl, nil
}

// CacheHits returns the number of chunk embeddings served from the cache.
func (c *Client) CacheHits() int64 { return c.hits.Load() }

// CacheMisses returns the number of chunk embeddings computed via the API.
func (c *Client) CacheMisses() int64 { return c.misses.Load() }

// EmbedChunks embeds chunks, reusing cached vectors and batching the rest.
// The returned embeddings follow input order; oversized chunks land in
// Result.Failed without aborting their batch. Rate limits are retried up to
// the configured ceiling, honoring the provider's suggested delay.
func (c *Client) EmbedChunks(ctx context.Context, chunks []chunk.Chunk) (*Result, error) {
	res := &Result{}
	if len(chunks) == 0 {
		return res, nil
	}

	vectors := make([][]float32, len(chunks))
	var missIdx []int

	for i, ch := range chunks {
		if len(ch.Text) > c.cfg.MaxChunkBytes {
			res.Failed = append(res.Failed, Failure{
				Chunk: ch,
				Err:   &ChunkTooLargeError{Index: ch.Index, Size: len(ch.Text), Limit: c.cfg.MaxChunkBytes},
			})
			continue
		}
		if c.cache != nil {
			if vec, ok := c.cache.GetVector(cache.EmbedKey(c.cfg.Model, ch.Hash)); ok {
				vectors[i] = vec
				c.hits.Add(1)
				continue
			}
		}
		missIdx = append(missIdx, i)
	}

	if n := len(chunks) - len(missIdx) - len(res.Failed); n > 0 {
		c.logger.Debug("embedding cache hits", "cached", n, "total", len(chunks))
	}

	// Batch the misses, preserving input order within and across batches.
	for start := 0; start < len(missIdx); start += c.cfg.MaxBatch {
		end := min(start+c.cfg.MaxBatch, len(missIdx))
		batch := missIdx[start:end]

		inputs := make([]string, len(batch))
		for j, idx := range batch {
			inputs[j] = chunks[idx].Text
		}

		embedded, err := c.embedBatch(ctx, inputs)
		if err != nil {
			return nil, err
		}

		for j, idx := range batch {
			vectors[idx] = embedded[j]
			c.misses.Add(1)
			if c.cache != nil {
				c.cache.PutVector(cache.EmbedKey(c.cfg.Model, chunks[idx].Hash), embedded[j], c.cfg.TTL)
			}
		}
	}

	for i, ch := range chunks {
		if vectors[i] == nil {
			continue // failed chunk
		}
		res.Embeddings = append(res.Embeddings, Embedding{
			ChunkID: ch.ID,
			Vector:  vectors[i],
			Model:   c.cfg.Model,
		})
	}
	return res, nil
}

// EmbedQuery embeds a single query text. Query vectors share the chunk
// cache keyspace: identical text yields the identical cached vector.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := cache.EmbedKey(c.cfg.Model, chunk.HashText(text))
	if c.cache != nil {
		if vec, ok := c.cache.GetVector(key); ok {
			c.hits.Add(1)
			return vec, nil
		}
	}

	embedded, err := c.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	c.misses.Add(1)
	if c.cache != nil {
		c.cache.PutVector(key, embedded[0], c.cfg.TTL)
	}
	return embedded[0], nil
}

// Complete runs a chat completion against the configured chat model.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if err := c.wait(ctx); err != nil {
		return "", err
	}

	var resp openai.ChatCompletionResponse
	err := c.cfg.Retry.Do(ctx, retryable, func(ctx context.Context) error {
		var err error
		resp, err = c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model: c.cfg.ChatModel,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: system},
				{Role: openai.ChatMessageRoleUser, Content: user},
			},
		})
		return c.classify(err)
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// embedBatch performs one embedding request with pacing and retry.
func (c *Client) embedBatch(ctx context.Context, inputs []string) ([][]float32, error) {
	var resp openai.EmbeddingResponse
	err := c.cfg.Retry.Do(ctx, retryable, func(ctx context.Context) error {
		if err := c.wait(ctx); err != nil {
			return err
		}
		var err error
		resp, err = c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(c.cfg.Model),
			Input: inputs,
		})
		if err != nil {
			c.logger.Warn("embedding request failed", "inputs", len(inputs), "error", err)
		}
		return c.classify(err)
	})
	if err != nil {
		return nil, fmt.Errorf("embedding %d inputs: %w", len(inputs), err)
	}

	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("provider returned %d embeddings for %d inputs", len(resp.Data), len(inputs))
	}

	// The provider reports each vector's position; rely on it rather than
	// on response ordering.
	out := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("provider returned out-of-range index %d", d.Index)
		}
		if len(d.Embedding) != c.cfg.Dimension {
			return nil, fmt.Errorf("provider returned %d-dimensional vector, configured model %q expects %d",
				len(d.Embedding), c.cfg.Model, c.cfg.Dimension)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("provider returned no embedding for input %d", i)
		}
	}
	return out, nil
}

// classify maps provider errors onto the embed error taxonomy.
func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return &RateLimitedError{RetryAfter: time.Duration(c.retryAfter.Load())}
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrMissingCredentials, err)
		}
	}
	return err
}

// wait applies client-side pacing.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return ctx.Err()
	}
	return c.limiter.Wait(ctx)
}

// retryAfterTransport captures the Retry-After header of 429 responses so
// classify can honor the provider's suggested delay. The client library
// surfaces only status codes, not headers.
type retryAfterTransport struct {
	next   http.RoundTripper
	client *Client
	mu     sync.Mutex
}

func (t *retryAfterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		t.mu.Lock()
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs >= 0 {
			t.client.retryAfter.Store(int64(time.Duration(secs) * time.Second))
		} else {
			t.client.retryAfter.Store(0)
		}
		t.mu.Unlock()
	}
	return resp, err
}
