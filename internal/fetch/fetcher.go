// Package fetch retrieves raw web content under timeout and identity
// constraints and turns it into normalized source documents.
//
// Every request carries a fixed User-Agent and a bounded deadline. Results
// are cached by URL; a fresh cache entry short-circuits the network call
// entirely, which is the primary cost-saving path of the pipeline and is
// observable through the fetcher's hit counters.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/scribeworks/scribe/internal/cache"
	"github.com/scribeworks/scribe/internal/log"
	"github.com/scribeworks/scribe/internal/retry"
)

// Document is an immutable snapshot of a fetched source. Re-fetching a URL
// produces a new Document; existing ones are never mutated.
type Document struct {
	URL         string    `json:"url"`
	FetchedAt   time.Time `json:"fetched_at"`
	Text        string    `json:"text"` // normalized prose
	ContentHash string    `json:"content_hash"`
}

// Normalizer strips fetched markup down to prose. Satisfied by
// chunk.Normalizer; declared here so the fetcher depends on behavior, not on
// the chunk package.
type Normalizer interface {
	Normalize(pageURL, rawHTML string) (string, error)
}

// Config holds fetcher construction parameters.
type Config struct {
	// UserAgent is sent on every request.
	UserAgent string

	// Timeout bounds a single attempt end to end.
	Timeout time.Duration

	// MaxBodyBytes caps the response body size.
	MaxBodyBytes int64

	// TTL is how long successful fetches stay cached.
	TTL time.Duration

	// Retry is the backoff policy for transient failures.
	Retry retry.Policy
}

// Fetcher retrieves and normalizes web content.
// It is safe for concurrent use.
type Fetcher struct {
	client     *http.Client
	cfg        Config
	normalizer Normalizer
	memo       *cache.Memoizer
	logger     log.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a Fetcher. The memoizer provides the fetch-stage cache; pass
// nil to disable caching (every Fetch goes to the network).
func New(cfg Config, normalizer Normalizer, memo *cache.Memoizer, logger log.Logger) (*Fetcher, error) {
	if normalizer == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}

	return &Fetcher{
		client:     &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		normalizer: normalizer,
		memo:       memo,
		logger:     logger,
	}, nil
}

// CacheHits returns the number of fetches served from the cache.
func (f *Fetcher) CacheHits() int64 { return f.hits.Load() }

// CacheMisses returns the number of fetches that went to the network.
func (f *Fetcher) CacheMisses() int64 { return f.misses.Load() }

// Fetch retrieves url and returns its normalized document. A fresh cache
// entry is returned without any network traffic. Transient failures are
// retried per the configured policy; 4xx upstream responses are not.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Document, error) {
	if f.memo == nil {
		return f.fetchAndNormalize(ctx, url)
	}

	payload, hit, err := f.memo.Bytes(ctx, cache.FetchKey(url), f.cfg.TTL, func(ctx context.Context) ([]byte, error) {
		doc, err := f.fetchAndNormalize(ctx, url)
		if err != nil {
			return nil, err
		}
		return json.Marshal(doc)
	})
	if err != nil {
		return nil, err
	}

	if hit {
		f.hits.Add(1)
		f.logger.Debug("fetch cache hit", "url", url)
	} else {
		f.misses.Add(1)
	}

	var doc Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decoding cached document for %q: %w", url, err)
	}
	return &doc, nil
}

func (f *Fetcher) fetchAndNormalize(ctx context.Context, url string) (*Document, error) {
	var body []byte
	err := f.cfg.Retry.Do(ctx, Retryable, func(ctx context.Context) error {
		var err error
		body, err = f.get(ctx, url)
		if err != nil {
			f.logger.Warn("fetch attempt failed", "url", url, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching %q: %w", url, err)
	}

	text, err := f.normalizer.Normalize(url, string(body))
	if err != nil {
		return nil, fmt.Errorf("normalizing %q: %w", url, err)
	}

	sum := sha256.Sum256([]byte(text))
	doc := &Document{
		URL:         url,
		FetchedAt:   time.Now().UTC(),
		Text:        text,
		ContentHash: hex.EncodeToString(sum[:]),
	}
	f.logger.Debug("fetched document",
		"url", url, "bytes", len(body), "text_len", len(text), "hash", doc.ContentHash[:12])
	return doc, nil
}

// get performs one HTTP attempt and classifies its failure mode.
func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %q: %w", url, err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Status: resp.StatusCode}
	}

	// Read one byte past the cap to detect oversized bodies without
	// buffering them.
	limited := io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, f.cfg.MaxBodyBytes)
	}
	return body, nil
}

// classifyTransportError maps transport failures onto the fetch error
// taxonomy. Caller-initiated cancellation passes through untouched so the
// pipeline can tell cancellation from upstream trouble.
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}

	var netErr interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}
