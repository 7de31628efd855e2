// Package pipeline orchestrates the ingestion flow: fetch a URL, normalize
// and chunk its content, embed the chunks, and persist them for retrieval.
// Each stage only consumes the previous stage's output; the pipeline itself
// holds no document state between runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/scribeworks/scribe/internal/chunk"
	"github.com/scribeworks/scribe/internal/embed"
	"github.com/scribeworks/scribe/internal/fetch"
	"github.com/scribeworks/scribe/internal/log"
	"github.com/scribeworks/scribe/internal/store"
)

// Stage identifies where in the flow an ingestion failed.
type Stage string

const (
	StageFetching   Stage = "fetching"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StagePersisting Stage = "persisting"
)

// Failed wraps a stage error with enough context to tell which URL and
// stage broke. Unwrap exposes the cause for errors.Is/As matching.
type Failed struct {
	Stage Stage
	URL   string
	Cause error
}

func (e *Failed) Error() string {
	return fmt.Sprintf("ingesting %s: %s stage: %v", e.URL, e.Stage, e.Cause)
}

func (e *Failed) Unwrap() error { return e.Cause }

// Fetcher retrieves and normalizes a source document.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Document, error)
}

// Embedder turns chunks and queries into vectors and answers completion
// requests. Satisfied by embed.Client.
type Embedder interface {
	EmbedChunks(ctx context.Context, chunks []chunk.Chunk) (*embed.Result, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Complete(ctx context.Context, system, user string) (string, error)
}

// Store persists chunk sets and serves similarity search. Satisfied by
// store.Postgres and store.Memory.
type Store interface {
	Persist(ctx context.Context, src store.Source, chunks []chunk.Chunk, embeddings []embed.Embedding) error
	Search(ctx context.Context, vector []float32, topK int) ([]store.Result, error)
}

// cacheStats is implemented by components that track cache hit counters.
type cacheStats interface {
	CacheHits() int64
	CacheMisses() int64
}

// Report summarizes one URL's ingestion.
type Report struct {
	URL      string
	Chunks   int // chunks persisted
	Skipped  int // chunks dropped by partial embedding failure
	Duration time.Duration
}

// Metrics is a point-in-time snapshot of pipeline counters.
type Metrics struct {
	DocumentsIngested int64
	Failures          int64
	FetchCacheHits    int64
	FetchCacheMisses  int64
	EmbedCacheHits    int64
	EmbedCacheMisses  int64
}

// Pipeline wires the ingestion stages together. Safe for concurrent use;
// concurrent ingests of the same URL are collapsed into one run.
type Pipeline struct {
	fetcher  Fetcher
	splitter *chunk.Splitter
	embedder Embedder
	store    Store
	logger   log.Logger

	concurrency int
	flight      singleflight.Group

	ingested atomic.Int64
	failures atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConcurrency bounds how many URLs IngestAll processes at once.
// Defaults to 4.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// New creates a Pipeline. All components are required.
func New(fetcher Fetcher, splitter *chunk.Splitter, embedder Embedder, st Store, logger log.Logger, opts ...Option) (*Pipeline, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if splitter == nil {
		return nil, errors.New("splitter is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}

	p := &Pipeline{
		fetcher:     fetcher,
		splitter:    splitter,
		embedder:    embedder,
		store:       st,
		logger:      logger,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// IngestURL runs the full flow for one URL. A document whose embedding
// partially fails is persisted with the surviving chunks; the Report's
// Skipped count says how many were dropped. An error from any stage aborts
// the run before the store is touched for that document.
func (p *Pipeline) IngestURL(ctx context.Context, url string) (*Report, error) {
	v, err, _ := p.flight.Do(url, func() (any, error) {
		return p.ingest(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

func (p *Pipeline) ingest(ctx context.Context, url string) (*Report, error) {
	start := time.Now()

	doc, err := p.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, p.fail(StageFetching, url, err)
	}

	chunks := p.splitter.Split(doc.URL, doc.Text)
	if err := ctx.Err(); err != nil {
		return nil, p.fail(StageChunking, url, err)
	}

	result, err := p.embedder.EmbedChunks(ctx, chunks)
	if err != nil {
		return nil, p.fail(StageEmbedding, url, err)
	}
	for _, f := range result.Failed {
		p.logger.Warn("chunk not embedded",
			"url", url, "chunk_index", f.Chunk.Index, "error", f.Err)
	}
	kept := keepEmbedded(chunks, result)

	src := store.Source{URL: doc.URL, FetchedAt: doc.FetchedAt, ContentHash: doc.ContentHash}
	if err := p.store.Persist(ctx, src, kept, result.Embeddings); err != nil {
		return nil, p.fail(StagePersisting, url, err)
	}

	p.ingested.Add(1)
	report := &Report{
		URL:      url,
		Chunks:   len(kept),
		Skipped:  len(result.Failed),
		Duration: time.Since(start),
	}
	p.logger.Info("document ingested",
		"url", url, "chunks", report.Chunks, "skipped", report.Skipped,
		"duration", report.Duration)
	return report, nil
}

func (p *Pipeline) fail(stage Stage, url string, cause error) error {
	p.failures.Add(1)
	p.logger.Error("ingestion failed", "url", url, "stage", string(stage), "error", cause)
	return &Failed{Stage: stage, URL: url, Cause: cause}
}

// keepEmbedded filters chunks to those that produced an embedding,
// preserving input order.
func keepEmbedded(chunks []chunk.Chunk, result *embed.Result) []chunk.Chunk {
	if len(result.Failed) == 0 {
		return chunks
	}
	embedded := make(map[string]struct{}, len(result.Embeddings))
	for _, e := range result.Embeddings {
		embedded[e.ChunkID] = struct{}{}
	}
	kept := make([]chunk.Chunk, 0, len(result.Embeddings))
	for _, ch := range chunks {
		if _, ok := embedded[ch.ID]; ok {
			kept = append(kept, ch)
		}
	}
	return kept
}

// IngestAll ingests every URL with bounded concurrency. One URL's failure
// does not stop the others; all failures are joined into the returned
// error. Reports come back in input order with failed URLs elided.
func (p *Pipeline) IngestAll(ctx context.Context, urls []string) ([]*Report, error) {
	reports := make([]*Report, len(urls))
	errs := make([]error, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, url := range urls {
		g.Go(func() error {
			report, err := p.IngestURL(gctx, url)
			if err != nil {
				errs[i] = err
				return nil
			}
			reports[i] = report
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*Report, 0, len(urls))
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}
	return out, errors.Join(errs...)
}

// Retrieve embeds the query and returns the topK most similar chunks.
func (p *Pipeline) Retrieve(ctx context.Context, query string, topK int) ([]store.Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is empty")
	}
	if topK < 1 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	vector, err := p.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return p.store.Search(ctx, vector, topK)
}

const answerSystemPrompt = `You are a writing assistant. Answer using only the provided context passages. If the context does not contain the answer, say so plainly. Cite the source URL of any passage you draw on.`

// Answer retrieves the topK chunks most relevant to question and asks the
// chat model for a grounded answer. The retrieved chunks are returned
// alongside the answer so callers can show provenance.
func (p *Pipeline) Answer(ctx context.Context, question string, topK int) (string, []store.Result, error) {
	results, err := p.Retrieve(ctx, question, topK)
	if err != nil {
		return "", nil, err
	}
	if len(results) == 0 {
		return "", nil, errors.New("no indexed content matches the question")
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] source: %s\n%s\n\n", i+1, r.SourceURL, r.Chunk.Text)
	}
	fmt.Fprintf(&b, "Question: %s", question)

	answer, err := p.embedder.Complete(ctx, answerSystemPrompt, b.String())
	if err != nil {
		return "", nil, fmt.Errorf("generating answer: %w", err)
	}
	return answer, results, nil
}

// Metrics snapshots the pipeline counters. Cache counters are zero when the
// underlying components do not expose them.
func (p *Pipeline) Metrics() Metrics {
	m := Metrics{
		DocumentsIngested: p.ingested.Load(),
		Failures:          p.failures.Load(),
	}
	if s, ok := p.fetcher.(cacheStats); ok {
		m.FetchCacheHits = s.CacheHits()
		m.FetchCacheMisses = s.CacheMisses()
	}
	if s, ok := p.embedder.(cacheStats); ok {
		m.EmbedCacheHits = s.CacheHits()
		m.EmbedCacheMisses = s.CacheMisses()
	}
	return m
}
