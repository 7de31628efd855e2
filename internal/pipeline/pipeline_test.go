package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/scribeworks/scribe/internal/chunk"
	"github.com/scribeworks/scribe/internal/embed"
	"github.com/scribeworks/scribe/internal/fetch"
	"github.com/scribeworks/scribe/internal/log"
	"github.com/scribeworks/scribe/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testDim = 3

// fakeFetcher serves canned documents and counts calls.
type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string]string // url -> text
	err   error
	calls atomic.Int64
	block chan struct{} // when set, Fetch waits for it

	hits, misses atomic.Int64
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*fetch.Document, error) {
	f.calls.Add(1)
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	text, ok := f.docs[url]
	f.mu.Unlock()
	if !ok {
		return nil, &fetch.UpstreamError{Status: 404}
	}
	f.misses.Add(1)
	return &fetch.Document{
		URL:         url,
		FetchedAt:   time.Now(),
		Text:        text,
		ContentHash: chunk.HashText(text),
	}, nil
}

func (f *fakeFetcher) CacheHits() int64   { return f.hits.Load() }
func (f *fakeFetcher) CacheMisses() int64 { return f.misses.Load() }

// fakeEmbedder produces deterministic vectors keyed off text length.
type fakeEmbedder struct {
	err        error
	failHashes map[string]bool // chunk hashes to report as failed
	blockCtx   bool            // block until ctx is done
	lastSystem string
	lastUser   string
	answer     string

	hits, misses atomic.Int64
}

func vectorFor(text string) []float32 {
	return []float32{float32(len(text)), 1, 0}
}

func (e *fakeEmbedder) EmbedChunks(ctx context.Context, chunks []chunk.Chunk) (*embed.Result, error) {
	if e.blockCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, e.err
	}
	result := &embed.Result{}
	for _, ch := range chunks {
		if e.failHashes[ch.Hash] {
			result.Failed = append(result.Failed, embed.Failure{Chunk: ch, Err: errors.New("induced failure")})
			continue
		}
		e.misses.Add(1)
		result.Embeddings = append(result.Embeddings, embed.Embedding{
			ChunkID: ch.ID,
			Vector:  vectorFor(ch.Text),
			Model:   "fake-model",
		})
	}
	return result, nil
}

func (e *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return vectorFor(text), nil
}

func (e *fakeEmbedder) Complete(ctx context.Context, system, user string) (string, error) {
	e.lastSystem = system
	e.lastUser = user
	if e.answer == "" {
		return "a grounded answer", nil
	}
	return e.answer, nil
}

func (e *fakeEmbedder) CacheHits() int64   { return e.hits.Load() }
func (e *fakeEmbedder) CacheMisses() int64 { return e.misses.Load() }

// failStore rejects every persist.
type failStore struct{}

func (failStore) Persist(context.Context, store.Source, []chunk.Chunk, []embed.Embedding) error {
	return fmt.Errorf("%w: induced", store.ErrTransactionAborted)
}

func (failStore) Search(context.Context, []float32, int) ([]store.Result, error) {
	return nil, errors.New("unreachable")
}

func newTestPipeline(t *testing.T, fetcher Fetcher, embedder Embedder, st Store, opts ...Option) *Pipeline {
	t.Helper()
	splitter, err := chunk.NewSplitter(200, 20)
	if err != nil {
		t.Fatalf("NewSplitter: %v", err)
	}
	p, err := New(fetcher, splitter, embedder, st, log.NewNop(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func memStore(t *testing.T) *store.Memory {
	t.Helper()
	s, err := store.NewMemory(testDim)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	return s
}

func TestNew_RequiresComponents(t *testing.T) {
	splitter, _ := chunk.NewSplitter(200, 20)
	fetcher := &fakeFetcher{}
	embedder := &fakeEmbedder{}
	st := memStore(t)

	tests := []struct {
		name     string
		fetcher  Fetcher
		splitter *chunk.Splitter
		embedder Embedder
		store    Store
	}{
		{"nil fetcher", nil, splitter, embedder, st},
		{"nil splitter", fetcher, nil, embedder, st},
		{"nil embedder", fetcher, splitter, nil, st},
		{"nil store", fetcher, splitter, embedder, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.fetcher, tt.splitter, tt.embedder, tt.store, log.NewNop()); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestIngestURL_EndToEnd(t *testing.T) {
	fetcher := &fakeFetcher{docs: map[string]string{
		"https://example.com/a": "A short document about the care and feeding of gophers.",
	}}
	st := memStore(t)
	p := newTestPipeline(t, fetcher, &fakeEmbedder{}, st)

	report, err := p.IngestURL(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("IngestURL: %v", err)
	}
	if report.Chunks != 1 {
		t.Errorf("report.Chunks = %d, want 1", report.Chunks)
	}
	if report.Skipped != 0 {
		t.Errorf("report.Skipped = %d, want 0", report.Skipped)
	}

	count, err := st.Count(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("persisted chunks = %d, want 1", count)
	}
}

func TestIngestURL_FetchFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: fmt.Errorf("%w: connection refused", fetch.ErrNetwork)}
	st := memStore(t)
	p := newTestPipeline(t, fetcher, &fakeEmbedder{}, st)

	_, err := p.IngestURL(context.Background(), "https://example.com/a")
	var failed *Failed
	if !errors.As(err, &failed) {
		t.Fatalf("expected *Failed, got %v", err)
	}
	if failed.Stage != StageFetching {
		t.Errorf("failed.Stage = %q, want %q", failed.Stage, StageFetching)
	}
	if !errors.Is(err, fetch.ErrNetwork) {
		t.Errorf("cause not unwrappable to fetch.ErrNetwork: %v", err)
	}

	count, _ := st.Count(context.Background(), "")
	if count != 0 {
		t.Errorf("store has %d chunks after failed fetch, want 0", count)
	}
}

func TestIngestURL_EmbedFailureLeavesStoreUntouched(t *testing.T) {
	fetcher := &fakeFetcher{docs: map[string]string{
		"https://example.com/a": "Some document text worth embedding.",
	}}
	embedder := &fakeEmbedder{err: errors.New("provider down")}
	st := memStore(t)
	p := newTestPipeline(t, fetcher, embedder, st)

	_, err := p.IngestURL(context.Background(), "https://example.com/a")
	var failed *Failed
	if !errors.As(err, &failed) {
		t.Fatalf("expected *Failed, got %v", err)
	}
	if failed.Stage != StageEmbedding {
		t.Errorf("failed.Stage = %q, want %q", failed.Stage, StageEmbedding)
	}

	count, _ := st.Count(context.Background(), "")
	if count != 0 {
		t.Errorf("store has %d chunks after failed embedding, want 0", count)
	}
}

func TestIngestURL_PersistFailure(t *testing.T) {
	fetcher := &fakeFetcher{docs: map[string]string{
		"https://example.com/a": "Some document text worth embedding.",
	}}
	p := newTestPipeline(t, fetcher, &fakeEmbedder{}, failStore{})

	_, err := p.IngestURL(context.Background(), "https://example.com/a")
	var failed *Failed
	if !errors.As(err, &failed) {
		t.Fatalf("expected *Failed, got %v", err)
	}
	if failed.Stage != StagePersisting {
		t.Errorf("failed.Stage = %q, want %q", failed.Stage, StagePersisting)
	}
	if !errors.Is(err, store.ErrTransactionAborted) {
		t.Errorf("cause not unwrappable to ErrTransactionAborted: %v", err)
	}
}

func TestIngestURL_PartialEmbeddingFailure(t *testing.T) {
	// Two sentences far enough apart to land in separate chunks.
	first := strings.Repeat("alpha ", 30) + "ends here."
	second := strings.Repeat("omega ", 30) + "stops here."
	fetcher := &fakeFetcher{docs: map[string]string{
		"https://example.com/a": first + " " + second,
	}}
	embedder := &fakeEmbedder{failHashes: map[string]bool{}}
	st := memStore(t)
	p := newTestPipeline(t, fetcher, embedder, st)

	// First pass to learn the chunk hashes, then fail one of them.
	splitter, _ := chunk.NewSplitter(200, 20)
	chunks := splitter.Split("https://example.com/a", first+" "+second)
	if len(chunks) < 2 {
		t.Fatalf("fixture produced %d chunks, want at least 2", len(chunks))
	}
	embedder.failHashes[chunks[0].Hash] = true

	report, err := p.IngestURL(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("IngestURL: %v", err)
	}
	if report.Skipped != 1 {
		t.Errorf("report.Skipped = %d, want 1", report.Skipped)
	}
	if report.Chunks != len(chunks)-1 {
		t.Errorf("report.Chunks = %d, want %d", report.Chunks, len(chunks)-1)
	}

	count, _ := st.Count(context.Background(), "https://example.com/a")
	if count != len(chunks)-1 {
		t.Errorf("persisted chunks = %d, want %d", count, len(chunks)-1)
	}
}

func TestIngestURL_CanceledContext(t *testing.T) {
	fetcher := &fakeFetcher{docs: map[string]string{"https://example.com/a": "text"}}
	st := memStore(t)
	p := newTestPipeline(t, fetcher, &fakeEmbedder{}, st)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.IngestURL(ctx, "https://example.com/a")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	count, _ := st.Count(context.Background(), "")
	if count != 0 {
		t.Errorf("store has %d chunks after canceled ingest, want 0", count)
	}
}

func TestIngestURL_TimeoutMidEmbedding(t *testing.T) {
	fetcher := &fakeFetcher{docs: map[string]string{
		"https://example.com/a": "Some document text worth embedding.",
	}}
	embedder := &fakeEmbedder{blockCtx: true}
	st := memStore(t)
	p := newTestPipeline(t, fetcher, embedder, st)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.IngestURL(ctx, "https://example.com/a")
	var failed *Failed
	if !errors.As(err, &failed) {
		t.Fatalf("expected *Failed, got %v", err)
	}
	if failed.Stage != StageEmbedding {
		t.Errorf("failed.Stage = %q, want %q", failed.Stage, StageEmbedding)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("cause not unwrappable to DeadlineExceeded: %v", err)
	}

	count, _ := st.Count(context.Background(), "")
	if count != 0 {
		t.Errorf("store has %d chunks after timed-out ingest, want 0", count)
	}
}

func TestIngestURL_ConcurrentSameURLCollapses(t *testing.T) {
	block := make(chan struct{})
	fetcher := &fakeFetcher{
		docs:  map[string]string{"https://example.com/a": "shared document text."},
		block: block,
	}
	st := memStore(t)
	p := newTestPipeline(t, fetcher, &fakeEmbedder{}, st)

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.IngestURL(context.Background(), "https://example.com/a")
		}()
	}

	// Give the callers time to pile onto the in-flight ingest.
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("fetch called %d times, want 1", got)
	}
}

func TestIngestAll_ContinuesPastFailures(t *testing.T) {
	fetcher := &fakeFetcher{docs: map[string]string{
		"https://example.com/a": "first document text.",
		"https://example.com/c": "third document text.",
	}}
	st := memStore(t)
	p := newTestPipeline(t, fetcher, &fakeEmbedder{}, st, WithConcurrency(2))

	urls := []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"}
	reports, err := p.IngestAll(context.Background(), urls)
	if err == nil {
		t.Fatal("expected joined error for the missing URL")
	}
	var failed *Failed
	if !errors.As(err, &failed) {
		t.Fatalf("expected *Failed in joined error, got %v", err)
	}
	if failed.URL != "https://example.com/b" {
		t.Errorf("failed URL = %q, want https://example.com/b", failed.URL)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	if reports[0].URL != "https://example.com/a" || reports[1].URL != "https://example.com/c" {
		t.Errorf("reports out of input order: %q, %q", reports[0].URL, reports[1].URL)
	}

	count, _ := st.Count(context.Background(), "")
	if count != 2 {
		t.Errorf("persisted chunks = %d, want 2", count)
	}
}

func TestRetrieve(t *testing.T) {
	fetcher := &fakeFetcher{docs: map[string]string{
		"https://example.com/a": "A short document about the care and feeding of gophers.",
	}}
	st := memStore(t)
	p := newTestPipeline(t, fetcher, &fakeEmbedder{}, st)

	if _, err := p.IngestURL(context.Background(), "https://example.com/a"); err != nil {
		t.Fatalf("IngestURL: %v", err)
	}

	results, err := p.Retrieve(context.Background(), "how do I feed a gopher", 3)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].SourceURL != "https://example.com/a" {
		t.Errorf("result source = %q, want the ingested URL", results[0].SourceURL)
	}
}

// keywordEmbedder scores texts by keyword occurrence so relevance ordering
// is observable through cosine similarity.
type keywordEmbedder struct {
	fakeEmbedder
}

func keywordVector(text string) []float32 {
	return []float32{
		float32(strings.Count(text, "alpha")),
		float32(strings.Count(text, "omega")),
		1,
	}
}

func (e *keywordEmbedder) EmbedChunks(ctx context.Context, chunks []chunk.Chunk) (*embed.Result, error) {
	result := &embed.Result{}
	for _, ch := range chunks {
		result.Embeddings = append(result.Embeddings, embed.Embedding{
			ChunkID: ch.ID,
			Vector:  keywordVector(ch.Text),
			Model:   "fake-model",
		})
	}
	return result, nil
}

func (e *keywordEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return keywordVector(text), nil
}

func TestIngestThenRetrieve_ReturnsRelevantChunk(t *testing.T) {
	// Two topic-distinct passages long enough to land in separate chunks.
	first := strings.Repeat("alpha ", 30) + "ends here."
	second := strings.Repeat("omega ", 30) + "stops here."
	fetcher := &fakeFetcher{docs: map[string]string{
		"https://example.com/post": first + " " + second,
	}}
	st := memStore(t)
	p := newTestPipeline(t, fetcher, &keywordEmbedder{}, st)

	report, err := p.IngestURL(context.Background(), "https://example.com/post")
	if err != nil {
		t.Fatalf("IngestURL: %v", err)
	}
	if report.Chunks != 2 {
		t.Fatalf("report.Chunks = %d, want 2", report.Chunks)
	}

	results, err := p.Retrieve(context.Background(), "omega omega omega", 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !strings.Contains(results[0].Chunk.Text, "omega") {
		t.Errorf("top result %q does not match the query topic", results[0].Chunk.Text)
	}
	if results[0].Score < results[1].Score {
		t.Errorf("results not in descending score order: %v then %v", results[0].Score, results[1].Score)
	}
}

func TestRetrieve_RejectsBadInput(t *testing.T) {
	p := newTestPipeline(t, &fakeFetcher{}, &fakeEmbedder{}, memStore(t))

	if _, err := p.Retrieve(context.Background(), "   ", 3); err == nil {
		t.Error("expected error for blank query")
	}
	if _, err := p.Retrieve(context.Background(), "fine", 0); err == nil {
		t.Error("expected error for non-positive topK")
	}
}

func TestAnswer_GroundsPromptInRetrievedChunks(t *testing.T) {
	docText := "Gophers thrive on a diet of roots and tubers."
	fetcher := &fakeFetcher{docs: map[string]string{"https://example.com/a": docText}}
	embedder := &fakeEmbedder{answer: "Roots and tubers."}
	st := memStore(t)
	p := newTestPipeline(t, fetcher, embedder, st)

	if _, err := p.IngestURL(context.Background(), "https://example.com/a"); err != nil {
		t.Fatalf("IngestURL: %v", err)
	}

	answer, results, err := p.Answer(context.Background(), "what do gophers eat", 3)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if answer != "Roots and tubers." {
		t.Errorf("answer = %q", answer)
	}
	if len(results) != 1 {
		t.Fatalf("got %d supporting results, want 1", len(results))
	}
	if !strings.Contains(embedder.lastUser, docText) {
		t.Error("prompt does not contain the retrieved chunk text")
	}
	if !strings.Contains(embedder.lastUser, "what do gophers eat") {
		t.Error("prompt does not contain the question")
	}
	if !strings.Contains(embedder.lastUser, "https://example.com/a") {
		t.Error("prompt does not contain the source URL")
	}
}

func TestAnswer_NoResults(t *testing.T) {
	p := newTestPipeline(t, &fakeFetcher{}, &fakeEmbedder{}, memStore(t))

	if _, _, err := p.Answer(context.Background(), "anything", 3); err == nil {
		t.Error("expected error when nothing is indexed")
	}
}

func TestMetrics(t *testing.T) {
	fetcher := &fakeFetcher{docs: map[string]string{
		"https://example.com/a": "first document text.",
	}}
	embedder := &fakeEmbedder{}
	st := memStore(t)
	p := newTestPipeline(t, fetcher, embedder, st)

	if _, err := p.IngestURL(context.Background(), "https://example.com/a"); err != nil {
		t.Fatalf("IngestURL: %v", err)
	}
	_, _ = p.IngestURL(context.Background(), "https://example.com/missing")

	m := p.Metrics()
	if m.DocumentsIngested != 1 {
		t.Errorf("DocumentsIngested = %d, want 1", m.DocumentsIngested)
	}
	if m.Failures != 1 {
		t.Errorf("Failures = %d, want 1", m.Failures)
	}
	if m.FetchCacheMisses != 1 {
		t.Errorf("FetchCacheMisses = %d, want 1", m.FetchCacheMisses)
	}
	if m.EmbedCacheMisses != 1 {
		t.Errorf("EmbedCacheMisses = %d, want 1", m.EmbedCacheMisses)
	}
}
