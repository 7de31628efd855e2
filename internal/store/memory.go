package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/scribeworks/scribe/internal/chunk"
	embd "github.com/scribeworks/scribe/internal/embed"
)

type memoryEntry struct {
	chunk  chunk.Chunk
	vector []float32
	source Source
}

// Memory is an in-memory store with the same semantics as Postgres. It is
// intended for tests and single-shot runs where no database is available.
type Memory struct {
	mu      sync.Mutex
	dim     int
	entries map[string][]memoryEntry // keyed by source URL
}

// NewMemory creates an empty in-memory store accepting vectors of width dim.
func NewMemory(dim int) (*Memory, error) {
	if dim < 1 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	return &Memory{dim: dim, entries: make(map[string][]memoryEntry)}, nil
}

// Persist replaces the chunk set for src.URL. Validation failures leave the
// store untouched.
func (s *Memory) Persist(ctx context.Context, src Source, chunks []chunk.Chunk, embeddings []embd.Embedding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("%w: %d chunks but %d embeddings", ErrTransactionAborted, len(chunks), len(embeddings))
	}
	byChunk := make(map[string][]float32, len(embeddings))
	for _, e := range embeddings {
		if len(e.Vector) != s.dim {
			return fmt.Errorf("%w: %v", ErrTransactionAborted, &DimensionMismatchError{Want: s.dim, Got: len(e.Vector)})
		}
		byChunk[e.ChunkID] = e.Vector
	}

	next := make([]memoryEntry, 0, len(chunks))
	for _, ch := range chunks {
		vec, ok := byChunk[ch.ID]
		if !ok {
			return fmt.Errorf("%w: chunk %q has no embedding", ErrTransactionAborted, ch.ID)
		}
		next = append(next, memoryEntry{chunk: ch, vector: vec, source: src})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[src.URL] = next
	return nil
}

// Search returns the topK most similar chunks by cosine similarity,
// descending, ties broken by most recent fetch.
func (s *Memory) Search(ctx context.Context, vector []float32, topK int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(vector) != s.dim {
		return nil, &DimensionMismatchError{Want: s.dim, Got: len(vector)}
	}
	if topK < 1 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	s.mu.Lock()
	var results []Result
	for _, entries := range s.entries {
		for _, e := range entries {
			results = append(results, Result{
				Chunk:     e.chunk,
				Score:     float32(cosineSimilarity(vector, e.vector)),
				SourceURL: e.source.URL,
				FetchedAt: e.source.FetchedAt,
			})
		}
	}
	s.mu.Unlock()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].FetchedAt.After(results[j].FetchedAt)
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// DeleteBySource removes a document and all its chunks.
func (s *Memory) DeleteBySource(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, url)
	return nil
}

// Count returns the number of stored chunks, optionally filtered by source
// URL (empty string counts everything).
func (s *Memory) Count(ctx context.Context, sourceURL string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sourceURL != "" {
		return len(s.entries[sourceURL]), nil
	}
	total := 0
	for _, entries := range s.entries {
		total += len(entries)
	}
	return total, nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
