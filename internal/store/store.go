// Package store persists chunks with their embeddings and exposes
// similarity search over them. The store is the only durable layer of the
// pipeline; the cache may vanish at any restart and the store must not
// depend on it.
//
// Two implementations are provided: Postgres (pgvector) for production and
// Memory for tests and small embedded setups. Both share the same
// semantics: Persist is transactional per source document, re-ingesting a
// URL fully replaces its chunk set, and Search rejects query vectors whose
// dimensionality does not match the schema.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/scribeworks/scribe/internal/chunk"
)

// ErrTransactionAborted indicates a persist transaction failed and was
// rolled back. It always propagates; a failed persist is never silently
// dropped.
var ErrTransactionAborted = errors.New("store transaction aborted")

// DimensionMismatchError reports a query vector whose width does not match
// the stored embeddings. Mismatched queries are rejected rather than
// silently truncated or padded.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("query vector has %d dimensions, store expects %d", e.Got, e.Want)
}

// Result is a single similarity-search hit. Produced fresh per query and
// never persisted.
type Result struct {
	Chunk     chunk.Chunk
	Score     float32 // cosine similarity, 1 - distance
	SourceURL string
	FetchedAt time.Time
}

// Source describes the document a chunk set belongs to.
type Source struct {
	URL         string
	FetchedAt   time.Time
	ContentHash string
}
