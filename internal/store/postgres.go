package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/scribeworks/scribe/internal/chunk"
	embd "github.com/scribeworks/scribe/internal/embed"
	"github.com/scribeworks/scribe/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending schema migrations against databaseURL
// (postgres://... form, see config.PostgresURL).
func Migrate(databaseURL string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Postgres persists chunks and embeddings in PostgreSQL with pgvector.
// Safe for concurrent use; the pool serializes nothing beyond what the
// database itself requires.
type Postgres struct {
	pool   *pgxpool.Pool
	dim    int
	logger log.Logger
}

// NewPostgres connects a Postgres store. dim must match the vector column
// width in the schema.
func NewPostgres(ctx context.Context, connString string, dim int, logger log.Logger) (*Postgres, error) {
	if dim < 1 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	if logger == nil {
		logger = log.NewNop()
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Postgres{pool: pool, dim: dim, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// Persist writes a source document's chunk set and embeddings atomically.
// Any prior chunks for the same URL are removed in the same transaction, so
// re-ingestion replaces the set with no duplicates and no orphans. Either
// everything for the document is written or nothing is.
func (s *Postgres) Persist(ctx context.Context, src Source, chunks []chunk.Chunk, embeddings []embd.Embedding) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("%w: %d chunks but %d embeddings", ErrTransactionAborted, len(chunks), len(embeddings))
	}
	byChunk := make(map[string]embd.Embedding, len(embeddings))
	for _, e := range embeddings {
		if len(e.Vector) != s.dim {
			return fmt.Errorf("%w: %v", ErrTransactionAborted, &DimensionMismatchError{Want: s.dim, Got: len(e.Vector)})
		}
		byChunk[e.ChunkID] = e
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrTransactionAborted, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Replacing the document row cascades nothing; prior chunks go
	// explicitly so the insert below starts from a clean set.
	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE source_url = $1`, src.URL); err != nil {
		return fmt.Errorf("%w: deleting prior chunks: %v", ErrTransactionAborted, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO source_documents (url, fetched_at, content_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (url) DO UPDATE SET fetched_at = $2, content_hash = $3`,
		src.URL, src.FetchedAt, src.ContentHash)
	if err != nil {
		return fmt.Errorf("%w: upserting source document: %v", ErrTransactionAborted, err)
	}

	batch := &pgx.Batch{}
	for _, ch := range chunks {
		e, ok := byChunk[ch.ID]
		if !ok {
			return fmt.Errorf("%w: chunk %q has no embedding", ErrTransactionAborted, ch.ID)
		}
		v := pgvector.NewVector(e.Vector)
		batch.Queue(`
			INSERT INTO chunks (id, source_url, chunk_index, content, content_hash, model, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ch.ID, ch.SourceURL, ch.Index, ch.Text, ch.Hash, e.Model, &v)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: inserting chunks: %v", ErrTransactionAborted, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrTransactionAborted, err)
	}

	s.logger.Debug("persisted document", "url", src.URL, "chunks", len(chunks))
	return nil
}

// Search returns the topK most similar chunks in descending score order,
// ties broken by most recent fetch. Query vectors of the wrong width are
// rejected with DimensionMismatchError.
func (s *Postgres) Search(ctx context.Context, vector []float32, topK int) ([]Result, error) {
	if len(vector) != s.dim {
		return nil, &DimensionMismatchError{Want: s.dim, Got: len(vector)}
	}
	if topK < 1 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	v := pgvector.NewVector(vector)
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.source_url, c.chunk_index, c.content, c.content_hash,
		       (1 - (c.embedding <=> $1))::float4 AS score,
		       d.fetched_at
		FROM chunks c
		JOIN source_documents d ON d.url = c.source_url
		ORDER BY c.embedding <=> $1 ASC, d.fetched_at DESC
		LIMIT $2`, &v, topK)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Chunk.ID, &r.Chunk.SourceURL, &r.Chunk.Index,
			&r.Chunk.Text, &r.Chunk.Hash, &r.Score, &r.FetchedAt); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		r.SourceURL = r.Chunk.SourceURL
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading search rows: %w", err)
	}
	return results, nil
}

// DeleteBySource removes a document and all its chunks.
func (s *Postgres) DeleteBySource(ctx context.Context, url string) error {
	// chunks go via ON DELETE CASCADE.
	if _, err := s.pool.Exec(ctx, `DELETE FROM source_documents WHERE url = $1`, url); err != nil {
		return fmt.Errorf("deleting source %q: %w", url, err)
	}
	return nil
}

// Count returns the number of persisted chunks, optionally filtered by
// source URL (empty string counts everything).
func (s *Postgres) Count(ctx context.Context, sourceURL string) (int, error) {
	var count int
	var err error
	if sourceURL == "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chunks WHERE source_url = $1`, sourceURL).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("counting chunks: %w", err)
	}
	return count, nil
}
