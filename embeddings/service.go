package embeddings

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

const embedBatchSize = 16

// Service backfills embedding vectors for chunks that do not have one yet.
type Service struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *zap.Logger
}

func NewService(pool *pgxpool.Pool, embedder Embedder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		pool:     pool,
		embedder: embedder,
		logger:   logger,
	}
}

// EmbedPending embeds every chunk whose embedding column is NULL and returns
// the number of chunks updated. Chunks that already carry a vector are left
// untouched, so the stage is safe to re-run after a partial failure.
func (s *Service) EmbedPending(ctx context.Context) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("postgres pool not configured")
	}
	if s.embedder == nil {
		return 0, fmt.Errorf("embedder not configured")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, content
		FROM chunks
		WHERE embedding IS NULL
		ORDER BY document_id, chunk_index
	`)
	if err != nil {
		return 0, fmt.Errorf("query pending chunks: %w", err)
	}

	type pending struct {
		id      uuid.UUID
		content string
	}

	var queue []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan chunk: %w", err)
		}
		queue = append(queue, p)
	}
	rows.Close()
	if rows.Err() != nil {
		return 0, rows.Err()
	}

	if len(queue) == 0 {
		s.logger.Info("no chunks awaiting embeddings")
		return 0, nil
	}

	s.logger.Info("embedding chunks", zap.Int("pending", len(queue)))

	updated := 0
	for start := 0; start < len(queue); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(queue) {
			end = len(queue)
		}
		batch := queue[start:end]

		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.content
		}

		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return updated, fmt.Errorf("generate embeddings: %w", err)
		}
		if len(vectors) != len(batch) {
			return updated, fmt.Errorf("embedding count mismatch: have %d chunks, %d vectors", len(batch), len(vectors))
		}

		for i, p := range batch {
			if _, err := s.pool.Exec(ctx, `
				UPDATE chunks
				SET embedding = $2,
				    updated_at = NOW()
				WHERE id = $1
			`, p.id, pgvector.NewVector(vectors[i])); err != nil {
				return updated, fmt.Errorf("store embedding for chunk %s: %w", p.id, err)
			}
			updated++
		}

		s.logger.Debug("embedded batch", zap.Int("done", updated), zap.Int("total", len(queue)))
	}

	s.logger.Info("embedding finished", zap.Int("chunks", updated))
	return updated, nil
}
