package chunking

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"korpusrag/database"
	"korpusrag/knowledge"
)

type Service struct {
	pool      *pgxpool.Pool
	driver    neo4j.DriverWithContext
	logger    *zap.Logger
	maxTokens int
}

func NewService(pool *pgxpool.Pool, driver neo4j.DriverWithContext, logger *zap.Logger, maxTokens int) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxTokens <= 0 {
		maxTokens = 512
	}

	return &Service{
		pool:      pool,
		driver:    driver,
		logger:    logger,
		maxTokens: maxTokens,
	}
}

// ChunkDocuments splits indexed documents into chunk rows. By default only
// documents without chunks are processed; force rechunks everything,
// replacing existing chunks (and their embeddings).
func (s *Service) ChunkDocuments(ctx context.Context, force bool) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("postgres pool not configured")
	}

	query := `
		SELECT d.id, d.source_path, d.content
		FROM documents d
		WHERE NOT EXISTS (SELECT 1 FROM chunks c WHERE c.document_id = d.id)
		ORDER BY d.source_path
	`
	if force {
		query = "SELECT id, source_path, content FROM documents ORDER BY source_path"
	}

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("query documents: %w", err)
	}

	type doc struct {
		id      uuid.UUID
		path    string
		content string
	}

	var docs []doc
	for rows.Next() {
		var d doc
		if err := rows.Scan(&d.id, &d.path, &d.content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	rows.Close()
	if rows.Err() != nil {
		return 0, rows.Err()
	}

	if len(docs) == 0 {
		s.logger.Info("no documents to chunk")
		return 0, nil
	}

	total := 0
	for _, d := range docs {
		count, err := s.chunkDocument(ctx, d.id, d.content)
		if err != nil {
			s.logger.Error("chunking failed", zap.String("path", d.path), zap.Error(err))
			continue
		}
		total += count
		s.logger.Debug("chunked document", zap.String("path", d.path), zap.Int("chunks", count))
	}

	s.logger.Info("chunking finished", zap.Int("documents", len(docs)), zap.Int("chunks", total))
	return total, nil
}

func (s *Service) chunkDocument(ctx context.Context, docID uuid.UUID, content string) (n int, err error) {
	fragments := Split(content, s.maxTokens)
	if len(fragments) == 0 {
		return 0, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			database.Rollback(ctx, tx, s.logger)
		}
	}()

	if _, err = tx.Exec(ctx, "DELETE FROM chunks WHERE document_id = $1", docID); err != nil {
		return 0, fmt.Errorf("clear existing chunks: %w", err)
	}

	graphChunks := make([]knowledge.Chunk, 0, len(fragments))
	for idx, fragment := range fragments {
		chunkID := uuid.New()
		if _, err = tx.Exec(ctx, `
			INSERT INTO chunks (id, document_id, chunk_index, content, token_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		`, chunkID, docID, idx, fragment.Text, fragment.TokenCount); err != nil {
			return 0, fmt.Errorf("insert chunk %d: %w", idx, err)
		}
		graphChunks = append(graphChunks, knowledge.Chunk{
			ID:         chunkID.String(),
			Index:      idx,
			TokenCount: fragment.TokenCount,
		})
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	if s.driver != nil {
		if err := knowledge.SyncChunks(ctx, s.driver, docID.String(), graphChunks); err != nil {
			return 0, fmt.Errorf("sync chunk nodes: %w", err)
		}
	}

	return len(fragments), nil
}
