package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	stdpath "path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"korpusrag/database"
	"korpusrag/knowledge"
)

type Service struct {
	pool       *pgxpool.Pool
	driver     neo4j.DriverWithContext
	logger     *zap.Logger
	dimension  int
	language   string
	sourceURLs map[string]string
}

func NewService(pool *pgxpool.Pool, driver neo4j.DriverWithContext, logger *zap.Logger, dimension int, language string) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		pool:      pool,
		driver:    driver,
		logger:    logger,
		dimension: dimension,
		language:  language,
	}
}

// SetSourceURLs provides a mapping from relative file paths to the URLs they
// were crawled from, as recorded by the crawl manifest.
func (s *Service) SetSourceURLs(urls map[string]string) {
	s.sourceURLs = urls
}

// IndexDirectory walks root and indexes every supported file. A file that
// fails to parse is logged and skipped; the walk continues.
func (s *Service) IndexDirectory(ctx context.Context, root string) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("postgres pool not configured")
	}
	if err := database.EnsureSchema(ctx, s.pool, s.dimension); err != nil {
		return 0, fmt.Errorf("ensure schema: %w", err)
	}

	if _, err := os.Stat(root); err != nil {
		return 0, fmt.Errorf("data directory: %w", err)
	}

	var paths []string
	if err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if DetectFormat(path) != FormatUnknown {
			paths = append(paths, path)
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("walk data directory: %w", err)
	}

	if len(paths) == 0 {
		s.logger.Warn("no supported documents found", zap.String("dir", root))
		return 0, nil
	}

	indexed := 0
	for _, path := range paths {
		if err := s.indexFile(ctx, root, path); err != nil {
			s.logger.Error("index failed", zap.String("path", path), zap.Error(err))
			continue
		}
		indexed++
	}

	s.logger.Info("indexing finished", zap.Int("documents", indexed), zap.Int("files", len(paths)))
	return indexed, nil
}

func (s *Service) indexFile(ctx context.Context, root, path string) (err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	relPath, relErr := filepath.Rel(root, path)
	if relErr != nil {
		relPath = path
	}
	relPath = filepath.ToSlash(relPath)
	folder := stdpath.Dir(relPath)
	if folder == "." || folder == "/" {
		folder = ""
	}

	format := DetectFormat(path)
	parser, err := ParserFor(format)
	if err != nil {
		return err
	}

	parsed, err := parser.Parse(ctx, DocumentPayload{Path: path, Data: data})
	if err != nil {
		return fmt.Errorf("parse %s: %w", format, err)
	}
	if parsed.Content == "" {
		s.logger.Debug("skipping empty document", zap.String("path", relPath))
		return nil
	}

	hash := sha256.Sum256(data)
	hashHex := hex.EncodeToString(hash[:])
	sourceURL := s.sourceURLs[relPath]

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			database.Rollback(ctx, tx, s.logger)
		}
	}()

	docID, changed, err := upsertDocument(ctx, tx, documentRow{
		Path:        relPath,
		URL:         sourceURL,
		Title:       parsed.Title,
		ContentType: format.ContentType(),
		Language:    s.language,
		Content:     parsed.Content,
		SHA:         hashHex,
	})
	if err != nil {
		return err
	}

	if changed {
		// Existing chunks describe the old content; the chunk stage
		// rebuilds them.
		if _, err = tx.Exec(ctx, "DELETE FROM chunks WHERE document_id = $1", docID); err != nil {
			return fmt.Errorf("clear stale chunks: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	if !changed {
		s.logger.Debug("document unchanged", zap.String("path", relPath))
		return nil
	}

	if s.driver != nil {
		if err := knowledge.SyncDocument(ctx, s.driver, knowledge.Document{
			ID:          docID.String(),
			Path:        relPath,
			URL:         sourceURL,
			Title:       parsed.Title,
			ContentType: format.ContentType(),
			Language:    s.language,
			SHA:         hashHex,
			Folder:      folder,
		}); err != nil {
			return fmt.Errorf("sync knowledge graph: %w", err)
		}
	}

	s.logger.Info("indexed document",
		zap.String("path", relPath),
		zap.String("title", parsed.Title),
		zap.Int("contentLength", len(parsed.Content)))
	return nil
}

type documentRow struct {
	Path        string
	URL         string
	Title       string
	ContentType string
	Language    string
	Content     string
	SHA         string
}

func upsertDocument(ctx context.Context, tx pgx.Tx, row documentRow) (uuid.UUID, bool, error) {
	var (
		docID        uuid.UUID
		existingHash string
	)

	err := tx.QueryRow(ctx, "SELECT id, sha256 FROM documents WHERE source_path = $1", row.Path).Scan(&docID, &existingHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			newID := uuid.New()
			_, execErr := tx.Exec(ctx, `
				INSERT INTO documents (id, source_path, source_url, title, content_type, language, content, content_length, sha256, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
			`, newID, row.Path, nullable(row.URL), row.Title, row.ContentType, nullable(row.Language), row.Content, len(row.Content), row.SHA)
			if execErr != nil {
				return uuid.Nil, false, fmt.Errorf("insert document: %w", execErr)
			}
			return newID, true, nil
		}
		return uuid.Nil, false, fmt.Errorf("query document: %w", err)
	}

	if existingHash == row.SHA {
		return docID, false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE documents
		SET source_url = $2,
		    title = $3,
		    content_type = $4,
		    language = $5,
		    content = $6,
		    content_length = $7,
		    sha256 = $8,
		    updated_at = NOW()
		WHERE id = $1
	`, docID, nullable(row.URL), row.Title, row.ContentType, nullable(row.Language), row.Content, len(row.Content), row.SHA); err != nil {
		return uuid.Nil, false, fmt.Errorf("update document: %w", err)
	}

	return docID, true, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
