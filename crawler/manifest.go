package crawler

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Manifest records every fetched URL in a SQLite database so repeated crawl
// runs skip work that is already on disk.
type Manifest struct {
	db *sql.DB
}

type ManifestEntry struct {
	URL         string
	LocalPath   string
	ContentType string
	Status      int
	FetchedAt   time.Time
}

func OpenManifest(path string) (*Manifest, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create manifest directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open manifest database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	m := &Manifest{db: db}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest migration: %w", err)
	}

	return m, nil
}

func (m *Manifest) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fetches (
		url          TEXT PRIMARY KEY,
		local_path   TEXT NOT NULL,
		content_type TEXT,
		status       INTEGER NOT NULL,
		fetched_at   DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_fetches_path ON fetches(local_path);
	`
	_, err := m.db.Exec(schema)
	return err
}

func (m *Manifest) Seen(ctx context.Context, url string) (bool, error) {
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM fetches WHERE url = ?", url).Scan(&count); err != nil {
		return false, fmt.Errorf("query manifest: %w", err)
	}
	return count > 0, nil
}

func (m *Manifest) Record(ctx context.Context, entry ManifestEntry) error {
	if entry.FetchedAt.IsZero() {
		entry.FetchedAt = time.Now()
	}
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO fetches (url, local_path, content_type, status, fetched_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			local_path = excluded.local_path,
			content_type = excluded.content_type,
			status = excluded.status,
			fetched_at = excluded.fetched_at
	`, entry.URL, entry.LocalPath, entry.ContentType, entry.Status, entry.FetchedAt)
	if err != nil {
		return fmt.Errorf("record fetch: %w", err)
	}
	return nil
}

func (m *Manifest) Count(ctx context.Context) (int, error) {
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM fetches").Scan(&count); err != nil {
		return 0, fmt.Errorf("count fetches: %w", err)
	}
	return count, nil
}

// SourceURLs maps every recorded local path back to the URL it came from.
// The index stage uses this to attach source URLs to documents.
func (m *Manifest) SourceURLs(ctx context.Context) (map[string]string, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT local_path, url FROM fetches")
	if err != nil {
		return nil, fmt.Errorf("query fetches: %w", err)
	}
	defer rows.Close()

	urls := make(map[string]string)
	for rows.Next() {
		var localPath, url string
		if err := rows.Scan(&localPath, &url); err != nil {
			return nil, fmt.Errorf("scan fetch row: %w", err)
		}
		urls[localPath] = url
	}
	return urls, rows.Err()
}

func (m *Manifest) Close() error {
	return m.db.Close()
}
