// Package crawler mirrors the HTML pages and PDF files of a website section
// into a local directory tree that the index stage can ingest.
package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	stdpath "path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/time/rate"
)

type Options struct {
	MaxFiles          int
	RequestsPerSecond float64
	UserAgent         string
}

type Crawler struct {
	client    *http.Client
	limiter   *rate.Limiter
	manifest  *Manifest
	logger    *zap.Logger
	maxFiles  int
	userAgent string
}

func New(manifest *Manifest, logger *zap.Logger, opts Options) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	maxFiles := opts.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 100
	}

	return &Crawler{
		client:    &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(limit, 1),
		manifest:  manifest,
		logger:    logger,
		maxFiles:  maxFiles,
		userAgent: opts.UserAgent,
	}
}

// Run walks the site breadth-first starting at startURL, staying within the
// start host and path prefix. HTML pages in scope are saved and followed;
// PDF files are saved wherever they are linked from, including offsite.
// It returns the number of files written.
func (c *Crawler) Run(ctx context.Context, startURL, dir string) (int, error) {
	start, err := url.Parse(startURL)
	if err != nil {
		return 0, fmt.Errorf("parse start url: %w", err)
	}
	if start.Scheme != "http" && start.Scheme != "https" {
		return 0, fmt.Errorf("unsupported scheme %q in start url", start.Scheme)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create target directory: %w", err)
	}

	basePath := strings.TrimSuffix(start.Path, "/")

	visited := make(map[string]struct{})
	queue := []*url.URL{start}
	saved := 0

	for len(queue) > 0 && saved < c.maxFiles {
		current := queue[0]
		queue = queue[1:]

		key := current.String()
		if _, ok := visited[key]; ok {
			continue
		}
		visited[key] = struct{}{}

		body, contentType, status, err := c.fetch(ctx, current)
		if err != nil {
			c.logger.Warn("fetch failed", zap.String("url", key), zap.Error(err))
			continue
		}

		wrote, err := c.save(ctx, current, dir, body, contentType, status)
		if err != nil {
			c.logger.Warn("save failed", zap.String("url", key), zap.Error(err))
		} else if wrote {
			saved++
			if saved >= c.maxFiles {
				break
			}
		}

		if !strings.Contains(contentType, "text/html") {
			continue
		}

		for _, link := range extractLinks(current, body) {
			ext := strings.ToLower(stdpath.Ext(link.Path))
			inScope := link.Host == start.Host && strings.HasPrefix(link.Path, basePath)

			switch {
			case ext == ".pdf":
				// PDFs are fetched even when linked from outside the section.
				wrote, err := c.download(ctx, link, dir)
				if err != nil {
					c.logger.Warn("pdf download failed", zap.String("url", link.String()), zap.Error(err))
					continue
				}
				if wrote {
					saved++
					if saved >= c.maxFiles {
						return saved, nil
					}
				}
			case inScope && (ext == ".html" || ext == ".htm" || ext == ""):
				if _, ok := visited[link.String()]; !ok {
					queue = append(queue, link)
				}
			}
		}
	}

	c.logger.Info("crawl finished", zap.Int("files", saved))
	return saved, nil
}

func (c *Crawler) fetch(ctx context.Context, u *url.URL) ([]byte, string, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", 0, fmt.Errorf("get %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", resp.StatusCode, fmt.Errorf("server returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", resp.StatusCode, fmt.Errorf("read body: %w", err)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	return body, contentType, resp.StatusCode, nil
}

// download fetches a linked file (used for PDFs) and saves it.
func (c *Crawler) download(ctx context.Context, u *url.URL, dir string) (bool, error) {
	seen, err := c.manifest.Seen(ctx, u.String())
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}

	body, contentType, status, err := c.fetch(ctx, u)
	if err != nil {
		return false, err
	}

	return c.save(ctx, u, dir, body, contentType, status)
}

// save writes the body to a path mirroring the URL hierarchy. Files whose
// content type is neither text, HTML nor PDF are skipped, as are URLs the
// manifest already knows.
func (c *Crawler) save(ctx context.Context, u *url.URL, dir string, body []byte, contentType string, status int) (bool, error) {
	if contentType == "" {
		return false, fmt.Errorf("missing content type for %s", u)
	}
	if !strings.Contains(contentType, "text") &&
		!strings.Contains(contentType, "html") &&
		!strings.Contains(contentType, "pdf") {
		c.logger.Debug("skipping unsupported content type",
			zap.String("url", u.String()),
			zap.String("contentType", contentType))
		return false, nil
	}

	seen, err := c.manifest.Seen(ctx, u.String())
	if err != nil {
		return false, err
	}
	if seen {
		c.logger.Debug("already fetched", zap.String("url", u.String()))
		return false, nil
	}

	localPath := localPathFor(u, contentType)
	fullPath := filepath.Join(dir, filepath.FromSlash(localPath))

	if _, err := os.Stat(fullPath); err == nil {
		c.logger.Debug("file exists, skipping", zap.String("path", fullPath))
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return false, fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(fullPath, body, 0o644); err != nil {
		return false, fmt.Errorf("write file: %w", err)
	}

	if err := c.manifest.Record(ctx, ManifestEntry{
		URL:         u.String(),
		LocalPath:   localPath,
		ContentType: contentType,
		Status:      status,
	}); err != nil {
		return false, err
	}

	c.logger.Info("downloaded", zap.String("url", u.String()), zap.String("path", fullPath))
	return true, nil
}

// localPathFor maps a URL to a relative file path mirroring the URL's
// directory hierarchy, choosing the extension from the content type.
func localPathFor(u *url.URL, contentType string) string {
	var ext string
	switch {
	case strings.Contains(contentType, "text/html"):
		ext = ".html"
	case strings.Contains(contentType, "application/pdf"):
		ext = ".pdf"
	default:
		ext = stdpath.Ext(u.Path)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, part := range parts {
		if unescaped, err := url.PathUnescape(part); err == nil {
			parts[i] = unescaped
		}
	}
	if len(parts) == 0 || (len(parts) == 1 && parts[0] == "") {
		parts = []string{"index"}
	}

	name := parts[len(parts)-1]
	if name == "" {
		name = "index"
	}
	if ext != "" && !strings.HasSuffix(name, ext) {
		name += ext
	}

	return stdpath.Join(stdpath.Join(parts[:len(parts)-1]...), name)
}

// extractLinks returns all resolved anchor targets in the page. Fragments
// are dropped so the same page is not queued once per anchor.
func extractLinks(base *url.URL, body []byte) []*url.URL {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}

	var links []*url.URL
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" {
					continue
				}
				ref, err := url.Parse(attr.Val)
				if err != nil {
					continue
				}
				resolved := base.ResolveReference(ref)
				if resolved.Scheme != "http" && resolved.Scheme != "https" {
					continue
				}
				resolved.Fragment = ""
				links = append(links, resolved)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)

	return links
}
