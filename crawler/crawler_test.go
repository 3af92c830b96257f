package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := OpenManifest(filepath.Join(t.TempDir(), "crawl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRunMirrorsSite(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/docs/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><body>
			<a href="/docs/kapitel-1.html">Kapitel 1</a>
			<a href="/docs/skript.pdf">Skript</a>
			<a href="/intern/geheim.html">ausserhalb</a>
		</body></html>`))
	})
	mux.HandleFunc("/docs/kapitel-1.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body><h1>Kapitel 1</h1></body></html>"))
	})
	mux.HandleFunc("/docs/skript.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 fake"))
	})
	mux.HandleFunc("/intern/geheim.html", func(w http.ResponseWriter, r *http.Request) {
		t.Error("crawler left the path scope")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	c := New(newTestManifest(t), nil, Options{MaxFiles: 10})

	saved, err := c.Run(context.Background(), srv.URL+"/docs/", dir)
	require.NoError(t, err)
	assert.Equal(t, 3, saved)

	for _, rel := range []string{
		"docs.html",
		"docs/kapitel-1.html",
		"docs/skript.pdf",
	} {
		_, err := os.Stat(filepath.Join(dir, rel))
		assert.NoError(t, err, rel)
	}
}

func TestRunHonorsMaxFiles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<a href="/a.html">a</a><a href="/b.html">b</a><a href="/c.html">c</a>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(newTestManifest(t), nil, Options{MaxFiles: 2})
	saved, err := c.Run(context.Background(), srv.URL+"/", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 2, saved)
}

func TestRunFetchesOffsitePDF(t *testing.T) {
	pdfSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 extern"))
	}))
	defer pdfSrv.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<a href="` + pdfSrv.URL + `/extern/paper.pdf">Paper</a>`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	c := New(newTestManifest(t), nil, Options{MaxFiles: 10})
	saved, err := c.Run(context.Background(), srv.URL+"/", dir)
	require.NoError(t, err)
	assert.Equal(t, 2, saved)

	_, err = os.Stat(filepath.Join(dir, "extern", "paper.pdf"))
	assert.NoError(t, err)
}

func TestRunSkipsAlreadyFetched(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>statisch</body></html>"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := newTestManifest(t)

	c := New(m, nil, Options{MaxFiles: 10})
	saved, err := c.Run(context.Background(), srv.URL+"/", dir)
	require.NoError(t, err)
	assert.Equal(t, 1, saved)

	// A second run fetches the page again but writes nothing new.
	saved, err = c.Run(context.Background(), srv.URL+"/", dir)
	require.NoError(t, err)
	assert.Equal(t, 0, saved)
}

func TestLocalPathFor(t *testing.T) {
	cases := []struct {
		rawURL      string
		contentType string
		want        string
	}{
		{"https://example.com/", "text/html", "index.html"},
		{"https://example.com/kurs/einfuehrung", "text/html", "kurs/einfuehrung.html"},
		{"https://example.com/kurs/skript.pdf", "application/pdf", "kurs/skript.pdf"},
		{"https://example.com/a/b/", "text/html", "a/b.html"},
	}

	for _, tc := range cases {
		u, err := url.Parse(tc.rawURL)
		require.NoError(t, err)
		assert.Equal(t, tc.want, localPathFor(u, tc.contentType), tc.rawURL)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := newTestManifest(t)
	ctx := context.Background()

	seen, err := m.Seen(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, m.Record(ctx, ManifestEntry{
		URL:         "https://example.com/a",
		LocalPath:   "a.html",
		ContentType: "text/html",
		Status:      200,
	}))

	seen, err = m.Seen(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.True(t, seen)

	count, err := m.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
