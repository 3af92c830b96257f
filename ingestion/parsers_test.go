package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFormat(t *testing.T) {
	cases := map[string]DocumentFormat{
		"kurs/einfuehrung.html": FormatHTML,
		"kurs/skript.PDF":       FormatPDF,
		"notizen.md":            FormatMarkdown,
		"liesmich.txt":          FormatText,
		"bild.png":              FormatUnknown,
		"archiv.tar.gz":         FormatUnknown,
	}

	for path, want := range cases {
		assert.Equal(t, want, DetectFormat(path), path)
	}
}

func TestHTMLParserExtractsTextAndTitle(t *testing.T) {
	payload := DocumentPayload{
		Path: "seite.html",
		Data: []byte(`<html>
			<head><title>Einführung in RAG</title><style>body{color:red}</style></head>
			<body>
				<script>console.log("weg damit")</script>
				<h1>Einführung</h1>
				<p>Retrieval-Augmented Generation kombiniert Suche und Sprachmodell.</p>
				<p>Zweiter Absatz.</p>
			</body>
		</html>`),
	}

	parsed, err := htmlParser{}.Parse(context.Background(), payload)
	require.NoError(t, err)

	assert.Equal(t, "Einführung in RAG", parsed.Title)
	assert.Contains(t, parsed.Content, "Retrieval-Augmented Generation kombiniert Suche und Sprachmodell.")
	assert.Contains(t, parsed.Content, "Zweiter Absatz.")
	assert.NotContains(t, parsed.Content, "weg damit")
	assert.NotContains(t, parsed.Content, "color:red")
}

func TestHTMLParserFallsBackToFirstLine(t *testing.T) {
	parsed, err := htmlParser{}.Parse(context.Background(), DocumentPayload{
		Path: "ohne-titel.html",
		Data: []byte("<html><body><p>Nur Text hier.</p></body></html>"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Nur Text hier.", parsed.Title)
}

func TestMarkdownParserTitle(t *testing.T) {
	parsed, err := markdownParser{}.Parse(context.Background(), DocumentPayload{
		Path: "notizen.md",
		Data: []byte("Einleitung ohne Überschrift\n\n# Kapitel Eins\n\nInhalt."),
	})
	require.NoError(t, err)
	assert.Equal(t, "Kapitel Eins", parsed.Title)
}

func TestTextParserUsesFilenameWhenEmpty(t *testing.T) {
	parsed, err := textParser{}.Parse(context.Background(), DocumentPayload{
		Path: "dir/leer.txt",
		Data: []byte("   \n\n  "),
	})
	require.NoError(t, err)
	assert.Equal(t, "leer", parsed.Title)
	assert.Equal(t, "", parsed.Content)
}

func TestExtractTitle(t *testing.T) {
	content := "Etwas Einleitung\n# Überschrift Eins\nMehr Text"
	assert.Equal(t, "Überschrift Eins", ExtractTitle(content, "fallback"))
	assert.Equal(t, "fallback", ExtractTitle("kein heading", "fallback"))
}

func TestNormalizePlainText(t *testing.T) {
	in := "Zeile eins  \r\n\r\n\r\n\r\nZeile zwei\t\nZeile drei"
	out := normalizePlainText(in)
	assert.Equal(t, "Zeile eins\n\nZeile zwei\nZeile drei", out)
}

func TestParserForUnknown(t *testing.T) {
	_, err := ParserFor(FormatUnknown)
	require.Error(t, err)
}
