// Package ingestion turns crawled files into indexed documents: it detects
// the file format, extracts plain text, and persists document rows alongside
// the knowledge graph.
package ingestion

import (
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates supported document payload formats.
type DocumentFormat string

const (
	FormatUnknown  DocumentFormat = ""
	FormatHTML     DocumentFormat = "html"
	FormatPDF      DocumentFormat = "pdf"
	FormatMarkdown DocumentFormat = "markdown"
	FormatText     DocumentFormat = "text"
)

// ContentType returns the MIME type stored on the document row.
func (f DocumentFormat) ContentType() string {
	switch f {
	case FormatHTML:
		return "text/html"
	case FormatPDF:
		return "application/pdf"
	case FormatMarkdown:
		return "text/markdown"
	case FormatText:
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".html", ".htm":
		return FormatHTML
	case ".pdf":
		return FormatPDF
	case ".md", ".markdown":
		return FormatMarkdown
	case ".txt":
		return FormatText
	default:
		return FormatUnknown
	}
}
