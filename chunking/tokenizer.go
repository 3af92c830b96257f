// Package chunking splits document text into non-overlapping windows of at
// most a fixed number of tokens, the retrieval unit of the pipeline.
package chunking

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Fragment is one chunk of a document's text.
type Fragment struct {
	Text       string
	TokenCount int
}

type span struct {
	start int
	end   int
}

// tokenSpans returns the byte ranges of all tokens in text. A token is a
// maximal run of letters/digits or a single punctuation rune, which tracks
// subword tokenizer counts closely enough for window budgeting.
func tokenSpans(text string) []span {
	var spans []span
	start := -1

	flush := func(end int) {
		if start >= 0 {
			spans = append(spans, span{start: start, end: end})
			start = -1
		}
	}

	for i, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush(i)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if start < 0 {
				start = i
			}
		default:
			flush(i)
			// Decode for the byte width: an invalid byte ranges as U+FFFD,
			// whose encoded length is wider than the byte itself.
			_, size := utf8.DecodeRuneInString(text[i:])
			spans = append(spans, span{start: i, end: i + size})
		}
	}
	flush(len(text))

	return spans
}

// CountTokens returns the token count of text.
func CountTokens(text string) int {
	return len(tokenSpans(text))
}

// Split cuts text into consecutive, non-overlapping fragments of at most
// maxTokens tokens each. Fragment boundaries fall between tokens; the
// original text between the first and last token of a window is preserved,
// so no characters inside a fragment are lost or reordered.
func Split(text string, maxTokens int) []Fragment {
	if maxTokens <= 0 {
		maxTokens = 512
	}

	spans := tokenSpans(text)
	if len(spans) == 0 {
		return nil
	}

	fragments := make([]Fragment, 0, len(spans)/maxTokens+1)
	for i := 0; i < len(spans); i += maxTokens {
		j := i + maxTokens
		if j > len(spans) {
			j = len(spans)
		}
		window := text[spans[i].start:spans[j-1].end]
		window = strings.TrimSpace(window)
		if window == "" {
			continue
		}
		fragments = append(fragments, Fragment{
			Text:       window,
			TokenCount: j - i,
		})
	}

	return fragments
}
