package chat

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"korpusrag/embeddings"
	"korpusrag/llm"
)

type stubEmbedder struct {
	vectors [][]float32
	err     error
	calls   int
}

var _ embeddings.Embedder = (*stubEmbedder)(nil)

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.vectors != nil {
		return s.vectors, nil
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type stubVectorStore struct {
	chunks []ChunkResult
	err    error
	limit  int
}

var _ VectorStore = (*stubVectorStore)(nil)

func (s *stubVectorStore) SimilarChunks(_ context.Context, _ []float32, limit int) ([]ChunkResult, error) {
	s.limit = limit
	if s.err != nil {
		return nil, s.err
	}
	return s.chunks, nil
}

type stubGraphStore struct {
	insights map[string]DocumentInsight
	err      error
	docIDs   []string
}

var _ GraphStore = (*stubGraphStore)(nil)

func (s *stubGraphStore) DocumentInsights(_ context.Context, docIDs []string) (map[string]DocumentInsight, error) {
	s.docIDs = docIDs
	if s.err != nil {
		return nil, s.err
	}
	return s.insights, nil
}

type stubLLM struct {
	answer   string
	err      error
	messages []llm.Message
}

var _ llm.Client = (*stubLLM)(nil)

func (s *stubLLM) Generate(_ context.Context, messages []llm.Message) (string, error) {
	s.messages = messages
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

type stubStreamLLM struct {
	stubLLM
	tokens []string
}

var _ llm.StreamClient = (*stubStreamLLM)(nil)

func (s *stubStreamLLM) GenerateStream(_ context.Context, messages []llm.Message, fn func(string) error) error {
	s.messages = messages
	if s.err != nil {
		return s.err
	}
	for _, token := range s.tokens {
		if err := fn(token); err != nil {
			return err
		}
	}
	return nil
}

func testChunks() []ChunkResult {
	return []ChunkResult{
		{
			ChunkID:    "c1",
			DocumentID: "d1",
			Title:      "Kaufrecht",
			Path:       "docs/kaufrecht.html",
			ChunkIndex: 0,
			Content:    "Der Kaufvertrag verpflichtet den Verkäufer zur Übergabe der Sache.",
			Score:      0.91,
		},
		{
			ChunkID:    "c2",
			DocumentID: "d2",
			Title:      "Mietrecht",
			Path:       "docs/mietrecht.html",
			ChunkIndex: 3,
			Content:    "Der Mietvertrag regelt die Gebrauchsüberlassung auf Zeit.",
			Score:      0.72,
		},
	}
}

func TestChatAnswersWithRetrievedContext(t *testing.T) {
	embedder := &stubEmbedder{}
	vectors := &stubVectorStore{chunks: testChunks()}
	graph := &stubGraphStore{insights: map[string]DocumentInsight{
		"d1": {ChunkCount: 12, Folders: []string{"docs"}},
	}}
	model := &stubLLM{answer: "Der Verkäufer muss die Sache übergeben."}

	service := NewService(vectors, graph, embedder, model, nil)

	resp, err := service.Chat(context.Background(), "Was regelt der Kaufvertrag?", Config{})
	require.NoError(t, err)

	assert.Equal(t, "Der Verkäufer muss die Sache übergeben.", resp.Answer)
	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, defaultSimilarityLimit, vectors.limit)
	assert.Equal(t, []string{"d1", "d2"}, graph.docIDs)

	require.Len(t, model.messages, 2)
	assert.Equal(t, llm.RoleSystem, model.messages[0].Role)
	assert.Equal(t, defaultSystemPrompt, model.messages[0].Content)

	prompt := model.messages[1].Content
	assert.Contains(t, prompt, "Document 1 (Kaufrecht, docs/kaufrecht.html):")
	assert.Contains(t, prompt, "Document 2 (Mietrecht, docs/mietrecht.html):")
	assert.Contains(t, prompt, "Here is the question again: Was regelt der Kaufvertrag?")

	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "d1", resp.Sources[0].DocumentID)
	assert.Equal(t, 12, resp.Sources[0].Insight.ChunkCount)
}

func TestChatRejectsEmptyQuestion(t *testing.T) {
	service := NewService(&stubVectorStore{}, nil, &stubEmbedder{}, &stubLLM{}, nil)

	_, err := service.Chat(context.Background(), "   ", Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestChatWithoutMatchesFallsBackToModel(t *testing.T) {
	model := &stubLLM{answer: "Dazu liegen mir keine Dokumente vor."}
	service := NewService(&stubVectorStore{}, nil, &stubEmbedder{}, model, nil)

	resp, err := service.Chat(context.Background(), "Was ist ein Erbbaurecht?", Config{})
	require.NoError(t, err)

	assert.Empty(t, resp.Sources)
	require.Len(t, model.messages, 2)
	assert.Equal(t, "Was ist ein Erbbaurecht?", model.messages[1].Content)
}

func TestChatNoRetrievalSkipsSearch(t *testing.T) {
	embedder := &stubEmbedder{}
	vectors := &stubVectorStore{chunks: testChunks()}
	model := &stubLLM{answer: "Hallo!"}
	service := NewService(vectors, nil, embedder, model, nil)

	resp, err := service.Chat(context.Background(), "Hallo", Config{NoRetrieval: true})
	require.NoError(t, err)

	assert.Equal(t, "Hallo!", resp.Answer)
	assert.Empty(t, resp.Sources)
	assert.Equal(t, 0, embedder.calls)
	assert.Equal(t, "Hallo", model.messages[1].Content)
}

func TestChatMergesChunksOfSameDocument(t *testing.T) {
	chunks := []ChunkResult{
		{ChunkID: "c1", DocumentID: "d1", Title: "Kaufrecht", Path: "docs/kaufrecht.html", Content: "Erster Abschnitt.", Score: 0.65},
		{ChunkID: "c2", DocumentID: "d1", Title: "Kaufrecht", Path: "docs/kaufrecht.html", Content: "Zweiter Abschnitt.", Score: 0.88},
		{ChunkID: "c3", DocumentID: "d2", Title: "Mietrecht", Path: "docs/mietrecht.html", Content: "Anderes Dokument.", Score: 0.7},
	}
	service := NewService(&stubVectorStore{chunks: chunks}, nil, &stubEmbedder{}, &stubLLM{answer: "ok"}, nil)

	resp, err := service.Chat(context.Background(), "Frage?", Config{})
	require.NoError(t, err)

	require.Len(t, resp.Sources, 2)
	assert.Equal(t, "d1", resp.Sources[0].DocumentID)
	assert.InDelta(t, 0.88, resp.Sources[0].Score, 1e-9)
	assert.Contains(t, resp.Sources[0].Snippet, "Erster Abschnitt.")
	assert.Contains(t, resp.Sources[0].Snippet, "\n---\n")
	assert.Contains(t, resp.Sources[0].Snippet, "Zweiter Abschnitt.")
}

func TestChatHonorsContextBudget(t *testing.T) {
	long := strings.Repeat("Sehr langer Absatz. ", 50)
	chunks := []ChunkResult{
		{ChunkID: "c1", DocumentID: "d1", Title: "A", Path: "a.html", Content: long, Score: 0.9},
		{ChunkID: "c2", DocumentID: "d2", Title: "B", Path: "b.html", Content: long, Score: 0.8},
		{ChunkID: "c3", DocumentID: "d3", Title: "C", Path: "c.html", Content: long, Score: 0.7},
	}
	model := &stubLLM{answer: "ok"}
	service := NewService(&stubVectorStore{chunks: chunks}, nil, &stubEmbedder{}, model, nil)

	_, err := service.Chat(context.Background(), "Frage?", Config{ContextBudget: len(long) + 100})
	require.NoError(t, err)

	prompt := model.messages[1].Content
	assert.Contains(t, prompt, "Document 1 (A, a.html):")
	assert.NotContains(t, prompt, "Document 2")
	assert.NotContains(t, prompt, "Document 3")
}

func TestChatAlwaysIncludesFirstChunk(t *testing.T) {
	long := strings.Repeat("x", 2000)
	chunks := []ChunkResult{{ChunkID: "c1", DocumentID: "d1", Title: "A", Path: "a.html", Content: long, Score: 0.9}}
	model := &stubLLM{answer: "ok"}
	service := NewService(&stubVectorStore{chunks: chunks}, nil, &stubEmbedder{}, model, nil)

	_, err := service.Chat(context.Background(), "Frage?", Config{ContextBudget: 50})
	require.NoError(t, err)
	assert.Contains(t, model.messages[1].Content, "Document 1 (A, a.html):")
}

func TestChatStreamExtendsHistory(t *testing.T) {
	model := &stubStreamLLM{tokens: []string{"Die ", "Antwort."}}
	service := NewService(&stubVectorStore{chunks: testChunks()}, nil, &stubEmbedder{}, model, nil)

	history := []llm.Message{
		{Role: llm.RoleUser, Content: "Frühere Frage"},
		{Role: llm.RoleAssistant, Content: "Frühere Antwort"},
	}

	var streamed strings.Builder
	resp, updated, err := service.ChatStream(context.Background(), "Neue Frage?", Config{}, history, func(token string) error {
		streamed.WriteString(token)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Die Antwort.", resp.Answer)
	assert.Equal(t, "Die Antwort.", streamed.String())

	require.Len(t, updated, 4)
	assert.Equal(t, "Frühere Frage", updated[0].Content)
	assert.Equal(t, llm.RoleAssistant, updated[3].Role)
	assert.Equal(t, "Die Antwort.", updated[3].Content)

	// system prompt + two history turns + new user turn
	require.Len(t, model.messages, 4)
	assert.Equal(t, llm.RoleSystem, model.messages[0].Role)
	assert.Equal(t, "Frühere Frage", model.messages[1].Content)
}

func TestChatStreamFallsBackToGenerate(t *testing.T) {
	model := &stubLLM{answer: "Alles auf einmal."}
	service := NewService(&stubVectorStore{}, nil, &stubEmbedder{}, model, nil)

	var tokens []string
	resp, _, err := service.ChatStream(context.Background(), "Frage?", Config{}, nil, func(token string) error {
		tokens = append(tokens, token)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Alles auf einmal.", resp.Answer)
	assert.Equal(t, []string{"Alles auf einmal."}, tokens)
}

func TestChatSnippetKeepsRunesIntact(t *testing.T) {
	// Place a multibyte rune across the snippet cutoff.
	content := strings.Repeat("x", snippetLimit-5) + "Straße und mehr Text danach"
	chunks := []ChunkResult{{ChunkID: "c1", DocumentID: "d1", Title: "A", Path: "a.html", Content: content, Score: 0.9}}
	service := NewService(&stubVectorStore{chunks: chunks}, nil, &stubEmbedder{}, &stubLLM{answer: "ok"}, nil)

	resp, err := service.Chat(context.Background(), "Frage?", Config{})
	require.NoError(t, err)

	require.Len(t, resp.Sources, 1)
	snippet := resp.Sources[0].Snippet
	assert.True(t, utf8.ValidString(snippet))
	assert.True(t, strings.HasSuffix(snippet, "..."))
	assert.LessOrEqual(t, len(snippet), snippetLimit+len("..."))
}

func TestChatSurfacesEmbedError(t *testing.T) {
	embedder := &stubEmbedder{err: fmt.Errorf("ollama unreachable")}
	service := NewService(&stubVectorStore{}, nil, embedder, &stubLLM{}, nil)

	_, err := service.Chat(context.Background(), "Frage?", Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embed question")
}

func TestChatIgnoresGraphErrors(t *testing.T) {
	graph := &stubGraphStore{err: fmt.Errorf("neo4j down")}
	model := &stubLLM{answer: "ok"}
	service := NewService(&stubVectorStore{chunks: testChunks()}, graph, &stubEmbedder{}, model, nil)

	resp, err := service.Chat(context.Background(), "Frage?", Config{})
	require.NoError(t, err)
	require.Len(t, resp.Sources, 2)
	assert.Zero(t, resp.Sources[0].Insight.ChunkCount)
}
