// Package chat answers questions grounded in retrieved chunks: it embeds the
// query, fetches the nearest chunks, assembles a budgeted prompt, and calls
// the generation model while keeping the running conversation history.
package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"korpusrag/embeddings"
	"korpusrag/llm"
)

const (
	defaultSimilarityLimit = 5
	defaultContextBudget   = 12000
	defaultSystemPrompt    = "You are a helpful assistant."
	snippetLimit           = 500
)

type Service struct {
	vectors  VectorStore
	graph    GraphStore
	embedder embeddings.Embedder
	llm      llm.Client
	logger   *zap.Logger
}

type Config struct {
	SimilarityLimit int
	ContextBudget   int
	SystemPrompt    string
	// NoRetrieval skips the vector search and answers from the model alone.
	NoRetrieval bool
}

func NewService(vectors VectorStore, graph GraphStore, embedder embeddings.Embedder, llmClient llm.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		vectors:  vectors,
		graph:    graph,
		embedder: embedder,
		llm:      llmClient,
		logger:   logger,
	}
}

func (s *Service) Chat(ctx context.Context, question string, cfg Config) (Response, error) {
	resp, _, err := s.chat(ctx, question, cfg, nil, nil)
	return resp, err
}

// ChatStream runs the chat workflow while optionally streaming the LLM
// output. The history slice holds prior conversation turns (excluding the
// system prompt) and is extended with the latest user/assistant messages on
// success. When the LLM implementation does not support streaming, the
// callback receives the full answer once.
func (s *Service) ChatStream(
	ctx context.Context,
	question string,
	cfg Config,
	history []llm.Message,
	streamFn func(string) error,
) (Response, []llm.Message, error) {
	return s.chat(ctx, question, cfg, history, streamFn)
}

func (s *Service) chat(
	ctx context.Context,
	question string,
	cfg Config,
	history []llm.Message,
	streamFn func(string) error,
) (Response, []llm.Message, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Response{}, nil, fmt.Errorf("question cannot be empty")
	}
	if s.llm == nil {
		return Response{}, nil, fmt.Errorf("llm client is not configured")
	}

	var (
		chunks  []ChunkResult
		sources []Source
	)

	if !cfg.NoRetrieval {
		if s.embedder == nil {
			return Response{}, nil, fmt.Errorf("embedder is not configured")
		}
		if s.vectors == nil {
			return Response{}, nil, fmt.Errorf("vector store is not configured")
		}

		limit := cfg.SimilarityLimit
		if limit <= 0 {
			limit = defaultSimilarityLimit
		}

		vectors, err := s.embedder.Embed(ctx, []string{question})
		if err != nil {
			return Response{}, nil, fmt.Errorf("embed question: %w", err)
		}
		if len(vectors) == 0 {
			return Response{}, nil, fmt.Errorf("embedder returned no vectors")
		}

		chunks, err = s.vectors.SimilarChunks(ctx, vectors[0], limit)
		if err != nil {
			return Response{}, nil, fmt.Errorf("vector search: %w", err)
		}

		if len(chunks) == 0 {
			s.logger.Warn("no context found, answering from the model alone")
		}

		insights := map[string]DocumentInsight{}
		if s.graph != nil && len(chunks) > 0 {
			docIDs := make([]string, 0, len(chunks))
			for _, chunk := range chunks {
				docIDs = append(docIDs, chunk.DocumentID)
			}
			insightMap, insightErr := s.graph.DocumentInsights(ctx, unique(docIDs))
			if insightErr != nil {
				s.logger.Warn("graph insights unavailable", zap.Error(insightErr))
			} else {
				insights = insightMap
			}
		}

		sources = mergeSources(chunks, insights)
	}

	budget := cfg.ContextBudget
	if budget <= 0 {
		budget = defaultContextBudget
	}

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	messages = append(messages, history...)
	userMessage := llm.Message{Role: llm.RoleUser, Content: formatUserPrompt(question, chunks, budget)}
	messages = append(messages, userMessage)

	var answer string
	if streamFn != nil {
		if streamClient, ok := s.llm.(llm.StreamClient); ok {
			var builder strings.Builder
			streamErr := streamClient.GenerateStream(ctx, messages, func(chunk string) error {
				if chunk == "" {
					return nil
				}
				builder.WriteString(chunk)
				return streamFn(chunk)
			})
			if streamErr != nil {
				return Response{}, nil, fmt.Errorf("llm stream generate: %w", streamErr)
			}
			answer = builder.String()
		} else {
			generated, genErr := s.llm.Generate(ctx, messages)
			if genErr != nil {
				return Response{}, nil, fmt.Errorf("llm generate: %w", genErr)
			}
			answer = generated
			if err := streamFn(answer); err != nil {
				return Response{}, nil, err
			}
		}
	} else {
		generated, genErr := s.llm.Generate(ctx, messages)
		if genErr != nil {
			return Response{}, nil, fmt.Errorf("llm generate: %w", genErr)
		}
		answer = generated
	}

	answer = strings.TrimSpace(answer)

	updatedHistory := make([]llm.Message, 0, len(history)+2)
	updatedHistory = append(updatedHistory, history...)
	updatedHistory = append(updatedHistory, userMessage, llm.Message{Role: llm.RoleAssistant, Content: answer})

	return Response{Answer: answer, Sources: sources}, updatedHistory, nil
}

// formatUserPrompt builds the user turn: retrieved chunks as numbered
// document blocks (bounded by the character budget), then the question. With
// no chunks the question is passed through bare.
func formatUserPrompt(question string, chunks []ChunkResult, budget int) string {
	if len(chunks) == 0 {
		return question
	}

	var sb strings.Builder
	sb.WriteString("Answer the question based on the following information:\n\n")

	spent := 0
	included := 0
	for _, chunk := range chunks {
		block := fmt.Sprintf("Document %d (%s, %s):\n%s\n\n", included+1, chunk.Title, chunk.Path, cleanChunk(chunk.Content))
		if included > 0 && spent+len(block) > budget {
			break
		}
		sb.WriteString(block)
		spent += len(block)
		included++
	}

	sb.WriteString("Here is the question again: ")
	sb.WriteString(question)
	sb.WriteString("\n\nAnswer the question naturally, in the user's language. ")
	sb.WriteString("If no question is asked, just keep the conversation going.")
	return sb.String()
}

// cleanChunk collapses double line breaks, as the original prompt builder did.
func cleanChunk(content string) string {
	return strings.ReplaceAll(strings.TrimSpace(content), "\n\n", "\n")
}

func mergeSources(chunks []ChunkResult, insights map[string]DocumentInsight) []Source {
	grouped := make(map[string]*Source, len(chunks))
	for i := range chunks {
		chunk := chunks[i]
		source, ok := grouped[chunk.DocumentID]
		if !ok {
			source = &Source{
				DocumentID: chunk.DocumentID,
				Title:      chunk.Title,
				Path:       chunk.Path,
				URL:        chunk.URL,
				Score:      chunk.Score,
			}
			grouped[chunk.DocumentID] = source
		} else if chunk.Score > source.Score {
			source.Score = chunk.Score
		}

		snippet := truncateSnippet(strings.TrimSpace(chunk.Content))
		if source.Snippet == "" {
			source.Snippet = snippet
		} else if !strings.Contains(source.Snippet, snippet) {
			source.Snippet += "\n---\n" + snippet
		}

		if insight, ok := insights[chunk.DocumentID]; ok {
			source.Insight = insight
		}
	}

	sources := make([]Source, 0, len(grouped))
	for _, src := range grouped {
		sources = append(sources, *src)
	}

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Score > sources[j].Score
	})

	return sources
}

// truncateSnippet caps the snippet length without cutting a multibyte rune
// in half.
func truncateSnippet(snippet string) string {
	if len(snippet) <= snippetLimit {
		return snippet
	}

	cut := snippetLimit
	for cut > 0 && !utf8.RuneStart(snippet[cut]) {
		cut--
	}
	return snippet[:cut] + "..."
}

func unique(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
