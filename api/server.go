// Package api exposes the ingestion and chat workflows over HTTP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"korpusrag/chat"
	"korpusrag/config"
)

const defaultChatLimit = 5

// ChatService answers a question against the indexed corpus.
type ChatService interface {
	Chat(ctx context.Context, question string, cfg chat.Config) (chat.Response, error)
}

// Ingestor runs the full ingestion pipeline (index, chunk, embed) for a
// directory of fetched documents.
type Ingestor interface {
	Ingest(ctx context.Context, dir string) (IngestStats, error)
}

// Clearer removes all indexed data from the backing stores.
type Clearer interface {
	Clear(ctx context.Context) error
}

type IngestStats struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Embedded  int `json:"embedded"`
}

// Server exposes HTTP handlers for the korpusrag workflows.
type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	chat    ChatService
	ingest  Ingestor
	clear   Clearer
	handler http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type ingestRequest struct {
	Dir string `json:"dir"`
}

type ingestResponse struct {
	Message string      `json:"message"`
	Stats   IngestStats `json:"stats"`
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

type chatRequest struct {
	Question    string `json:"question"`
	Limit       int    `json:"limit"`
	NoRetrieval bool   `json:"noRetrieval"`
}

type chatResponse struct {
	Answer  string       `json:"answer"`
	Sources []chatSource `json:"sources"`
}

type chatSource struct {
	DocumentID string              `json:"documentId"`
	Title      string              `json:"title"`
	Path       string              `json:"path"`
	URL        string              `json:"url,omitempty"`
	Snippet    string              `json:"snippet"`
	Score      float64             `json:"score"`
	Insight    chatDocumentInsight `json:"insight"`
}

type chatDocumentInsight struct {
	ChunkCount       int                   `json:"chunkCount"`
	Folders          []string              `json:"folders"`
	RelatedDocuments []chatRelatedDocument `json:"relatedDocuments"`
}

type chatRelatedDocument struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Path  string `json:"path"`
}

// New constructs a Server that serves the HTTP API using the provided
// configuration and workflow services.
func New(cfg config.Config, logger *zap.Logger, chatSvc ChatService, ingestor Ingestor, clearer Clearer) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{cfg: cfg, logger: logger, chat: chatSvc, ingest: ingestor, clear: clearer}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/ingest", s.handleIngest)
	mux.HandleFunc("/v1/chat", s.handleChat)
	mux.HandleFunc("/v1/clear", s.handleClear)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	if s.ingest == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("ingestion is not configured"))
		return
	}

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	dir := strings.TrimSpace(req.Dir)
	if dir == "" {
		dir = s.cfg.DataDir
	}

	s.logger.Info("ingesting documents", zap.String("dir", dir))

	stats, err := s.ingest.Ingest(r.Context(), dir)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("ingestion failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, ingestResponse{Message: "ingestion complete", Stats: stats})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	if s.chat == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("chat is not configured"))
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("question is required"))
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.Chat.SimilarityLimit
	}
	if limit <= 0 {
		limit = defaultChatLimit
	}

	resp, err := s.chat.Chat(r.Context(), req.Question, chat.Config{
		SimilarityLimit: limit,
		ContextBudget:   s.cfg.Chat.ContextBudget,
		SystemPrompt:    s.cfg.Chat.SystemPrompt,
		NoRetrieval:     req.NoRetrieval,
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("chat failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, transformChatResponse(&resp))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	if s.clear == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("clear is not configured"))
		return
	}

	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if !req.Confirm {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("confirm must be true to clear data"))
		return
	}

	if err := s.clear.Clear(r.Context()); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("clear failed: %w", err))
		return
	}

	s.logger.Info("corpus data removed")
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "corpus data cleared"})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("api error", zap.Int("status", status), zap.Error(err))
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}

func transformChatResponse(resp *chat.Response) chatResponse {
	if resp == nil {
		return chatResponse{}
	}

	converted := chatResponse{Answer: resp.Answer}
	if len(resp.Sources) == 0 {
		return converted
	}

	sources := make([]chatSource, len(resp.Sources))
	for i, src := range resp.Sources {
		sources[i] = chatSource{
			DocumentID: src.DocumentID,
			Title:      src.Title,
			Path:       src.Path,
			URL:        src.URL,
			Snippet:    src.Snippet,
			Score:      src.Score,
			Insight:    transformInsight(src.Insight),
		}
	}
	converted.Sources = sources
	return converted
}

func transformInsight(insight chat.DocumentInsight) chatDocumentInsight {
	related := make([]chatRelatedDocument, len(insight.RelatedDocuments))
	for i, doc := range insight.RelatedDocuments {
		related[i] = chatRelatedDocument{
			ID:    doc.ID,
			Title: doc.Title,
			Path:  doc.Path,
		}
	}

	return chatDocumentInsight{
		ChunkCount:       insight.ChunkCount,
		Folders:          append([]string(nil), insight.Folders...),
		RelatedDocuments: related,
	}
}
