package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"korpusrag/config"
)

func TestOllamaGenerate(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaChatMessage{Role: RoleAssistant, Content: "Ein Kaufvertrag ist..."},
			Done:    true,
		})
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{OllamaHost: srv.URL, Model: "llama3.1", Temperature: 0.2})

	answer, err := client.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are a helpful assistant."},
		{Role: RoleUser, Content: "Was ist ein Kaufvertrag?"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Ein Kaufvertrag ist...", answer)
	assert.Equal(t, "llama3.1", got.Model)
	assert.False(t, got.Stream)
	assert.InDelta(t, 0.2, got.Options.Temperature, 1e-6)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleUser, got.Messages[1].Role)
}

func TestOllamaGenerateStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(ollamaChatResponse{Message: ollamaChatMessage{Content: "Hallo"}})
		enc.Encode(ollamaChatResponse{Message: ollamaChatMessage{Content: " Welt"}})
		enc.Encode(ollamaChatResponse{Done: true})
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{OllamaHost: srv.URL, Model: "llama3.1"})
	streamer, ok := client.(StreamClient)
	require.True(t, ok)

	var collected string
	err := streamer.GenerateStream(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, func(chunk string) error {
		collected += chunk
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hallo Welt", collected)
}

func TestOllamaGenerateReportsModelError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaChatResponse{Error: "model requires more memory"})
	}))
	defer srv.Close()

	client := NewOllamaClient(Options{OllamaHost: srv.URL, Model: "llama3.1"})

	_, err := client.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model requires more memory")
}

func TestNewClientOpenAIRequiresKey(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = config.ProviderOpenAI
	cfg.OpenAIAPIKey = ""

	_, err := NewClient(cfg)
	require.Error(t, err)
}
