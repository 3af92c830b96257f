package embeddings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"korpusrag/config"
)

func TestNewEmbedderOllama(t *testing.T) {
	cfg := config.Default()
	embedder, err := NewEmbedder(cfg)
	require.NoError(t, err)
	assert.NotNil(t, embedder)
}

func TestNewEmbedderOpenAIRequiresKey(t *testing.T) {
	cfg := config.Default()
	cfg.Embeddings.Provider = config.ProviderOpenAI
	cfg.OpenAIAPIKey = ""

	_, err := NewEmbedder(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestNewEmbedderUnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Embeddings.Provider = "vertex"

	_, err := NewEmbedder(cfg)
	require.Error(t, err)
}
