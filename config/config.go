// Package config loads the pipeline configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

type Config struct {
	PostgresDSN string `yaml:"postgresDSN"`
	Neo4jURI    string `yaml:"neo4jURI"`
	Neo4jUser   string `yaml:"neo4jUser"`
	Neo4jPass   string `yaml:"neo4jPass"`

	DataDir  string `yaml:"dataDir"`
	Language string `yaml:"language"`

	OllamaHost    string `yaml:"ollamaHost"`
	OpenAIAPIKey  string `yaml:"openAIAPIKey"`
	OpenAIBaseURL string `yaml:"openAIBaseURL"`

	Crawler    CrawlerConfig  `yaml:"crawler"`
	Chunking   ChunkingConfig `yaml:"chunking"`
	Embeddings ProviderConfig `yaml:"embeddings"`
	LLM        LLMConfig      `yaml:"llm"`
	Chat       ChatConfig     `yaml:"chat"`
	Server     ServerConfig   `yaml:"server"`
}

type CrawlerConfig struct {
	MaxFiles          int     `yaml:"maxFiles"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	UserAgent         string  `yaml:"userAgent"`
	ManifestPath      string  `yaml:"manifestPath"`
}

type ChunkingConfig struct {
	MaxTokens int `yaml:"maxTokens"`
}

type ProviderConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
}

type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
}

type ChatConfig struct {
	SimilarityLimit int    `yaml:"similarityLimit"`
	ContextBudget   int    `yaml:"contextBudget"`
	SystemPrompt    string `yaml:"systemPrompt"`
	WelcomeMessage  string `yaml:"welcomeMessage"`
	UserPrefix      string `yaml:"userPrefix"`
	BotPrefix       string `yaml:"botPrefix"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration. The defaults target a local
// Ollama and a local Postgres/Neo4j, matching the corpus-on-a-laptop setup
// the pipeline is written for.
func Default() Config {
	return Config{
		PostgresDSN: "postgres://localhost:5432/korpusrag?sslmode=disable",
		Neo4jURI:    "neo4j://localhost:7687",
		Neo4jUser:   "neo4j",
		Neo4jPass:   "password",
		DataDir:     "./data",
		Language:    "de",
		OllamaHost:  "http://localhost:11434",
		Crawler: CrawlerConfig{
			MaxFiles:          100,
			RequestsPerSecond: 2,
			UserAgent:         "korpusrag/1.0",
			ManifestPath:      "./data/crawl.db",
		},
		Chunking: ChunkingConfig{
			MaxTokens: 512,
		},
		Embeddings: ProviderConfig{
			Provider:  ProviderOllama,
			Model:     "nomic-embed-text",
			Dimension: 768,
		},
		LLM: LLMConfig{
			Provider:    ProviderOllama,
			Model:       "llama3.1",
			Temperature: 0,
		},
		Chat: ChatConfig{
			SimilarityLimit: 5,
			ContextBudget:   12000,
			SystemPrompt:    "You are a helpful assistant.",
			WelcomeMessage:  "Willkommen beim RAG Chat",
			UserPrefix:      "Du sagst: ",
			BotPrefix:       "Antwort: ",
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// Load reads the configuration file at path (missing file or empty path
// falls back to defaults) and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.PostgresDSN = getEnv("POSTGRES_DSN", c.PostgresDSN)
	c.Neo4jURI = getEnv("NEO4J_URI", c.Neo4jURI)
	c.Neo4jUser = getEnv("NEO4J_USERNAME", c.Neo4jUser)
	c.Neo4jPass = getEnv("NEO4J_PASSWORD", c.Neo4jPass)
	c.OllamaHost = getEnv("OLLAMA_HOST", c.OllamaHost)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.DataDir = getEnv("KORPUSRAG_DATA_DIR", c.DataDir)
	c.Embeddings.Provider = getEnv("KORPUSRAG_EMBEDDING_PROVIDER", c.Embeddings.Provider)
	c.Embeddings.Model = getEnv("KORPUSRAG_EMBEDDING_MODEL", c.Embeddings.Model)
	c.Embeddings.Dimension = getEnvInt("KORPUSRAG_EMBEDDING_DIMENSION", c.Embeddings.Dimension)
	c.LLM.Provider = getEnv("KORPUSRAG_LLM_PROVIDER", c.LLM.Provider)
	c.LLM.Model = getEnv("KORPUSRAG_LLM_MODEL", c.LLM.Model)
}

func (c *Config) validate() error {
	switch c.Embeddings.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown embedding provider: %s", c.Embeddings.Provider)
	}
	switch c.LLM.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown llm provider: %s", c.LLM.Provider)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.Embeddings.Dimension)
	}
	if c.Chunking.MaxTokens <= 0 {
		return fmt.Errorf("chunk token budget must be positive, got %d", c.Chunking.MaxTokens)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
