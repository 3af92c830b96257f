package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"korpusrag/api"
	"korpusrag/chat"
	"korpusrag/chunking"
	"korpusrag/config"
	"korpusrag/crawler"
	"korpusrag/database"
	"korpusrag/embeddings"
	"korpusrag/ingestion"
	"korpusrag/knowledge"
	"korpusrag/llm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		verbose    bool
	)

	root := &cobra.Command{
		Use:           "korpusrag",
		Short:         "Crawl, index and chat with a document corpus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newCrawlCmd(&configPath, &verbose),
		newIndexCmd(&configPath, &verbose),
		newChunkCmd(&configPath, &verbose),
		newEmbedCmd(&configPath, &verbose),
		newIngestCmd(&configPath, &verbose),
		newChatCmd(&configPath, &verbose),
		newClearCmd(&configPath, &verbose),
		newServeCmd(&configPath, &verbose),
	)

	return root
}

func newLogger(verbose bool) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Encoding = "console"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zapCfg.Build()
}

// setup loads the configuration and builds the logger; every subcommand
// starts here.
func setup(configPath string, verbose bool) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}

	logger, err := newLogger(verbose)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}

	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openNeo4j returns a nil driver when no URI is configured; the pipeline
// then runs without the knowledge graph.
func openNeo4j(ctx context.Context, cfg config.Config, logger *zap.Logger) (neo4j.DriverWithContext, error) {
	if cfg.Neo4jURI == "" {
		logger.Debug("no neo4j uri configured, skipping knowledge graph")
		return nil, nil
	}
	return database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
}

func newCrawlCmd(configPath *string, verbose *bool) *cobra.Command {
	var (
		dir      string
		maxFiles int
	)

	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Mirror a website into the local data directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if dir == "" {
				dir = cfg.DataDir
			}
			if maxFiles > 0 {
				cfg.Crawler.MaxFiles = maxFiles
			}

			ctx, cancel := signalContext()
			defer cancel()

			manifest, err := crawler.OpenManifest(cfg.Crawler.ManifestPath)
			if err != nil {
				return fmt.Errorf("open crawl manifest: %w", err)
			}
			defer manifest.Close()

			c := crawler.New(manifest, logger, crawler.Options{
				MaxFiles:          cfg.Crawler.MaxFiles,
				RequestsPerSecond: cfg.Crawler.RequestsPerSecond,
				UserAgent:         cfg.Crawler.UserAgent,
			})

			saved, err := c.Run(ctx, args[0], dir)
			if err != nil {
				return fmt.Errorf("crawl failed: %w", err)
			}

			logger.Info("crawl complete", zap.Int("saved", saved), zap.String("dir", dir))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory to mirror fetched files into (default: data dir)")
	cmd.Flags().IntVar(&maxFiles, "max-files", 0, "maximum number of files to save")
	return cmd
}

func newIndexCmd(configPath *string, verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index <dir>",
		Short: "Parse fetched documents and store them in Postgres",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			pool, driver, cleanup, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			svc, err := newIndexService(ctx, cfg, pool, driver, logger)
			if err != nil {
				return err
			}

			indexed, err := svc.IndexDirectory(ctx, args[0])
			if err != nil {
				return fmt.Errorf("indexing failed: %w", err)
			}

			logger.Info("indexing complete", zap.Int("documents", indexed))
			return nil
		},
	}
	return cmd
}

func newChunkCmd(configPath *string, verbose *bool) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "chunk",
		Short: "Split indexed documents into token-bounded chunks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			pool, driver, cleanup, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			svc := chunking.NewService(pool, driver, logger, cfg.Chunking.MaxTokens)
			chunks, err := svc.ChunkDocuments(ctx, force)
			if err != nil {
				return fmt.Errorf("chunking failed: %w", err)
			}

			logger.Info("chunking complete", zap.Int("chunks", chunks))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "rebuild chunks for documents that already have them")
	return cmd
}

func newEmbedCmd(configPath *string, verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "embed",
		Short: "Compute embeddings for chunks that do not have one yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("postgres connection: %w", err)
			}
			defer pool.Close()

			embedder, err := embeddings.NewEmbedder(cfg)
			if err != nil {
				return fmt.Errorf("embedder setup: %w", err)
			}

			svc := embeddings.NewService(pool, embedder, logger)
			embedded, err := svc.EmbedPending(ctx)
			if err != nil {
				return fmt.Errorf("embedding failed: %w", err)
			}

			logger.Info("embedding complete", zap.Int("chunks", embedded),
				zap.String("model", cfg.Embeddings.Model))
			return nil
		},
	}
	return cmd
}

func newIngestCmd(configPath *string, verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <dir>",
		Short: "Index, chunk and embed a directory in one pass",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			pool, driver, cleanup, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			p := &pipeline{cfg: cfg, pool: pool, driver: driver, logger: logger}
			stats, err := p.Ingest(ctx, args[0])
			if err != nil {
				return fmt.Errorf("ingestion failed: %w", err)
			}

			logger.Info("ingestion complete",
				zap.Int("documents", stats.Documents),
				zap.Int("chunks", stats.Chunks),
				zap.Int("embedded", stats.Embedded))
			return nil
		},
	}
	return cmd
}

func newChatCmd(configPath *string, verbose *bool) *cobra.Command {
	var (
		question  string
		limit     int
		noContext bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Ask questions against the indexed corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := signalContext()
			defer cancel()

			pool, driver, cleanup, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			embedder, err := embeddings.NewEmbedder(cfg)
			if err != nil {
				return fmt.Errorf("embedder setup: %w", err)
			}

			llmClient, err := llm.NewClient(cfg)
			if err != nil {
				return fmt.Errorf("llm setup: %w", err)
			}

			var graphStore chat.GraphStore
			if driver != nil {
				graphStore = chat.NewNeo4jGraphStore(driver)
			}

			svc := chat.NewService(chat.NewPostgresVectorStore(pool), graphStore, embedder, llmClient, logger)

			chatCfg := chat.Config{
				SimilarityLimit: cfg.Chat.SimilarityLimit,
				ContextBudget:   cfg.Chat.ContextBudget,
				SystemPrompt:    cfg.Chat.SystemPrompt,
				NoRetrieval:     noContext,
			}
			if limit > 0 {
				chatCfg.SimilarityLimit = limit
			}

			if strings.TrimSpace(question) != "" {
				return askOnce(ctx, svc, question, chatCfg, *verbose)
			}

			return chatLoop(ctx, svc, cfg.Chat, chatCfg, *verbose)
		},
	}

	cmd.Flags().StringVarP(&question, "question", "q", "", "ask a single question and exit")
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "number of context chunks to retrieve")
	cmd.Flags().BoolVar(&noContext, "no-context", false, "answer from the model alone, without retrieval")
	return cmd
}

func askOnce(ctx context.Context, svc *chat.Service, question string, cfg chat.Config, verbose bool) error {
	resp, _, err := svc.ChatStream(ctx, question, cfg, nil, func(token string) error {
		fmt.Print(token)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Println()

	if verbose {
		printSources(resp.Sources)
	}
	return nil
}

// chatLoop is the interactive REPL. The prompt strings are configurable and
// default to German, matching the corpora the pipeline is built for.
func chatLoop(ctx context.Context, svc *chat.Service, ui config.ChatConfig, cfg chat.Config, verbose bool) error {
	fmt.Println(ui.WelcomeMessage)

	var history []llm.Message
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print(ui.UserPrefix)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return nil
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.EqualFold(input, "exit") {
			return nil
		}

		fmt.Print(ui.BotPrefix)
		resp, updated, err := svc.ChatStream(ctx, input, cfg, history, func(token string) error {
			fmt.Print(token)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Printf("Fehler: %v\n", err)
			continue
		}
		history = updated
		fmt.Println()

		if verbose {
			printSources(resp.Sources)
		}
	}
}

func printSources(sources []chat.Source) {
	if len(sources) == 0 {
		return
	}

	fmt.Println("\nQuellen:")
	for i, src := range sources {
		fmt.Printf("  %d. %s (%s, score %.3f)\n", i+1, src.Title, src.Path, src.Score)
		if src.URL != "" {
			fmt.Printf("     %s\n", src.URL)
		}
		if src.Insight.ChunkCount > 0 {
			fmt.Printf("     %d Chunks", src.Insight.ChunkCount)
			if len(src.Insight.Folders) > 0 {
				fmt.Printf(", Ordner: %s", strings.Join(src.Insight.Folders, ", "))
			}
			fmt.Println()
		}
		for _, rel := range src.Insight.RelatedDocuments {
			fmt.Printf("     siehe auch: %s (%s)\n", rel.Title, rel.Path)
		}
	}
}

func newClearCmd(configPath *string, verbose *bool) *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all indexed documents, chunks and graph nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if !confirm {
				fmt.Print("This removes all indexed documents, chunks and graph nodes. Type 'yes' to continue: ")
				scanner := bufio.NewScanner(os.Stdin)
				if !scanner.Scan() || !strings.EqualFold(strings.TrimSpace(scanner.Text()), "yes") {
					return fmt.Errorf("clear aborted")
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			pool, driver, cleanup, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			p := &pipeline{cfg: cfg, pool: pool, driver: driver, logger: logger}
			if err := p.Clear(ctx); err != nil {
				return err
			}

			logger.Info("corpus data cleared")
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "confirm that all indexed data should be removed")
	return cmd
}

func newServeCmd(configPath *string, verbose *bool) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ingestion and chat workflows over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*configPath, *verbose)
			if err != nil {
				return err
			}
			defer logger.Sync()

			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, cancel := signalContext()
			defer cancel()

			pool, driver, cleanup, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			embedder, err := embeddings.NewEmbedder(cfg)
			if err != nil {
				return fmt.Errorf("embedder setup: %w", err)
			}

			llmClient, err := llm.NewClient(cfg)
			if err != nil {
				return fmt.Errorf("llm setup: %w", err)
			}

			var graphStore chat.GraphStore
			if driver != nil {
				graphStore = chat.NewNeo4jGraphStore(driver)
			}

			chatSvc := chat.NewService(chat.NewPostgresVectorStore(pool), graphStore, embedder, llmClient, logger)
			p := &pipeline{cfg: cfg, pool: pool, driver: driver, logger: logger}

			server := &http.Server{
				Addr:    cfg.Server.Addr,
				Handler: api.New(cfg, logger, chatSvc, p, p).Handler(),
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", zap.String("addr", cfg.Server.Addr))
				errCh <- server.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer shutdownCancel()
				return server.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err == http.ErrServerClosed {
					return nil
				}
				return err
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, neo4j.DriverWithContext, func(), error) {
	pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres connection: %w", err)
	}

	driver, err := openNeo4j(ctx, cfg, logger)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("neo4j connection: %w", err)
	}

	cleanup := func() {
		if driver != nil {
			driver.Close(ctx)
		}
		pool.Close()
	}
	return pool, driver, cleanup, nil
}

// newIndexService wires the crawl manifest's URL mapping into the indexer so
// stored documents keep a pointer to their source page.
func newIndexService(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, driver neo4j.DriverWithContext, logger *zap.Logger) (*ingestion.Service, error) {
	svc := ingestion.NewService(pool, driver, logger, cfg.Embeddings.Dimension, cfg.Language)

	if _, err := os.Stat(cfg.Crawler.ManifestPath); err == nil {
		manifest, err := crawler.OpenManifest(cfg.Crawler.ManifestPath)
		if err != nil {
			return nil, fmt.Errorf("open crawl manifest: %w", err)
		}
		defer manifest.Close()

		urls, err := manifest.SourceURLs(ctx)
		if err != nil {
			return nil, fmt.Errorf("read crawl manifest: %w", err)
		}
		svc.SetSourceURLs(urls)
	}

	return svc, nil
}

// pipeline chains index, chunk and embed; it backs the ingest command and
// the HTTP API.
type pipeline struct {
	cfg    config.Config
	pool   *pgxpool.Pool
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

var (
	_ api.Ingestor = (*pipeline)(nil)
	_ api.Clearer  = (*pipeline)(nil)
)

func (p *pipeline) Ingest(ctx context.Context, dir string) (api.IngestStats, error) {
	indexSvc, err := newIndexService(ctx, p.cfg, p.pool, p.driver, p.logger)
	if err != nil {
		return api.IngestStats{}, err
	}

	documents, err := indexSvc.IndexDirectory(ctx, dir)
	if err != nil {
		return api.IngestStats{}, fmt.Errorf("index: %w", err)
	}

	chunkSvc := chunking.NewService(p.pool, p.driver, p.logger, p.cfg.Chunking.MaxTokens)
	chunks, err := chunkSvc.ChunkDocuments(ctx, false)
	if err != nil {
		return api.IngestStats{}, fmt.Errorf("chunk: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(p.cfg)
	if err != nil {
		return api.IngestStats{}, fmt.Errorf("embedder setup: %w", err)
	}

	embedSvc := embeddings.NewService(p.pool, embedder, p.logger)
	embedded, err := embedSvc.EmbedPending(ctx)
	if err != nil {
		return api.IngestStats{}, fmt.Errorf("embed: %w", err)
	}

	return api.IngestStats{Documents: documents, Chunks: chunks, Embedded: embedded}, nil
}

func (p *pipeline) Clear(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, "TRUNCATE chunks, documents"); err != nil {
		return fmt.Errorf("truncate postgres tables: %w", err)
	}

	if p.driver != nil {
		if err := knowledge.Purge(ctx, p.driver); err != nil {
			return fmt.Errorf("clear knowledge graph: %w", err)
		}
	}

	return nil
}
