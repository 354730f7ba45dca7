// Package container はアプリケーションの依存関係を組み立てる
package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/exam-rag/internal/core/dedup"
	"github.com/jinford/exam-rag/internal/core/generation"
	"github.com/jinford/exam-rag/internal/core/knowledge"
	"github.com/jinford/exam-rag/internal/core/retrieval"
	"github.com/jinford/exam-rag/internal/core/style"
	"github.com/jinford/exam-rag/internal/core/topic"
	"github.com/jinford/exam-rag/internal/infra/openai"
	"github.com/jinford/exam-rag/internal/infra/postgres"
	"github.com/jinford/exam-rag/internal/platform/config"
	"github.com/jinford/exam-rag/internal/platform/database"
)

// Container はアプリケーション全体の依存関係を保持する
type Container struct {
	Config   *config.Config
	Logger   *slog.Logger
	Database *database.DB

	Chunks   *postgres.ChunkRepository
	Styles   *postgres.StyleProfileRepository
	Topics   *postgres.TopicRepository
	History  *postgres.QuestionHistoryRepository
	Maintain *database.Maintenance

	LLM         *openai.Client
	Embedder    *openai.Embedder
	CostTracker *openai.CostTracker

	Retriever   *retrieval.HybridRetriever
	StyleCache  *style.Cache
	TopicSvc    *topic.Service
	Guard       *dedup.Guard
	Coordinator *generation.Coordinator
}

type options struct {
	embedder knowledge.Embedder
	llm      openai.JSONCompleter
}

// Option は Container 構築時のオプション
type Option func(*options)

// WithEmbedder は Embedder を差し替える
func WithEmbedder(e knowledge.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithLLM は LLM クライアントを差し替える
func WithLLM(llm openai.JSONCompleter) Option {
	return func(o *options) {
		o.llm = llm
	}
}

// New は設定からすべての依存関係を初期化する
func New(ctx context.Context, logger *slog.Logger, cfg *config.Config, opts ...Option) (*Container, error) {
	db, err := database.New(ctx, database.ConnectionParams{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	c, err := NewWithDB(logger, cfg, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// NewWithDB は既存の DB 接続を使ってコンテナを生成する
func NewWithDB(logger *slog.Logger, cfg *config.Config, db *database.DB, opts ...Option) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Container{
		Config:   cfg,
		Logger:   logger,
		Database: db,
		Chunks:   postgres.NewChunkRepository(db.Pool),
		Styles:   postgres.NewStyleProfileRepository(db.Pool),
		Topics:   postgres.NewTopicRepository(db.Pool),
		History:  postgres.NewQuestionHistoryRepository(db.Pool),
		Maintain: database.NewMaintenance(database.NewTransactionProvider(db.Pool), logger),
	}

	// コスト管理（価格ファイル未指定の場合は無制限）
	if cfg.OpenAI.PricingFile != "" {
		tracker, err := openai.LoadCostTracker(cfg.OpenAI.PricingFile, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load pricing: %w", err)
		}
		c.CostTracker = tracker
	}

	llm := o.llm
	if llm == nil {
		clientOpts := []openai.ClientOption{
			openai.WithModel(cfg.OpenAI.LLMModel),
			openai.WithRequestsPerMinute(cfg.OpenAI.RequestsPerMinute),
			openai.WithLogger(logger),
		}
		if c.CostTracker != nil {
			clientOpts = append(clientOpts, openai.WithCostTracker(c.CostTracker))
		}
		client, err := openai.NewClient(cfg.OpenAI.APIKey, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
		}
		c.LLM = client
		llm = client
	}

	embedder := o.embedder
	if embedder == nil {
		c.Embedder = openai.NewEmbedder(
			cfg.OpenAI.APIKey,
			openai.WithEmbeddingModel(cfg.OpenAI.EmbeddingModel),
			openai.WithEmbeddingDimension(cfg.OpenAI.EmbeddingDimension),
		)
		embedder = c.Embedder
	}

	truncator, err := openai.NewTruncator()
	if err != nil {
		// トークナイザーが読めない環境でも文字数ベースで動作させる
		logger.Warn("Tokenizer unavailable, falling back to character estimate", "error", err)
	}
	agentOpts := []openai.AgentOption{openai.WithTruncator(truncator)}

	c.Retriever = retrieval.NewHybridRetriever(c.Chunks, embedder,
		retrieval.WithFusionParams(retrieval.FusionParams{
			RankConstant:  cfg.Retrieval.RankConstant,
			VectorWeight:  1,
			KeywordWeight: 1,
		}),
		retrieval.WithDefaultTopK(cfg.Retrieval.TopK),
		retrieval.WithMinSimilarity(cfg.Retrieval.SimilarityThreshold),
		retrieval.WithRetrieverLogger(logger),
	)

	c.StyleCache = style.NewCache(c.Styles, c.Chunks, openai.NewStyleAnalyzer(llm, agentOpts...),
		style.WithStalenessPolicy(style.StalenessPolicy{MaxAge: cfg.Style.MaxAge}),
		style.WithCacheLogger(logger),
	)

	c.TopicSvc = topic.NewService(c.Topics, c.Maintain, c.Chunks, openai.NewTopicExtractor(llm, agentOpts...),
		topic.WithLogger(logger),
	)

	guardOpts := []dedup.GuardOption{
		dedup.WithThreshold(cfg.Pipeline.DedupThreshold),
		dedup.WithGuardLogger(logger),
	}
	if cfg.Pipeline.CheckHistory {
		guardOpts = append(guardOpts, dedup.WithHistory(c.History))
	}
	c.Guard = dedup.NewGuard(embedder, guardOpts...)

	genCfg := generation.DefaultConfig()
	genCfg.FactsTopK = cfg.Retrieval.TopK
	genCfg.MaxDraftAttempts = cfg.Pipeline.MaxDraftAttempts
	genCfg.MinQualityScore = cfg.Pipeline.MinQualityScore
	genCfg.CallTimeout = cfg.Pipeline.CallTimeout
	genCfg.CollaboratorRetries = cfg.Pipeline.CollaboratorRetries
	genCfg.RememberAccepted = cfg.Pipeline.CheckHistory

	c.Coordinator = generation.NewCoordinator(
		c.Retriever,
		c.StyleCache,
		openai.NewDrafter(llm, agentOpts...),
		openai.NewCritic(llm, agentOpts...),
		c.Guard,
		generation.WithResearcher(openai.NewResearcher(llm, agentOpts...)),
		generation.WithConfig(genCfg),
		generation.WithCoordinatorLogger(logger),
	)

	return c, nil
}

// Ping はストアの疎通を確認する
func (c *Container) Ping(ctx context.Context) error {
	if err := c.Database.Pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w: %w", knowledge.ErrStoreUnavailable, err)
	}
	return nil
}

// Close は保持するリソースを解放する
func (c *Container) Close() {
	if c.CostTracker != nil {
		c.Logger.Info("LLM usage", "totalCost", c.CostTracker.TotalCost())
	}
	if c.Database != nil {
		c.Database.Close()
	}
}
