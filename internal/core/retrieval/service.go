package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

const (
	// DefaultTopK は結果件数の既定値
	DefaultTopK = 5
	// DefaultCandidateMultiplier は各検索で取得する候補数の倍率
	DefaultCandidateMultiplier = 2
	// DefaultMinSimilarity はベクトル検索の類似度下限
	DefaultMinSimilarity = 0.3
)

// ErrEmptyQuery はクエリ文字列が空の場合のエラー
var ErrEmptyQuery = errors.New("query text is empty")

// Query はハイブリッド検索の入力
type Query struct {
	Text  string
	Kinds []knowledge.SourceKind
	TopK  int
	// Broad が true の場合は類似度下限を外し、キーワードを OR 検索する
	Broad bool
}

// HybridRetriever はベクトル検索と全文検索を RRF で統合する
type HybridRetriever struct {
	searcher knowledge.ChunkSearcher
	embedder knowledge.Embedder
	logger   *slog.Logger

	params              FusionParams
	defaultTopK         int
	candidateMultiplier int
	minSimilarity       float64
}

// RetrieverOption は HybridRetriever のオプション
type RetrieverOption func(*HybridRetriever)

// WithRetrieverLogger はロガーを設定する
func WithRetrieverLogger(logger *slog.Logger) RetrieverOption {
	return func(r *HybridRetriever) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithFusionParams は RRF パラメータを設定する
func WithFusionParams(params FusionParams) RetrieverOption {
	return func(r *HybridRetriever) {
		r.params = params.normalized()
	}
}

// WithDefaultTopK は TopK 未指定時の件数を設定する
func WithDefaultTopK(k int) RetrieverOption {
	return func(r *HybridRetriever) {
		if k > 0 {
			r.defaultTopK = k
		}
	}
}

// WithCandidateMultiplier は候補取得数の倍率を設定する
func WithCandidateMultiplier(m int) RetrieverOption {
	return func(r *HybridRetriever) {
		if m > 0 {
			r.candidateMultiplier = m
		}
	}
}

// WithMinSimilarity はベクトル検索の類似度下限を設定する
func WithMinSimilarity(s float64) RetrieverOption {
	return func(r *HybridRetriever) {
		if s >= 0 {
			r.minSimilarity = s
		}
	}
}

// NewHybridRetriever は HybridRetriever を生成する
func NewHybridRetriever(searcher knowledge.ChunkSearcher, embedder knowledge.Embedder, opts ...RetrieverOption) *HybridRetriever {
	r := &HybridRetriever{
		searcher:            searcher,
		embedder:            embedder,
		logger:              slog.Default(),
		params:              DefaultFusionParams(),
		defaultTopK:         DefaultTopK,
		candidateMultiplier: DefaultCandidateMultiplier,
		minSimilarity:       DefaultMinSimilarity,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve はクエリに関連するチャンクを融合スコア順に返す
// ストア障害はリトライせず knowledge.ErrStoreUnavailable を含むエラーとして返す
func (r *HybridRetriever) Retrieve(ctx context.Context, q Query) ([]*ScoredChunk, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}

	topK := q.TopK
	if topK <= 0 {
		topK = r.defaultTopK
	}
	candidates := topK * r.candidateMultiplier

	r.logger.Debug("Starting hybrid retrieval", "query", text, "kinds", q.Kinds, "topK", topK, "broad", q.Broad)

	embedding, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	minSimilarity := r.minSimilarity
	if q.Broad {
		minSimilarity = 0
	}

	var vectorHits, keywordHits []*knowledge.Chunk

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.searcher.SearchByVector(gctx, embedding, knowledge.VectorQuery{
			Kinds:         q.Kinds,
			Limit:         candidates,
			MinSimilarity: minSimilarity,
		})
		if err != nil {
			return fmt.Errorf("vector search failed: %w", err)
		}
		vectorHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := r.searcher.SearchByKeyword(gctx, knowledge.KeywordQuery{
			Text:     text,
			Kinds:    q.Kinds,
			Limit:    candidates,
			MatchAny: q.Broad,
		})
		if err != nil {
			return fmt.Errorf("keyword search failed: %w", err)
		}
		keywordHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fused := TopK(Fuse(vectorHits, keywordHits, r.params), topK)

	r.logger.Debug("Hybrid retrieval completed",
		"query", text,
		"vectorHits", len(vectorHits),
		"keywordHits", len(keywordHits),
		"results", len(fused),
	)

	return fused, nil
}

// FetchFacts は教科書・図表から事実となるチャンクを取得する
func (r *HybridRetriever) FetchFacts(ctx context.Context, topic string, k int, broad bool) ([]*ScoredChunk, error) {
	return r.Retrieve(ctx, Query{
		Text:  topic,
		Kinds: knowledge.FactKinds,
		TopK:  k,
		Broad: broad,
	})
}

// FetchStyleExamples は過去問・問題チャンクを取得する
// exam_paper 由来のものを先頭に寄せ、それぞれの中では融合順を保つ
func (r *HybridRetriever) FetchStyleExamples(ctx context.Context, topic string, k int) ([]*ScoredChunk, error) {
	hits, err := r.Retrieve(ctx, Query{
		Text:  topic,
		Kinds: knowledge.StyleExampleKinds,
		TopK:  k,
	})
	if err != nil {
		return nil, err
	}

	ordered := make([]*ScoredChunk, 0, len(hits))
	for _, h := range hits {
		if h.Chunk.Kind == knowledge.SourceKindExamPaper {
			ordered = append(ordered, h)
		}
	}
	for _, h := range hits {
		if h.Chunk.Kind != knowledge.SourceKindExamPaper {
			ordered = append(ordered, h)
		}
	}
	return ordered, nil
}

// Chunks は ScoredChunk からチャンクだけを取り出す
func Chunks(scored []*ScoredChunk) []*knowledge.Chunk {
	result := make([]*knowledge.Chunk, 0, len(scored))
	for _, s := range scored {
		result = append(result, s.Chunk)
	}
	return result
}
