package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

// DefaultThreshold は重複とみなすコサイン類似度の既定値
const DefaultThreshold = 0.92

// Entry は比較対象となる受理済み問題
type Entry struct {
	Key       string
	Embedding []float32
}

// Verdict は重複判定の結果
type Verdict struct {
	Duplicate     bool
	MaxSimilarity float64
	// MatchedKey は最も類似した受理済み問題のキー（履歴一致の場合は "history"）
	MatchedKey string
	// Embedding は候補のベクトル。受理時に Entry として再利用する
	Embedding []float32
}

// Guard は意味的に近すぎる問題を検出する
type Guard struct {
	embedder  knowledge.Embedder
	history   knowledge.QuestionHistory
	threshold float64
	logger    *slog.Logger
}

// GuardOption は Guard のオプション
type GuardOption func(*Guard)

// WithThreshold は重複判定の閾値を設定する
func WithThreshold(threshold float64) GuardOption {
	return func(g *Guard) {
		if threshold > 0 && threshold <= 1 {
			g.threshold = threshold
		}
	}
}

// WithHistory は永続化された問題履歴との比較を有効にする
func WithHistory(history knowledge.QuestionHistory) GuardOption {
	return func(g *Guard) {
		g.history = history
	}
}

// WithGuardLogger はロガーを設定する
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuard は Guard を生成する
func NewGuard(embedder knowledge.Embedder, opts ...GuardOption) *Guard {
	g := &Guard{
		embedder:  embedder,
		threshold: DefaultThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Threshold は現在の閾値を返す
func (g *Guard) Threshold() float64 {
	return g.threshold
}

// Check は候補テキスト（問題文 + 選択肢）が受理済み問題と重複するかを判定する
// 最大類似度が閾値を超えた場合に重複とする
func (g *Guard) Check(ctx context.Context, text string, accepted []Entry) (*Verdict, error) {
	embedding, err := g.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed candidate: %w", err)
	}

	verdict := Compare(embedding, accepted, g.threshold)

	if !verdict.Duplicate && g.history != nil {
		nearest, err := g.history.NearestSimilarity(ctx, embedding)
		if err != nil {
			return nil, fmt.Errorf("failed to query question history: %w", err)
		}
		if sim, ok := nearest.Get(); ok {
			if sim > verdict.MaxSimilarity {
				verdict.MaxSimilarity = sim
				verdict.MatchedKey = "history"
			}
			verdict.Duplicate = sim > g.threshold
		}
	}

	g.logger.Debug("Duplicate check completed",
		"duplicate", verdict.Duplicate,
		"maxSimilarity", verdict.MaxSimilarity,
		"compared", len(accepted),
	)

	return verdict, nil
}

// Remember は受理された問題を履歴に保存する（履歴未設定の場合は何もしない）
func (g *Guard) Remember(ctx context.Context, stem, topic string, embedding []float32) error {
	if g.history == nil {
		return nil
	}
	err := g.history.SaveQuestion(ctx, &knowledge.HistoricalQuestion{
		ID:        uuid.New(),
		Stem:      stem,
		Topic:     topic,
		Embedding: embedding,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save question history: %w", err)
	}
	return nil
}

// Compare は埋め込み済みの候補を受理済み問題と比較する純粋関数
// 同じ入力に対して常に同じ結果を返す
func Compare(embedding []float32, accepted []Entry, threshold float64) *Verdict {
	verdict := &Verdict{Embedding: embedding}
	for _, entry := range accepted {
		sim := CosineSimilarity(embedding, entry.Embedding)
		// 同値の場合は先に受理されたものを一致先とする
		if sim > verdict.MaxSimilarity {
			verdict.MaxSimilarity = sim
			verdict.MatchedKey = entry.Key
		}
	}
	verdict.Duplicate = verdict.MaxSimilarity > threshold
	return verdict
}
