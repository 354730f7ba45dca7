package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/samber/mo"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

const nearestQuestionSimilarity = `
SELECT 1 - (embedding <=> $1)
FROM generated_questions
ORDER BY embedding <=> $1
LIMIT 1`

const insertGeneratedQuestion = `
INSERT INTO generated_questions (id, stem, fingerprint, embedding, topic, created_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (fingerprint) DO NOTHING`

// QuestionHistoryRepository は出力済み問題の履歴を扱う
type QuestionHistoryRepository struct {
	db DBTX
}

// NewQuestionHistoryRepository は新しい QuestionHistoryRepository を返す。
func NewQuestionHistoryRepository(db DBTX) *QuestionHistoryRepository {
	return &QuestionHistoryRepository{db: db}
}

var _ knowledge.QuestionHistory = (*QuestionHistoryRepository)(nil)

func (r *QuestionHistoryRepository) NearestSimilarity(ctx context.Context, embedding []float32) (mo.Option[float64], error) {
	var similarity float64
	err := r.db.QueryRow(ctx, nearestQuestionSimilarity, pgvector.NewVector(embedding)).Scan(&similarity)
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[float64](), nil
	}
	if err != nil {
		return mo.None[float64](), classify("find nearest question", err)
	}
	return mo.Some(similarity), nil
}

func (r *QuestionHistoryRepository) SaveQuestion(ctx context.Context, q *knowledge.HistoricalQuestion) error {
	id := q.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	if _, err := r.db.Exec(ctx, insertGeneratedQuestion,
		id,
		q.Stem,
		Fingerprint(q.Stem),
		pgvector.NewVector(q.Embedding),
		q.Topic,
	); err != nil {
		return classify("save question", err)
	}
	return nil
}

// Fingerprint は空白・大文字小文字の違いを無視した問題文のハッシュ
func Fingerprint(stem string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(stem), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
