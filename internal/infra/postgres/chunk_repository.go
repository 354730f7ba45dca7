package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

const chunkColumns = `id, content, metadata, source_type, source_filename, created_at`

const searchChunksByVector = `
SELECT ` + chunkColumns + `
FROM knowledge_base
WHERE source_type = ANY($2::text[])
  AND embedding IS NOT NULL
  AND 1 - (embedding <=> $1) >= $3
ORDER BY embedding <=> $1, created_at DESC
LIMIT $4`

// 語の AND で検索する（通常）
const searchChunksByKeyword = `
SELECT ` + chunkColumns + `
FROM knowledge_base, plainto_tsquery('english', $1) AS query
WHERE tsv @@ query
  AND source_type = ANY($2::text[])
ORDER BY ts_rank(tsv, query) DESC, created_at DESC
LIMIT $3`

// 語の OR で検索する（緩和クエリ）
const searchChunksByAnyKeyword = `
SELECT ` + chunkColumns + `
FROM knowledge_base, websearch_to_tsquery('english', $1) AS query
WHERE tsv @@ query
  AND source_type = ANY($2::text[])
ORDER BY ts_rank(tsv, query) DESC, created_at DESC
LIMIT $3`

const listChunksByFilename = `
SELECT ` + chunkColumns + `
FROM knowledge_base
WHERE source_filename = $1
  AND source_type = $2
ORDER BY (metadata->>'source_page')::int ASC NULLS LAST, created_at ASC
LIMIT $3`

const insertChunk = `
INSERT INTO knowledge_base (id, content, embedding, metadata, source_type, source_filename, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

const deleteChunksByFilename = `DELETE FROM knowledge_base WHERE source_filename = $1`

// ChunkRepository は knowledge_base テーブルへの検索を提供する
type ChunkRepository struct {
	db DBTX
}

// NewChunkRepository は新しい ChunkRepository を返す。
func NewChunkRepository(db DBTX) *ChunkRepository {
	return &ChunkRepository{db: db}
}

var (
	_ knowledge.ChunkSearcher = (*ChunkRepository)(nil)
	_ knowledge.ChunkReader   = (*ChunkRepository)(nil)
)

func (r *ChunkRepository) SearchByVector(ctx context.Context, embedding []float32, q knowledge.VectorQuery) ([]*knowledge.Chunk, error) {
	rows, err := r.db.Query(ctx, searchChunksByVector,
		pgvector.NewVector(embedding),
		KindsToText(q.Kinds),
		q.MinSimilarity,
		q.Limit,
	)
	if err != nil {
		return nil, classify("search chunks by vector", err)
	}
	chunks, err := pgx.CollectRows(rows, scanChunk)
	if err != nil {
		return nil, classify("scan vector search results", err)
	}
	return chunks, nil
}

func (r *ChunkRepository) SearchByKeyword(ctx context.Context, q knowledge.KeywordQuery) ([]*knowledge.Chunk, error) {
	terms := strings.Fields(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}

	query, text := searchChunksByKeyword, strings.Join(terms, " ")
	if q.MatchAny {
		query, text = searchChunksByAnyKeyword, strings.Join(terms, " or ")
	}

	rows, err := r.db.Query(ctx, query, text, KindsToText(q.Kinds), q.Limit)
	if err != nil {
		return nil, classify("search chunks by keyword", err)
	}
	chunks, err := pgx.CollectRows(rows, scanChunk)
	if err != nil {
		return nil, classify("scan keyword search results", err)
	}
	return chunks, nil
}

func (r *ChunkRepository) ListByFilename(ctx context.Context, filename string, kind knowledge.SourceKind, limit int) ([]*knowledge.Chunk, error) {
	rows, err := r.db.Query(ctx, listChunksByFilename, filename, string(kind), limit)
	if err != nil {
		return nil, classify("list chunks by filename", err)
	}
	chunks, err := pgx.CollectRows(rows, scanChunk)
	if err != nil {
		return nil, classify("scan chunks", err)
	}
	return chunks, nil
}

// Insert はチャンクを保存する（取り込み処理とテストで使用）
func (r *ChunkRepository) Insert(ctx context.Context, c *knowledge.Chunk) error {
	metadata, err := JSONBFromMetadata(c.Metadata)
	if err != nil {
		return err
	}
	var embedding any
	if len(c.Embedding) > 0 {
		embedding = pgvector.NewVector(c.Embedding)
	}
	if _, err := r.db.Exec(ctx, insertChunk,
		c.ID,
		c.Content,
		embedding,
		metadata,
		string(c.Kind),
		c.SourceFilename,
		c.CreatedAt,
	); err != nil {
		return classify("insert chunk", err)
	}
	return nil
}

// DeleteByFilename はファイルの全チャンクを削除し、削除件数を返す
func (r *ChunkRepository) DeleteByFilename(ctx context.Context, filename string) (int64, error) {
	tag, err := r.db.Exec(ctx, deleteChunksByFilename, filename)
	if err != nil {
		return 0, classify("delete chunks", err)
	}
	return tag.RowsAffected(), nil
}

func scanChunk(row pgx.CollectableRow) (*knowledge.Chunk, error) {
	var (
		c        knowledge.Chunk
		metadata []byte
		kind     string
	)
	if err := row.Scan(&c.ID, &c.Content, &metadata, &kind, &c.SourceFilename, &c.CreatedAt); err != nil {
		return nil, err
	}
	m, err := MetadataFromJSONB(metadata)
	if err != nil {
		return nil, err
	}
	c.Metadata = m
	c.Kind = knowledge.SourceKind(kind)
	return &c, nil
}
