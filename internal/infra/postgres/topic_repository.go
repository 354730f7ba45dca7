package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/samber/mo"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

const insertTopic = `
INSERT INTO topics (id, name, source_filename, created_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (name, source_filename) DO NOTHING`

const listTopics = `
SELECT id, name, source_filename, created_at
FROM topics
WHERE ($1::text IS NULL OR source_filename = $1)
ORDER BY source_filename, name`

const deleteTopicsByFilename = `DELETE FROM topics WHERE source_filename = $1`

// TopicRepository は topics テーブルを扱う
type TopicRepository struct {
	db DBTX
}

// NewTopicRepository は新しい TopicRepository を返す。
func NewTopicRepository(db DBTX) *TopicRepository {
	return &TopicRepository{db: db}
}

var _ knowledge.TopicRepository = (*TopicRepository)(nil)

// InsertTopics は 1 往復のバッチで挿入し、新規に挿入された件数を返す
func (r *TopicRepository) InsertTopics(ctx context.Context, filename string, names []string) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, name := range names {
		batch.Queue(insertTopic, uuid.New(), name, filename)
	}

	results := r.db.SendBatch(ctx, batch)
	inserted := 0
	for range names {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return inserted, classify("insert topic", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return inserted, classify("insert topics", err)
	}
	return inserted, nil
}

func (r *TopicRepository) ListTopics(ctx context.Context, filename mo.Option[string]) ([]*knowledge.Topic, error) {
	var arg *string
	if name, ok := filename.Get(); ok {
		arg = &name
	}

	rows, err := r.db.Query(ctx, listTopics, arg)
	if err != nil {
		return nil, classify("list topics", err)
	}
	topics, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*knowledge.Topic, error) {
		var t knowledge.Topic
		if err := row.Scan(&t.ID, &t.Name, &t.SourceFilename, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		return &t, nil
	})
	if err != nil {
		return nil, classify("scan topics", err)
	}
	return topics, nil
}

// DeleteByFilename はファイルのトピックを削除し、削除件数を返す
func (r *TopicRepository) DeleteByFilename(ctx context.Context, filename string) (int64, error) {
	tag, err := r.db.Exec(ctx, deleteTopicsByFilename, filename)
	if err != nil {
		return 0, classify("delete topics", err)
	}
	return tag.RowsAffected(), nil
}
