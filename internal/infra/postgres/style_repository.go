package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/samber/mo"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

const styleProfileColumns = `id, source_filename, topic_keywords, profile, created_at, updated_at`

const getStyleProfileByFilename = `
SELECT ` + styleProfileColumns + `
FROM style_profiles
WHERE source_filename = $1`

const findStyleProfileByKeyword = `
SELECT ` + styleProfileColumns + `
FROM style_profiles
WHERE $1 = ANY(topic_keywords)
ORDER BY updated_at DESC
LIMIT 1`

const upsertStyleProfile = `
INSERT INTO style_profiles (id, source_filename, topic_keywords, profile, created_at, updated_at)
VALUES ($1, $2, $3, $4, now(), now())
ON CONFLICT (source_filename) DO UPDATE
SET topic_keywords = EXCLUDED.topic_keywords,
    profile = EXCLUDED.profile,
    updated_at = now()
RETURNING ` + styleProfileColumns

const findExamPapersByTopic = `
SELECT source_filename
FROM knowledge_base, plainto_tsquery('english', $1) AS query
WHERE source_type = 'exam_paper'
  AND tsv @@ query
GROUP BY source_filename
ORDER BY max(ts_rank(tsv, query)) DESC, source_filename ASC
LIMIT $2`

const listExamPaperFilenames = `
SELECT DISTINCT source_filename
FROM knowledge_base
WHERE source_type = 'exam_paper'
ORDER BY source_filename`

const deleteStyleProfileByFilename = `DELETE FROM style_profiles WHERE source_filename = $1`

// StyleProfileRepository は style_profiles テーブルを扱う
type StyleProfileRepository struct {
	db DBTX
}

// NewStyleProfileRepository は新しい StyleProfileRepository を返す。
func NewStyleProfileRepository(db DBTX) *StyleProfileRepository {
	return &StyleProfileRepository{db: db}
}

var _ knowledge.StyleProfileRepository = (*StyleProfileRepository)(nil)

func (r *StyleProfileRepository) GetByFilename(ctx context.Context, filename string) (*knowledge.StyleProfile, error) {
	p, err := scanStyleProfile(r.db.QueryRow(ctx, getStyleProfileByFilename, filename))
	if err != nil {
		return nil, classify("get style profile", err)
	}
	return p, nil
}

func (r *StyleProfileRepository) FindByKeyword(ctx context.Context, keyword string) (mo.Option[*knowledge.StyleProfile], error) {
	normalized := knowledge.NormalizeKeywords([]string{keyword})
	if len(normalized) == 0 {
		return mo.None[*knowledge.StyleProfile](), nil
	}

	p, err := scanStyleProfile(r.db.QueryRow(ctx, findStyleProfileByKeyword, normalized[0]))
	if errors.Is(err, pgx.ErrNoRows) {
		return mo.None[*knowledge.StyleProfile](), nil
	}
	if err != nil {
		return mo.None[*knowledge.StyleProfile](), classify("find style profile by keyword", err)
	}
	return mo.Some(p), nil
}

func (r *StyleProfileRepository) Upsert(ctx context.Context, profile *knowledge.StyleProfile) (*knowledge.StyleProfile, error) {
	payload, err := JSONBFromStylePayload(profile.Profile)
	if err != nil {
		return nil, err
	}
	id := profile.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	saved, err := scanStyleProfile(r.db.QueryRow(ctx, upsertStyleProfile,
		id,
		profile.SourceFilename,
		NonNilStrings(profile.TopicKeywords),
		payload,
	))
	if err != nil {
		return nil, classify("upsert style profile", err)
	}
	return saved, nil
}

func (r *StyleProfileRepository) FindExamPapers(ctx context.Context, topic string, limit int) ([]string, error) {
	rows, err := r.db.Query(ctx, findExamPapersByTopic, topic, limit)
	if err != nil {
		return nil, classify("find exam papers", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("scan exam papers", err)
	}
	return names, nil
}

func (r *StyleProfileRepository) ListExamPaperFilenames(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, listExamPaperFilenames)
	if err != nil {
		return nil, classify("list exam papers", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("scan exam papers", err)
	}
	return names, nil
}

// DeleteByFilename はファイルの文体プロファイルを削除し、削除件数を返す
func (r *StyleProfileRepository) DeleteByFilename(ctx context.Context, filename string) (int64, error) {
	tag, err := r.db.Exec(ctx, deleteStyleProfileByFilename, filename)
	if err != nil {
		return 0, classify("delete style profile", err)
	}
	return tag.RowsAffected(), nil
}

func scanStyleProfile(row pgx.Row) (*knowledge.StyleProfile, error) {
	var (
		p       knowledge.StyleProfile
		payload []byte
	)
	if err := row.Scan(&p.ID, &p.SourceFilename, &p.TopicKeywords, &payload, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	decoded, err := StylePayloadFromJSONB(payload)
	if err != nil {
		return nil, err
	}
	p.Profile = decoded
	return &p, nil
}
