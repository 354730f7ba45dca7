package knowledge

import (
	"context"

	"github.com/samber/mo"
)

// VectorQuery はベクトル検索の条件
type VectorQuery struct {
	Kinds         []SourceKind
	Limit         int
	MinSimilarity float64 // 0 の場合は下限なし
}

// KeywordQuery は全文検索の条件
type KeywordQuery struct {
	Text  string
	Kinds []SourceKind
	Limit int
	// MatchAny が true の場合は語の OR で検索する（クエリ緩和用）
	MatchAny bool
}

// ChunkSearcher はチャンクの類似検索を提供する
// 結果は関連度の高い順に並び、先頭が rank 1 となる
type ChunkSearcher interface {
	SearchByVector(ctx context.Context, embedding []float32, q VectorQuery) ([]*Chunk, error)
	SearchByKeyword(ctx context.Context, q KeywordQuery) ([]*Chunk, error)
}

// ChunkReader はファイル単位でチャンクを読み出す
type ChunkReader interface {
	// ListByFilename はページ順・作成順でチャンクを返す
	ListByFilename(ctx context.Context, filename string, kind SourceKind, limit int) ([]*Chunk, error)
}

// StyleProfileRepository は文体プロファイルの永続化を担う
type StyleProfileRepository interface {
	GetByFilename(ctx context.Context, filename string) (*StyleProfile, error)
	// FindByKeyword はキーワードを含む最新のプロファイルを返す（存在しなければ None）
	FindByKeyword(ctx context.Context, keyword string) (mo.Option[*StyleProfile], error)
	// Upsert はファイル名をキーに冪等に保存する
	Upsert(ctx context.Context, profile *StyleProfile) (*StyleProfile, error)
	// FindExamPapers はトピックに関連する試験問題のファイル名を関連度順に返す
	FindExamPapers(ctx context.Context, topic string, limit int) ([]string, error)
	ListExamPaperFilenames(ctx context.Context) ([]string, error)
}

// TopicRepository はトピックの永続化を担う
type TopicRepository interface {
	// InsertTopics は既存の (name, filename) を無視して挿入し、新規件数を返す
	InsertTopics(ctx context.Context, filename string, names []string) (int, error)
	ListTopics(ctx context.Context, filename mo.Option[string]) ([]*Topic, error)
}

// TopicReplacer はファイルのトピック集合を原子的に置き換える
type TopicReplacer interface {
	ReplaceTopics(ctx context.Context, filename string, names []string) (int, error)
}

// FileRepository はファイル単位の削除を担う
type FileRepository interface {
	// DeleteFile はチャンク・トピック・文体プロファイルを一括削除する
	DeleteFile(ctx context.Context, filename string) (*DeleteResult, error)
}

// DeleteResult はファイル削除の件数
type DeleteResult struct {
	Chunks        int64
	Topics        int64
	StyleProfiles int64
}

// QuestionHistory は出力済み問題の履歴
type QuestionHistory interface {
	// NearestSimilarity は履歴中で最も近い問題とのコサイン類似度を返す（履歴が空なら None）
	NearestSimilarity(ctx context.Context, embedding []float32) (mo.Option[float64], error)
	SaveQuestion(ctx context.Context, q *HistoricalQuestion) error
}

// Embedder はテキストをベクトルに変換する
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
