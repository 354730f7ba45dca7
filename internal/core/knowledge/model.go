package knowledge

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourceKind はチャンクの出典種別を表す
type SourceKind string

const (
	SourceKindTextbook  SourceKind = "textbook"
	SourceKindQuestion  SourceKind = "question"
	SourceKindDiagram   SourceKind = "diagram"
	SourceKindExamPaper SourceKind = "exam_paper"
)

// AllSourceKinds は定義済みの全出典種別
var AllSourceKinds = []SourceKind{
	SourceKindTextbook,
	SourceKindQuestion,
	SourceKindDiagram,
	SourceKindExamPaper,
}

// ParseSourceKind は文字列を SourceKind に変換する
func ParseSourceKind(s string) (SourceKind, error) {
	kind := SourceKind(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range AllSourceKinds {
		if k == kind {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown source kind: %q", s)
}

// FactKinds は事実取得に使う出典種別
var FactKinds = []SourceKind{SourceKindTextbook, SourceKindDiagram}

// StyleExampleKinds は過去問の文体例取得に使う出典種別
var StyleExampleKinds = []SourceKind{SourceKindExamPaper, SourceKindQuestion}

// Chunk はナレッジストアに格納された検索可能なテキスト片
type Chunk struct {
	ID             uuid.UUID
	Content        string
	Embedding      []float32
	Metadata       map[string]any
	Kind           SourceKind
	SourceFilename string
	CreatedAt      time.Time
}

// Page はメタデータに記録されたページ番号を返す（未設定の場合は 0）
func (c *Chunk) Page() int {
	if c == nil || c.Metadata == nil {
		return 0
	}
	switch v := c.Metadata["source_page"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

// Reference は出典参照用の短い識別子を返す（例: "biology.pdf p.12"）
func (c *Chunk) Reference() string {
	name := c.SourceFilename
	if name == "" {
		name = c.ID.String()
	}
	if page := c.Page(); page > 0 {
		return fmt.Sprintf("%s p.%d", name, page)
	}
	return name
}

// StylePayload は試験問題の文体・形式の特徴
type StylePayload struct {
	QuestionStems          []string `json:"question_stems,omitempty"`
	AvgSentenceLength      float64  `json:"avg_sentence_length,omitempty"`
	SentenceLengthCategory string   `json:"sentence_length_category,omitempty"` // short|medium|long
	DistractorPatterns     []string `json:"distractor_patterns,omitempty"`
	Complexity             string   `json:"complexity,omitempty"` // simple|moderate|complex
	CommonMisconceptions   []string `json:"common_misconceptions,omitempty"`
	CognitiveLevels        []string `json:"cognitive_levels,omitempty"`
	TrapPatterns           []string `json:"trap_patterns,omitempty"`
	Tone                   string   `json:"tone,omitempty"`
	OptionCount            int      `json:"option_count,omitempty"`
	Notes                  string   `json:"notes,omitempty"`
	ChunkCount             int      `json:"chunk_count,omitempty"`
}

// StyleProfile はファイル単位でキャッシュされる文体プロファイル
// SourceFilename が空のものは試験問題が存在しない場合のデフォルトプロファイル
type StyleProfile struct {
	ID             uuid.UUID
	SourceFilename string
	TopicKeywords  []string
	Profile        StylePayload
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsDefault はデフォルト（中立）プロファイルかどうかを返す
func (p *StyleProfile) IsDefault() bool {
	return p == nil || p.SourceFilename == ""
}

// IsStale は maxAge を基準にプロファイルが古いかを判定する
// maxAge が 0 の場合は常に新鮮とみなす
func (p *StyleProfile) IsStale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(p.UpdatedAt) > maxAge
}

// Topic はファイルから抽出された出題トピック
type Topic struct {
	ID             uuid.UUID
	Name           string
	SourceFilename string
	CreatedAt      time.Time
}

// HistoricalQuestion は過去に出力された問題の記録
type HistoricalQuestion struct {
	ID        uuid.UUID
	Stem      string
	Topic     string
	Embedding []float32
	CreatedAt time.Time
}

// NormalizeKeywords は小文字化・空白除去・重複排除を行う
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	result := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		result = append(result, k)
	}
	return result
}
