package generation

import (
	"context"
	"errors"
	"strings"

	"github.com/samber/mo"

	"github.com/jinford/exam-rag/internal/core/dedup"
	"github.com/jinford/exam-rag/internal/core/knowledge"
	"github.com/jinford/exam-rag/internal/core/retrieval"
)

// ErrCollaboratorFatal はリトライしても回復しないコラボレーターのエラー（認証失敗・予算超過など）
var ErrCollaboratorFatal = errors.New("collaborator failed permanently")

// Fact は研究ブリーフ中の事実
type Fact struct {
	Fact       string `json:"fact"`
	Importance string `json:"importance,omitempty"`
	Source     string `json:"source,omitempty"`
}

// Definition は用語定義
type Definition struct {
	Term       string `json:"term"`
	Definition string `json:"definition"`
}

// Rule は公式・規則
type Rule struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// Brief は検索結果を出題用に整理した研究ブリーフ
type Brief struct {
	Topic            string       `json:"topic"`
	Summary          string       `json:"summary"`
	CoreFacts        []Fact       `json:"core_facts"`
	KeyDefinitions   []Definition `json:"key_definitions"`
	FormulasAndRules []Rule       `json:"formulas_and_rules"`
	RelatedConcepts  []string     `json:"related_concepts"`
	SourceReferences []string     `json:"source_references"`
}

// BriefFromFacts はチャンクをそのまま事実として並べたブリーフを作る
func BriefFromFacts(topic string, facts []*knowledge.Chunk) *Brief {
	brief := &Brief{Topic: topic}
	for _, c := range facts {
		content := strings.TrimSpace(c.Content)
		if content == "" {
			continue
		}
		brief.CoreFacts = append(brief.CoreFacts, Fact{Fact: content, Source: c.Reference()})
		brief.SourceReferences = append(brief.SourceReferences, c.Reference())
	}
	return brief
}

// ResearchInput は Researcher への入力
type ResearchInput struct {
	Topic      string
	Difficulty Difficulty
	Facts      []*knowledge.Chunk
}

// Researcher は検索結果を研究ブリーフに蒸留する
type Researcher interface {
	Research(ctx context.Context, in ResearchInput) (*Brief, error)
}

// ResearchFunc は関数を Researcher として扱うアダプタ
type ResearchFunc func(ctx context.Context, in ResearchInput) (*Brief, error)

// Research implements Researcher.
func (f ResearchFunc) Research(ctx context.Context, in ResearchInput) (*Brief, error) {
	return f(ctx, in)
}

// DraftInput は Drafter への入力
// Previous と Feedback が設定されている場合は改訂として扱う
type DraftInput struct {
	Topic         string
	Difficulty    Difficulty
	Brief         *Brief
	Facts         []*knowledge.Chunk
	Style         *knowledge.StyleProfile
	StyleExamples []*knowledge.Chunk
	// Avoid は同一実行内で受理済みの問題文（重複回避用）
	Avoid    []string
	Previous *Question
	Feedback []string
}

// IsRevision は改訂依頼かを返す
func (in DraftInput) IsRevision() bool {
	return in.Previous != nil
}

// Drafter は問題候補を作成・改訂する
type Drafter interface {
	Draft(ctx context.Context, in DraftInput) (*Question, error)
}

// DraftFunc は関数を Drafter として扱うアダプタ
type DraftFunc func(ctx context.Context, in DraftInput) (*Question, error)

// Draft implements Drafter.
func (f DraftFunc) Draft(ctx context.Context, in DraftInput) (*Question, error) {
	return f(ctx, in)
}

// 批評チェックリストの名前
const (
	CheckFactualGrounding    = "factual_grounding"
	CheckNoHallucination     = "no_hallucination"
	CheckSingleCorrectAnswer = "single_correct_answer"
	CheckDistractorQuality   = "distractor_quality"
	CheckExplanationSourced  = "explanation_references_source"
	CheckDifficultyAlignment = "difficulty_alignment"
)

// CheckCriticApproval は批評者自身の承認判定
const CheckCriticApproval = "critic_approval"

// RequiredChecks は受理に必要な批評チェック
var RequiredChecks = []string{
	CheckFactualGrounding,
	CheckNoHallucination,
	CheckSingleCorrectAnswer,
	CheckDistractorQuality,
	CheckExplanationSourced,
	CheckDifficultyAlignment,
}

// CritiqueInput は Critic への入力
type CritiqueInput struct {
	Candidate  *Question
	Brief      *Brief
	Facts      []*knowledge.Chunk
	Difficulty Difficulty
	MinScore   float64
}

// Critique は批評結果
// Approved が false の場合、スコアやチェックに関わらず受理しない
type Critique struct {
	Approved    bool                    `json:"approved"`
	Score       float64                 `json:"score"`
	Issues      []string                `json:"issues"`
	Suggestions []string                `json:"suggestions"`
	Checks      map[string]QualityCheck `json:"checks"`
}

// Feedback は改訂用のフィードバック文を返す
func (c *Critique) Feedback() []string {
	out := make([]string, 0, len(c.Issues)+len(c.Suggestions))
	out = append(out, c.Issues...)
	out = append(out, c.Suggestions...)
	return out
}

// Critic は問題候補を評価する
type Critic interface {
	Critique(ctx context.Context, in CritiqueInput) (*Critique, error)
}

// CritiqueFunc は関数を Critic として扱うアダプタ
type CritiqueFunc func(ctx context.Context, in CritiqueInput) (*Critique, error)

// Critique implements Critic.
func (f CritiqueFunc) Critique(ctx context.Context, in CritiqueInput) (*Critique, error) {
	return f(ctx, in)
}

// FactRetriever はトピックに関する事実と過去問例を取得する
type FactRetriever interface {
	FetchFacts(ctx context.Context, topic string, k int, broad bool) ([]*retrieval.ScoredChunk, error)
	FetchStyleExamples(ctx context.Context, topic string, k int) ([]*retrieval.ScoredChunk, error)
}

// StyleResolver は文体プロファイルを解決する
type StyleResolver interface {
	Get(ctx context.Context, filename mo.Option[string]) (*knowledge.StyleProfile, error)
	ForTopic(ctx context.Context, topic string) (*knowledge.StyleProfile, error)
}

// DuplicateChecker は重複判定と履歴保存を行う
type DuplicateChecker interface {
	Check(ctx context.Context, text string, accepted []dedup.Entry) (*dedup.Verdict, error)
	Remember(ctx context.Context, stem, topic string, embedding []float32) error
}

var (
	_ FactRetriever    = (*retrieval.HybridRetriever)(nil)
	_ DuplicateChecker = (*dedup.Guard)(nil)
)
