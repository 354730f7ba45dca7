package generation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

const (
	// MinCount / MaxCount は 1 リクエストで生成できる問題数の範囲
	MinCount = 1
	MaxCount = 50

	// MinQualityScore / MaxQualityScore は品質スコアの範囲
	MinQualityScore = 0.0
	MaxQualityScore = 10.0
)

// ErrInvalidRequest は生成リクエストが不正な場合のエラー
var ErrInvalidRequest = errors.New("invalid generation request")

// Difficulty は難易度
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty は文字列を Difficulty に変換する
func ParseDifficulty(s string) (Difficulty, error) {
	switch d := Difficulty(strings.ToLower(strings.TrimSpace(s))); d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return d, nil
	default:
		return "", fmt.Errorf("%w: unknown difficulty %q", ErrInvalidRequest, s)
	}
}

// CognitiveLevel は問う認知レベル
type CognitiveLevel string

const (
	CognitiveRecall      CognitiveLevel = "recall"
	CognitiveApplication CognitiveLevel = "application"
	CognitiveAnalysis    CognitiveLevel = "analysis"
	CognitiveSynthesis   CognitiveLevel = "synthesis"
)

// Valid は定義済みの認知レベルかを返す
func (c CognitiveLevel) Valid() bool {
	switch c {
	case CognitiveRecall, CognitiveApplication, CognitiveAnalysis, CognitiveSynthesis:
		return true
	}
	return false
}

// OptionKeys は選択肢のキー（常に 4 つ）
var OptionKeys = []string{"A", "B", "C", "D"}

// Request は 1 回の生成リクエスト
type Request struct {
	Topics     []string   `json:"topics"`
	Difficulty Difficulty `json:"difficulty"`
	Count      int        `json:"count"`
	// ExamFilename を指定すると全トピックでその試験問題の文体を使う
	ExamFilename mo.Option[string] `json:"-"`
}

// Normalize はトピックの空白除去・重複排除と難易度の小文字化を行い、検証する
func (r *Request) Normalize() error {
	seen := make(map[string]struct{}, len(r.Topics))
	topics := make([]string, 0, len(r.Topics))
	for _, t := range r.Topics {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		topics = append(topics, t)
	}
	if len(topics) == 0 {
		return fmt.Errorf("%w: at least one topic is required", ErrInvalidRequest)
	}
	r.Topics = topics

	d, err := ParseDifficulty(string(r.Difficulty))
	if err != nil {
		return err
	}
	r.Difficulty = d

	if r.Count < MinCount || r.Count > MaxCount {
		return fmt.Errorf("%w: count must be between %d and %d, got %d", ErrInvalidRequest, MinCount, MaxCount, r.Count)
	}
	return nil
}

// DistractorRationale は誤答選択肢を用意した意図
type DistractorRationale struct {
	Option string `json:"option"`
	Reason string `json:"reason"`
}

// QualityCheck は品質チェック 1 項目の結果
type QualityCheck struct {
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Question はドラフト→批評ループを流れる問題候補。受理後は出力される問題となる
type Question struct {
	ID                  uuid.UUID               `json:"id"`
	Stem                string                  `json:"question"`
	Options             map[string]string       `json:"options"`
	Answer              string                  `json:"answer"`
	Explanation         string                  `json:"explanation"`
	Difficulty          Difficulty              `json:"difficulty"`
	Topic               string                  `json:"topic"`
	CognitiveLevel      CognitiveLevel          `json:"cognitive_level"`
	QualityScore        float64                 `json:"quality_score"`
	DistractorRationale []DistractorRationale   `json:"distractor_reasoning"`
	SourceReferences    []string                `json:"source_references"`
	QualityChecks       map[string]QualityCheck `json:"quality_checks"`
}

// 構造チェックの名前
const (
	CheckAnswerKeyValid    = "answer_key_valid"
	CheckFourOptions       = "four_options"
	CheckSourceReferences  = "source_references_present"
	CheckQualityScoreRange = "quality_score_in_range"
)

// StructuralChecks は問題の形式的な不変条件を検証する
func (q *Question) StructuralChecks() map[string]QualityCheck {
	checks := make(map[string]QualityCheck, 4)

	missing := make([]string, 0)
	for _, k := range OptionKeys {
		if strings.TrimSpace(q.Options[k]) == "" {
			missing = append(missing, k)
		}
	}
	switch {
	case len(missing) > 0:
		checks[CheckFourOptions] = QualityCheck{Passed: false, Detail: "missing options: " + strings.Join(missing, ", ")}
	case len(q.Options) != len(OptionKeys):
		checks[CheckFourOptions] = QualityCheck{Passed: false, Detail: fmt.Sprintf("expected exactly %d options, got %d", len(OptionKeys), len(q.Options))}
	default:
		checks[CheckFourOptions] = QualityCheck{Passed: true}
	}

	if _, ok := q.Options[q.Answer]; ok && strings.TrimSpace(q.Options[q.Answer]) != "" {
		checks[CheckAnswerKeyValid] = QualityCheck{Passed: true}
	} else {
		checks[CheckAnswerKeyValid] = QualityCheck{Passed: false, Detail: fmt.Sprintf("answer %q is not one of the option keys", q.Answer)}
	}

	if len(q.SourceReferences) > 0 {
		checks[CheckSourceReferences] = QualityCheck{Passed: true}
	} else {
		checks[CheckSourceReferences] = QualityCheck{Passed: false, Detail: "no source references cited"}
	}

	if q.QualityScore >= MinQualityScore && q.QualityScore <= MaxQualityScore {
		checks[CheckQualityScoreRange] = QualityCheck{Passed: true}
	} else {
		checks[CheckQualityScoreRange] = QualityCheck{Passed: false, Detail: fmt.Sprintf("quality score %.1f outside [0, 10]", q.QualityScore)}
	}

	return checks
}

// DedupText は重複判定に使う「問題文 + 選択肢」のテキスト
func (q *Question) DedupText() string {
	var b strings.Builder
	b.WriteString(q.Stem)
	keys := make([]string, 0, len(q.Options))
	for k := range q.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n")
		b.WriteString(k)
		b.WriteString(". ")
		b.WriteString(q.Options[k])
	}
	return b.String()
}

// Clone は問題のディープコピーを返す
func (q *Question) Clone() *Question {
	if q == nil {
		return nil
	}
	cp := *q
	cp.Options = make(map[string]string, len(q.Options))
	for k, v := range q.Options {
		cp.Options[k] = v
	}
	cp.DistractorRationale = append([]DistractorRationale(nil), q.DistractorRationale...)
	cp.SourceReferences = append([]string(nil), q.SourceReferences...)
	cp.QualityChecks = make(map[string]QualityCheck, len(q.QualityChecks))
	for k, v := range q.QualityChecks {
		cp.QualityChecks[k] = v
	}
	return &cp
}

// SlotStatus はスロットの最終状態
type SlotStatus string

const (
	SlotAccepted            SlotStatus = "accepted"
	SlotRejected            SlotStatus = "rejected"
	SlotDuplicateExhausted  SlotStatus = "duplicate_exhausted"
	SlotNoGrounding         SlotStatus = "no_grounding"
	SlotCollaboratorFailure SlotStatus = "collaborator_failed"
	SlotSkipped             SlotStatus = "skipped"
)

// SlotOutcome は 1 スロットの処理結果
type SlotOutcome struct {
	Slot     int        `json:"slot"`
	Topic    string     `json:"topic,omitempty"`
	Status   SlotStatus `json:"status"`
	Attempts int        `json:"attempts"`
	Reason   string     `json:"reason,omitempty"`
}

// Summary は done イベントに添付される実行結果
type Summary struct {
	Requested       int           `json:"requested"`
	Generated       int           `json:"generated"`
	Abandoned       int           `json:"abandoned"`
	Slots           []SlotOutcome `json:"slots"`
	ExhaustedTopics []string      `json:"exhausted_topics,omitempty"`
}

// Message は生成数と要求数の差を明示する完了メッセージを返す
func (s *Summary) Message() string {
	if s.Generated == s.Requested {
		return fmt.Sprintf("Generated %d questions", s.Generated)
	}
	if s.Generated == 0 {
		return fmt.Sprintf("Could not generate any of the %d requested questions", s.Requested)
	}
	return fmt.Sprintf("Generated %d of %d requested questions", s.Generated, s.Requested)
}
