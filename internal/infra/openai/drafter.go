package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jinford/exam-rag/internal/core/generation"
	"github.com/jinford/exam-rag/internal/core/knowledge"
)

const (
	// DraftTemperature は新規ドラフトの温度設定
	DraftTemperature = 0.7

	// RevisionTemperature は改訂時の温度設定
	RevisionTemperature = 0.6

	draftMaxStyleExampleTokens = 1200
)

const draftSystemPrompt = `You are an expert exam question writer.

Your task is to write ONE multiple-choice question with exactly four options (A, B, C, D) and exactly one correct answer.

Guidelines:
- Every claim in the question, answer and explanation must be supported by the research brief
- Distractors must be plausible and reflect real misconceptions, never absurd
- The explanation must cite the source labels it relies on
- Match the exam style profile when one is given
- Return a valid JSON response`

// draftResponse は Drafter の JSON 応答
type draftResponse struct {
	Question            string                           `json:"question"`
	Options             map[string]string                `json:"options"`
	Answer              string                           `json:"answer"`
	Explanation         string                           `json:"explanation"`
	CognitiveLevel      string                           `json:"cognitive_level"`
	DistractorReasoning []generation.DistractorRationale `json:"distractor_reasoning"`
	SourceReferences    []string                         `json:"source_references"`
}

// Drafter は研究ブリーフと文体プロファイルから問題を作成・改訂する
type Drafter struct {
	agent
}

// NewDrafter は Drafter を生成する
func NewDrafter(llm JSONCompleter, opts ...AgentOption) *Drafter {
	return &Drafter{agent: newAgent(llm, opts)}
}

var _ generation.Drafter = (*Drafter)(nil)

// Draft implements generation.Drafter.
func (d *Drafter) Draft(ctx context.Context, in generation.DraftInput) (*generation.Question, error) {
	req := ChatRequest{
		Operation:   "draft",
		System:      draftSystemPrompt,
		User:        d.draftPrompt(in),
		Temperature: DraftTemperature,
	}
	if in.IsRevision() {
		req.Operation = "revise"
		req.User = d.revisionPrompt(in)
		req.Temperature = RevisionTemperature
	}

	var resp draftResponse
	if err := d.ask(ctx, req, &resp); err != nil {
		return nil, err
	}
	return resp.toQuestion()
}

func (r draftResponse) toQuestion() (*generation.Question, error) {
	stem := strings.TrimSpace(r.Question)
	if stem == "" {
		return nil, fmt.Errorf("%w: draft has no question text", ErrInvalidResponseFormat)
	}

	options := make(map[string]string, len(r.Options))
	for k, v := range r.Options {
		options[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	level := generation.CognitiveLevel(strings.ToLower(strings.TrimSpace(r.CognitiveLevel)))
	if !level.Valid() {
		level = generation.CognitiveRecall
	}

	return &generation.Question{
		Stem:                stem,
		Options:             options,
		Answer:              strings.ToUpper(strings.TrimSpace(r.Answer)),
		Explanation:         strings.TrimSpace(r.Explanation),
		CognitiveLevel:      level,
		DistractorRationale: r.DistractorReasoning,
		SourceReferences:    r.SourceReferences,
	}, nil
}

func (d *Drafter) draftPrompt(in generation.DraftInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\nDifficulty: %s\n\n", in.Topic, in.Difficulty)
	b.WriteString("Research brief:\n")
	b.WriteString(briefJSON(in.Brief))
	b.WriteString("\n\n")
	b.WriteString(styleSection(in.Style))
	if len(in.StyleExamples) > 0 {
		b.WriteString("\nExample questions from past exams (imitate their format, not their content):\n")
		b.WriteString(d.formatChunks(in.StyleExamples, draftMaxStyleExampleTokens))
		b.WriteString("\n")
	}
	if len(in.Avoid) > 0 {
		b.WriteString("\nThese questions were already written. Do not repeat or paraphrase them:\n")
		b.WriteString(bulletList(in.Avoid))
		b.WriteString("\n")
	}
	if len(in.Feedback) > 0 {
		b.WriteString("\nAdditional instructions:\n")
		b.WriteString(bulletList(in.Feedback))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(draftResponseSchema)
	return b.String()
}

func (d *Drafter) revisionPrompt(in generation.DraftInput) string {
	previous, _ := json.MarshalIndent(in.Previous, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "Revise the following %s question on %q so that it passes review.\n\n", in.Difficulty, in.Topic)
	b.WriteString("Previous draft:\n")
	b.Write(previous)
	b.WriteString("\n\nReviewer feedback:\n")
	b.WriteString(bulletList(in.Feedback))
	b.WriteString("\n\nResearch brief (the only allowed source of facts):\n")
	b.WriteString(briefJSON(in.Brief))
	b.WriteString("\n\n")
	b.WriteString(styleSection(in.Style))
	b.WriteString("\n")
	b.WriteString(draftResponseSchema)
	return b.String()
}

const draftResponseSchema = `Respond with JSON of the form:
{
  "question": "...",
  "options": {"A": "...", "B": "...", "C": "...", "D": "..."},
  "answer": "A|B|C|D",
  "explanation": "why the answer is correct, citing source labels",
  "cognitive_level": "recall|application|analysis|synthesis",
  "distractor_reasoning": [{"option": "B", "reason": "..."}],
  "source_references": ["source label"]
}`

func briefJSON(brief *generation.Brief) string {
	if brief == nil {
		return "{}"
	}
	b, err := json.MarshalIndent(brief, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// styleSection は文体プロファイルをプロンプト用に整形する
// デフォルトプロファイルの場合は書式の制約を課さない
func styleSection(p *knowledge.StyleProfile) string {
	if p.IsDefault() {
		return "Exam style: no exam paper available. Use a neutral, generic format with no tone constraints.\n"
	}

	s := p.Profile
	var b strings.Builder
	fmt.Fprintf(&b, "Exam style (from %s):\n", p.SourceFilename)
	if s.Tone != "" {
		fmt.Fprintf(&b, "- Tone: %s\n", s.Tone)
	}
	if s.SentenceLengthCategory != "" {
		fmt.Fprintf(&b, "- Sentence length: %s (average %.0f words)\n", s.SentenceLengthCategory, s.AvgSentenceLength)
	}
	if s.Complexity != "" {
		fmt.Fprintf(&b, "- Complexity: %s\n", s.Complexity)
	}
	if len(s.QuestionStems) > 0 {
		fmt.Fprintf(&b, "- Typical stems: %s\n", strings.Join(s.QuestionStems, "; "))
	}
	if len(s.DistractorPatterns) > 0 {
		fmt.Fprintf(&b, "- Distractor patterns: %s\n", strings.Join(s.DistractorPatterns, "; "))
	}
	if len(s.TrapPatterns) > 0 {
		fmt.Fprintf(&b, "- Trap patterns: %s\n", strings.Join(s.TrapPatterns, "; "))
	}
	if len(s.CommonMisconceptions) > 0 {
		fmt.Fprintf(&b, "- Common misconceptions: %s\n", strings.Join(s.CommonMisconceptions, "; "))
	}
	if s.Notes != "" {
		fmt.Fprintf(&b, "- Notes: %s\n", s.Notes)
	}
	return b.String()
}
