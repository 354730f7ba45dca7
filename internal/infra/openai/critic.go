package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jinford/exam-rag/internal/core/generation"
)

// CritiqueTemperature は批評の温度設定
const CritiqueTemperature = 0.3

const critiqueSystemPrompt = `You are a strict exam quality reviewer.

Your task is to review ONE multiple-choice question against its research brief.

Guidelines:
- A claim not supported by the brief is a hallucination
- There must be exactly one defensible correct answer
- Distractors must be plausible but clearly wrong according to the brief
- The explanation must reference the source material
- The question must match the requested difficulty
- Score from 0 (unusable) to 10 (exemplary)
- Return a valid JSON response`

type critiqueCheck struct {
	Passed bool   `json:"passed"`
	Notes  string `json:"notes"`
}

// critiqueResponse は Critic の JSON 応答
type critiqueResponse struct {
	Approved    bool                     `json:"approved"`
	Score       float64                  `json:"score"`
	Issues      []string                 `json:"issues"`
	Suggestions []string                 `json:"suggestions"`
	Checks      map[string]critiqueCheck `json:"checks"`
}

// Critic は問題候補を事実性・形式の観点で評価する
type Critic struct {
	agent
}

// NewCritic は Critic を生成する
func NewCritic(llm JSONCompleter, opts ...AgentOption) *Critic {
	return &Critic{agent: newAgent(llm, opts)}
}

var _ generation.Critic = (*Critic)(nil)

// Critique implements generation.Critic.
func (c *Critic) Critique(ctx context.Context, in generation.CritiqueInput) (*generation.Critique, error) {
	candidate, err := json.MarshalIndent(in.Candidate, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode candidate: %w", err)
	}

	checks := make([]string, 0, len(generation.RequiredChecks))
	for _, name := range generation.RequiredChecks {
		checks = append(checks, fmt.Sprintf(`    %q: {"passed": true, "notes": "..."}`, name))
	}

	user := fmt.Sprintf(`Requested difficulty: %s
Minimum acceptable score: %.1f

Question under review:
%s

Research brief:
%s

Respond with JSON of the form:
{
  "approved": true,
  "score": 0-10,
  "issues": ["..."],
  "suggestions": ["..."],
  "checks": {
%s
  }
}`, in.Difficulty, in.MinScore, candidate, briefJSON(in.Brief), strings.Join(checks, ",\n"))

	var resp critiqueResponse
	if err := c.ask(ctx, ChatRequest{
		Operation:   "critique",
		System:      critiqueSystemPrompt,
		User:        user,
		Temperature: CritiqueTemperature,
	}, &resp); err != nil {
		return nil, err
	}
	return resp.toCritique(in.MinScore), nil
}

func (r critiqueResponse) toCritique(minScore float64) *generation.Critique {
	score := min(max(r.Score, generation.MinQualityScore), generation.MaxQualityScore)

	checks := make(map[string]generation.QualityCheck, len(r.Checks))
	for name, check := range r.Checks {
		checks[strings.TrimSpace(name)] = generation.QualityCheck{Passed: check.Passed, Detail: check.Notes}
	}

	return &generation.Critique{
		// 最低スコア未満は承認扱いにしない
		Approved:    r.Approved && score >= minScore,
		Score:       score,
		Issues:      r.Issues,
		Suggestions: r.Suggestions,
		Checks:      checks,
	}
}
