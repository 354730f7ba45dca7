package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/jinford/exam-rag/internal/core/generation"
)

const (
	// ResearchTemperature は研究ブリーフ生成の温度設定
	ResearchTemperature = 0.2

	researchMaxContextTokens = 3000
)

const researchSystemPrompt = `You are a subject-matter researcher preparing material for an exam question writer.

Guidelines:
- Use ONLY the provided source material; never add outside knowledge
- Extract the facts most useful for testing the topic at the requested difficulty
- Cite the source label of every fact
- Return a valid JSON response`

// Researcher は検索結果を研究ブリーフに蒸留する
type Researcher struct {
	agent
}

// NewResearcher は Researcher を生成する
func NewResearcher(llm JSONCompleter, opts ...AgentOption) *Researcher {
	return &Researcher{agent: newAgent(llm, opts)}
}

var _ generation.Researcher = (*Researcher)(nil)

// Research implements generation.Researcher.
func (r *Researcher) Research(ctx context.Context, in generation.ResearchInput) (*generation.Brief, error) {
	user := fmt.Sprintf(`Topic: %s
Difficulty: %s

Source material:
%s

Respond with JSON of the form:
{
  "topic": "...",
  "summary": "two or three sentences",
  "core_facts": [{"fact": "...", "importance": "high|medium|low", "source": "source label"}],
  "key_definitions": [{"term": "...", "definition": "..."}],
  "formulas_and_rules": [{"name": "...", "expression": "..."}],
  "related_concepts": ["..."],
  "source_references": ["source label"]
}`, in.Topic, in.Difficulty, r.formatChunks(in.Facts, researchMaxContextTokens))

	var brief generation.Brief
	if err := r.ask(ctx, ChatRequest{
		Operation:   "research",
		System:      researchSystemPrompt,
		User:        user,
		Temperature: ResearchTemperature,
	}, &brief); err != nil {
		return nil, err
	}

	if len(brief.CoreFacts) == 0 {
		return nil, fmt.Errorf("%w: research brief has no core facts", ErrInvalidResponseFormat)
	}
	if strings.TrimSpace(brief.Topic) == "" {
		brief.Topic = in.Topic
	}
	return &brief, nil
}
