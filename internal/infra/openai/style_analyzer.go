package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/jinford/exam-rag/internal/core/knowledge"
	"github.com/jinford/exam-rag/internal/core/style"
)

const (
	// StyleAnalysisTemperature は文体解析の温度設定
	StyleAnalysisTemperature = 0.2

	// styleMaxContextChars は解析に渡す試験問題テキストの上限文字数
	styleMaxContextChars = 10000
)

const styleSystemPrompt = `You are an exam analyst.

Your task is to describe the writing style and format of an exam paper so that new questions can imitate it.

Guidelines:
- Describe form, not content: stems, length, tone, distractor construction, traps
- Quote short typical question stems verbatim
- Be concise and factual
- Return a valid JSON response`

// StyleAnalyzer は試験問題のチャンクから文体プロファイルを抽出する
type StyleAnalyzer struct {
	agent
}

// NewStyleAnalyzer は StyleAnalyzer を生成する
func NewStyleAnalyzer(llm JSONCompleter, opts ...AgentOption) *StyleAnalyzer {
	return &StyleAnalyzer{agent: newAgent(llm, opts)}
}

var _ style.Extractor = (*StyleAnalyzer)(nil)

// Extract implements style.Extractor.
func (s *StyleAnalyzer) Extract(ctx context.Context, filename string, chunks []*knowledge.Chunk, keywords []string) (*knowledge.StylePayload, error) {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(strings.TrimSpace(c.Content))
		b.WriteString("\n\n")
	}

	user := fmt.Sprintf(`Exam paper: %s
Topic keywords: %s

Exam content:
%s

Respond with JSON of the form:
{
  "question_stems": ["..."],
  "avg_sentence_length": 0,
  "sentence_length_category": "short|medium|long",
  "distractor_patterns": ["..."],
  "complexity": "simple|moderate|complex",
  "common_misconceptions": ["..."],
  "cognitive_levels": ["recall|application|analysis|synthesis"],
  "trap_patterns": ["..."],
  "tone": "...",
  "option_count": 4,
  "notes": "..."
}`, filename, strings.Join(keywords, ", "), limitChars(strings.TrimSpace(b.String()), styleMaxContextChars))

	var payload knowledge.StylePayload
	if err := s.ask(ctx, ChatRequest{
		Operation:   "style",
		System:      styleSystemPrompt,
		User:        user,
		Temperature: StyleAnalysisTemperature,
	}, &payload); err != nil {
		return nil, err
	}

	payload.ChunkCount = len(chunks)
	if payload.OptionCount <= 0 {
		payload.OptionCount = 4
	}
	return &payload, nil
}
