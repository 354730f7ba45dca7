package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jinford/exam-rag/internal/core/generation"
	"github.com/jinford/exam-rag/internal/core/knowledge"
)

// agent はプロンプトを組み立てて JSON 応答を構造体に復号する共通処理
type agent struct {
	llm       JSONCompleter
	truncator *Truncator
}

// AgentOption はエージェント共通のオプション
type AgentOption func(*agent)

// WithTruncator はプロンプトに埋め込む資料の切り詰めに使う Truncator を設定する
func WithTruncator(t *Truncator) AgentOption {
	return func(a *agent) {
		a.truncator = t
	}
}

func newAgent(llm JSONCompleter, opts []AgentOption) agent {
	a := agent{llm: llm}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// ask は補完を実行し、結果を out に復号する
func (a *agent) ask(ctx context.Context, req ChatRequest, out any) error {
	content, err := a.llm.CompleteJSON(ctx, req)
	if err != nil {
		return classifyLLMError(err)
	}
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", ErrInvalidResponseFormat, req.Operation, err)
	}
	return nil
}

// classifyLLMError は再試行しても回復しないエラーを generation.ErrCollaboratorFatal として包む
func classifyLLMError(err error) error {
	if errors.Is(err, ErrBudgetExceeded) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrAPIKeyNotSet) {
		return fmt.Errorf("%w: %w", generation.ErrCollaboratorFatal, err)
	}
	return err
}

// formatChunks はチャンクを出典付きの資料ブロックに整形し、maxTokens で切り詰める
func (a *agent) formatChunks(chunks []*knowledge.Chunk, maxTokens int) string {
	var b strings.Builder
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] (%s)\n%s\n\n", i+1, c.Reference(), strings.TrimSpace(c.Content))
	}
	return a.truncator.Truncate(strings.TrimSpace(b.String()), maxTokens)
}

// limitChars は文字数で切り詰める
func limitChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "- (none)"
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
