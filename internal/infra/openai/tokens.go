package openai

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Truncator はプロンプトに埋め込むテキストをトークン数で切り詰める
type Truncator struct {
	encoder *tiktoken.Tiktoken
}

// NewTruncator は cl100k_base エンコーダを使う Truncator を作成する
func NewTruncator() (*Truncator, error) {
	// cl100k_baseエンコーダを使用（gpt-4o系・text-embedding-3系と互換）
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoder: %w", err)
	}
	return &Truncator{encoder: encoder}, nil
}

// approxCharsPerToken はエンコーダが無い場合の概算
const approxCharsPerToken = 4

// Truncate は text を maxTokens 以内に切り詰める
// エンコーダが無い場合（nil レシーバを含む）は文字数で概算する
func (t *Truncator) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if t == nil || t.encoder == nil {
		runes := []rune(text)
		limit := maxTokens * approxCharsPerToken
		if len(runes) <= limit {
			return text
		}
		return string(runes[:limit])
	}

	tokens := t.encoder.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return t.encoder.Decode(tokens[:maxTokens])
}

// Count はトークン数を返す（エンコーダが無い場合は概算）
func (t *Truncator) Count(text string) int {
	if t == nil || t.encoder == nil {
		return (len([]rune(text)) + approxCharsPerToken - 1) / approxCharsPerToken
	}
	return len(t.encoder.Encode(text, nil, nil))
}
