package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/jinford/exam-rag/internal/core/knowledge"
	"github.com/jinford/exam-rag/internal/core/topic"
)

const (
	// TopicExtractionTemperature はトピック抽出の温度設定
	TopicExtractionTemperature = 0.2

	// topicMaxContextChars は抽出に渡す教科書テキストの上限文字数
	topicMaxContextChars = 6000

	// topicMaxWords を超える長さのトピック名は捨てる
	topicMaxWords = 8
)

const topicSystemPrompt = `You are a curriculum designer.

Your task is to list the examinable topics covered by a textbook excerpt.

Guidelines:
- Return between 5 and 20 topics
- Each topic is a short noun phrase of 2 to 6 words
- Prefer specific concepts over chapter titles
- Return a valid JSON response of the form {"topics": ["..."]}`

type topicResponse struct {
	Topics []string `json:"topics"`
}

// TopicExtractor は教科書のチャンクから出題トピックを抽出する
type TopicExtractor struct {
	agent
}

// NewTopicExtractor は TopicExtractor を生成する
func NewTopicExtractor(llm JSONCompleter, opts ...AgentOption) *TopicExtractor {
	return &TopicExtractor{agent: newAgent(llm, opts)}
}

var _ topic.Extractor = (*TopicExtractor)(nil)

// ExtractTopics implements topic.Extractor.
func (t *TopicExtractor) ExtractTopics(ctx context.Context, filename string, chunks []*knowledge.Chunk) ([]string, error) {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(strings.TrimSpace(c.Content))
		b.WriteString("\n\n")
	}

	user := fmt.Sprintf("Textbook: %s\n\nExcerpt:\n%s", filename, limitChars(strings.TrimSpace(b.String()), topicMaxContextChars))

	var resp topicResponse
	if err := t.ask(ctx, ChatRequest{
		Operation:   "topics",
		System:      topicSystemPrompt,
		User:        user,
		Temperature: TopicExtractionTemperature,
	}, &resp); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp.Topics))
	for _, name := range resp.Topics {
		if n := len(strings.Fields(name)); n == 0 || n > topicMaxWords {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no usable topics returned", ErrInvalidResponseFormat)
	}
	return names, nil
}
