package generation_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/exam-rag/internal/core/dedup"
	"github.com/jinford/exam-rag/internal/core/generation"
	"github.com/jinford/exam-rag/internal/core/knowledge"
	"github.com/jinford/exam-rag/internal/core/retrieval"
	"github.com/jinford/exam-rag/internal/core/stream"
	"github.com/jinford/exam-rag/internal/core/style"
)

// mockRetriever は関数フィールドで振る舞いを差し替えられる FactRetriever
type mockRetriever struct {
	mu                     sync.Mutex
	FetchFactsFunc         func(ctx context.Context, topic string, k int, broad bool) ([]*retrieval.ScoredChunk, error)
	FetchStyleExamplesFunc func(ctx context.Context, topic string, k int) ([]*retrieval.ScoredChunk, error)
	factCalls              []factCall
}

type factCall struct {
	topic string
	broad bool
}

func (m *mockRetriever) FetchFacts(ctx context.Context, topic string, k int, broad bool) ([]*retrieval.ScoredChunk, error) {
	m.mu.Lock()
	m.factCalls = append(m.factCalls, factCall{topic: topic, broad: broad})
	m.mu.Unlock()
	if m.FetchFactsFunc == nil {
		return nil, nil
	}
	return m.FetchFactsFunc(ctx, topic, k, broad)
}

func (m *mockRetriever) FetchStyleExamples(ctx context.Context, topic string, k int) ([]*retrieval.ScoredChunk, error) {
	if m.FetchStyleExamplesFunc == nil {
		return nil, nil
	}
	return m.FetchStyleExamplesFunc(ctx, topic, k)
}

func (m *mockRetriever) calls() []factCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]factCall(nil), m.factCalls...)
}

// groundedFacts は独立した事実チャンクを n 件返す retriever を作る
func groundedFacts(n int) *mockRetriever {
	chunks := make([]*retrieval.ScoredChunk, 0, n)
	for i := range n {
		chunks = append(chunks, &retrieval.ScoredChunk{
			Chunk: &knowledge.Chunk{
				ID:             uuid.New(),
				Content:        fmt.Sprintf("Fact %d: the TCP three-way handshake uses SYN, SYN-ACK and ACK segments.", i+1),
				Kind:           knowledge.SourceKindTextbook,
				SourceFilename: "networking.pdf",
				Metadata:       map[string]any{"source_page": float64(10 + i)},
				CreatedAt:      time.Now(),
			},
			Score: 1.0 / float64(61+i),
		})
	}
	return &mockRetriever{
		FetchFactsFunc: func(ctx context.Context, topic string, k int, broad bool) ([]*retrieval.ScoredChunk, error) {
			return chunks, nil
		},
	}
}

// stubStyles は常にデフォルトプロファイルを返す
// failFirst > 0 の場合、err は最初の failFirst 回の呼び出しだけで返す
type stubStyles struct {
	forTopicCalls int
	getCalls      int
	err           error
	failFirst     int
}

func (s *stubStyles) failing(call int) error {
	if s.err == nil || (s.failFirst > 0 && call > s.failFirst) {
		return nil
	}
	return s.err
}

func (s *stubStyles) Get(ctx context.Context, filename mo.Option[string]) (*knowledge.StyleProfile, error) {
	s.getCalls++
	if err := s.failing(s.getCalls); err != nil {
		return nil, err
	}
	return &knowledge.StyleProfile{SourceFilename: filename.OrEmpty()}, nil
}

func (s *stubStyles) ForTopic(ctx context.Context, topic string) (*knowledge.StyleProfile, error) {
	s.forTopicCalls++
	if err := s.failing(s.forTopicCalls); err != nil {
		return nil, err
	}
	return style.DefaultProfile(), nil
}

// recordingDrafter は入力を記録し、呼び出しごとに異なる問題を返す
type recordingDrafter struct {
	mu     sync.Mutex
	inputs []generation.DraftInput
	// Override が設定されている場合はその結果を返す
	Override func(call int, in generation.DraftInput) (*generation.Question, error)
	// BlockAfter > 0 の場合、それを超える呼び出しはコンテキストのキャンセルまで待つ
	BlockAfter int
}

func (d *recordingDrafter) Draft(ctx context.Context, in generation.DraftInput) (*generation.Question, error) {
	d.mu.Lock()
	d.inputs = append(d.inputs, in)
	call := len(d.inputs)
	d.mu.Unlock()

	if d.BlockAfter > 0 && call > d.BlockAfter {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if d.Override != nil {
		return d.Override(call, in)
	}
	return validQuestion(call, in), nil
}

func (d *recordingDrafter) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inputs)
}

func (d *recordingDrafter) input(i int) generation.DraftInput {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inputs[i]
}

func validQuestion(n int, in generation.DraftInput) *generation.Question {
	refs := make([]string, 0, len(in.Facts))
	for _, f := range in.Facts {
		refs = append(refs, f.Reference())
	}
	return &generation.Question{
		Stem: fmt.Sprintf("Question %d: which segment completes the TCP handshake?", n),
		Options: map[string]string{
			"A": "SYN",
			"B": "SYN-ACK",
			"C": "ACK",
			"D": "FIN",
		},
		Answer:         "C",
		Explanation:    "The client acknowledges the server's SYN-ACK with an ACK segment.",
		CognitiveLevel: generation.CognitiveRecall,
		DistractorRationale: []generation.DistractorRationale{
			{Option: "A", Reason: "first segment, not the last"},
			{Option: "B", Reason: "server response"},
			{Option: "D", Reason: "connection teardown"},
		},
		SourceReferences: refs,
	}
}

// passingCritique は全チェック合格の批評を返す
func passingCritique(score float64) *generation.Critique {
	checks := make(map[string]generation.QualityCheck, len(generation.RequiredChecks))
	for _, name := range generation.RequiredChecks {
		checks[name] = generation.QualityCheck{Passed: true, Detail: "ok"}
	}
	return &generation.Critique{Approved: true, Score: score, Checks: checks}
}

type countingCritic struct {
	mu    sync.Mutex
	n     int
	fn    func(call int, in generation.CritiqueInput) (*generation.Critique, error)
	input []generation.CritiqueInput
}

func (c *countingCritic) Critique(ctx context.Context, in generation.CritiqueInput) (*generation.Critique, error) {
	c.mu.Lock()
	c.n++
	call := c.n
	c.input = append(c.input, in)
	c.mu.Unlock()
	if c.fn == nil {
		return passingCritique(8), nil
	}
	return c.fn(call, in)
}

func (c *countingCritic) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// mockDedup は関数フィールドで判定を差し替えられる DuplicateChecker
type mockDedup struct {
	mu         sync.Mutex
	CheckFunc  func(call int, text string, accepted []dedup.Entry) (*dedup.Verdict, error)
	checks     int
	remembered []string
}

func (m *mockDedup) Check(ctx context.Context, text string, accepted []dedup.Entry) (*dedup.Verdict, error) {
	m.mu.Lock()
	m.checks++
	call := m.checks
	m.mu.Unlock()
	if m.CheckFunc != nil {
		return m.CheckFunc(call, text, accepted)
	}
	return &dedup.Verdict{Embedding: []float32{float32(call), 1}}, nil
}

func (m *mockDedup) Remember(ctx context.Context, stem, topic string, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remembered = append(m.remembered, stem)
	return nil
}

func testConfig() generation.Config {
	cfg := generation.DefaultConfig()
	cfg.CallTimeout = time.Second
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newCoordinator(r generation.FactRetriever, d generation.Drafter, c generation.Critic, g generation.DuplicateChecker, opts ...generation.CoordinatorOption) *generation.Coordinator {
	base := []generation.CoordinatorOption{
		generation.WithConfig(testConfig()),
		generation.WithCoordinatorLogger(discardLogger()),
	}
	return generation.NewCoordinator(r, &stubStyles{}, d, c, g, append(base, opts...)...)
}

// runAndCollect は Run を同期実行し、送出された全イベントを返す
func runAndCollect(c *generation.Coordinator, req generation.Request) (*generation.Summary, []stream.Event, error) {
	em := stream.NewEmitter(512)
	summary, err := c.Run(context.Background(), req, em)
	var events []stream.Event
	for ev := range em.Events() {
		events = append(events, ev)
	}
	return summary, events, err
}

func eventsOfType(events []stream.Event, typ stream.EventType) []stream.Event {
	var out []stream.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
