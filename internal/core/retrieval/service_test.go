package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/exam-rag/internal/core/knowledge"
)

type stubEmbedder struct {
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type stubSearcher struct {
	mu            sync.Mutex
	vector        []*knowledge.Chunk
	keyword       []*knowledge.Chunk
	vectorErr     error
	keywordErr    error
	vectorQueries []knowledge.VectorQuery
	keywordQuery  []knowledge.KeywordQuery
}

func (s *stubSearcher) SearchByVector(ctx context.Context, embedding []float32, q knowledge.VectorQuery) ([]*knowledge.Chunk, error) {
	s.mu.Lock()
	s.vectorQueries = append(s.vectorQueries, q)
	s.mu.Unlock()
	return s.vector, s.vectorErr
}

func (s *stubSearcher) SearchByKeyword(ctx context.Context, q knowledge.KeywordQuery) ([]*knowledge.Chunk, error) {
	s.mu.Lock()
	s.keywordQuery = append(s.keywordQuery, q)
	s.mu.Unlock()
	return s.keyword, s.keywordErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestHybridRetriever_Retrieve(t *testing.T) {
	a, b, c := newChunk(1, 0), newChunk(2, time.Hour), newChunk(3, 2*time.Hour)
	searcher := &stubSearcher{
		vector:  []*knowledge.Chunk{a, b},
		keyword: []*knowledge.Chunk{b, c},
	}
	r := NewHybridRetriever(searcher, &stubEmbedder{}, WithRetrieverLogger(testLogger()))

	got, err := r.Retrieve(context.Background(), Query{Text: "TCP handshake", TopK: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].Chunk.ID)

	require.Len(t, searcher.vectorQueries, 1)
	assert.Equal(t, 2*DefaultCandidateMultiplier, searcher.vectorQueries[0].Limit)
	assert.Equal(t, DefaultMinSimilarity, searcher.vectorQueries[0].MinSimilarity)
	assert.False(t, searcher.keywordQuery[0].MatchAny)
}

func TestHybridRetriever_BroadQueryRelaxesFilters(t *testing.T) {
	searcher := &stubSearcher{}
	r := NewHybridRetriever(searcher, &stubEmbedder{}, WithRetrieverLogger(testLogger()))

	got, err := r.Retrieve(context.Background(), Query{Text: "rare topic", Broad: true})
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Equal(t, 0.0, searcher.vectorQueries[0].MinSimilarity)
	assert.True(t, searcher.keywordQuery[0].MatchAny)
}

func TestHybridRetriever_StoreUnavailable(t *testing.T) {
	searcher := &stubSearcher{
		keywordErr: fmt.Errorf("dial tcp: %w", knowledge.ErrStoreUnavailable),
	}
	r := NewHybridRetriever(searcher, &stubEmbedder{}, WithRetrieverLogger(testLogger()))

	_, err := r.Retrieve(context.Background(), Query{Text: "topic"})
	require.Error(t, err)
	assert.ErrorIs(t, err, knowledge.ErrStoreUnavailable)
}

func TestHybridRetriever_EmbedFailure(t *testing.T) {
	embedErr := errors.New("embedding service down")
	r := NewHybridRetriever(&stubSearcher{}, &stubEmbedder{err: embedErr}, WithRetrieverLogger(testLogger()))

	_, err := r.Retrieve(context.Background(), Query{Text: "topic"})
	assert.ErrorIs(t, err, embedErr)
}

func TestHybridRetriever_EmptyQuery(t *testing.T) {
	r := NewHybridRetriever(&stubSearcher{}, &stubEmbedder{})

	_, err := r.Retrieve(context.Background(), Query{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestHybridRetriever_FetchFactsUsesFactKinds(t *testing.T) {
	searcher := &stubSearcher{}
	r := NewHybridRetriever(searcher, &stubEmbedder{}, WithRetrieverLogger(testLogger()))

	_, err := r.FetchFacts(context.Background(), "osmosis", 3, false)
	require.NoError(t, err)
	assert.Equal(t, knowledge.FactKinds, searcher.vectorQueries[0].Kinds)
	assert.Equal(t, knowledge.FactKinds, searcher.keywordQuery[0].Kinds)
}

func TestHybridRetriever_FetchStyleExamplesPutsExamPapersFirst(t *testing.T) {
	question := newChunk(1, 0)
	question.Kind = knowledge.SourceKindQuestion
	paper := newChunk(2, time.Hour)
	paper.Kind = knowledge.SourceKindExamPaper

	searcher := &stubSearcher{
		vector:  []*knowledge.Chunk{question, paper},
		keyword: []*knowledge.Chunk{question},
	}
	r := NewHybridRetriever(searcher, &stubEmbedder{}, WithRetrieverLogger(testLogger()))

	got, err := r.FetchStyleExamples(context.Background(), "osmosis", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, paper.ID, got[0].Chunk.ID)
	assert.Equal(t, question.ID, got[1].Chunk.ID)
	assert.Equal(t, knowledge.StyleExampleKinds, searcher.vectorQueries[0].Kinds)
}
