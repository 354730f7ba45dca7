package topic_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/exam-rag/internal/core/knowledge"
	"github.com/jinford/exam-rag/internal/core/topic"
)

type mockTopicRepo struct {
	InsertTopicsFunc func(ctx context.Context, filename string, names []string) (int, error)
	ListTopicsFunc   func(ctx context.Context, filename mo.Option[string]) ([]*knowledge.Topic, error)
	inserted         []string
}

func (m *mockTopicRepo) InsertTopics(ctx context.Context, filename string, names []string) (int, error) {
	m.inserted = append(m.inserted, names...)
	if m.InsertTopicsFunc != nil {
		return m.InsertTopicsFunc(ctx, filename, names)
	}
	return len(names), nil
}

func (m *mockTopicRepo) ListTopics(ctx context.Context, filename mo.Option[string]) ([]*knowledge.Topic, error) {
	if m.ListTopicsFunc != nil {
		return m.ListTopicsFunc(ctx, filename)
	}
	return nil, nil
}

type mockReplacer struct {
	filename string
	names    []string
}

func (m *mockReplacer) ReplaceTopics(ctx context.Context, filename string, names []string) (int, error) {
	m.filename = filename
	m.names = names
	return len(names), nil
}

type mockChunks struct {
	chunks []*knowledge.Chunk
	kind   knowledge.SourceKind
	limit  int
	err    error
}

func (m *mockChunks) ListByFilename(ctx context.Context, filename string, kind knowledge.SourceKind, limit int) ([]*knowledge.Chunk, error) {
	m.kind = kind
	m.limit = limit
	return m.chunks, m.err
}

func textbook(n int) []*knowledge.Chunk {
	out := make([]*knowledge.Chunk, 0, n)
	for range n {
		out = append(out, &knowledge.Chunk{ID: uuid.New(), Content: "The OSI model has seven layers.", Kind: knowledge.SourceKindTextbook})
	}
	return out
}

func newService(repo *mockTopicRepo, replacer *mockReplacer, chunks *mockChunks, names []string, err error) *topic.Service {
	extractor := topic.ExtractFunc(func(ctx context.Context, filename string, c []*knowledge.Chunk) ([]string, error) {
		return names, err
	})
	return topic.NewService(repo, replacer, chunks, extractor,
		topic.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestService_Extract(t *testing.T) {
	// Setup
	repo := &mockTopicRepo{InsertTopicsFunc: func(ctx context.Context, filename string, names []string) (int, error) {
		return 1, nil // 1 件は既存
	}}
	chunks := &mockChunks{chunks: textbook(3)}
	service := newService(repo, &mockReplacer{}, chunks, []string{"OSI model", " osi  MODEL ", "Subnetting", ""}, nil)

	// Execute
	n, err := service.Extract(context.Background(), "networking.pdf")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"OSI model", "Subnetting"}, repo.inserted)
	assert.Equal(t, knowledge.SourceKindTextbook, chunks.kind)
	assert.Equal(t, topic.DefaultMaxChunks, chunks.limit)
}

func TestService_ExtractWithoutTextbook(t *testing.T) {
	service := newService(&mockTopicRepo{}, &mockReplacer{}, &mockChunks{}, nil, nil)

	_, err := service.Extract(context.Background(), "exam-2023.pdf")
	assert.ErrorIs(t, err, topic.ErrNoTextbookContent)
}

func TestService_ExtractorFailure(t *testing.T) {
	repo := &mockTopicRepo{}
	service := newService(repo, &mockReplacer{}, &mockChunks{chunks: textbook(1)}, nil, errors.New("llm unavailable"))

	_, err := service.Extract(context.Background(), "networking.pdf")
	require.Error(t, err)
	assert.Empty(t, repo.inserted)
}

func TestService_Regenerate(t *testing.T) {
	repo := &mockTopicRepo{}
	replacer := &mockReplacer{}
	service := newService(repo, replacer, &mockChunks{chunks: textbook(2)}, []string{"Routing", "Switching"}, nil)

	n, err := service.Regenerate(context.Background(), "networking.pdf")

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "networking.pdf", replacer.filename)
	assert.Equal(t, []string{"Routing", "Switching"}, replacer.names)
	assert.Empty(t, repo.inserted, "regenerate must not append")
}

func TestService_List(t *testing.T) {
	var got mo.Option[string]
	repo := &mockTopicRepo{ListTopicsFunc: func(ctx context.Context, filename mo.Option[string]) ([]*knowledge.Topic, error) {
		got = filename
		return []*knowledge.Topic{{Name: "Routing", SourceFilename: "networking.pdf"}}, nil
	}}
	service := newService(repo, &mockReplacer{}, &mockChunks{}, nil, nil)

	topics, err := service.List(context.Background(), mo.Some("networking.pdf"))

	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, mo.Some("networking.pdf"), got)
}

func TestCleanNames(t *testing.T) {
	assert.Equal(t, []string{"TCP congestion control", "dns"},
		topic.CleanNames([]string{"  TCP   congestion control", "dns", "DNS", "tcp congestion CONTROL", " "}))
}
