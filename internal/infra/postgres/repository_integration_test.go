package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/exam-rag/internal/core/knowledge"
	"github.com/jinford/exam-rag/internal/infra/postgres"
	"github.com/jinford/exam-rag/internal/platform/database"
)

const testDimension = 3

// setupTestDB は pgvector 入りの PostgreSQL コンテナを起動し、スキーマを適用する
// -short 指定時や Docker が利用できない環境ではスキップする
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("統合テストは -short ではスキップします")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skip("Docker に接続できません。統合テストをスキップします:", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skip("Docker に接続できません。統合テストをスキップします:", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "pgvector/pgvector",
		Tag:        "pg16",
		Env: []string{
			"POSTGRES_USER=testuser",
			"POSTGRES_PASSWORD=testpass",
			"POSTGRES_DB=exam_rag_test",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })
	_ = resource.Expire(120)

	ctx := context.Background()
	var db *database.DB
	pool.MaxWait = 60 * time.Second
	err = pool.Retry(func() error {
		var err error
		db, err = database.New(ctx, database.ConnectionParams{
			Host:     "localhost",
			Port:     mustPort(resource.GetPort("5432/tcp")),
			User:     "testuser",
			Password: "testpass",
			DBName:   "exam_rag_test",
			SSLMode:  "disable",
		})
		return err
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, database.Migrate(ctx, db.Pool, testDimension))
	return db
}

func mustPort(s string) int {
	var port int
	_, _ = fmt.Sscanf(s, "%d", &port)
	return port
}

func seedChunk(t *testing.T, repo *postgres.ChunkRepository, kind knowledge.SourceKind, filename, content string, embedding []float32, page int, createdAt time.Time) *knowledge.Chunk {
	t.Helper()
	c := &knowledge.Chunk{
		ID:             uuid.New(),
		Content:        content,
		Embedding:      embedding,
		Metadata:       map[string]any{"source_page": page},
		Kind:           kind,
		SourceFilename: filename,
		CreatedAt:      createdAt,
	}
	require.NoError(t, repo.Insert(context.Background(), c))
	return c
}

func TestRepositories_Integration(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	chunks := postgres.NewChunkRepository(db.Pool)
	styles := postgres.NewStyleProfileRepository(db.Pool)
	topics := postgres.NewTopicRepository(db.Pool)
	history := postgres.NewQuestionHistoryRepository(db.Pool)

	now := time.Now().UTC().Truncate(time.Millisecond)
	tcp := seedChunk(t, chunks, knowledge.SourceKindTextbook, "net.pdf", "The TCP three-way handshake uses SYN and ACK segments.", []float32{1, 0, 0}, 2, now)
	seedChunk(t, chunks, knowledge.SourceKindTextbook, "net.pdf", "UDP is a connectionless transport protocol.", []float32{0, 1, 0}, 1, now)
	seedChunk(t, chunks, knowledge.SourceKindExamPaper, "exam-2023.pdf", "Q1. Which flag starts a TCP handshake? A) SYN B) FIN C) RST D) PSH", []float32{0.9, 0.1, 0}, 1, now)

	t.Run("vector search orders by distance and honours the floor", func(t *testing.T) {
		got, err := chunks.SearchByVector(ctx, []float32{1, 0, 0}, knowledge.VectorQuery{
			Kinds:         knowledge.FactKinds,
			Limit:         5,
			MinSimilarity: 0.5,
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, tcp.ID, got[0].ID)
		assert.Equal(t, 2, got[0].Page())
	})

	t.Run("keyword search and broadened keyword search", func(t *testing.T) {
		strict, err := chunks.SearchByKeyword(ctx, knowledge.KeywordQuery{Text: "handshake connectionless", Kinds: knowledge.FactKinds, Limit: 5})
		require.NoError(t, err)
		assert.Empty(t, strict)

		broad, err := chunks.SearchByKeyword(ctx, knowledge.KeywordQuery{Text: "handshake connectionless", Kinds: knowledge.FactKinds, Limit: 5, MatchAny: true})
		require.NoError(t, err)
		assert.Len(t, broad, 2)
	})

	t.Run("list by filename in page order", func(t *testing.T) {
		got, err := chunks.ListByFilename(ctx, "net.pdf", knowledge.SourceKindTextbook, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, 1, got[0].Page())
		assert.Equal(t, 2, got[1].Page())
	})

	t.Run("style profile upsert is idempotent per filename", func(t *testing.T) {
		first, err := styles.Upsert(ctx, &knowledge.StyleProfile{
			SourceFilename: "exam-2023.pdf",
			TopicKeywords:  []string{"tcp"},
			Profile:        knowledge.StylePayload{Tone: "formal", OptionCount: 4},
		})
		require.NoError(t, err)

		second, err := styles.Upsert(ctx, &knowledge.StyleProfile{
			SourceFilename: "exam-2023.pdf",
			TopicKeywords:  []string{"tcp", "handshake"},
			Profile:        knowledge.StylePayload{Tone: "terse", OptionCount: 4},
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "terse", second.Profile.Tone)

		found, err := styles.FindByKeyword(ctx, "Handshake")
		require.NoError(t, err)
		assert.True(t, found.IsPresent())

		missing, err := styles.FindByKeyword(ctx, "dns")
		require.NoError(t, err)
		assert.Equal(t, mo.None[*knowledge.StyleProfile](), missing)

		_, err = styles.GetByFilename(ctx, "unknown.pdf")
		assert.ErrorIs(t, err, knowledge.ErrNotFound)

		papers, err := styles.FindExamPapers(ctx, "TCP handshake", 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"exam-2023.pdf"}, papers)
	})

	t.Run("topics insert ignores existing rows", func(t *testing.T) {
		n, err := topics.InsertTopics(ctx, "net.pdf", []string{"TCP", "UDP"})
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = topics.InsertTopics(ctx, "net.pdf", []string{"TCP", "IP"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		listed, err := topics.ListTopics(ctx, mo.Some("net.pdf"))
		require.NoError(t, err)
		assert.Len(t, listed, 3)
	})

	t.Run("question history", func(t *testing.T) {
		empty, err := history.NearestSimilarity(ctx, []float32{1, 0, 0})
		require.NoError(t, err)
		assert.True(t, empty.IsAbsent())

		require.NoError(t, history.SaveQuestion(ctx, &knowledge.HistoricalQuestion{Stem: "Which flag?", Topic: "tcp", Embedding: []float32{1, 0, 0}}))
		// 同一の問題文は保存されない
		require.NoError(t, history.SaveQuestion(ctx, &knowledge.HistoricalQuestion{Stem: "which  FLAG?", Topic: "tcp", Embedding: []float32{1, 0, 0}}))

		sim, err := history.NearestSimilarity(ctx, []float32{1, 0, 0})
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sim.MustGet(), 1e-6)
	})

	t.Run("replace topics and delete file", func(t *testing.T) {
		maintenance := database.NewMaintenance(database.NewTransactionProvider(db.Pool), nil)

		n, err := maintenance.ReplaceTopics(ctx, "net.pdf", []string{"Routing"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		res, err := maintenance.DeleteFile(ctx, "net.pdf")
		require.NoError(t, err)
		assert.Equal(t, int64(2), res.Chunks)
		assert.Equal(t, int64(1), res.Topics)

		res, err = maintenance.DeleteFile(ctx, "exam-2023.pdf")
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.StyleProfiles)
	})
}

func TestRepositories_SchemaMismatch(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.Pool.Exec(ctx, "DROP TABLE knowledge_base")
	require.NoError(t, err)

	_, err = postgres.NewChunkRepository(db.Pool).SearchByKeyword(ctx, knowledge.KeywordQuery{Text: "tcp", Limit: 1})
	assert.ErrorIs(t, err, knowledge.ErrSchemaMismatch)
}
