package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmbedderOptionsOverrideDefaults(t *testing.T) {
	embedder := NewEmbedder("dummy-key",
		WithEmbeddingModel("custom-model"),
		WithEmbeddingDimension(42),
	)

	assert.Equal(t, "custom-model", embedder.ModelName())
	assert.Equal(t, 42, embedder.Dimension())
}

func TestEmbedder_BatchEmbedOrdersByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []map[string]any{
				{"object": "embedding", "index": 1, "embedding": []float64{0, 1}},
				{"object": "embedding", "index": 0, "embedding": []float64{1, 0}},
			},
			"usage": map[string]any{"prompt_tokens": 4, "total_tokens": 4},
		})
	}))
	defer server.Close()

	embedder := NewEmbedder("dummy-key", WithEmbeddingBaseURL(server.URL), WithEmbeddingDimension(2))

	got, err := embedder.BatchEmbed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, got)
}

func TestEmbedder_BatchEmbedValidatesInput(t *testing.T) {
	embedder := NewEmbedder("dummy-key")

	_, err := embedder.BatchEmbed(context.Background(), nil)
	assert.Error(t, err)

	_, err = embedder.BatchEmbed(context.Background(), make([]string, 101))
	assert.Error(t, err)
}
