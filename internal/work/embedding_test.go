package work

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/dispatch-api/internal/domain/model"
)

type stubEmbeddingClient struct {
	gotReq openai.EmbeddingRequestConverter
	resp   openai.EmbeddingResponse
	err    error
}

func (s *stubEmbeddingClient) CreateEmbeddings(
	_ context.Context,
	conv openai.EmbeddingRequestConverter,
) (openai.EmbeddingResponse, error) {
	s.gotReq = conv
	return s.resp, s.err
}

func TestEmbeddingUnitStoresVectors(t *testing.T) {
	client := &stubEmbeddingClient{
		resp: openai.EmbeddingResponse{
			Data: []openai.Embedding{
				{Embedding: []float32{0.1, 0.2}},
				{Embedding: []float32{0.3, 0.4}},
			},
			Usage: openai.Usage{TotalTokens: 12},
		},
	}
	store := newMemStore()
	unit, err := NewEmbeddingUnit(EmbeddingUnitOptions{Client: client, Store: store})
	require.NoError(t, err)
	assert.Equal(t, model.JobKindEmbedding, unit.Kind())

	emit, chunks := collectEmits()
	payload := json.RawMessage(`{"inputs":["first text","second text"]}`)

	ref, err := unit.Run(context.Background(), payload, emit)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "embeddings/"))

	req, ok := client.gotReq.(openai.EmbeddingRequestStrings)
	require.True(t, ok)
	assert.Equal(t, []string{"first text", "second text"}, req.Input)
	assert.Equal(t, openai.EmbeddingModel(defaultEmbeddingModel), req.Model)

	_, data := store.only(t)
	var artifact embeddingArtifact
	require.NoError(t, json.Unmarshal(data, &artifact))
	assert.Equal(t, defaultEmbeddingModel, artifact.Model)
	assert.Equal(t, 2, artifact.Dimensions)
	require.Len(t, artifact.Vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, artifact.Vectors[0])

	require.Len(t, *chunks, 1)
	assert.Equal(t, "embedded 2 inputs (12 tokens)", (*chunks)[0])
}

func TestEmbeddingUnitHonoursModelOverride(t *testing.T) {
	client := &stubEmbeddingClient{
		resp: openai.EmbeddingResponse{
			Data: []openai.Embedding{{Embedding: []float32{1}}},
		},
	}
	store := newMemStore()
	unit, err := NewEmbeddingUnit(EmbeddingUnitOptions{Client: client, Store: store})
	require.NoError(t, err)

	emit, _ := collectEmits()
	payload := json.RawMessage(`{"inputs":["x"],"model":"text-embedding-3-large"}`)
	_, err = unit.Run(context.Background(), payload, emit)
	require.NoError(t, err)

	req := client.gotReq.(openai.EmbeddingRequestStrings)
	assert.Equal(t, openai.EmbeddingModel("text-embedding-3-large"), req.Model)
}

func TestEmbeddingUnitErrors(t *testing.T) {
	store := newMemStore()
	emit, _ := collectEmits()

	t.Run("upstream failure", func(t *testing.T) {
		client := &stubEmbeddingClient{err: errors.New("rate limited")}
		unit, err := NewEmbeddingUnit(EmbeddingUnitOptions{Client: client, Store: store})
		require.NoError(t, err)

		_, err = unit.Run(context.Background(), json.RawMessage(`{"inputs":["x"]}`), emit)
		require.ErrorContains(t, err, "rate limited")
	})

	t.Run("vector count mismatch", func(t *testing.T) {
		client := &stubEmbeddingClient{resp: openai.EmbeddingResponse{
			Data: []openai.Embedding{{Embedding: []float32{1}}},
		}}
		unit, err := NewEmbeddingUnit(EmbeddingUnitOptions{Client: client, Store: store})
		require.NoError(t, err)

		_, err = unit.Run(context.Background(), json.RawMessage(`{"inputs":["a","b"]}`), emit)
		require.ErrorContains(t, err, "expected 2")
	})

	t.Run("empty input", func(t *testing.T) {
		client := &stubEmbeddingClient{}
		unit, err := NewEmbeddingUnit(EmbeddingUnitOptions{Client: client, Store: store})
		require.NoError(t, err)

		_, err = unit.Run(context.Background(), json.RawMessage(`{"inputs":["ok","  "]}`), emit)
		require.ErrorContains(t, err, "input 1 is empty")
	})

	t.Run("no inputs", func(t *testing.T) {
		client := &stubEmbeddingClient{}
		unit, err := NewEmbeddingUnit(EmbeddingUnitOptions{Client: client, Store: store})
		require.NoError(t, err)

		_, err = unit.Run(context.Background(), json.RawMessage(`{"inputs":[]}`), emit)
		require.ErrorContains(t, err, "no inputs")
	})
}
