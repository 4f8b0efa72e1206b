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

type stubStreamer struct {
	gotReq openai.ChatCompletionRequest
	deltas []string
	err    error
}

func (s *stubStreamer) Stream(
	_ context.Context,
	req openai.ChatCompletionRequest,
	onDelta func(string),
) (string, error) {
	s.gotReq = req
	if s.err != nil {
		return "", s.err
	}
	var full strings.Builder
	for _, d := range s.deltas {
		full.WriteString(d)
		onDelta(d)
	}
	return full.String(), nil
}

func TestEvaluationUnitRelaysDeltasAndStoresText(t *testing.T) {
	streamer := &stubStreamer{deltas: []string{"The answer", " is", " 42."}}
	store := newMemStore()
	unit, err := NewEvaluationUnit(EvaluationUnitOptions{Streamer: streamer, Store: store})
	require.NoError(t, err)
	assert.Equal(t, model.JobKindEvaluation, unit.Kind())

	emit, chunks := collectEmits()
	payload := json.RawMessage(`{"prompt":"what is the answer?","system":"be brief"}`)

	ref, err := unit.Run(context.Background(), payload, emit)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "evaluations/"))
	assert.True(t, strings.HasSuffix(ref, ".txt"))

	// Each streamed delta becomes one emitted chunk, in order.
	assert.Equal(t, []string{"The answer", " is", " 42."}, *chunks)

	_, data := store.only(t)
	assert.Equal(t, "The answer is 42.", string(data))

	require.Len(t, streamer.gotReq.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, streamer.gotReq.Messages[0].Role)
	assert.Equal(t, "be brief", streamer.gotReq.Messages[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, streamer.gotReq.Messages[1].Role)
	assert.Equal(t, defaultEvaluationModel, streamer.gotReq.Model)
}

func TestEvaluationUnitSelectorProjectsJSONOutput(t *testing.T) {
	streamer := &stubStreamer{deltas: []string{`{"score": 0.9, "reasoning": "solid", "raw": "noise"}`}}
	store := newMemStore()
	unit, err := NewEvaluationUnit(EvaluationUnitOptions{Streamer: streamer, Store: store})
	require.NoError(t, err)

	emit, _ := collectEmits()
	payload := json.RawMessage(`{"prompt":"grade this","selector":"{score: score, reasoning: reasoning}"}`)

	ref, err := unit.Run(context.Background(), payload, emit)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ref, ".json"))

	_, data := store.only(t)
	assert.JSONEq(t, `{"score":0.9,"reasoning":"solid"}`, string(data))
}

func TestEvaluationUnitSelectorRequiresJSONOutput(t *testing.T) {
	streamer := &stubStreamer{deltas: []string{"plain prose, not JSON"}}
	store := newMemStore()
	unit, err := NewEvaluationUnit(EvaluationUnitOptions{Streamer: streamer, Store: store})
	require.NoError(t, err)

	emit, _ := collectEmits()
	payload := json.RawMessage(`{"prompt":"grade","selector":"score"}`)

	_, err = unit.Run(context.Background(), payload, emit)
	require.ErrorContains(t, err, "not JSON")
}

func TestEvaluationUnitErrors(t *testing.T) {
	store := newMemStore()
	emit, _ := collectEmits()

	t.Run("missing prompt", func(t *testing.T) {
		unit, err := NewEvaluationUnit(EvaluationUnitOptions{Streamer: &stubStreamer{}, Store: store})
		require.NoError(t, err)

		_, err = unit.Run(context.Background(), json.RawMessage(`{"prompt":"  "}`), emit)
		require.ErrorContains(t, err, "no prompt")
	})

	t.Run("stream failure", func(t *testing.T) {
		streamer := &stubStreamer{err: errors.New("connection reset")}
		unit, err := NewEvaluationUnit(EvaluationUnitOptions{Streamer: streamer, Store: store})
		require.NoError(t, err)

		_, err = unit.Run(context.Background(), json.RawMessage(`{"prompt":"hi"}`), emit)
		require.ErrorContains(t, err, "connection reset")
	})

	t.Run("invalid selector", func(t *testing.T) {
		unit, err := NewEvaluationUnit(EvaluationUnitOptions{Streamer: &stubStreamer{}, Store: store})
		require.NoError(t, err)

		_, err = unit.Run(context.Background(), json.RawMessage(`{"prompt":"hi","selector":"[bad"}`), emit)
		require.ErrorContains(t, err, "invalid selector")
	})
}
