package work

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// maxEmbeddingInputs bounds one job to a single upstream batch request.
const maxEmbeddingInputs = 2048

// EmbeddingClient abstracts the embeddings endpoint for testability.
// *openai.Client satisfies it.
type EmbeddingClient interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// EmbeddingPayload is the payload schema for embedding jobs.
type EmbeddingPayload struct {
	Inputs []string `json:"inputs"`
	Model  string   `json:"model,omitempty"`
}

// embeddingArtifact is the stored result shape.
type embeddingArtifact struct {
	Model      string      `json:"model"`
	Dimensions int         `json:"dimensions"`
	Vectors    [][]float32 `json:"vectors"`
}

// EmbeddingUnitOptions groups dependencies for EmbeddingUnit.
type EmbeddingUnitOptions struct {
	Client EmbeddingClient // Required: embeddings API client
	Store  ResultStore     // Required: artifact destination
	Logger *slog.Logger
}

// EmbeddingUnit turns submitted texts into embedding vectors via the OpenAI
// embeddings API and stores the vectors as a JSON artifact.
type EmbeddingUnit struct {
	client EmbeddingClient
	store  ResultStore
	logger *slog.Logger
}

// NewEmbeddingUnit constructs an EmbeddingUnit.
func NewEmbeddingUnit(opts EmbeddingUnitOptions) (*EmbeddingUnit, error) {
	if opts.Client == nil {
		return nil, errors.New("embedding client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("result store is required")
	}
	return &EmbeddingUnit{
		client: opts.Client,
		store:  opts.Store,
		logger: opts.Logger,
	}, nil
}

func (u *EmbeddingUnit) Kind() model.JobKind { return model.JobKindEmbedding }

func (u *EmbeddingUnit) Run(ctx context.Context, payload json.RawMessage, emit core.EmitFunc) (string, error) {
	var p EmbeddingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("decode embedding payload: %w", err)
	}
	if len(p.Inputs) == 0 {
		return "", errors.New("embedding payload has no inputs")
	}
	if len(p.Inputs) > maxEmbeddingInputs {
		return "", fmt.Errorf("embedding payload has %d inputs, maximum is %d", len(p.Inputs), maxEmbeddingInputs)
	}
	for i, in := range p.Inputs {
		if strings.TrimSpace(in) == "" {
			return "", fmt.Errorf("embedding input %d is empty", i)
		}
	}

	embModel := p.Model
	if embModel == "" {
		embModel = defaultEmbeddingModel
	}

	resp, err := u.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: p.Inputs,
		Model: openai.EmbeddingModel(embModel),
	})
	if err != nil {
		return "", fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(p.Inputs) {
		return "", fmt.Errorf("embeddings API returned %d vectors, expected %d", len(resp.Data), len(p.Inputs))
	}

	artifact := embeddingArtifact{Model: embModel, Vectors: make([][]float32, len(resp.Data))}
	for i, d := range resp.Data {
		artifact.Vectors[i] = d.Embedding
	}
	if len(artifact.Vectors) > 0 {
		artifact.Dimensions = len(artifact.Vectors[0])
	}

	emit(fmt.Sprintf("embedded %d inputs (%d tokens)", len(p.Inputs), resp.Usage.TotalTokens))

	body, err := json.Marshal(artifact)
	if err != nil {
		return "", fmt.Errorf("encode embedding artifact: %w", err)
	}

	name := fmt.Sprintf("embeddings/%s.json", uuid.NewString())
	ref, err := u.store.Save(ctx, name, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store embedding artifact: %w", err)
	}

	if u.logger != nil {
		u.logger.DebugContext(ctx, "embedding finished",
			"inputs", len(p.Inputs),
			"model", embModel,
			"dimensions", artifact.Dimensions,
			"result_ref", ref,
		)
	}
	return ref, nil
}

var _ core.WorkUnit = (*EmbeddingUnit)(nil)
