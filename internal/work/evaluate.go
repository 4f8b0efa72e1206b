package work

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
)

const defaultEvaluationModel = openai.GPT4oMini

// ChatStreamer abstracts streaming chat completion for testability. Stream
// invokes onDelta for each content delta and returns the concatenated text.
type ChatStreamer interface {
	Stream(ctx context.Context, req openai.ChatCompletionRequest, onDelta func(string)) (string, error)
}

// OpenAIStreamer implements ChatStreamer on the OpenAI streaming API.
type OpenAIStreamer struct {
	Client *openai.Client
}

func (s OpenAIStreamer) Stream(
	ctx context.Context,
	req openai.ChatCompletionRequest,
	onDelta func(string),
) (string, error) {
	req.Stream = true
	stream, err := s.Client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("open completion stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return full.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("receive completion delta: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		onDelta(delta)
	}
}

// EvaluationPayload is the payload schema for evaluation jobs. When Selector
// is set the model output must be JSON and is projected through it before
// storage.
type EvaluationPayload struct {
	Prompt   string `json:"prompt"`
	System   string `json:"system,omitempty"`
	Model    string `json:"model,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// EvaluationUnitOptions groups dependencies for EvaluationUnit.
type EvaluationUnitOptions struct {
	Streamer ChatStreamer // Required: chat completion stream client
	Store    ResultStore  // Required: artifact destination
	Selector Selector     // Optional: defaults to the JMESPath library
	Logger   *slog.Logger
}

// EvaluationUnit runs a prompt through a streaming chat completion, relaying
// each delta as a partial notification, and stores the final output.
type EvaluationUnit struct {
	streamer ChatStreamer
	store    ResultStore
	selector Selector
	logger   *slog.Logger
}

// NewEvaluationUnit constructs an EvaluationUnit.
func NewEvaluationUnit(opts EvaluationUnitOptions) (*EvaluationUnit, error) {
	if opts.Streamer == nil {
		return nil, errors.New("chat streamer is required")
	}
	if opts.Store == nil {
		return nil, errors.New("result store is required")
	}
	sel := opts.Selector
	if sel == nil {
		sel = jmespathSelector{}
	}
	return &EvaluationUnit{
		streamer: opts.Streamer,
		store:    opts.Store,
		selector: sel,
		logger:   opts.Logger,
	}, nil
}

func (u *EvaluationUnit) Kind() model.JobKind { return model.JobKindEvaluation }

func (u *EvaluationUnit) Run(ctx context.Context, payload json.RawMessage, emit core.EmitFunc) (string, error) {
	var p EvaluationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("decode evaluation payload: %w", err)
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return "", errors.New("evaluation payload has no prompt")
	}
	if err := u.selector.Validate(p.Selector); err != nil {
		return "", fmt.Errorf("invalid selector: %w", err)
	}

	chatModel := p.Model
	if chatModel == "" {
		chatModel = defaultEvaluationModel
	}

	var messages []openai.ChatCompletionMessage
	if p.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: p.Prompt,
	})

	text, err := u.streamer.Stream(ctx, openai.ChatCompletionRequest{
		Model:    chatModel,
		Messages: messages,
	}, func(delta string) { emit(delta) })
	if err != nil {
		return "", fmt.Errorf("stream evaluation: %w", err)
	}

	body, ext, err := u.finalize(text, p.Selector)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("evaluations/%s.%s", uuid.NewString(), ext)
	ref, err := u.store.Save(ctx, name, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store evaluation artifact: %w", err)
	}

	if u.logger != nil {
		u.logger.DebugContext(ctx, "evaluation finished",
			"model", chatModel,
			"output_bytes", len(body),
			"result_ref", ref,
		)
	}
	return ref, nil
}

// finalize applies the optional selector to JSON output. Without a selector
// the raw text is stored as-is.
func (u *EvaluationUnit) finalize(text, expr string) ([]byte, string, error) {
	if strings.TrimSpace(expr) == "" {
		return []byte(text), "txt", nil
	}

	var data any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return nil, "", fmt.Errorf("selector set but model output is not JSON: %w", err)
	}
	res, err := u.selector.Evaluate(expr, data)
	if err != nil {
		return nil, "", fmt.Errorf("apply selector: %w", err)
	}
	out, err := json.Marshal(res)
	if err != nil {
		return nil, "", fmt.Errorf("encode selected output: %w", err)
	}
	return out, "json", nil
}

var _ core.WorkUnit = (*EvaluationUnit)(nil)
