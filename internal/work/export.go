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
	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/parleyhq/dispatch-api/internal/core"
	"github.com/parleyhq/dispatch-api/internal/domain/model"
)

// progressEvery controls how often the export unit emits a progress chunk.
const progressEvery = 100

// Selector abstracts JMESPath operations for testability.
type Selector interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

// jmespathSelector implements Selector using go-jmespath.
type jmespathSelector struct{}

func (jmespathSelector) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := jmespath.Compile(expr)
	return err
}

func (jmespathSelector) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// ExportPayload is the payload schema for export jobs. Records travel inline;
// the payload is bound at submission and never re-read afterwards.
type ExportPayload struct {
	Records  []json.RawMessage `json:"records"`
	Selector string            `json:"selector,omitempty"`
	Format   string            `json:"format,omitempty"` // "ndjson" (default) or "json"
}

// ExportUnitOptions groups dependencies for ExportUnit.
type ExportUnitOptions struct {
	Store    ResultStore // Required: artifact destination
	Selector Selector    // Optional: defaults to the JMESPath library
	Logger   *slog.Logger
}

// ExportUnit serializes submitted records into an artifact, optionally
// projecting each record through a JMESPath selector first.
type ExportUnit struct {
	store    ResultStore
	selector Selector
	logger   *slog.Logger
}

// NewExportUnit constructs an ExportUnit.
func NewExportUnit(opts ExportUnitOptions) (*ExportUnit, error) {
	if opts.Store == nil {
		return nil, errors.New("result store is required")
	}
	sel := opts.Selector
	if sel == nil {
		sel = jmespathSelector{}
	}
	return &ExportUnit{
		store:    opts.Store,
		selector: sel,
		logger:   opts.Logger,
	}, nil
}

func (u *ExportUnit) Kind() model.JobKind { return model.JobKindExport }

// Run projects and serializes the payload records, emitting a progress chunk
// every progressEvery records.
func (u *ExportUnit) Run(ctx context.Context, payload json.RawMessage, emit core.EmitFunc) (string, error) {
	var p ExportPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", fmt.Errorf("decode export payload: %w", err)
	}
	if len(p.Records) == 0 {
		return "", errors.New("export payload has no records")
	}

	format := p.Format
	if format == "" {
		format = "ndjson"
	}
	if format != "ndjson" && format != "json" {
		return "", fmt.Errorf("unsupported export format %q", format)
	}
	if err := u.selector.Validate(p.Selector); err != nil {
		return "", fmt.Errorf("invalid selector: %w", err)
	}

	projected := make([]json.RawMessage, 0, len(p.Records))
	for i, rec := range p.Records {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		out, err := u.project(rec, p.Selector)
		if err != nil {
			return "", fmt.Errorf("record %d: %w", i, err)
		}
		projected = append(projected, out)

		if (i+1)%progressEvery == 0 {
			emit(fmt.Sprintf("exported %d/%d records", i+1, len(p.Records)))
		}
	}

	body, err := encodeRecords(projected, format)
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("exports/%s.%s", uuid.NewString(), format)
	ref, err := u.store.Save(ctx, name, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("store export artifact: %w", err)
	}

	emit(fmt.Sprintf("exported %d/%d records", len(p.Records), len(p.Records)))

	if u.logger != nil {
		u.logger.DebugContext(ctx, "export finished",
			"records", len(p.Records),
			"format", format,
			"result_ref", ref,
		)
	}
	return ref, nil
}

func (u *ExportUnit) project(rec json.RawMessage, expr string) (json.RawMessage, error) {
	if strings.TrimSpace(expr) == "" {
		return rec, nil
	}

	var data any
	if err := json.Unmarshal(rec, &data); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	res, err := u.selector.Evaluate(expr, data)
	if err != nil {
		return nil, fmt.Errorf("apply selector: %w", err)
	}
	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode projected record: %w", err)
	}
	return out, nil
}

func encodeRecords(records []json.RawMessage, format string) ([]byte, error) {
	if format == "json" {
		return json.Marshal(records)
	}

	var buf bytes.Buffer
	for _, rec := range records {
		buf.Write(rec)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

var _ core.WorkUnit = (*ExportUnit)(nil)
