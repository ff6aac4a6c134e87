package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tombee/flightplan/internal/log"
	"github.com/tombee/flightplan/pkg/catalog"
	"github.com/tombee/flightplan/pkg/errors"
	"github.com/tombee/flightplan/pkg/llm"
	"github.com/tombee/flightplan/pkg/workflow"
)

// Designer runs Stage 1: one reasoning-model call that produces workflow
// structure (step graph, plugin choices, control flow) without concrete
// parameter completion. Semantic understanding is delegated entirely to the
// model; the designer's own contract is fail-fast on anything unusable.
type Designer struct {
	client      llm.Client
	model       string
	temperature float64
	timeout     time.Duration
	logger      *slog.Logger
}

// DesignerOption configures a Designer.
type DesignerOption func(*Designer)

// WithDesignModel overrides the model used for design calls.
func WithDesignModel(model string) DesignerOption {
	return func(d *Designer) { d.model = model }
}

// WithDesignTimeout bounds each design call.
func WithDesignTimeout(timeout time.Duration) DesignerOption {
	return func(d *Designer) { d.timeout = timeout }
}

// WithDesignLogger injects a logger.
func WithDesignLogger(logger *slog.Logger) DesignerOption {
	return func(d *Designer) { d.logger = logger }
}

// NewDesigner creates a Stage 1 designer over the given model client.
func NewDesigner(client llm.Client, opts ...DesignerOption) *Designer {
	d := &Designer{
		client:      client,
		temperature: 0.2,
		timeout:     2 * time.Minute,
		logger:      log.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Design produces a workflow design for the request against the catalogue.
// Failures are typed *errors.DesignError: Stage 1 never guesses and never
// retries on its own (the injected client may carry retry policy).
func (d *Designer) Design(ctx context.Context, request string, cat catalog.Catalogue) (*workflow.Design, error) {
	if strings.TrimSpace(request) == "" {
		return nil, &errors.DesignError{Message: "request is empty"}
	}

	schema, err := llm.SchemaFor(&workflow.Design{})
	if err != nil {
		return nil, &errors.DesignError{Message: "failed to derive design schema", Cause: err}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	started := time.Now()
	resp, err := d.client.Complete(ctx, llm.Request{
		Model:       d.model,
		Temperature: &d.temperature,
		Messages: []llm.Message{
			{Role: llm.MessageRoleSystem, Content: DesignSystemPrompt()},
			{Role: llm.MessageRoleUser, Content: designUserPrompt(request, cat)},
		},
		ResponseSchema: &llm.ResponseSchema{
			Name:        "workflow_design",
			Description: "A structured workflow design for the user's automation request",
			Schema:      schema,
			Strict:      true,
		},
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &errors.DesignError{
				Message: fmt.Sprintf("design model call timed out after %v", d.timeout),
				Cause:   err,
			}
		}
		return nil, &errors.DesignError{Message: "design model call failed", Cause: err}
	}

	var design workflow.Design
	if err := llm.DecodeStructured(resp.Content, &design); err != nil {
		return nil, &errors.DesignError{Message: "design model returned malformed output", Cause: err}
	}
	if len(design.Steps) == 0 {
		return nil, &errors.DesignError{Message: "design model returned no steps"}
	}

	d.logger.Info("stage 1 design produced",
		log.StageKey, errors.StageDesign,
		"steps", len(design.Steps),
		"confidence", design.Confidence,
		log.DurationKey, time.Since(started).Milliseconds(),
		"tokens", resp.Usage.TotalTokens)

	return &design, nil
}

// designUserPrompt renders the request plus the condensed catalogue.
func designUserPrompt(request string, cat catalog.Catalogue) string {
	var sb strings.Builder
	sb.WriteString("Automation request:\n")
	sb.WriteString(request)
	sb.WriteString("\n\nAvailable actions (plugin.action(required params) -> output fields):\n")
	sb.WriteString(cat.Condensed())
	return sb.String()
}
