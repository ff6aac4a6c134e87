package synth

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/flightplan/internal/log"
	"github.com/tombee/flightplan/pkg/catalog"
	"github.com/tombee/flightplan/pkg/errors"
	"github.com/tombee/flightplan/pkg/workflow"
)

const tracerName = "github.com/tombee/flightplan/pkg/synth"

// PipelineResult is the outcome of one synthesis run.
type PipelineResult struct {
	// RunID identifies this pipeline run.
	RunID string

	// Artifact is the validated workflow. Nil when the run failed.
	Artifact *workflow.Artifact

	// Gates holds the result of every gate that ran, in order.
	Gates []*workflow.GateResult

	// InputsAdded and FixesApplied report what Stage 2 did.
	InputsAdded []string

	// FixesApplied aggregates Stage 2 and repair fixes.
	FixesApplied []string

	// Repair reports the repair pass, when one ran.
	Repair *RepairResult
}

// Warnings flattens the advisory findings of all gates.
func (r *PipelineResult) Warnings() []string {
	var out []string
	for _, gate := range r.Gates {
		out = append(out, gate.Warnings...)
	}
	return out
}

// Pipeline orchestrates request -> Stage 1 -> Gate 1 -> Stage 2 -> Gate 2
// -> (repair) -> Gate 3 -> artifact. Each run is independent; the pipeline
// holds no mutable state beyond its injected collaborators.
type Pipeline struct {
	designer *Designer
	repairer *Repairer
	gate3    Gate3Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithGate3Config tunes the advisory gate.
func WithGate3Config(cfg Gate3Config) PipelineOption {
	return func(p *Pipeline) { p.gate3 = cfg }
}

// WithPipelineLogger injects a logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// NewPipeline wires a pipeline from its two model-backed stages. The
// designer and repairer typically share one client but may use different
// models.
func NewPipeline(designer *Designer, repairer *Repairer, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		designer: designer,
		repairer: repairer,
		logger:   log.Discard(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the full synthesis pipeline for one request. On failure the
// returned error is stage-tagged (errors.StageTagged) and the partial
// result carries every gate detail produced so far.
func (p *Pipeline) Run(ctx context.Context, request string, cat catalog.Catalogue) (*PipelineResult, error) {
	runID := uuid.New().String()
	result := &PipelineResult{RunID: runID}
	logger := log.WithRunContext(p.logger, runID)

	ctx, span := p.tracer.Start(ctx, "synth.pipeline",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	// Stage 1: structure design.
	design, err := traceStage(ctx, p.tracer, "synth.stage1", func(ctx context.Context) (*workflow.Design, error) {
		return p.designer.Design(ctx, request, cat)
	})
	if err != nil {
		logger.Error("stage 1 failed", log.StageKey, errors.StageDesign, "error", err)
		return result, err
	}

	// Gate 1: structural validation. Failures are final.
	gate1 := Gate1(design, cat)
	result.Gates = append(result.Gates, gate1)
	if !gate1.Passed {
		logger.Error("gate 1 failed", log.StageKey, errors.StageGate1, "errors", len(gate1.Errors))
		return result, &errors.StructuralError{
			Message: "structural validation failed: " + strings.Join(gate1.Errors, "; "),
		}
	}

	// Stage 2: deterministic completion on a clone; the Stage 1 design
	// stays untouched for diagnostics.
	completed := design.Clone()
	stage2, err := CompleteDesign(completed)
	if err != nil {
		logger.Error("stage 2 failed", log.StageKey, errors.StageStage2, "error", err)
		return result, errors.Wrap(err, "stage 2 completion failed")
	}
	result.InputsAdded = stage2.InputsAdded
	result.FixesApplied = append(result.FixesApplied, stage2.FixesApplied...)

	// Gate 2: parameter validation, with one bounded repair pass on failure.
	gate2 := Gate2(completed, cat)
	result.Gates = append(result.Gates, gate2)
	if !gate2.Passed {
		logger.Warn("gate 2 failed, entering repair",
			log.StageKey, errors.StageStage2, "errors", len(gate2.Errors))

		repair, err := traceStage(ctx, p.tracer, "synth.repair", func(ctx context.Context) (*RepairResult, error) {
			return p.repairer.Repair(ctx, completed, Gate2ErrorList(gate2), request, cat)
		})
		if err != nil {
			return result, errors.Wrap(err, "repair pass failed")
		}
		result.Repair = repair
		result.FixesApplied = append(result.FixesApplied, repair.Fixes...)

		// Re-running Gate 2 over the repaired step list is mandatory:
		// isolation checks cannot see cross-step breakage.
		gate2 = Gate2(completed, cat)
		result.Gates = append(result.Gates, gate2)
		if !gate2.Passed {
			logger.Error("gate 2 still failing after repair",
				log.StageKey, errors.StageStage2, "errors", len(gate2.Errors))
			return result, &errors.RepairExhaustedError{
				Attempts: p.repairer.attempts,
				Residual: gate2.Errors,
			}
		}
	}

	// Gate 3: advisory semantic checks.
	gate3 := Gate3(completed, p.gate3)
	result.Gates = append(result.Gates, gate3)
	if !gate3.Passed {
		logger.Error("gate 3 failed", log.StageKey, errors.StageGate3, "errors", len(gate3.Errors))
		return result, &errors.ValidationError{
			Field:   "design",
			Message: "semantic validation failed: " + strings.Join(gate3.Errors, "; "),
		}
	}

	result.Artifact = workflow.ArtifactFromDesign(completed)
	logger.Info("synthesis pipeline completed",
		"steps", len(result.Artifact.WorkflowSteps),
		"inputs", len(result.Artifact.RequiredInputs),
		"fixes", len(result.FixesApplied),
		"warnings", len(result.Warnings()))
	return result, nil
}

// traceStage wraps one stage call in a span.
func traceStage[T any](ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	out, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return out, err
}
