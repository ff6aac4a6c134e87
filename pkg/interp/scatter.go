package interp

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/panjf2000/ants/v2"

	"github.com/tombee/flightplan/pkg/workflow"
	"github.com/tombee/flightplan/pkg/workflow/expression"
)

// executeScatter fans the sub-step sequence out over the input collection
// with bounded concurrency. One item's failure never aborts its siblings:
// every outcome is gathered and tagged, and the step succeeds only when
// all items did.
func (it *Interpreter) executeScatter(ctx context.Context, step *workflow.Step, scope *expression.Scope, userID string) (map[string]any, error) {
	sc := step.Scatter
	items, err := resolveCollection(sc.Input, scope)
	if err != nil {
		return nil, err
	}

	concurrency := sc.MaxConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > workflow.MaxScatterConcurrency {
		concurrency = workflow.MaxScatterConcurrency
	}

	pool, err := ants.NewPool(concurrency)
	if err != nil {
		return nil, fmt.Errorf("scatter pool: %w", err)
	}
	defer pool.Release()

	outcomes := make([]ItemOutcome, len(items))
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			outcomes[i] = it.runScatterItem(ctx, sc.Steps, scope, item, i, userID)
		}
		if err := pool.Submit(task); err != nil {
			wg.Done()
			outcomes[i] = ItemOutcome{Index: i, Error: fmt.Sprintf("submit failed: %v", err)}
		}
	}
	wg.Wait()

	gathered, err := gather(sc.Gather, outcomes)
	if err != nil {
		return nil, err
	}

	failures := 0
	tagged := make([]any, len(outcomes))
	for i, outcome := range outcomes {
		if !outcome.Success {
			failures++
		}
		tagged[i] = map[string]any{
			"index":   outcome.Index,
			"success": outcome.Success,
			"data":    anyMap(outcome.Data),
			"error":   outcome.Error,
		}
	}

	data := map[string]any{
		"results":      gathered,
		"items":        tagged,
		"successCount": len(outcomes) - failures,
		"failureCount": failures,
	}
	if failures > 0 {
		return data, fmt.Errorf("%d of %d scattered items failed", failures, len(outcomes))
	}
	return data, nil
}

// runScatterItem executes the sub-step sequence for one item on a forked
// scope, so concurrent items never observe each other's step outputs.
func (it *Interpreter) runScatterItem(ctx context.Context, steps []workflow.Step, scope *expression.Scope, item any, index int, userID string) ItemOutcome {
	itemScope := scope.Fork().WithLoop(item, index)
	itemRec := &RunResult{}
	data, err := it.runSequence(ctx, steps, itemScope, userID, itemRec, false)
	if err != nil {
		return ItemOutcome{Index: index, Data: data, Error: err.Error()}
	}
	return ItemOutcome{Index: index, Success: true, Data: anyMap(data)}
}

// gather folds the per-item outcomes with the configured strategy. Failed
// items contribute nil to collect, nothing to merge, and are skipped by
// reduce; they stay visible in the tagged item list.
func gather(cfg workflow.GatherConfig, outcomes []ItemOutcome) (any, error) {
	switch cfg.Strategy {
	case workflow.GatherCollect, "":
		results := make([]any, len(outcomes))
		for i, outcome := range outcomes {
			if outcome.Success {
				results[i] = outcome.Data
			}
		}
		return results, nil

	case workflow.GatherMerge:
		merged := make(map[string]any)
		for _, outcome := range outcomes {
			if !outcome.Success {
				continue
			}
			for k, v := range outcome.Data {
				merged[k] = v
			}
		}
		return merged, nil

	case workflow.GatherReduce:
		program, err := expr.Compile(cfg.Expression)
		if err != nil {
			return nil, fmt.Errorf("reduce expression: %w", err)
		}
		var acc any
		for _, outcome := range outcomes {
			if !outcome.Success {
				continue
			}
			acc, err = expr.Run(program, map[string]any{
				"acc":  acc,
				"item": outcome.Data,
			})
			if err != nil {
				return nil, fmt.Errorf("reduce expression: %w", err)
			}
		}
		return acc, nil
	}
	return nil, fmt.Errorf("unknown gather strategy %q", cfg.Strategy)
}
