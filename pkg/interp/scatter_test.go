package interp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tombee/flightplan/pkg/catalog"
	"github.com/tombee/flightplan/pkg/workflow"
)

func scatterArtifact(gatherCfg workflow.GatherConfig, maxConcurrency int) *workflow.Artifact {
	return artifact(workflow.Step{
		ID: "step1", Type: workflow.KindScatterGather, Name: "Fan out",
		Scatter: &workflow.ScatterConfig{
			Input:          "{{input.items}}",
			MaxConcurrency: maxConcurrency,
			Gather:         gatherCfg,
			Steps: []workflow.Step{{
				ID: "step1a", Type: workflow.KindAction, Name: "Process",
				Plugin: "worker", Action: "process",
				Params: map[string]any{"value": "{{loop.item.value}}", "index": "{{loop.index}}"},
			}},
		},
	})
}

func itemInputs(n int) map[string]any {
	items := make([]any, n)
	for i := range items {
		items[i] = map[string]any{"value": float64(i + 1)}
	}
	return map[string]any{"items": items}
}

func TestScatterCollect(t *testing.T) {
	exec := catalog.ExecutorFunc(func(_ context.Context, _, _, _ string, params map[string]any) (*catalog.Result, error) {
		v := params["value"].(float64)
		return &catalog.Result{Success: true, Data: map[string]any{"doubled": v * 2}}, nil
	})
	it := New(exec, &echoModel{})

	art := scatterArtifact(workflow.GatherConfig{Strategy: workflow.GatherCollect}, 3)
	result, err := it.Run(context.Background(), art, "user-1", itemInputs(4))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	results := result.Output["results"].([]any)
	if len(results) != 4 {
		t.Fatalf("results = %v", results)
	}
	// Collect preserves item order regardless of completion order.
	for i, r := range results {
		data := r.(map[string]any)
		if data["doubled"] != float64((i+1)*2) {
			t.Errorf("results[%d] = %v", i, data)
		}
	}
	if result.Output["successCount"] != 4 || result.Output["failureCount"] != 0 {
		t.Errorf("counts = %v/%v", result.Output["successCount"], result.Output["failureCount"])
	}
}

func TestScatterBoundedConcurrency(t *testing.T) {
	var inflight, peak int64
	exec := catalog.ExecutorFunc(func(_ context.Context, _, _, _ string, _ map[string]any) (*catalog.Result, error) {
		now := atomic.AddInt64(&inflight, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if now <= old || atomic.CompareAndSwapInt64(&peak, old, now) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inflight, -1)
		return &catalog.Result{Success: true, Data: map[string]any{}}, nil
	})
	it := New(exec, &echoModel{})

	art := scatterArtifact(workflow.GatherConfig{Strategy: workflow.GatherCollect}, 2)
	if _, err := it.Run(context.Background(), art, "user-1", itemInputs(6)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestScatterPartialFailure(t *testing.T) {
	exec := catalog.ExecutorFunc(func(_ context.Context, _, _, _ string, params map[string]any) (*catalog.Result, error) {
		v := params["value"].(float64)
		if int(v)%2 == 0 {
			return &catalog.Result{Success: false, Error: "even_rejected", Message: fmt.Sprintf("item %v rejected", v)}, nil
		}
		return &catalog.Result{Success: true, Data: map[string]any{"value": v}}, nil
	})
	it := New(exec, &echoModel{})

	art := scatterArtifact(workflow.GatherConfig{Strategy: workflow.GatherCollect}, 3)
	result, err := it.Run(context.Background(), art, "user-1", itemInputs(5))

	// One item's failure fails the step, but never aborts its siblings.
	if err == nil {
		t.Fatal("partial failure must fail the step")
	}
	if result.Steps[0].Status != StatusFailed {
		t.Errorf("status = %s", result.Steps[0].Status)
	}

	data := result.Steps[0].Data
	items := data["items"].([]any)
	if len(items) != 5 {
		t.Fatalf("gathered count = %d, want all 5 items", len(items))
	}
	if data["successCount"] != 3 || data["failureCount"] != 2 {
		t.Errorf("counts = %v/%v", data["successCount"], data["failureCount"])
	}
	for i, raw := range items {
		item := raw.(map[string]any)
		if item["index"] != i {
			t.Errorf("items[%d] index = %v", i, item["index"])
		}
		wantSuccess := (i+1)%2 == 1
		if item["success"] != wantSuccess {
			t.Errorf("items[%d] success = %v, want %v", i, item["success"], wantSuccess)
		}
		if !wantSuccess && item["error"] == "" {
			t.Errorf("items[%d] failure not tagged", i)
		}
	}
}

func TestScatterMerge(t *testing.T) {
	exec := catalog.ExecutorFunc(func(_ context.Context, _, _, _ string, params map[string]any) (*catalog.Result, error) {
		v := params["value"].(float64)
		key := fmt.Sprintf("item_%d", int(v))
		return &catalog.Result{Success: true, Data: map[string]any{key: v}}, nil
	})
	it := New(exec, &echoModel{})

	art := scatterArtifact(workflow.GatherConfig{Strategy: workflow.GatherMerge}, 2)
	result, err := it.Run(context.Background(), art, "user-1", itemInputs(3))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	merged := result.Output["results"].(map[string]any)
	if len(merged) != 3 || merged["item_2"] != float64(2) {
		t.Errorf("merged = %v", merged)
	}
}

func TestScatterReduce(t *testing.T) {
	exec := catalog.ExecutorFunc(func(_ context.Context, _, _, _ string, params map[string]any) (*catalog.Result, error) {
		return &catalog.Result{Success: true, Data: map[string]any{"count": params["value"]}}, nil
	})
	it := New(exec, &echoModel{})

	art := scatterArtifact(workflow.GatherConfig{
		Strategy:   workflow.GatherReduce,
		Expression: "(acc ?? 0.0) + item.count",
	}, 2)
	result, err := it.Run(context.Background(), art, "user-1", itemInputs(4))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Output["results"] != float64(1+2+3+4) {
		t.Errorf("reduced = %v", result.Output["results"])
	}
}

func TestScatterItemIsolation(t *testing.T) {
	// Items must not observe each other's step outputs: each item's body
	// references its own step1a output through the forked scope.
	var mu sync.Mutex
	seen := map[float64]bool{}
	exec := catalog.ExecutorFunc(func(_ context.Context, _, _, action string, params map[string]any) (*catalog.Result, error) {
		if action == "process" {
			v := params["value"].(float64)
			return &catalog.Result{Success: true, Data: map[string]any{"tag": v}}, nil
		}
		v := params["tag"].(float64)
		mu.Lock()
		seen[v] = true
		mu.Unlock()
		return &catalog.Result{Success: true, Data: map[string]any{}}, nil
	})
	it := New(exec, &echoModel{})

	art := artifact(workflow.Step{
		ID: "step1", Type: workflow.KindScatterGather, Name: "Fan out",
		Scatter: &workflow.ScatterConfig{
			Input:          "{{input.items}}",
			MaxConcurrency: 4,
			Gather:         workflow.GatherConfig{Strategy: workflow.GatherCollect},
			Steps: []workflow.Step{
				{
					ID: "step1a", Type: workflow.KindAction, Name: "Tag",
					Plugin: "worker", Action: "process",
					Params: map[string]any{"value": "{{loop.item.value}}"},
				},
				{
					ID: "step1b", Type: workflow.KindAction, Name: "Check",
					Plugin: "worker", Action: "check",
					Params: map[string]any{"tag": "{{step1a.data.tag}}"},
				},
			},
		},
	})

	if _, err := it.Run(context.Background(), art, "user-1", itemInputs(8)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seen) != 8 {
		t.Errorf("distinct tags = %d, want 8 (cross-item bleed)", len(seen))
	}
}
