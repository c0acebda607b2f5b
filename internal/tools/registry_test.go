package tools

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/cache"
)

// stubTool runs fn and counts calls.
type stubTool struct {
	base
	calls int32
	fn    func(ctx context.Context, call int32) (*geoscale.Payload, error)
}

func newStubTool(name string, idempotent bool, fn func(ctx context.Context, call int32) (*geoscale.Payload, error)) *stubTool {
	return &stubTool{
		fn: fn,
		base: base{spec: geoscale.ToolSpec{
			Name:       name,
			Args:       []geoscale.ArgSpec{{Name: "dataset", Type: geoscale.ArgString, Required: true}},
			Idempotent: idempotent,
		}},
	}
}

func (s *stubTool) Execute(ctx context.Context, args map[string]interface{}) (*geoscale.Payload, error) {
	return s.fn(ctx, atomic.AddInt32(&s.calls, 1))
}

func okPayload(ctx context.Context, call int32) (*geoscale.Payload, error) {
	return &geoscale.Payload{Scalars: map[string]interface{}{"call": float64(call)}}, nil
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry()
	obs := r.Invoke(context.Background(), geoscale.ToolInvocation{Tool: "teleport"})
	if obs.Success || obs.Error == nil || obs.Error.Code != geoscale.ErrCodeToolNotFound {
		t.Fatalf("expected TOOL_NOT_FOUND, got %+v", obs)
	}
	if obs.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", obs.Attempts)
	}
}

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newStubTool("a", true, okPayload)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(newStubTool("a", true, okPayload)); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestRegistry_ArgumentValidation(t *testing.T) {
	r, err := SetupRegistry(lisbonStore(t), nil, nil)
	if err != nil {
		t.Fatalf("SetupRegistry failed: %v", err)
	}

	cases := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing required", map[string]interface{}{"target_dataset": "housing", "center": []interface{}{-9.14, 38.72}}},
		{"unknown argument", map[string]interface{}{"target_dataset": "housing", "center": []interface{}{-9.14, 38.72}, "radius_m": 100.0, "colour": "red"}},
		{"wrong type", map[string]interface{}{"target_dataset": "housing", "center": []interface{}{-9.14, 38.72}, "radius_m": "far"}},
		{"zero radius", map[string]interface{}{"target_dataset": "housing", "center": []interface{}{-9.14, 38.72}, "radius_m": 0.0}},
		{"bad point", map[string]interface{}{"target_dataset": "housing", "center": "Rossio", "radius_m": 100.0}},
		{"two centres", map[string]interface{}{"target_dataset": "housing", "center": []interface{}{-9.14, 38.72}, "center_dataset": "metro_stations", "radius_m": 100.0}},
		{"no centre", map[string]interface{}{"target_dataset": "housing", "radius_m": 100.0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obs := r.Invoke(context.Background(), geoscale.ToolInvocation{Tool: "proximity_search", Args: tc.args})
			if obs.Success || obs.Error == nil || obs.Error.Code != geoscale.ErrCodeToolArgument {
				t.Errorf("expected TOOL_ARGUMENT, got %+v", obs.Error)
			}
		})
	}

	obs := r.Invoke(context.Background(), geoscale.ToolInvocation{Tool: "containment_aggregate", Args: map[string]interface{}{
		"boundary_dataset": "parishes", "point_dataset": "housing", "aggregate_fn": "median",
	}})
	if obs.Error == nil || obs.Error.Code != geoscale.ErrCodeToolArgument {
		t.Errorf("expected TOOL_ARGUMENT for an unknown aggregate, got %+v", obs.Error)
	}
}

func TestRegistry_IdempotentInvocationsAgree(t *testing.T) {
	r, err := SetupRegistry(lisbonStore(t), nil, nil)
	if err != nil {
		t.Fatalf("SetupRegistry failed: %v", err)
	}
	inv := geoscale.ToolInvocation{Tool: "proximity_search", Args: map[string]interface{}{
		"target_dataset": "housing", "center_dataset": "metro_stations", "radius_m": 300.0,
	}}
	first := r.Invoke(context.Background(), inv)
	second := r.Invoke(context.Background(), inv)
	if !first.Success || !second.Success {
		t.Fatalf("invocations failed: %+v %+v", first.Error, second.Error)
	}
	if !reflect.DeepEqual(first.Payload.Table, second.Payload.Table) {
		t.Error("repeated invocation produced a different table")
	}
}

func TestRegistry_RetriesTimeouts(t *testing.T) {
	tool := newStubTool("slow", true, func(ctx context.Context, call int32) (*geoscale.Payload, error) {
		if call == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return okPayload(ctx, call)
	})
	r := NewRegistry(WithToolTimeout(20*time.Millisecond), WithRetryDelay(time.Millisecond))
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	obs := r.Invoke(context.Background(), geoscale.ToolInvocation{Tool: "slow", Args: map[string]interface{}{"dataset": "x"}})
	if !obs.Success {
		t.Fatalf("expected success after retry, got %+v", obs.Error)
	}
	if obs.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", obs.Attempts)
	}
	if m := r.Metrics(); m.TotalRetries != 1 || m.Successful != 1 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

func TestRegistry_NonIdempotentNotRetried(t *testing.T) {
	tool := newStubTool("once", false, func(ctx context.Context, call int32) (*geoscale.Payload, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := NewRegistry(WithToolTimeout(10*time.Millisecond), WithRetryDelay(time.Millisecond))
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	obs := r.Invoke(context.Background(), geoscale.ToolInvocation{Tool: "once", Args: map[string]interface{}{"dataset": "x"}})
	if obs.Success || obs.Attempts != 1 {
		t.Fatalf("expected one failed attempt, got %+v", obs)
	}
	if obs.Error.Code != geoscale.ErrCodeToolExecution || !obs.Error.Retryable {
		t.Errorf("expected a retryable TOOL_EXECUTION timeout, got %+v", obs.Error)
	}
}

func TestRegistry_PermanentErrorNotRetried(t *testing.T) {
	tool := newStubTool("broken", true, func(ctx context.Context, call int32) (*geoscale.Payload, error) {
		return nil, errors.New("division by zero")
	})
	r := NewRegistry(WithRetryDelay(time.Millisecond))
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	obs := r.Invoke(context.Background(), geoscale.ToolInvocation{Tool: "broken", Args: map[string]interface{}{"dataset": "x"}})
	if obs.Success || obs.Attempts != 1 || obs.Error.Code != geoscale.ErrCodeToolExecution {
		t.Errorf("expected one TOOL_EXECUTION attempt, got %+v", obs)
	}
}

func TestRegistry_ResultCacheFollowsVersions(t *testing.T) {
	store := lisbonStore(t)
	results := cache.NewInMemoryCache(time.Minute)
	defer results.Close()

	tool := newStubTool("counting", true, okPayload)
	r := NewRegistry(WithResultCache(results, store))
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	inv := geoscale.ToolInvocation{Tool: "counting", Args: map[string]interface{}{"dataset": "housing"}}

	r.Invoke(context.Background(), inv)
	obs := r.Invoke(context.Background(), inv)
	if !obs.Success || atomic.LoadInt32(&tool.calls) != 1 {
		t.Fatalf("second invocation should be served from cache, calls=%d", tool.calls)
	}
	if obs.Payload.Scalars["call"] != 1.0 {
		t.Errorf("cached payload differs: %v", obs.Payload.Scalars)
	}

	// Replacing the layer bumps its version and invalidates the entry.
	if _, err := store.Put(context.Background(), pointLayer("housing", "EPSG:4326", housingSchema, housingRecords()[:2])); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	r.Invoke(context.Background(), inv)
	if atomic.LoadInt32(&tool.calls) != 2 {
		t.Errorf("expected re-execution after the layer changed, calls=%d", tool.calls)
	}

	// Unknown datasets are never cached.
	missing := geoscale.ToolInvocation{Tool: "counting", Args: map[string]interface{}{"dataset": "nowhere"}}
	r.Invoke(context.Background(), missing)
	r.Invoke(context.Background(), missing)
	if atomic.LoadInt32(&tool.calls) != 4 {
		t.Errorf("expected uncached executions for an unknown dataset, calls=%d", tool.calls)
	}
	if m := r.Metrics(); m.CacheHits != 1 {
		t.Errorf("expected 1 cache hit, got %d", m.CacheHits)
	}
}

func TestRegistry_CatalogOrder(t *testing.T) {
	r, err := SetupRegistry(lisbonStore(t), nil, nil)
	if err != nil {
		t.Fatalf("SetupRegistry failed: %v", err)
	}
	var names []string
	for _, spec := range r.Catalog() {
		names = append(names, spec.Name)
	}
	want := []string{"proximity_search", "containment_aggregate", "rank_by_metric", "network_distance", "nearest_neighbor", "describe_dataset", "attribute_join", "spatial_join"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("expected %v, got %v", want, names)
	}
}
