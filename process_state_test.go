package geoscale

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZanzyTHEbar/geoscale-genkit/internal/eventbus"
)

// scriptedOracle replays a fixed sequence of responses; once exhausted it repeats the last one.
type scriptedOracle struct {
	mu        sync.Mutex
	responses []*OracleResponse
	requests  []OracleRequest
	block     bool
}

func (o *scriptedOracle) Converse(ctx context.Context, req OracleRequest) (*OracleResponse, error) {
	o.mu.Lock()
	o.requests = append(o.requests, req)
	n := len(o.requests)
	o.mu.Unlock()

	if o.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(o.responses) == 0 {
		return nil, errors.New("no scripted response")
	}
	if n > len(o.responses) {
		n = len(o.responses)
	}
	return o.responses[n-1], nil
}

func (o *scriptedOracle) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

func (o *scriptedOracle) request(i int) OracleRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.requests[i]
}

type staticRetriever struct {
	ids []string
	err error
}

func (r *staticRetriever) Select(ctx context.Context, q Query, k int) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	if len(r.ids) > k {
		return r.ids[:k], nil
	}
	return r.ids, nil
}

type mapIndex struct {
	mu    sync.RWMutex
	descs map[string]DatasetDescriptor
}

func newMapIndex(descs ...DatasetDescriptor) *mapIndex {
	idx := &mapIndex{descs: make(map[string]DatasetDescriptor)}
	for _, d := range descs {
		idx.descs[d.ID] = d
	}
	return idx
}

func (m *mapIndex) Descriptor(id string) (DatasetDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descs[id]
	return d, ok
}

func (m *mapIndex) add(d DatasetDescriptor) {
	m.mu.Lock()
	m.descs[d.ID] = d
	m.mu.Unlock()
}

// stubRegistry records invocations and answers them with invokeFn.
type stubRegistry struct {
	mu          sync.Mutex
	invocations []ToolInvocation
	invokeFn    func(ctx context.Context, inv ToolInvocation) Observation
}

func (r *stubRegistry) Catalog() []ToolSpec {
	return []ToolSpec{{Name: "noop", Description: "does nothing", Idempotent: true}}
}

func (r *stubRegistry) Invoke(ctx context.Context, inv ToolInvocation) Observation {
	r.mu.Lock()
	r.invocations = append(r.invocations, inv)
	r.mu.Unlock()
	if r.invokeFn != nil {
		return r.invokeFn(ctx, inv)
	}
	return Observation{
		Tool:     inv.Tool,
		Success:  true,
		Attempts: 1,
		Payload:  &Payload{Scalars: map[string]interface{}{"count": 3.0}},
	}
}

func (r *stubRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.invocations)
}

type textAssembler struct{}

func (textAssembler) Assemble(answer FinalAnswer, steps []Step) (*Response, error) {
	return &Response{Format: FormatText, Text: answer.Summary}, nil
}

var housingDescriptor = DatasetDescriptor{
	ID:     "housing",
	Title:  "Housing listings",
	Kind:   KindPoint,
	Schema: map[string]AttributeType{"price": AttrNumber},
	CRS:    "EPSG:4326",
}

func invoke(tool string) *OracleResponse {
	return &OracleResponse{Message: "calling " + tool, Invocation: &ToolInvocation{Tool: tool, Args: map[string]interface{}{}}}
}

func final(summary string) *OracleResponse {
	return &OracleResponse{Final: &FinalAnswer{Summary: summary}}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableEventBus = false
	cfg.OracleTimeout = time.Second
	cfg.MaxDuration = 5 * time.Second
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, oracle Oracle, retriever DatasetRetriever, index DescriptorIndex, registry ToolRegistry) *Engine {
	t.Helper()
	e, err := New(
		WithConfig(cfg),
		WithOracle(oracle),
		WithRetriever(retriever),
		WithDescriptors(index),
		WithToolRegistry(registry),
		WithAssembler(textAssembler{}),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_Run_Success(t *testing.T) {
	oracle := &scriptedOracle{responses: []*OracleResponse{invoke("noop"), final("three listings")}}
	registry := &stubRegistry{}
	e := newTestEngine(t, testConfig(), oracle, &staticRetriever{ids: []string{"housing"}}, newMapIndex(housingDescriptor), registry)

	resp, err := e.Run(context.Background(), Query{Text: "how many listings"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != RunDone || resp.Text != "three listings" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Steps != 1 || registry.count() != 1 {
		t.Errorf("expected 1 step and 1 invocation, got %d and %d", resp.Steps, registry.count())
	}
	if resp.RunID == "" {
		t.Error("expected a run ID")
	}

	second := oracle.request(1)
	if len(second.Transcript) != 1 || second.Transcript[0].OracleMessage != "calling noop" {
		t.Errorf("second oracle turn should see the first step, got %+v", second.Transcript)
	}
	if len(second.Datasets) != 1 || second.Datasets[0].ID != "housing" {
		t.Errorf("expected housing candidate, got %+v", second.Datasets)
	}
	if second.StepsRemaining != testConfig().MaxSteps-1 {
		t.Errorf("expected %d steps remaining, got %d", testConfig().MaxSteps-1, second.StepsRemaining)
	}
}

func TestEngine_Run_StepBudgetExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSteps = 3
	oracle := &scriptedOracle{responses: []*OracleResponse{invoke("noop")}}
	registry := &stubRegistry{}
	e := newTestEngine(t, cfg, oracle, &staticRetriever{ids: []string{"housing"}}, newMapIndex(housingDescriptor), registry)

	resp, err := e.Run(context.Background(), Query{Text: "loop forever"})
	if !IsCode(err, ErrCodeStepBudget) {
		t.Fatalf("expected STEP_BUDGET_EXCEEDED, got %v", err)
	}
	if resp.Status != RunFailed || resp.Diagnostic == nil {
		t.Fatalf("expected failed response with diagnostic, got %+v", resp)
	}
	if registry.count() != 3 {
		t.Errorf("expected exactly 3 tool invocations, got %d", registry.count())
	}
	if resp.Diagnostic.Steps != 3 || len(resp.Diagnostic.LastStep) != 3 {
		t.Errorf("expected 3 steps in diagnostic, got %d (tail %d)", resp.Diagnostic.Steps, len(resp.Diagnostic.LastStep))
	}
	for i, s := range resp.Diagnostic.LastStep {
		if s.Index != i {
			t.Errorf("expected step index %d, got %d", i, s.Index)
		}
	}
	if resp.Table != nil || resp.Map != nil {
		t.Error("failed run must not carry partial results")
	}
	if resp.Diagnostic.State != string(StateObserving) {
		t.Errorf("expected failure in observing, got %s", resp.Diagnostic.State)
	}
}

func TestEngine_Run_ToolInvocationBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxToolInvocations = 4
	oracle := &scriptedOracle{responses: []*OracleResponse{invoke("noop")}}
	registry := &stubRegistry{invokeFn: func(ctx context.Context, inv ToolInvocation) Observation {
		return Observation{Tool: inv.Tool, Success: false, Attempts: 2, Error: &ErrorDetail{Code: ErrCodeToolExecution, Message: "timed out"}}
	}}
	e := newTestEngine(t, cfg, oracle, &staticRetriever{ids: []string{"housing"}}, newMapIndex(housingDescriptor), registry)

	_, err := e.Run(context.Background(), Query{Text: "retry heavy"})
	if !IsCode(err, ErrCodeStepBudget) {
		t.Fatalf("expected STEP_BUDGET_EXCEEDED, got %v", err)
	}
	if registry.count() != 2 {
		t.Errorf("expected 2 invocations of 2 attempts each, got %d", registry.count())
	}
}

func TestEngine_Run_CancelledBeforeStart(t *testing.T) {
	oracle := &scriptedOracle{responses: []*OracleResponse{final("unused")}}
	e := newTestEngine(t, testConfig(), oracle, &staticRetriever{ids: []string{"housing"}}, newMapIndex(housingDescriptor), &stubRegistry{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := e.Run(ctx, Query{Text: "anything"})
	if !IsCode(err, ErrCodeCancelled) {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
	if resp.Status != RunFailed {
		t.Errorf("expected failed status, got %s", resp.Status)
	}
	if oracle.calls() != 0 {
		t.Errorf("oracle should not be consulted, got %d calls", oracle.calls())
	}
}

func TestEngine_Run_CancelDuringToolDiscardsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	completed := make(chan bool, 1)

	registry := &stubRegistry{invokeFn: func(toolCtx context.Context, inv ToolInvocation) Observation {
		cancel()
		<-release
		completed <- toolCtx.Err() == nil
		return Observation{Tool: inv.Tool, Success: true, Attempts: 1}
	}}
	oracle := &scriptedOracle{responses: []*OracleResponse{invoke("noop"), final("never")}}
	e := newTestEngine(t, testConfig(), oracle, &staticRetriever{ids: []string{"housing"}}, newMapIndex(housingDescriptor), registry)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	resp, err := e.Run(ctx, Query{Text: "cancel me"})
	if !IsCode(err, ErrCodeCancelled) {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
	if ok := <-completed; !ok {
		t.Error("tool context must not be cancelled with the query")
	}
	if resp.Steps != 0 {
		t.Errorf("discarded observation must not be appended, got %d steps", resp.Steps)
	}
	if oracle.calls() != 1 {
		t.Errorf("expected no planning after cancellation, got %d oracle calls", oracle.calls())
	}
}

func TestEngine_Run_NoRelevantData(t *testing.T) {
	t.Run("notice", func(t *testing.T) {
		oracle := &scriptedOracle{responses: []*OracleResponse{final("no data available")}}
		e := newTestEngine(t, testConfig(), oracle, &staticRetriever{}, newMapIndex(), &stubRegistry{})

		resp, err := e.Run(context.Background(), Query{Text: "crime rates on mars"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Status != RunDone {
			t.Errorf("expected done, got %s", resp.Status)
		}
		req := oracle.request(0)
		if len(req.Datasets) != 0 || len(req.Notices) != 1 || !strings.HasPrefix(req.Notices[0], ErrCodeNoRelevantData) {
			t.Errorf("expected empty candidates and a notice, got %+v / %v", req.Datasets, req.Notices)
		}
	})

	t.Run("required", func(t *testing.T) {
		cfg := testConfig()
		cfg.RequireRelevantData = true
		oracle := &scriptedOracle{responses: []*OracleResponse{final("unused")}}
		e := newTestEngine(t, cfg, oracle, &staticRetriever{}, newMapIndex(), &stubRegistry{})

		resp, err := e.Run(context.Background(), Query{Text: "crime rates on mars"})
		if !IsCode(err, ErrCodeNoRelevantData) {
			t.Fatalf("expected NO_RELEVANT_DATA, got %v", err)
		}
		if resp.Diagnostic == nil || resp.Diagnostic.State != string(StateRetrieving) {
			t.Errorf("expected diagnostic from retrieving, got %+v", resp.Diagnostic)
		}
		if oracle.calls() != 0 {
			t.Errorf("oracle should not be consulted, got %d calls", oracle.calls())
		}
	})
}

func TestEngine_Run_OracleTimeout(t *testing.T) {
	for _, retries := range []int{0, 1} {
		t.Run(fmt.Sprintf("retries=%d", retries), func(t *testing.T) {
			cfg := testConfig()
			cfg.OracleTimeout = 20 * time.Millisecond
			cfg.OracleRetries = retries
			cfg.OracleRetryDelay = time.Millisecond
			oracle := &scriptedOracle{block: true}
			e := newTestEngine(t, cfg, oracle, &staticRetriever{ids: []string{"housing"}}, newMapIndex(housingDescriptor), &stubRegistry{})

			resp, err := e.Run(context.Background(), Query{Text: "slow oracle"})
			if !IsCode(err, ErrCodeOracleTimeout) {
				t.Fatalf("expected ORACLE_TIMEOUT, got %v", err)
			}
			if oracle.calls() != retries+1 {
				t.Errorf("expected %d oracle calls, got %d", retries+1, oracle.calls())
			}
			if resp.Diagnostic.State != string(StatePlanning) {
				t.Errorf("expected failure in planning, got %s", resp.Diagnostic.State)
			}
		})
	}
}

func TestEngine_Run_InvalidOracleResponse(t *testing.T) {
	both := &OracleResponse{Invocation: &ToolInvocation{Tool: "noop"}, Final: &FinalAnswer{Summary: "x"}}
	oracle := &scriptedOracle{responses: []*OracleResponse{both}}
	e := newTestEngine(t, testConfig(), oracle, &staticRetriever{ids: []string{"housing"}}, newMapIndex(housingDescriptor), &stubRegistry{})

	_, err := e.Run(context.Background(), Query{Text: "confused oracle"})
	if !IsCode(err, ErrCodeOracle) {
		t.Fatalf("expected ORACLE_ERROR, got %v", err)
	}
}

func TestEngine_Run_TimeBudgetExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDuration = 30 * time.Millisecond
	oracle := &scriptedOracle{responses: []*OracleResponse{invoke("noop")}}
	registry := &stubRegistry{invokeFn: func(ctx context.Context, inv ToolInvocation) Observation {
		time.Sleep(50 * time.Millisecond)
		return Observation{Tool: inv.Tool, Success: true, Attempts: 1}
	}}
	e := newTestEngine(t, cfg, oracle, &staticRetriever{ids: []string{"housing"}}, newMapIndex(housingDescriptor), registry)

	resp, err := e.Run(context.Background(), Query{Text: "slow tool"})
	if !IsCode(err, ErrCodeTimeBudget) {
		t.Fatalf("expected TIME_BUDGET_EXCEEDED, got %v", err)
	}
	if resp.Steps != 1 {
		t.Errorf("expected the completed step to be kept, got %d", resp.Steps)
	}
}

func TestEngine_Run_AdoptsFetchedDataset(t *testing.T) {
	index := newMapIndex()
	fetched := DatasetDescriptor{ID: "osm_streets_lisbon", Title: "Street network: Lisbon", Kind: KindLineNetwork, CRS: "EPSG:4326"}
	registry := &stubRegistry{invokeFn: func(ctx context.Context, inv ToolInvocation) Observation {
		index.add(fetched)
		return Observation{Tool: inv.Tool, Success: true, Attempts: 1,
			Payload: &Payload{Scalars: map[string]interface{}{"dataset_id": fetched.ID}}}
	}}
	oracle := &scriptedOracle{responses: []*OracleResponse{invoke("fetch_fresh"), final("fetched")}}
	e := newTestEngine(t, testConfig(), oracle, &staticRetriever{}, index, registry)

	if _, err := e.Run(context.Background(), Query{Text: "walking distance in Lisbon"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := oracle.request(1)
	if len(req.Datasets) != 1 || req.Datasets[0].ID != fetched.ID {
		t.Errorf("expected fetched dataset as candidate, got %+v", req.Datasets)
	}
	if len(req.Notices) != 0 {
		t.Errorf("expected no-data notice to be cleared, got %v", req.Notices)
	}
}

func TestEngine_HandleQuery_NeverNil(t *testing.T) {
	oracle := &scriptedOracle{}
	e := newTestEngine(t, testConfig(), oracle, &staticRetriever{err: errors.New("index offline")}, newMapIndex(), &stubRegistry{})

	resp := e.HandleQuery(context.Background(), "anything")
	if resp == nil || resp.Status != RunFailed || resp.Diagnostic == nil {
		t.Fatalf("expected failed response with diagnostic, got %+v", resp)
	}
	if resp.Diagnostic.Code != ErrCodeInternal {
		t.Errorf("expected INTERNAL_ERROR, got %s", resp.Diagnostic.Code)
	}

	empty := e.HandleQuery(context.Background(), "   ")
	if empty.Status != RunFailed {
		t.Errorf("expected empty query to fail, got %s", empty.Status)
	}
}

func TestNew_RequiresComponents(t *testing.T) {
	if _, err := New(WithConfig(testConfig())); !IsCode(err, ErrCodeConfiguration) {
		t.Errorf("expected CONFIGURATION_ERROR, got %v", err)
	}

	cfg := testConfig()
	cfg.MaxSteps = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected MaxSteps=0 to be rejected")
	}
}

func TestStateMachine_MissingTransition(t *testing.T) {
	sm := NewStateMachine(nil)
	lc := NewLoopContext("run", Query{Text: "q"}, 3, time.Second)

	_, err := sm.Execute(context.Background(), lc)
	if !IsCode(err, ErrCodeInternal) {
		t.Fatalf("expected INTERNAL_ERROR, got %v", err)
	}
	if lc.CurrentState != StateFailed || lc.ErrorStage != StateRetrieving {
		t.Errorf("unexpected terminal state %s (stage %s)", lc.CurrentState, lc.ErrorStage)
	}
}

func TestStateMachine_RecordsHistory(t *testing.T) {
	sm := NewStateMachine(nil)
	sm.RegisterTransition(StateRetrieving, func(ctx context.Context, _ eventbus.EventBus, lc *LoopContext) (LoopState, error) {
		return StatePlanning, nil
	})
	sm.RegisterTransition(StatePlanning, func(ctx context.Context, _ eventbus.EventBus, lc *LoopContext) (LoopState, error) {
		lc.Final = &FinalAnswer{Summary: "ok"}
		return StateObserving, nil
	})
	sm.RegisterTransition(StateObserving, func(ctx context.Context, _ eventbus.EventBus, lc *LoopContext) (LoopState, error) {
		return StateDone, nil
	})

	lc := NewLoopContext("run", Query{Text: "q"}, 3, time.Second)
	answer, err := sm.Execute(context.Background(), lc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if answer == nil || answer.Summary != "ok" {
		t.Errorf("unexpected answer %+v", answer)
	}
	want := []LoopState{StateRetrieving, StatePlanning, StateObserving, StateDone}
	if fmt.Sprint(lc.History) != fmt.Sprint(want) {
		t.Errorf("expected history %v, got %v", want, lc.History)
	}
}
