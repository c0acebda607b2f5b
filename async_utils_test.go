package geoscale

import (
	"context"
	"testing"
	"time"
)

func TestEngine_SubmitAndWait(t *testing.T) {
	oracle := &scriptedOracle{responses: []*OracleResponse{invoke("noop"), final("async answer")}}
	e := newTestEngine(t, testConfig(), oracle, &staticRetriever{ids: []string{"housing"}}, newMapIndex(housingDescriptor), &stubRegistry{})

	runID, err := e.Submit(context.Background(), Query{Text: "async query"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := e.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if resp.RunID != runID || resp.Text != "async answer" {
		t.Errorf("unexpected response %+v", resp)
	}

	status, err := e.Status(runID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.IsComplete || status.HasError || status.CurrentState != StateDone {
		t.Errorf("unexpected status %+v", status)
	}

	if n := e.CleanupFinishedRuns(0); n != 1 {
		t.Errorf("expected 1 run cleaned up, got %d", n)
	}
	if _, err := e.Status(runID); err == nil {
		t.Error("expected cleaned up run to be gone")
	}
}

func TestEngine_CancelAsyncRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	registry := &stubRegistry{invokeFn: func(ctx context.Context, inv ToolInvocation) Observation {
		close(started)
		<-release
		return Observation{Tool: inv.Tool, Success: true, Attempts: 1}
	}}
	oracle := &scriptedOracle{responses: []*OracleResponse{invoke("noop"), final("never")}}
	e := newTestEngine(t, testConfig(), oracle, &staticRetriever{ids: []string{"housing"}}, newMapIndex(housingDescriptor), registry)

	runID, err := e.Submit(context.Background(), Query{Text: "long query"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	if _, err := e.Result(runID); err == nil {
		t.Error("expected Result to fail while the run is in progress")
	}
	if state := e.ListRuns()[runID]; state != string(StateAwaitingTool) {
		t.Errorf("expected awaiting_tool, got %s", state)
	}

	ok, err := e.Cancel(runID)
	if err != nil || !ok {
		t.Fatalf("Cancel returned %v, %v", ok, err)
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := e.Wait(ctx, runID)
	if !IsCode(err, ErrCodeCancelled) {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
	if resp.Steps != 0 {
		t.Errorf("expected discarded tool result, got %d steps", resp.Steps)
	}

	if ok, err := e.Cancel(runID); ok || err != nil {
		t.Errorf("cancelling a finished run should return false, nil; got %v, %v", ok, err)
	}
	if _, err := e.Cancel("missing"); err == nil {
		t.Error("expected error for unknown run")
	}
}
