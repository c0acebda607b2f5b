package geoscale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/geoscale-genkit/internal/eventbus"
	"github.com/google/uuid"
)

// AsyncRunStatus represents the status information for an asynchronous run.
type AsyncRunStatus struct {
	RunID        string        `json:"run_id"`
	Query        string        `json:"query"`
	CurrentState LoopState     `json:"current_state"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// asyncRun tracks one submitted query. The loop goroutine reports state changes
// through setState; readers take the mutex.
type asyncRun struct {
	mu       sync.Mutex
	query    Query
	state    LoopState
	started  time.Time
	finished time.Time
	response *Response
	err      error
	cancel   context.CancelCauseFunc
	done     chan struct{}
}

func (r *asyncRun) setState(state LoopState) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

// Submit starts a query in the background and returns its run ID.
func (e *Engine) Submit(ctx context.Context, q Query) (string, error) {
	runID := uuid.New().String()

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	run := &asyncRun{
		query:   q,
		state:   StateRetrieving,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	e.asyncRunsMutex.Lock()
	e.asyncRuns[runID] = run
	e.asyncRunsMutex.Unlock()

	if bus := e.EventBus(); bus != nil {
		startEvent := eventbus.NewEvent(eventbus.EventAsyncStarted, runID, q, "Engine.Submit", map[string]interface{}{
			"timestamp": run.started.Format(time.RFC3339),
		})
		_ = bus.Publish(ctx, startEvent)
	}

	go func() {
		defer cancel(nil)
		resp, err := e.run(runCtx, runID, q, run.setState)

		run.mu.Lock()
		run.response = resp
		run.err = err
		run.state = StateDone
		if err != nil {
			run.state = StateFailed
		}
		run.finished = time.Now()
		run.mu.Unlock()
		close(run.done)
	}()

	return runID, nil
}

func (e *Engine) lookupRun(runID string) (*asyncRun, error) {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	run, exists := e.asyncRuns[runID]
	if !exists {
		return nil, fmt.Errorf("run with ID '%s' not found", runID)
	}
	return run, nil
}

// Status retrieves the current status of an asynchronous run.
func (e *Engine) Status(runID string) (*AsyncRunStatus, error) {
	run, err := e.lookupRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	status := &AsyncRunStatus{
		RunID:        runID,
		Query:        run.query.Text,
		CurrentState: run.state,
		StartTime:    run.started,
		IsComplete:   !run.finished.IsZero(),
		HasError:     run.err != nil,
	}
	if run.finished.IsZero() {
		status.Duration = time.Since(run.started)
	} else {
		status.Duration = run.finished.Sub(run.started)
	}
	if run.err != nil {
		status.ErrorCode = CodeOf(run.err)
		status.ErrorMessage = run.err.Error()
	}
	return status, nil
}

// Result returns the response of a finished run. Failed runs return their
// diagnostic response together with the run's error.
func (e *Engine) Result(runID string) (*Response, error) {
	run, err := e.lookupRun(runID)
	if err != nil {
		return nil, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.finished.IsZero() {
		return nil, fmt.Errorf("run is still in progress (current state: %s)", run.state)
	}
	return run.response, run.err
}

// Wait blocks until the run finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, runID string) (*Response, error) {
	run, err := e.lookupRun(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.done:
		return e.Result(runID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel requests cancellation of a running query. The loop stops at the next
// iteration boundary; a tool already executing is allowed to finish and its
// result is discarded. Returns false if the run had already finished.
func (e *Engine) Cancel(runID string) (bool, error) {
	run, err := e.lookupRun(runID)
	if err != nil {
		return false, err
	}

	run.mu.Lock()
	finished := !run.finished.IsZero()
	run.mu.Unlock()
	if finished {
		return false, nil
	}

	run.cancel(fmt.Errorf("run cancelled by user"))

	if bus := e.EventBus(); bus != nil {
		cancelEvent := eventbus.NewEvent(eventbus.EventAsyncCancelled, runID, run.query, "Engine.Cancel", map[string]interface{}{
			"duration_ms": time.Since(run.started).Milliseconds(),
		})
		_ = bus.Publish(context.Background(), cancelEvent)
	}
	return true, nil
}

// ListRuns returns every tracked run ID with its current state.
func (e *Engine) ListRuns() map[string]string {
	e.asyncRunsMutex.RLock()
	defer e.asyncRunsMutex.RUnlock()

	result := make(map[string]string, len(e.asyncRuns))
	for id, run := range e.asyncRuns {
		run.mu.Lock()
		result[id] = string(run.state)
		run.mu.Unlock()
	}
	return result
}

// CleanupFinishedRuns removes finished runs older than olderThan and returns how many were removed.
func (e *Engine) CleanupFinishedRuns(olderThan time.Duration) int {
	e.asyncRunsMutex.Lock()
	defer e.asyncRunsMutex.Unlock()

	now := time.Now()
	count := 0
	for id, run := range e.asyncRuns {
		run.mu.Lock()
		expired := !run.finished.IsZero() && now.Sub(run.finished) > olderThan
		run.mu.Unlock()
		if expired {
			delete(e.asyncRuns, id)
			count++
		}
	}
	return count
}
