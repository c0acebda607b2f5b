package geoscale

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ZanzyTHEbar/geoscale-genkit/internal/eventbus"
)

const noRelevantDataNotice = "NO_RELEVANT_DATA: no registered dataset is relevant to this query. " +
	"Use fetch_fresh to obtain data for the area, or answer that the data is unavailable."

const freshDataNotice = "The user asked for fresh data: call fetch_fresh before reading any layer."

// CreateLoopStateMachine builds the planning loop state machine.
func CreateLoopStateMachine(components LoopComponents, eventBus eventbus.EventBus) *StateMachine {
	sm := NewStateMachine(eventBus)

	sm.RegisterTransition(StateRetrieving, createRetrievingTransition(components))
	sm.RegisterTransition(StatePlanning, createPlanningTransition(components))
	sm.RegisterTransition(StateAwaitingTool, createAwaitingToolTransition(components))
	sm.RegisterTransition(StateObserving, createObservingTransition(components))

	return sm
}

// publishEvent emits a loop event. Publishing never blocks the loop on a
// cancelled context and publish failures are only logged.
func publishEvent(ctx context.Context, eb eventbus.EventBus, eventType eventbus.EventType, lc *LoopContext, payload interface{}, source string, metadata map[string]interface{}) {
	if eb == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["state"] = string(lc.CurrentState)
	evt := eventbus.NewEvent(eventType, lc.RunID, payload, source, metadata)
	if err := eb.Publish(context.WithoutCancel(ctx), evt); err != nil {
		log.Printf("Failed to publish event (event_type: %s, run_id: %s): %v", eventType, lc.RunID, err)
	}
}

// createRetrievingTransition narrows the catalog to the query's candidate datasets.
func createRetrievingTransition(components LoopComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, lc *LoopContext) (LoopState, error) {
		ids, err := components.Retriever.Select(ctx, lc.Query, components.Config.RetrieverK)
		if err != nil {
			if ctx.Err() != nil {
				return StateFailed, NewCancelledError(string(StateRetrieving), context.Cause(ctx))
			}
			return StateFailed, NewInternalError(string(StateRetrieving), "dataset retrieval failed", err)
		}

		for _, id := range ids {
			if lc.HasCandidate(id) {
				continue
			}
			desc, ok := components.Descriptors.Descriptor(id)
			if !ok {
				log.Printf("Retriever returned unknown dataset (run_id: %s, dataset: %s)", lc.RunID, id)
				continue
			}
			lc.Candidates = append(lc.Candidates, desc)
		}

		if len(lc.Candidates) == 0 {
			publishEvent(ctx, eb, eventbus.EventNoRelevantData, lc, lc.Query.Text, "StateMachine.Retrieving", nil)
			if components.Config.RequireRelevantData {
				return StateFailed, NewNoRelevantDataError(lc.Query.Text)
			}
			lc.Notices = append(lc.Notices, noRelevantDataNotice)
		} else {
			publishEvent(ctx, eb, eventbus.EventDatasetsRetrieved, lc, candidateIDs(lc.Candidates), "StateMachine.Retrieving", map[string]interface{}{
				"count": len(lc.Candidates),
			})
		}

		if lc.Query.Fresh {
			lc.Notices = append(lc.Notices, freshDataNotice)
		}
		if lc.Query.Area != nil && lc.Query.Area.Name != "" {
			lc.Notices = append(lc.Notices, fmt.Sprintf("The query is restricted to the area %q.", lc.Query.Area.Name))
		}

		return StatePlanning, nil
	}
}

// createPlanningTransition consults the oracle for the next action.
func createPlanningTransition(components LoopComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, lc *LoopContext) (LoopState, error) {
		req := OracleRequest{
			Query:          lc.Query,
			Transcript:     lc.Transcript.Steps(),
			Tools:          components.Registry.Catalog(),
			Datasets:       append([]DatasetDescriptor(nil), lc.Candidates...),
			Notices:        append([]string(nil), lc.Notices...),
			StepsRemaining: lc.Transcript.Max() - lc.Transcript.Len(),
		}

		publishEvent(ctx, eb, eventbus.EventOracleRequested, lc, nil, "StateMachine.Planning", map[string]interface{}{
			"turn":            lc.OracleTurns + 1,
			"steps_remaining": req.StepsRemaining,
		})

		resp, err := converse(ctx, components, lc, req)
		lc.OracleTurns++
		if err != nil {
			publishEvent(ctx, eb, eventbus.EventOracleFailed, lc, nil, "StateMachine.Planning", map[string]interface{}{
				"code":  CodeOf(err),
				"error": err.Error(),
			})
			return StateFailed, err
		}

		lc.PendingMessage = resp.Message
		if resp.Final != nil {
			lc.Final = resp.Final.Clone()
			publishEvent(ctx, eb, eventbus.EventOracleResponded, lc, lc.Final, "StateMachine.Planning", map[string]interface{}{
				"final": true,
			})
			return StateObserving, nil
		}

		inv := *resp.Invocation
		lc.PendingInvocation = &inv
		publishEvent(ctx, eb, eventbus.EventOracleResponded, lc, inv, "StateMachine.Planning", map[string]interface{}{
			"final": false,
			"tool":  inv.Tool,
		})
		return StateAwaitingTool, nil
	}
}

// converse calls the oracle under the oracle timeout, capped by the remaining
// wall-clock budget. Only timeouts are retried, and only OracleRetries times.
func converse(ctx context.Context, components LoopComponents, lc *LoopContext, req OracleRequest) (*OracleResponse, error) {
	cfg := components.Config
	var lastErr error

	for attempt := 0; attempt <= cfg.OracleRetries; attempt++ {
		if attempt > 0 {
			log.Printf("Retrying oracle call (run_id: %s, attempt: %d/%d)", lc.RunID, attempt+1, cfg.OracleRetries+1)
			select {
			case <-time.After(cfg.OracleRetryDelay):
			case <-ctx.Done():
				return nil, NewCancelledError(string(StatePlanning), context.Cause(ctx))
			}
		}

		timeout := cfg.OracleTimeout
		capped := false
		if remaining := lc.Remaining(); remaining >= 0 && remaining < timeout {
			if remaining <= 0 {
				return nil, NewTimeBudgetExceededError(string(StatePlanning), cfg.MaxDuration)
			}
			timeout = remaining
			capped = true
		}

		oracleCtx, cancel := context.WithTimeout(ctx, timeout)
		resp, err := components.Oracle.Converse(oracleCtx, req)
		deadlineHit := errors.Is(oracleCtx.Err(), context.DeadlineExceeded)
		cancel()

		if err == nil {
			if vErr := resp.Validate(); vErr != nil {
				return nil, NewOracleError("invalid oracle response", vErr)
			}
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, NewCancelledError(string(StatePlanning), context.Cause(ctx))
		}
		if deadlineHit || errors.Is(err, context.DeadlineExceeded) {
			if capped {
				return nil, NewTimeBudgetExceededError(string(StatePlanning), cfg.MaxDuration)
			}
			lastErr = NewOracleTimeoutError(err)
			log.Printf("Oracle call timed out (run_id: %s, timeout: %s, attempt: %d)", lc.RunID, timeout, attempt+1)
			continue
		}
		return nil, NewOracleError("oracle call failed", err)
	}

	return nil, lastErr
}

// createAwaitingToolTransition executes the pending invocation. The tool runs
// detached from cancellation; if the query was cancelled meanwhile, the
// observation is discarded.
func createAwaitingToolTransition(components LoopComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, lc *LoopContext) (LoopState, error) {
		if lc.PendingInvocation == nil {
			return StateFailed, NewInternalError(string(StateAwaitingTool), "no pending tool invocation", nil)
		}
		inv := *lc.PendingInvocation
		lc.PendingInvocation = nil

		toolCtx := context.WithoutCancel(ctx)
		if !lc.Deadline.IsZero() {
			var cancel context.CancelFunc
			toolCtx, cancel = context.WithDeadline(toolCtx, lc.Deadline)
			defer cancel()
		}

		publishEvent(ctx, eb, eventbus.EventToolStarted, lc, inv, "StateMachine.AwaitingTool", map[string]interface{}{
			"tool": inv.Tool,
		})

		obs := components.Registry.Invoke(toolCtx, inv)
		attempts := obs.Attempts
		if attempts < 1 {
			attempts = 1
		}
		lc.ToolInvocations += attempts

		if ctx.Err() != nil {
			publishEvent(ctx, eb, eventbus.EventToolDiscarded, lc, inv, "StateMachine.AwaitingTool", map[string]interface{}{
				"tool":    inv.Tool,
				"success": obs.Success,
			})
			return StateFailed, NewCancelledError(string(StateAwaitingTool), context.Cause(ctx))
		}

		step := Step{OracleMessage: lc.PendingMessage, Invocation: inv, Observation: obs}
		if err := lc.Transcript.Append(step); err != nil {
			return StateFailed, err
		}
		lc.PendingMessage = ""

		eventType := eventbus.EventToolSucceeded
		metadata := map[string]interface{}{
			"tool":        inv.Tool,
			"step":        lc.Transcript.Len() - 1,
			"attempts":    obs.Attempts,
			"duration_ms": obs.Duration.Milliseconds(),
		}
		if !obs.Success {
			eventType = eventbus.EventToolFailed
			if obs.Error != nil {
				metadata["code"] = obs.Error.Code
				metadata["error"] = obs.Error.Message
			}
			log.Printf("Tool execution failed (run_id: %s, tool: %s, step: %d, error: %v)",
				lc.RunID, inv.Tool, lc.Transcript.Len()-1, metadata["error"])
		}
		publishEvent(ctx, eb, eventType, lc, lc.Transcript.Tail(1)[0], "StateMachine.AwaitingTool", metadata)

		return StateObserving, nil
	}
}

// createObservingTransition folds the last observation back into the loop and
// decides between PLANNING, DONE and FAILED.
func createObservingTransition(components LoopComponents) StateTransition {
	return func(ctx context.Context, eb eventbus.EventBus, lc *LoopContext) (LoopState, error) {
		if lc.Final != nil {
			return StateDone, nil
		}

		if last := lc.Transcript.Tail(1); len(last) == 1 {
			adoptFetchedDataset(components, lc, last[0])
		}

		if lc.Transcript.Len() >= lc.Transcript.Max() {
			return StateFailed, NewStepBudgetExceededError(lc.Transcript.Max())
		}
		if lc.ToolInvocations >= components.Config.MaxToolInvocations {
			err := NewStepBudgetExceededError(lc.Transcript.Len())
			err.Message = fmt.Sprintf("tool invocation budget of %d exhausted without a final answer", components.Config.MaxToolInvocations)
			return StateFailed, err
		}

		return StatePlanning, nil
	}
}

// adoptFetchedDataset makes a dataset registered by a successful fetch visible
// to the oracle as a candidate on the next planning turn.
func adoptFetchedDataset(components LoopComponents, lc *LoopContext, step Step) {
	obs := step.Observation
	if !obs.Success || obs.Payload == nil {
		return
	}
	id, ok := obs.Payload.Scalars["dataset_id"].(string)
	if !ok || id == "" || lc.HasCandidate(id) {
		return
	}
	desc, ok := components.Descriptors.Descriptor(id)
	if !ok {
		return
	}
	lc.Candidates = append(lc.Candidates, desc)

	notices := lc.Notices[:0]
	for _, n := range lc.Notices {
		if n != noRelevantDataNotice {
			notices = append(notices, n)
		}
	}
	lc.Notices = notices
}

func candidateIDs(descs []DatasetDescriptor) []string {
	ids := make([]string, len(descs))
	for i, d := range descs {
		ids[i] = d.ID
	}
	return ids
}
