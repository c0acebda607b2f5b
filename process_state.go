package geoscale

import (
	"context"
	"fmt"
	"time"

	"github.com/ZanzyTHEbar/geoscale-genkit/internal/eventbus"
)

// LoopState is a state of the planning loop.
type LoopState string

const (
	// StateRetrieving narrows the dataset catalog to the query's candidates
	StateRetrieving LoopState = "retrieving"
	// StatePlanning consults the reasoning oracle
	StatePlanning LoopState = "planning"
	// StateAwaitingTool validates and executes the requested invocation
	StateAwaitingTool LoopState = "awaiting_tool"
	// StateObserving folds the last observation back into the loop
	StateObserving LoopState = "observing"
	// StateDone is terminal: a final answer was produced
	StateDone LoopState = "done"
	// StateFailed is terminal: no final answer, a diagnostic is returned instead
	StateFailed LoopState = "failed"
	// StateUnknown is reported for runs whose state cannot be determined
	StateUnknown LoopState = "unknown"
)

// LoopContext carries everything one run accumulates. It is owned by a single
// goroutine for the lifetime of the run.
type LoopContext struct {
	RunID string
	Query Query

	// Retrieval results
	Candidates []DatasetDescriptor
	Notices    []string

	// Planning results
	Transcript        *Transcript
	PendingMessage    string
	PendingInvocation *ToolInvocation
	Final             *FinalAnswer
	ToolInvocations   int
	OracleTurns       int

	// Error handling
	LastError  error
	ErrorStage LoopState

	// State management
	CurrentState LoopState
	History      []LoopState

	// Budget and timing
	StartTime       time.Time
	EndTime         time.Time
	Deadline        time.Time
	StateStartTimes map[LoopState]time.Time

	observer func(LoopState)
}

// NewLoopContext creates a loop context for q bounded by maxSteps transcript entries.
// A zero maxDuration disables the wall-clock budget.
func NewLoopContext(runID string, q Query, maxSteps int, maxDuration time.Duration) *LoopContext {
	now := time.Now()
	lc := &LoopContext{
		RunID:           runID,
		Query:           q,
		Transcript:      NewTranscript(maxSteps),
		CurrentState:    StateRetrieving,
		History:         []LoopState{StateRetrieving},
		StartTime:       now,
		StateStartTimes: map[LoopState]time.Time{StateRetrieving: now},
	}
	if maxDuration > 0 {
		lc.Deadline = now.Add(maxDuration)
	}
	return lc
}

// enter moves the loop into state and records it in the history.
func (lc *LoopContext) enter(state LoopState) {
	lc.CurrentState = state
	lc.History = append(lc.History, state)
	lc.StateStartTimes[state] = time.Now()
	if state == StateDone || state == StateFailed {
		lc.EndTime = time.Now()
	}
	if lc.observer != nil {
		lc.observer(state)
	}
}

// IsTerminal reports whether the loop has reached DONE or FAILED.
func (lc *LoopContext) IsTerminal() bool {
	return lc.CurrentState == StateDone || lc.CurrentState == StateFailed
}

// Fail records err as the reason the run stopped in stage and moves to FAILED.
func (lc *LoopContext) Fail(err error, stage LoopState) {
	lc.LastError = err
	lc.ErrorStage = stage
	lc.Final = nil
	lc.enter(StateFailed)
}

// Remaining returns the wall-clock budget left, or -1 when unbounded.
func (lc *LoopContext) Remaining() time.Duration {
	if lc.Deadline.IsZero() {
		return -1
	}
	return time.Until(lc.Deadline)
}

// BudgetExpired reports whether the wall-clock budget is exhausted.
func (lc *LoopContext) BudgetExpired() bool {
	return !lc.Deadline.IsZero() && !time.Now().Before(lc.Deadline)
}

// GetTotalDuration returns the run time so far, or the full run time once terminal.
func (lc *LoopContext) GetTotalDuration() time.Duration {
	if lc.IsTerminal() && !lc.EndTime.IsZero() {
		return lc.EndTime.Sub(lc.StartTime)
	}
	return time.Since(lc.StartTime)
}

// HasCandidate reports whether id is already among the candidate datasets.
func (lc *LoopContext) HasCandidate(id string) bool {
	for _, d := range lc.Candidates {
		if d.ID == id {
			return true
		}
	}
	return false
}

// StateTransition runs one state and returns the next one.
type StateTransition func(ctx context.Context, eventBus eventbus.EventBus, lc *LoopContext) (LoopState, error)

// StateMachine drives a LoopContext through registered transitions.
type StateMachine struct {
	transitions map[LoopState]StateTransition
	eventBus    eventbus.EventBus

	// budgeted lists the states that start an external call and therefore
	// check the wall-clock budget before running.
	budgeted map[LoopState]bool
}

// NewStateMachine creates an empty state machine.
func NewStateMachine(eventBus eventbus.EventBus) *StateMachine {
	return &StateMachine{
		transitions: make(map[LoopState]StateTransition),
		eventBus:    eventBus,
		budgeted:    map[LoopState]bool{StatePlanning: true, StateAwaitingTool: true},
	}
}

// RegisterTransition registers the transition for state.
func (sm *StateMachine) RegisterTransition(state LoopState, transition StateTransition) {
	sm.transitions[state] = transition
}

// Execute runs the machine until DONE or FAILED. Cancellation and the time budget
// are checked between transitions, never in the middle of one.
func (sm *StateMachine) Execute(ctx context.Context, lc *LoopContext) (*FinalAnswer, error) {
	for !lc.IsTerminal() {
		if err := ctx.Err(); err != nil {
			lc.Fail(NewCancelledError(string(lc.CurrentState), context.Cause(ctx)), lc.CurrentState)
			break
		}

		if sm.budgeted[lc.CurrentState] && lc.BudgetExpired() {
			budget := lc.Deadline.Sub(lc.StartTime)
			lc.Fail(NewTimeBudgetExceededError(string(lc.CurrentState), budget), lc.CurrentState)
			break
		}

		transition, exists := sm.transitions[lc.CurrentState]
		if !exists {
			err := NewInternalError(string(lc.CurrentState), fmt.Sprintf("no transition defined for state: %s", lc.CurrentState), nil)
			lc.Fail(err, lc.CurrentState)
			break
		}

		stage := lc.CurrentState
		nextState, err := transition(ctx, sm.eventBus, lc)
		if err != nil {
			if !lc.IsTerminal() {
				lc.Fail(err, stage)
			}
			continue
		}

		if !lc.IsTerminal() {
			lc.enter(nextState)
		}
	}

	if lc.CurrentState == StateDone {
		return lc.Final, nil
	}
	return nil, lc.LastError
}
