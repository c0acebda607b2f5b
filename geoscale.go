// Package geoscale is a query planning and tool-execution engine for geospatial
// real-estate questions. A bounded planning loop alternates between a reasoning
// oracle and a registry of deterministic spatial tools until a final answer is
// produced or a step/time budget runs out.
package geoscale

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/geoscale-genkit/internal/eventbus"
	"github.com/google/uuid"
)

// Engine is the main entry point into the planning runtime.
type Engine struct {
	// Core components
	oracle      Oracle
	retriever   DatasetRetriever
	descriptors DescriptorIndex
	registry    ToolRegistry
	assembler   Assembler
	eventBus    eventbus.EventBus

	// Configuration
	config Config

	// Async processing
	asyncRuns      map[string]*asyncRun
	asyncRunsMutex sync.RWMutex
}

// LoopComponents holds references to the components the state transitions need.
type LoopComponents struct {
	Oracle      Oracle
	Retriever   DatasetRetriever
	Descriptors DescriptorIndex
	Registry    ToolRegistry
	Config      Config
}

// Config holds the loop budgets and runtime options.
type Config struct {
	// Maximum transcript length (one tool invocation per step)
	MaxSteps int
	// Maximum tool executions per query, automatic retries included
	MaxToolInvocations int
	// Wall-clock budget per query
	MaxDuration time.Duration

	// Oracle call timeout and retries (retries apply to timeouts only)
	OracleTimeout    time.Duration
	OracleRetries    int
	OracleRetryDelay time.Duration

	// Retrieval
	RetrieverK          int
	RequireRelevantData bool

	// Number of trailing transcript steps included in a failure diagnostic
	DiagnosticTail int

	// Event bus configuration
	EnableEventBus      bool
	EventBusBufferSize  int
	EventBusWorkerCount int
}

// DefaultConfig returns the documented default budgets.
func DefaultConfig() Config {
	return Config{
		MaxSteps:            8,
		MaxToolInvocations:  8,
		MaxDuration:         2 * time.Minute,
		OracleTimeout:       45 * time.Second,
		OracleRetries:       0,
		OracleRetryDelay:    time.Second,
		RetrieverK:          5,
		RequireRelevantData: false,
		DiagnosticTail:      3,
		EnableEventBus:      true,
		EventBusBufferSize:  256,
		EventBusWorkerCount: 2,
	}
}

// Validate checks that every budget is bounded.
func (c Config) Validate() error {
	switch {
	case c.MaxSteps < 1:
		return NewConfigurationError("MaxSteps must be at least 1", nil)
	case c.MaxToolInvocations < 1:
		return NewConfigurationError("MaxToolInvocations must be at least 1", nil)
	case c.MaxDuration <= 0:
		return NewConfigurationError("MaxDuration must be positive", nil)
	case c.OracleTimeout <= 0:
		return NewConfigurationError("OracleTimeout must be positive", nil)
	case c.OracleRetries < 0:
		return NewConfigurationError("OracleRetries cannot be negative", nil)
	case c.RetrieverK < 1:
		return NewConfigurationError("RetrieverK must be at least 1", nil)
	case c.DiagnosticTail < 0:
		return NewConfigurationError("DiagnosticTail cannot be negative", nil)
	}
	return nil
}

// Option is a function that configures an Engine.
type Option func(*Engine)

// WithConfig sets the configuration.
func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithOracle sets the reasoning oracle.
func WithOracle(oracle Oracle) Option {
	return func(e *Engine) {
		e.oracle = oracle
	}
}

// WithRetriever sets the dataset retriever.
func WithRetriever(retriever DatasetRetriever) Option {
	return func(e *Engine) {
		e.retriever = retriever
	}
}

// WithDescriptors sets the descriptor index used to summarise candidates.
func WithDescriptors(index DescriptorIndex) Option {
	return func(e *Engine) {
		e.descriptors = index
	}
}

// WithToolRegistry sets the tool registry.
func WithToolRegistry(registry ToolRegistry) Option {
	return func(e *Engine) {
		e.registry = registry
	}
}

// WithAssembler sets the result assembler.
func WithAssembler(assembler Assembler) Option {
	return func(e *Engine) {
		e.assembler = assembler
	}
}

// WithEventBus shares bus with other components, such as the layer store.
// The engine closes it on Close.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}

// New creates an Engine with the provided options.
func New(options ...Option) (*Engine, error) {
	e := &Engine{
		config:    DefaultConfig(),
		asyncRuns: make(map[string]*asyncRun),
	}

	for _, option := range options {
		option(e)
	}

	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	if e.oracle == nil {
		return nil, NewConfigurationError("oracle is required", nil)
	}
	if e.retriever == nil {
		return nil, NewConfigurationError("retriever is required", nil)
	}
	if e.descriptors == nil {
		return nil, NewConfigurationError("descriptor index is required", nil)
	}
	if e.registry == nil {
		return nil, NewConfigurationError("tool registry is required", nil)
	}
	if e.assembler == nil {
		return nil, NewConfigurationError("assembler is required", nil)
	}
	if len(e.registry.Catalog()) == 0 {
		return nil, NewConfigurationError("at least one tool is required", nil)
	}

	if e.config.EnableEventBus && e.eventBus == nil {
		e.eventBus = eventbus.NewChannelEventBus(
			eventbus.WithBufferSize(e.config.EventBusBufferSize),
			eventbus.WithWorkerCount(e.config.EventBusWorkerCount),
		)
		log.Printf("Initialized default channel-based event bus")
	}

	return e, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.config
}

// EventBus returns the engine's event bus, or nil when disabled.
func (e *Engine) EventBus() eventbus.EventBus {
	if !e.config.EnableEventBus {
		return nil
	}
	return e.eventBus
}

// Close shuts down the event bus if the engine owns one.
func (e *Engine) Close() error {
	if e.eventBus != nil {
		return e.eventBus.Close()
	}
	return nil
}

// HandleQuery answers raw query text. It never returns an error: failures are
// reported as a failed Response carrying a Diagnostic.
func (e *Engine) HandleQuery(ctx context.Context, raw string) *Response {
	resp, _ := e.Run(ctx, Query{Text: raw})
	return resp
}

// Run executes one query through the planning loop. The returned Response is
// always non-nil; the error mirrors its Diagnostic for programmatic callers.
func (e *Engine) Run(ctx context.Context, q Query) (*Response, error) {
	return e.run(ctx, uuid.New().String(), q, nil)
}

func (e *Engine) run(ctx context.Context, runID string, q Query, observer func(LoopState)) (*Response, error) {
	lc := NewLoopContext(runID, q, e.config.MaxSteps, e.config.MaxDuration)
	lc.observer = observer

	if strings.TrimSpace(q.Text) == "" {
		err := NewError(ErrCodeNoRelevantData, "retrieval", "query text is empty", nil)
		lc.Fail(err, StateRetrieving)
		return e.failureResponse(lc, err), err
	}

	e.publish(ctx, eventbus.EventQueryStarted, lc, q, map[string]interface{}{
		"timestamp": lc.StartTime.Format(time.RFC3339),
	})

	final, err := e.createStateMachine().Execute(ctx, lc)
	if err != nil {
		eventType := eventbus.EventQueryFailed
		if IsCode(err, ErrCodeCancelled) {
			eventType = eventbus.EventQueryCancelled
		}
		e.publish(ctx, eventType, lc, lc.Transcript.Tail(e.config.DiagnosticTail), map[string]interface{}{
			"code":        CodeOf(err),
			"error":       err.Error(),
			"error_stage": string(lc.ErrorStage),
			"steps":       lc.Transcript.Len(),
			"duration_ms": lc.GetTotalDuration().Milliseconds(),
		})
		return e.failureResponse(lc, err), err
	}

	resp, err := e.assembler.Assemble(*final, lc.Transcript.Steps())
	if err != nil {
		aErr := NewInternalError("assembly", "failed to assemble final answer", err)
		lc.Fail(aErr, StateDone)
		e.publish(ctx, eventbus.EventQueryFailed, lc, nil, map[string]interface{}{
			"code":  aErr.Code,
			"error": aErr.Error(),
		})
		return e.failureResponse(lc, aErr), aErr
	}

	resp.RunID = runID
	resp.Status = RunDone
	resp.Steps = lc.Transcript.Len()
	resp.Duration = lc.GetTotalDuration()

	e.publish(ctx, eventbus.EventQueryDone, lc, resp, map[string]interface{}{
		"format":      string(resp.Format),
		"steps":       resp.Steps,
		"duration_ms": resp.Duration.Milliseconds(),
	})
	return resp, nil
}

// failureResponse builds the structured diagnostic for a failed run.
func (e *Engine) failureResponse(lc *LoopContext, err error) *Response {
	reason := err.Error()
	if gErr, ok := AsError(err); ok {
		reason = gErr.Message
		if gErr.Cause != nil {
			reason = fmt.Sprintf("%s: %v", gErr.Message, gErr.Cause)
		}
	}

	return &Response{
		RunID:  lc.RunID,
		Status: RunFailed,
		Format: FormatText,
		Text:   fmt.Sprintf("The query could not be answered (%s): %s", CodeOf(err), reason),
		Diagnostic: &Diagnostic{
			Code:     CodeOf(err),
			Reason:   reason,
			State:    string(lc.ErrorStage),
			Steps:    lc.Transcript.Len(),
			LastStep: lc.Transcript.Tail(e.config.DiagnosticTail),
		},
		Steps:    lc.Transcript.Len(),
		Duration: lc.GetTotalDuration(),
	}
}

// createStateMachine builds a state machine wired to the engine's components.
func (e *Engine) createStateMachine() *StateMachine {
	components := LoopComponents{
		Oracle:      e.oracle,
		Retriever:   e.retriever,
		Descriptors: e.descriptors,
		Registry:    e.registry,
		Config:      e.config,
	}
	return CreateLoopStateMachine(components, e.EventBus())
}

// publish emits a loop event if the event bus is enabled.
func (e *Engine) publish(ctx context.Context, eventType eventbus.EventType, lc *LoopContext, payload interface{}, metadata map[string]interface{}) {
	bus := e.EventBus()
	if bus == nil {
		return
	}
	publishEvent(ctx, bus, eventType, lc, payload, "Engine", metadata)
}

// Tools returns the catalog advertised to the oracle.
func (e *Engine) Tools() []ToolSpec {
	return e.registry.Catalog()
}
