package geoscale

import (
	"errors"
	"fmt"
)

// Error codes for the engine's failure taxonomy.
const (
	ErrCodeNoRelevantData     = "NO_RELEVANT_DATA"
	ErrCodeCoordinateMismatch = "COORDINATE_MISMATCH"
	ErrCodeToolArgument       = "TOOL_ARGUMENT"
	ErrCodeToolExecution      = "TOOL_EXECUTION"
	ErrCodeToolNotFound       = "TOOL_NOT_FOUND"
	ErrCodeInvalidMetric      = "INVALID_METRIC"
	ErrCodeUpstreamUnavail    = "UPSTREAM_UNAVAILABLE"
	ErrCodeStepBudget         = "STEP_BUDGET_EXCEEDED"
	ErrCodeTimeBudget         = "TIME_BUDGET_EXCEEDED"
	ErrCodeOracleTimeout      = "ORACLE_TIMEOUT"
	ErrCodeOracle             = "ORACLE_ERROR"
	ErrCodeDatasetNotFound    = "DATASET_NOT_FOUND"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// Error is the engine's typed error. Tool-level errors are folded into
// observations; loop-level errors end a run in the failed state.
type Error struct {
	Code      string // Machine-readable code (e.g., ErrCodeToolArgument)
	Stage     string // Stage where the error occurred (e.g., "planning", "tool:proximity_search")
	Message   string // Human-readable message
	Cause     error  // Underlying error, if any
	Retryable bool   // Whether an idempotent operation may be retried
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, stage, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// AsError extracts an *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var gErr *Error
	if errors.As(err, &gErr) {
		return gErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in the chain, or ErrCodeInternal.
func CodeOf(err error) string {
	if gErr, ok := AsError(err); ok {
		return gErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	gErr, ok := AsError(err)
	return ok && gErr.Code == code
}

// IsRetryable reports whether err is marked as transient.
func IsRetryable(err error) bool {
	gErr, ok := AsError(err)
	return ok && gErr.Retryable
}

// Specific error constructors

func NewNoRelevantDataError(query string) *Error {
	return NewError(ErrCodeNoRelevantData, "retrieval", fmt.Sprintf("no dataset is relevant to query %q", query), nil)
}

func NewCoordinateMismatchError(stage, leftID, leftCRS, rightID, rightCRS string) *Error {
	msg := fmt.Sprintf("dataset '%s' uses %s but dataset '%s' uses %s", leftID, leftCRS, rightID, rightCRS)
	return NewError(ErrCodeCoordinateMismatch, stage, msg, nil)
}

func NewToolArgumentError(toolName, message string) *Error {
	return NewError(ErrCodeToolArgument, "tool:"+toolName, message, nil)
}

func NewToolExecutionError(toolName string, cause error) *Error {
	return NewError(ErrCodeToolExecution, "tool:"+toolName, fmt.Sprintf("execution failed for tool '%s'", toolName), cause)
}

func NewToolTimeoutError(toolName string, cause error) *Error {
	err := NewError(ErrCodeToolExecution, "tool:"+toolName, fmt.Sprintf("tool '%s' timed out", toolName), cause)
	err.Retryable = true
	return err
}

func NewToolNotFoundError(toolName string) *Error {
	return NewError(ErrCodeToolNotFound, "tool:"+toolName, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

func NewInvalidMetricError(expr, attribute, datasetID string) *Error {
	msg := fmt.Sprintf("metric '%s' references attribute '%s' absent from dataset '%s'", expr, attribute, datasetID)
	return NewError(ErrCodeInvalidMetric, "tool:rank_by_metric", msg, nil)
}

func NewUpstreamUnavailableError(upstream string, cause error) *Error {
	err := NewError(ErrCodeUpstreamUnavail, "fetch", fmt.Sprintf("upstream '%s' is unavailable", upstream), cause)
	err.Retryable = true
	return err
}

func NewDatasetNotFoundError(stage, datasetID string) *Error {
	return NewError(ErrCodeDatasetNotFound, stage, fmt.Sprintf("dataset '%s' not found", datasetID), nil)
}

func NewStepBudgetExceededError(steps int) *Error {
	return NewError(ErrCodeStepBudget, "observing", fmt.Sprintf("step budget of %d exhausted without a final answer", steps), nil)
}

func NewTimeBudgetExceededError(stage string, budget fmt.Stringer) *Error {
	return NewError(ErrCodeTimeBudget, stage, fmt.Sprintf("time budget of %s exhausted", budget), nil)
}

func NewOracleTimeoutError(cause error) *Error {
	return NewError(ErrCodeOracleTimeout, "planning", "reasoning oracle timed out", cause)
}

func NewOracleError(message string, cause error) *Error {
	return NewError(ErrCodeOracle, "planning", message, cause)
}

func NewCancelledError(stage string, cause error) *Error {
	msg := "query cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("query cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewInternalError(stage, message string, cause error) *Error {
	return NewError(ErrCodeInternal, stage, message, cause)
}
