package loom

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a runtime failure. Kinds are stable strings carried
// on RUN_FAILED and ERROR events and on RunOutput.Err.
type ErrorKind string

const (
	// ErrModel indicates the LLM stream aborted or returned protocol-invalid data.
	ErrModel ErrorKind = "model_error"
	// ErrToolNotFound indicates a tool call named a tool absent from the registry.
	ErrToolNotFound ErrorKind = "tool_not_found"
	// ErrToolArgInvalid indicates tool call arguments failed schema validation.
	ErrToolArgInvalid ErrorKind = "tool_arg_invalid"
	// ErrToolExecution indicates a tool's Execute returned an error.
	ErrToolExecution ErrorKind = "tool_execution_error"
	// ErrDepthExceeded indicates a nested run would exceed MaxNestingDepth.
	ErrDepthExceeded ErrorKind = "depth_exceeded"
	// ErrCycleDetected indicates a runnable already on the current call chain
	// was entered again.
	ErrCycleDetected ErrorKind = "cycle_detected"
	// ErrTimeout indicates a per-step or per-run deadline expired.
	ErrTimeout ErrorKind = "timeout"
	// ErrAborted indicates the caller cancelled the run.
	ErrAborted ErrorKind = "aborted"
	// ErrStore indicates the session store was unavailable or conflicted.
	ErrStore ErrorKind = "store_error"
	// ErrWorkflowStage wraps an inner failure with the stage that produced it.
	ErrWorkflowStage ErrorKind = "workflow_stage_failed"
)

// RunError is the failure type surfaced by the runtime. It carries a stable
// Kind for programmatic handling, a human-readable Message, and optionally
// the wrapped cause and the workflow stage that failed.
type RunError struct {
	Kind    ErrorKind
	Message string
	Stage   string // set when Kind is ErrWorkflowStage
	Err     error  // wrapped cause, may be nil
}

func (e *RunError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s (stage %s): %s", e.Kind, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RunError) Unwrap() error { return e.Err }

// Errf builds a RunError with a formatted message.
func Errf(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr builds a RunError around a cause, preserving it for errors.Is/As.
func WrapErr(kind ErrorKind, err error) *RunError {
	if err == nil {
		return nil
	}
	return &RunError{Kind: kind, Message: err.Error(), Err: err}
}

// StageErr wraps a stage failure, recording the stage identifier.
func StageErr(stage string, err error) *RunError {
	return &RunError{Kind: ErrWorkflowStage, Stage: stage, Message: err.Error(), Err: err}
}

// KindOf extracts the ErrorKind from err. Context cancellation maps to
// ErrAborted and deadline expiry to ErrTimeout. Errors that carry no
// RunError in their chain return "".
func KindOf(err error) ErrorKind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrAborted
	}
	return ""
}

// ctxErr classifies a context error into the corresponding RunError.
func ctxErr(err error) *RunError {
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapErr(ErrTimeout, err)
	}
	return WrapErr(ErrAborted, err)
}

// asRunError coerces any error into a RunError, defaulting to the given kind
// when the chain carries no classification of its own.
func asRunError(err error, fallback ErrorKind) *RunError {
	if err == nil {
		return nil
	}
	var re *RunError
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ctxErr(err)
	}
	return WrapErr(fallback, err)
}
