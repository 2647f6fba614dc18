package loom

import "encoding/json"

// EventType identifies the kind of event observed on a Wire.
type EventType string

const (
	// EventRunStarted signals a Runnable began executing. Carries the input
	// and the run's identity and nesting metadata.
	EventRunStarted EventType = "run-started"
	// EventStepDelta carries a streaming increment to an in-flight step.
	EventStepDelta EventType = "step-delta"
	// EventStepCompleted carries the authoritative final snapshot of a step.
	// The snapshot is already durable in the session store when this event
	// is observed.
	EventStepCompleted EventType = "step-completed"
	// EventToolCallStarted signals a tool is about to be invoked.
	EventToolCallStarted EventType = "tool-call-started"
	// EventToolCallCompleted carries the result of a finished tool call.
	EventToolCallCompleted EventType = "tool-call-completed"
	// EventRunCompleted signals a Runnable finished successfully.
	EventRunCompleted EventType = "run-completed"
	// EventRunFailed signals a Runnable terminated with an error.
	EventRunFailed EventType = "run-failed"
	// EventError carries a non-terminal error notice.
	EventError EventType = "error"
)

// ToolCallStatus is the terminal status of a tool call.
type ToolCallStatus string

const (
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// TerminationReason records why a run stopped.
type TerminationReason string

const (
	// TerminateNatural means the model produced a final answer with no tool calls.
	TerminateNatural TerminationReason = "natural"
	// TerminateMaxSteps means the loop hit its step budget.
	TerminateMaxSteps TerminationReason = "max_steps"
	// TerminateAborted means the caller cancelled the run.
	TerminateAborted TerminationReason = "aborted"
	// TerminateFailed means the run ended with an error.
	TerminateFailed TerminationReason = "failed"
)

// Event is a typed record emitted on the Wire during execution. Every event
// carries the identity of the run that produced it (RunID, ParentRunID,
// Depth), so a consumer watching the root wire can rebuild the full
// execution tree of nested runs. Fields beyond the identity block are
// populated per Type.
type Event struct {
	Type EventType `json:"type"`

	// Identity of the producing run, present on every event.
	RunID        string       `json:"run_id"`
	ParentRunID  string       `json:"parent_run_id,omitempty"`
	UserID       string       `json:"user_id,omitempty"`
	RunnableID   string       `json:"runnable_id,omitempty"`
	RunnableType RunnableType `json:"runnable_type,omitempty"`
	NestingType  NestingType  `json:"nesting_type,omitempty"`
	Depth        int          `json:"depth,omitempty"`

	// run-started
	Input string `json:"input,omitempty"`

	// step-delta / step-completed
	StepID string     `json:"step_id,omitempty"`
	Delta  *StepDelta `json:"delta,omitempty"`
	Step   *Step      `json:"step,omitempty"`

	// tool-call-started / tool-call-completed
	CallID     string          `json:"call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     string          `json:"result,omitempty"`
	Status     ToolCallStatus  `json:"status,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`

	// run-completed
	Output            string            `json:"output,omitempty"`
	Metrics           *Metrics          `json:"metrics,omitempty"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`

	// run-failed / error
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Message   string    `json:"message,omitempty"`
}
