package loom

import "context"

// RunnableType distinguishes the two executable kinds.
type RunnableType string

const (
	RunnableAgent    RunnableType = "agent"
	RunnableWorkflow RunnableType = "workflow"
)

// Runnable is anything the runtime can execute: an Agent or a workflow
// (Pipeline, Parallel, Loop). Implementations read their conversational
// context from the session store via the ExecContext and commit every turn
// back to it; the returned string is the run's final output.
//
// Run must honor ctx cancellation at every blocking point and must never
// close the shared Wire; the Wire belongs to the root entry point.
type Runnable interface {
	// ID returns the runnable's stable identifier, used for registry lookup,
	// step attribution, and cycle detection.
	ID() string
	// Description returns a human-readable summary, used when the runnable
	// is exposed as a tool to another agent.
	Description() string
	// Type reports whether this is an agent or a workflow.
	Type() RunnableType
	// Run executes to completion and returns the final output text.
	Run(ctx context.Context, input string, ec *ExecContext) (string, error)
}
