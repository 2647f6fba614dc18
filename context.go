package loom

import "log/slog"

// NestingType records how a run was entered relative to its parent.
type NestingType string

const (
	// NestingNone marks a root run started directly by the runtime.
	NestingNone NestingType = ""
	// NestingToolCall marks a run entered because an agent invoked a
	// Runnable wrapped as a tool.
	NestingToolCall NestingType = "tool_call"
	// NestingWorkflowNode marks a run entered as a workflow stage, branch,
	// or loop body.
	NestingWorkflowNode NestingType = "workflow_node"
)

// ExecContext is the per-run carrier of identity, parentage, and shared
// infrastructure. A fresh ExecContext is created for every run, root or
// nested, while the Wire, store, logger, tracer, and config are shared down
// the tree. Cancellation is carried by the context.Context passed alongside
// it on every blocking call.
type ExecContext struct {
	RunID       string
	SessionID   string
	ParentRunID string
	// UserID attributes the run to an end user when the caller set one.
	// Opaque to the runtime.
	UserID string
	// Depth is 0 for root runs and parent+1 for nested runs.
	Depth        int
	RunnableID   string
	RunnableType RunnableType
	NestingType  NestingType

	// Workflow placement of this run, when nested as a workflow node.
	WorkflowID string
	NodeID     string
	BranchKey  string
	Iteration  int

	// CallChain lists the runnable ids visited from the root to this run,
	// inclusive. Used for cycle detection on nested entry.
	CallChain []string

	// Scope carries template variables injected by an enclosing workflow,
	// such as loop.iteration and loop.last.<node>. Treated as read-only by
	// the receiving run.
	Scope map[string]string

	Wire   *Wire
	Store  SessionStore
	Tracer Tracer
	Logger *slog.Logger
	Config RunConfig

	// termination is set by the runnable before returning when the run
	// stopped for a reason other than a natural final answer.
	termination TerminationReason
}

// OnChain reports whether id already appears on the call chain.
func (ec *ExecContext) OnChain(id string) bool {
	for _, v := range ec.CallChain {
		if v == id {
			return true
		}
	}
	return false
}

// setTermination records a non-natural stop reason for the run wrapper to
// publish on RUN_COMPLETED.
func (ec *ExecContext) setTermination(r TerminationReason) { ec.termination = r }

// child derives a nested ExecContext sharing the Wire, store, session, and
// config, with a fresh run id, incremented depth, and the child runnable
// appended to the call chain.
func (ec *ExecContext) child(r Runnable, nesting NestingType) *ExecContext {
	chain := make([]string, len(ec.CallChain), len(ec.CallChain)+1)
	copy(chain, ec.CallChain)
	chain = append(chain, r.ID())
	return &ExecContext{
		RunID:        NewID(),
		SessionID:    ec.SessionID,
		ParentRunID:  ec.RunID,
		UserID:       ec.UserID,
		Depth:        ec.Depth + 1,
		RunnableID:   r.ID(),
		RunnableType: r.Type(),
		NestingType:  nesting,
		WorkflowID:   ec.WorkflowID,
		Iteration:    ec.Iteration,
		CallChain:    chain,
		Scope:        ec.Scope,
		Wire:         ec.Wire,
		Store:        ec.Store,
		Tracer:       ec.Tracer,
		Logger:       ec.Logger,
		Config:       ec.Config,
	}
}

// ChildForToolCall derives the context for a Runnable entered through an
// agent's tool call.
func (ec *ExecContext) ChildForToolCall(r Runnable) *ExecContext {
	return ec.child(r, NestingToolCall)
}

// ChildForNode derives the context for a workflow stage, branch, or loop
// body. workflowID scopes resume lookups; nodeID and branchKey locate the
// node; iteration is the loop round (0 outside loops).
func (ec *ExecContext) ChildForNode(r Runnable, workflowID, nodeID, branchKey string, iteration int) *ExecContext {
	c := ec.child(r, NestingWorkflowNode)
	c.WorkflowID = workflowID
	c.NodeID = nodeID
	c.BranchKey = branchKey
	c.Iteration = iteration
	return c
}

// stamp copies the run's nesting metadata onto a step before commit.
func (ec *ExecContext) stamp(s *Step) {
	s.SessionID = ec.SessionID
	s.RunID = ec.RunID
	s.ParentRunID = ec.ParentRunID
	s.RunnableID = ec.RunnableID
	s.RunnableType = ec.RunnableType
	s.WorkflowID = ec.WorkflowID
	s.NodeID = ec.NodeID
	s.BranchKey = ec.BranchKey
	s.Iteration = ec.Iteration
	s.Depth = ec.Depth
}
