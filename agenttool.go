package loom

import (
	"context"
	"encoding/json"
	"fmt"
)

// agentToolSchema is the argument shape every wrapped runnable accepts: a
// single task string describing what the nested run should do.
const agentToolSchema = `{
	"type": "object",
	"properties": {
		"task": {
			"type": "string",
			"description": "The task or question to delegate"
		}
	},
	"required": ["task"]
}`

// AgentTool exposes a Runnable (an agent or a whole workflow) as a Tool so
// another agent can delegate to it. The nested run shares the caller's
// session and Wire but has its own run identity and a scoped context, so the
// inner transcript never leaks into the outer conversation.
type AgentTool struct {
	runnable Runnable
	name     string
}

var _ Tool = (*AgentTool)(nil)

// NewAgentTool wraps r as a tool named "agent_<id>".
func NewAgentTool(r Runnable) *AgentTool {
	return &AgentTool{runnable: r, name: "agent_" + r.ID()}
}

// Name returns the tool name.
func (t *AgentTool) Name() string { return t.name }

// Description returns the wrapped runnable's description, or a generic
// delegation hint when it has none.
func (t *AgentTool) Description() string {
	if d := t.runnable.Description(); d != "" {
		return d
	}
	return fmt.Sprintf("Delegate a task to the %s %s.", t.runnable.ID(), t.runnable.Type())
}

// Schema returns the task argument schema.
func (t *AgentTool) Schema() json.RawMessage { return json.RawMessage(agentToolSchema) }

// Execute runs the wrapped runnable as a nested run. Exceeding the nesting
// depth bound or re-entering a runnable already on the call chain fails the
// call without starting the nested run; the failure surfaces to the calling
// model as an error tool result like any other tool failure.
func (t *AgentTool) Execute(ctx context.Context, args json.RawMessage, ec *ExecContext) (ToolResult, error) {
	var in struct {
		Task string `json:"task"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		re := Errf(ErrToolArgInvalid, "tool %s: %v", t.name, err)
		return ToolResult{Content: re.Message, IsError: true}, re
	}
	cfg := ec.Config.withDefaults()
	if ec.Depth+1 > cfg.MaxNestingDepth {
		re := Errf(ErrDepthExceeded, "nesting depth %d exceeds limit %d", ec.Depth+1, cfg.MaxNestingDepth)
		return ToolResult{Content: re.Message, IsError: true}, re
	}
	if ec.OnChain(t.runnable.ID()) {
		re := Errf(ErrCycleDetected, "runnable %s is already on the call chain", t.runnable.ID())
		return ToolResult{Content: re.Message, IsError: true}, re
	}

	child := ec.ChildForToolCall(t.runnable)
	out, _, err := executeRunnable(ctx, t.runnable, in.Task, child, true)
	if err != nil {
		re := asRunError(err, ErrToolExecution)
		return ToolResult{Content: re.Message, IsError: true}, re
	}
	return ToolResult{Content: out}, nil
}
