package loom

import "encoding/json"

// Role identifies who produced a Step.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCall is a single tool invocation requested by an assistant step.
// Args holds the argument payload as raw JSON text. During streaming the
// bytes are opaque fragments; they are only expected to parse as a JSON
// object once the owning step completes.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Metrics records provider usage and locally measured timings for one step.
type Metrics struct {
	DurationMS          int64  `json:"duration_ms"`
	InputTokens         int    `json:"input_tokens"`
	OutputTokens        int    `json:"output_tokens"`
	CacheReadTokens     int    `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens int    `json:"cache_creation_tokens,omitempty"`
	FirstTokenLatencyMS int64  `json:"first_token_latency_ms,omitempty"`
	Model               string `json:"model_name,omitempty"`
	Provider            string `json:"provider,omitempty"`
}

// add accumulates other into m. Timing fields are summed for durations and
// left alone for latency (latency is per-call, not additive in a meaningful
// way, so the first non-zero value wins).
func (m *Metrics) add(other Metrics) {
	m.DurationMS += other.DurationMS
	m.InputTokens += other.InputTokens
	m.OutputTokens += other.OutputTokens
	m.CacheReadTokens += other.CacheReadTokens
	m.CacheCreationTokens += other.CacheCreationTokens
	if m.FirstTokenLatencyMS == 0 {
		m.FirstTokenLatencyMS = other.FirstTokenLatencyMS
	}
}

// Step is the atomic, durable record of one conversational turn. All history
// lives in Steps: context reconstruction, retry, and fork operate on the
// session's ordered Step log and nothing else.
type Step struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	// Sequence is monotonic within a session, starting at 1.
	Sequence int64 `json:"sequence"`
	Role     Role  `json:"role"`
	// Content is the textual body. Empty when an assistant step carries only
	// tool calls.
	Content string `json:"content,omitempty"`
	// ToolCalls is set on assistant steps that request tool invocations.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID and Name link a tool step back to the assistant tool call
	// it answers. Set only when Role is RoleTool.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	// Reasoning is the separate reasoning channel emitted by reasoning-mode
	// models. Not sent back to the provider on context rebuild.
	Reasoning string   `json:"reasoning_content,omitempty"`
	Metrics   *Metrics `json:"metrics,omitempty"`

	// Nesting metadata. ParentRunID links a nested run's steps to the run
	// that spawned it; RunnableID/RunnableType identify the producer;
	// NodeID, BranchKey, and Iteration locate the step inside a workflow.
	ParentRunID  string       `json:"parent_run_id,omitempty"`
	RunnableID   string       `json:"runnable_id,omitempty"`
	RunnableType RunnableType `json:"runnable_type,omitempty"`
	WorkflowID   string       `json:"workflow_id,omitempty"`
	NodeID       string       `json:"node_id,omitempty"`
	BranchKey    string       `json:"branch_key,omitempty"`
	Iteration    int          `json:"iteration,omitempty"`
	Depth        int          `json:"depth,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// Clone returns a deep copy of the step, safe to emit as a snapshot while
// the original continues to be mutated by delta application.
func (s *Step) Clone() Step {
	c := *s
	if len(s.ToolCalls) > 0 {
		c.ToolCalls = make([]ToolCall, len(s.ToolCalls))
		for i, tc := range s.ToolCalls {
			c.ToolCalls[i] = tc
			if len(tc.Args) > 0 {
				c.ToolCalls[i].Args = append(json.RawMessage(nil), tc.Args...)
			}
		}
	}
	if s.Metrics != nil {
		m := *s.Metrics
		c.Metrics = &m
	}
	return c
}

// ToolCallPatch is a position-addressed increment to one tool call slot.
// The id and name typically arrive only on the first fragment for an index;
// argument bytes trickle in across subsequent fragments.
type ToolCallPatch struct {
	Index      int    `json:"index"`
	ID         string `json:"id,omitempty"`
	Name       string `json:"name,omitempty"`
	ArgsAppend string `json:"arguments_append,omitempty"`
}

// StepDelta is a streaming increment to a not-yet-complete Step.
type StepDelta struct {
	ContentAppend   string          `json:"content_append,omitempty"`
	ReasoningAppend string          `json:"reasoning_append,omitempty"`
	ToolCallsPatch  []ToolCallPatch `json:"tool_calls_patch,omitempty"`
}

// Empty reports whether the delta carries no change.
func (d StepDelta) Empty() bool {
	return d.ContentAppend == "" && d.ReasoningAppend == "" && len(d.ToolCallsPatch) == 0
}

// Apply folds the delta into the step: text and reasoning append, and each
// tool-call patch extends the slot at its index. Slots are created on first
// sight (including gaps, so out-of-order indexes are safe); id and name bind
// on first non-empty value and argument fragments concatenate in arrival
// order.
func (d StepDelta) Apply(s *Step) {
	s.Content += d.ContentAppend
	s.Reasoning += d.ReasoningAppend
	for _, p := range d.ToolCallsPatch {
		if p.Index < 0 {
			continue
		}
		for len(s.ToolCalls) <= p.Index {
			s.ToolCalls = append(s.ToolCalls, ToolCall{})
		}
		tc := &s.ToolCalls[p.Index]
		if tc.ID == "" && p.ID != "" {
			tc.ID = p.ID
		}
		if tc.Name == "" && p.Name != "" {
			tc.Name = p.Name
		}
		if p.ArgsAppend != "" {
			tc.Args = append(tc.Args, p.ArgsAppend...)
		}
	}
}

// AggregateMetrics sums per-step metrics into a single total. The runtime
// persists metrics per step only; run and subtree totals are computed lazily
// from the session log with this helper.
func AggregateMetrics(steps []Step) Metrics {
	var total Metrics
	for _, s := range steps {
		if s.Metrics != nil {
			total.add(*s.Metrics)
		}
	}
	return total
}

// pendingToolCalls returns the tool calls of the trailing assistant step that
// have no matching tool step after it. A non-empty result means the tool
// phase of the last turn never closed (interrupted run or a retry that
// truncated mid-phase) and must be repaired before the next model call.
func pendingToolCalls(steps []Step) (*Step, []ToolCall) {
	last := -1
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Role == RoleAssistant {
			last = i
			break
		}
		if steps[i].Role == RoleUser {
			return nil, nil
		}
	}
	if last < 0 || len(steps[last].ToolCalls) == 0 {
		return nil, nil
	}
	answered := make(map[string]bool)
	for _, s := range steps[last+1:] {
		if s.Role == RoleTool && s.ToolCallID != "" {
			answered[s.ToolCallID] = true
		}
	}
	var missing []ToolCall
	for _, tc := range steps[last].ToolCalls {
		if !answered[tc.ID] {
			missing = append(missing, tc)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return &steps[last], missing
}
