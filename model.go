package loom

import "context"

// ModelMessage is the provider-neutral projection of a Step sent to the LLM.
type ModelMessage struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolSchema describes one tool to the model.
type ToolSchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// Parameters is a JSON Schema object describing the arguments.
	Parameters []byte `json:"parameters,omitempty"`
}

// ModelRequest is one streaming chat completion request.
type ModelRequest struct {
	Messages []ModelMessage
	Tools    []ToolSchema
}

// ModelUsage is the provider's usage report, delivered on the terminal delta.
type ModelUsage struct {
	InputTokens         int
	OutputTokens        int
	CacheReadTokens     int
	CacheCreationTokens int
	Model               string
	Provider            string
}

// ModelDelta is one fragment of a streamed model response: optional text,
// optional reasoning text, positional tool-call fragments, and usage on the
// terminal chunk.
type ModelDelta struct {
	Content   string
	Reasoning string
	ToolCalls []ToolCallPatch
	Usage     *ModelUsage
}

// ModelStream yields deltas until the response completes. Recv returns
// io.EOF after the final delta; any other error means the stream failed.
type ModelStream interface {
	Recv() (ModelDelta, error)
	Close() error
}

// ModelClient abstracts the LLM backend. Provider adapters translate each
// concrete API's stream into positional ModelDelta fragments.
type ModelClient interface {
	// Stream opens a streaming completion for the request.
	Stream(ctx context.Context, req ModelRequest) (ModelStream, error)
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}
