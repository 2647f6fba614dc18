package loom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool is a capability an agent can invoke. Execute receives the parsed
// argument object, the invoking run's ExecContext, and must honor ctx
// cancellation. Returning an error (or a ToolResult with IsError set) is
// not fatal to the run: the failure is recorded as a tool step and the
// model decides what to do next.
type Tool interface {
	// Name is the identifier the model uses to call the tool.
	Name() string
	// Description tells the model what the tool does.
	Description() string
	// Schema is a JSON Schema object for the arguments. Nil disables
	// validation.
	Schema() json.RawMessage
	// Execute runs the tool.
	Execute(ctx context.Context, args json.RawMessage, ec *ExecContext) (ToolResult, error)
}

// Citation is an optional structured source reference on a tool result.
type Citation struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// ToolResult is the outcome of a tool execution.
type ToolResult struct {
	Content   string     `json:"content"`
	IsError   bool       `json:"is_error,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
}

// ToolRegistry holds tools by name and dispatches execution with argument
// validation. Safe for concurrent use.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its parameter schema. Registering a second
// tool under an existing name replaces the first.
func (r *ToolRegistry) Register(t Tool) error {
	var compiled *jsonschema.Schema
	if raw := t.Schema(); len(raw) > 0 {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("tool %s: parse schema: %w", t.Name(), err)
		}
		c := jsonschema.NewCompiler()
		res := t.Name() + ".schema.json"
		if err := c.AddResource(res, doc); err != nil {
			return fmt.Errorf("tool %s: add schema: %w", t.Name(), err)
		}
		compiled, err = c.Compile(res)
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", t.Name(), err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	if compiled != nil {
		r.schemas[t.Name()] = compiled
	} else {
		delete(r.schemas, t.Name())
	}
	return nil
}

// Lookup returns the tool registered under name.
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Schemas returns the tool descriptions to advertise to the model, in
// stable (registration-independent, name-sorted) order.
func (r *ToolRegistry) Schemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, ToolSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute validates args against the tool's schema and dispatches. The
// returned ToolResult always carries model-facing content: on error it holds
// the error message with IsError set, alongside the classified RunError.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage, ec *ExecContext) (ToolResult, error) {
	t, ok := r.Lookup(name)
	if !ok {
		re := Errf(ErrToolNotFound, "unknown tool: %s", name)
		return ToolResult{Content: re.Message, IsError: true}, re
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	r.mu.RLock()
	sch := r.schemas[name]
	r.mu.RUnlock()
	if sch != nil {
		inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
		if err != nil {
			re := Errf(ErrToolArgInvalid, "tool %s: arguments are not valid JSON: %v", name, err)
			return ToolResult{Content: re.Message, IsError: true}, re
		}
		if err := sch.Validate(inst); err != nil {
			re := Errf(ErrToolArgInvalid, "tool %s: %v", name, err)
			return ToolResult{Content: re.Message, IsError: true}, re
		}
	}
	res, err := t.Execute(ctx, args, ec)
	if err != nil {
		re := asRunError(err, ErrToolExecution)
		return ToolResult{Content: re.Message, IsError: true}, re
	}
	if res.IsError {
		return res, Errf(ErrToolExecution, "%s", res.Content)
	}
	return res, nil
}
