package loom

import (
	"context"
	"strings"
	"testing"
)

func TestAgentToolDelegation(t *testing.T) {
	childModel := &fakeModel{turns: []scriptTurn{textTurn("42")}}
	child := NewAgent("calc", childModel, WithDescription("does arithmetic"))

	parentModel := &fakeModel{turns: []scriptTurn{
		toolTurn("c1", "agent_calc", `{"task":"compute 6*7"}`),
		textTurn("the answer is 42"),
	}}
	parent := NewAgent("router", parentModel, WithTools(NewAgentTool(child)))
	store := newMemStore()
	rt := New(store)

	evs, out := drain(rt.RunStream(context.Background(), parent, "what is 6*7?"))
	if out.Err != nil {
		t.Fatal(out.Err)
	}
	if out.Response != "the answer is 42" {
		t.Errorf("Response = %q", out.Response)
	}

	// The nested run announces itself with parent linkage and depth 1.
	var nested *Event
	for i, ev := range evs {
		if ev.Type == EventRunStarted && ev.Depth == 1 {
			nested = &evs[i]
			break
		}
	}
	if nested == nil {
		t.Fatal("no nested run-started observed")
	}
	if nested.ParentRunID != out.RunID || nested.RunnableID != "calc" || nested.NestingType != NestingToolCall {
		t.Errorf("nested run-started = %+v", nested)
	}

	// The child saw only its own task, not the outer conversation.
	req := childModel.request(0)
	if len(req.Messages) != 1 || req.Messages[0].Content != "compute 6*7" {
		t.Errorf("child context = %+v", req.Messages)
	}

	// The child's transcript shares the session, linked by parent run id.
	steps := stepsOf(store, out.SessionID)
	var childSteps int
	for _, s := range steps {
		if s.RunnableID == "calc" {
			childSteps++
			if s.ParentRunID != out.RunID || s.Depth != 1 {
				t.Errorf("child step linkage = %+v", s)
			}
		}
	}
	if childSteps != 2 {
		t.Errorf("child steps = %d, want 2", childSteps)
	}

	// The parent's tool step carries the child's final output.
	var toolStep *Step
	for i, s := range steps {
		if s.Role == RoleTool && s.RunnableID == "router" {
			toolStep = &steps[i]
		}
	}
	if toolStep == nil || toolStep.Content != "42" {
		t.Errorf("parent tool step = %+v", toolStep)
	}
}

func TestAgentToolCycleGuard(t *testing.T) {
	reg := NewToolRegistry()
	model := &fakeModel{turns: []scriptTurn{
		toolTurn("c1", "agent_self", `{"task":"again"}`),
		textTurn("gave up"),
	}}
	self := NewAgent("self", model, WithRegistry(reg))
	if err := reg.Register(NewAgentTool(self)); err != nil {
		t.Fatal(err)
	}
	store := newMemStore()
	rt := New(store)

	out := rt.Run(context.Background(), self, "recurse")
	if out.Err != nil {
		t.Fatalf("cycle must fail the call, not the run: %v", out.Err)
	}
	if model.callCount() != 2 {
		t.Errorf("model called %d times, want 2 (no nested run)", model.callCount())
	}
	steps := stepsOf(store, out.SessionID)
	var toolStep *Step
	for i, s := range steps {
		if s.Role == RoleTool {
			toolStep = &steps[i]
		}
	}
	if toolStep == nil || !strings.Contains(toolStep.Content, "call chain") {
		t.Errorf("tool step = %+v", toolStep)
	}
}

func TestAgentToolDepthGuard(t *testing.T) {
	cModel := &fakeModel{turns: []scriptTurn{textTurn("c output")}}
	c := NewAgent("c", cModel)

	bModel := &fakeModel{turns: []scriptTurn{
		toolTurn("c1", "agent_c", `{"task":"deeper"}`),
		textTurn("b done"),
	}}
	b := NewAgent("b", bModel, WithTools(NewAgentTool(c)))

	aModel := &fakeModel{turns: []scriptTurn{
		toolTurn("c1", "agent_b", `{"task":"deep"}`),
		textTurn("a done"),
	}}
	a := NewAgent("a", aModel, WithTools(NewAgentTool(b)))

	store := newMemStore()
	rt := New(store, WithConfig(RunConfig{MaxNestingDepth: 1}))

	out := rt.Run(context.Background(), a, "go")
	if out.Err != nil {
		t.Fatal(out.Err)
	}
	if cModel.callCount() != 0 {
		t.Errorf("c ran %d times, want 0", cModel.callCount())
	}
	steps := stepsOf(store, out.SessionID)
	var found bool
	for _, s := range steps {
		if s.Role == RoleTool && strings.Contains(s.Content, "nesting depth") {
			found = true
		}
	}
	if !found {
		t.Error("no depth-exceeded tool result in session")
	}
}

func TestAgentToolDefaults(t *testing.T) {
	child := NewAgent("helper", &fakeModel{})
	at := NewAgentTool(child)
	if at.Name() != "agent_helper" {
		t.Errorf("Name = %q", at.Name())
	}
	if !strings.Contains(at.Description(), "helper") {
		t.Errorf("Description = %q", at.Description())
	}
	child2 := NewAgent("helper2", &fakeModel{}, WithDescription("custom"))
	if got := NewAgentTool(child2).Description(); got != "custom" {
		t.Errorf("Description = %q", got)
	}
}
