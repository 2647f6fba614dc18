package loom

import (
	"testing"
)

func TestStepDeltaAssembly(t *testing.T) {
	var s Step
	deltas := []StepDelta{
		{ContentAppend: "Let me "},
		{ContentAppend: "check."},
		{ToolCallsPatch: []ToolCallPatch{{Index: 0, ID: "c1", Name: "search"}}},
		{ToolCallsPatch: []ToolCallPatch{{Index: 0, ArgsAppend: `{"q":`}}},
		{ToolCallsPatch: []ToolCallPatch{{Index: 0, ArgsAppend: `"go"}`}}},
		{ReasoningAppend: "thinking"},
	}
	for _, d := range deltas {
		d.Apply(&s)
	}
	if s.Content != "Let me check." {
		t.Errorf("Content = %q", s.Content)
	}
	if s.Reasoning != "thinking" {
		t.Errorf("Reasoning = %q", s.Reasoning)
	}
	if len(s.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(s.ToolCalls))
	}
	tc := s.ToolCalls[0]
	if tc.ID != "c1" || tc.Name != "search" {
		t.Errorf("tool call = %+v", tc)
	}
	if string(tc.Args) != `{"q":"go"}` {
		t.Errorf("Args = %s", tc.Args)
	}
}

func TestStepDeltaOutOfOrderIndexes(t *testing.T) {
	var s Step
	StepDelta{ToolCallsPatch: []ToolCallPatch{{Index: 2, ID: "c3", Name: "late"}}}.Apply(&s)
	StepDelta{ToolCallsPatch: []ToolCallPatch{{Index: 0, ID: "c1", Name: "early"}}}.Apply(&s)
	StepDelta{ToolCallsPatch: []ToolCallPatch{{Index: 1, ID: "c2", Name: "mid", ArgsAppend: "{}"}}}.Apply(&s)
	if len(s.ToolCalls) != 3 {
		t.Fatalf("len(ToolCalls) = %d, want 3", len(s.ToolCalls))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if s.ToolCalls[i].ID != want {
			t.Errorf("ToolCalls[%d].ID = %q, want %q", i, s.ToolCalls[i].ID, want)
		}
	}
	// Negative index is dropped, id and name bind only on first sight.
	StepDelta{ToolCallsPatch: []ToolCallPatch{{Index: -1, ID: "bad"}, {Index: 0, ID: "other", Name: "other"}}}.Apply(&s)
	if len(s.ToolCalls) != 3 || s.ToolCalls[0].ID != "c1" || s.ToolCalls[0].Name != "early" {
		t.Errorf("ToolCalls after rebind attempt = %+v", s.ToolCalls)
	}
}

func TestStepDeltaEmpty(t *testing.T) {
	if !(StepDelta{}).Empty() {
		t.Error("zero delta should be empty")
	}
	if (StepDelta{ContentAppend: "x"}).Empty() {
		t.Error("content delta should not be empty")
	}
	if (StepDelta{ToolCallsPatch: []ToolCallPatch{{Index: 0}}}).Empty() {
		t.Error("patch delta should not be empty")
	}
}

func TestStepCloneIsDeep(t *testing.T) {
	s := Step{
		ID:        "s1",
		ToolCalls: []ToolCall{{ID: "c1", Name: "search", Args: []byte(`{"q":"a"}`)}},
		Metrics:   &Metrics{InputTokens: 3},
	}
	c := s.Clone()
	s.ToolCalls[0].Args[2] = 'X'
	s.Metrics.InputTokens = 99
	if string(c.ToolCalls[0].Args) != `{"q":"a"}` {
		t.Errorf("clone args mutated: %s", c.ToolCalls[0].Args)
	}
	if c.Metrics.InputTokens != 3 {
		t.Errorf("clone metrics mutated: %d", c.Metrics.InputTokens)
	}
}

func TestAggregateMetrics(t *testing.T) {
	steps := []Step{
		{Metrics: &Metrics{DurationMS: 100, InputTokens: 10, OutputTokens: 5, FirstTokenLatencyMS: 40}},
		{},
		{Metrics: &Metrics{DurationMS: 50, InputTokens: 20, OutputTokens: 7, CacheReadTokens: 3}},
	}
	m := AggregateMetrics(steps)
	if m.DurationMS != 150 || m.InputTokens != 30 || m.OutputTokens != 12 || m.CacheReadTokens != 3 {
		t.Errorf("aggregate = %+v", m)
	}
	if m.FirstTokenLatencyMS != 40 {
		t.Errorf("FirstTokenLatencyMS = %d, want first non-zero 40", m.FirstTokenLatencyMS)
	}
}

func TestPendingToolCalls(t *testing.T) {
	assistant := Step{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "a"}, {ID: "c2", Name: "b"}}}

	t.Run("all unanswered", func(t *testing.T) {
		owner, missing := pendingToolCalls([]Step{{Role: RoleUser}, assistant})
		if owner == nil || len(missing) != 2 {
			t.Fatalf("owner=%v missing=%v", owner, missing)
		}
	})

	t.Run("partially answered", func(t *testing.T) {
		steps := []Step{{Role: RoleUser}, assistant, {Role: RoleTool, ToolCallID: "c1"}}
		_, missing := pendingToolCalls(steps)
		if len(missing) != 1 || missing[0].ID != "c2" {
			t.Fatalf("missing = %v", missing)
		}
	})

	t.Run("fully answered", func(t *testing.T) {
		steps := []Step{assistant, {Role: RoleTool, ToolCallID: "c1"}, {Role: RoleTool, ToolCallID: "c2"}}
		if owner, _ := pendingToolCalls(steps); owner != nil {
			t.Fatalf("owner = %v, want nil", owner)
		}
	})

	t.Run("user step closes the phase", func(t *testing.T) {
		steps := []Step{assistant, {Role: RoleUser, Content: "never mind"}}
		if owner, _ := pendingToolCalls(steps); owner != nil {
			t.Fatalf("owner = %v, want nil", owner)
		}
	})

	t.Run("no tool calls", func(t *testing.T) {
		steps := []Step{{Role: RoleUser}, {Role: RoleAssistant, Content: "hi"}}
		if owner, _ := pendingToolCalls(steps); owner != nil {
			t.Fatalf("owner = %v, want nil", owner)
		}
	})
}
