package observer

import (
	"context"
	"testing"

	"github.com/loomworks/loom"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestInstruments(t *testing.T) (*Instruments, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	inst, err := NewInstruments()
	if err != nil {
		t.Fatal(err)
	}
	return inst, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func counterTotal(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: data is %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecordRunLifecycle(t *testing.T) {
	inst, reader := newTestInstruments(t)
	ctx := context.Background()

	events := []loom.Event{
		{Type: loom.EventRunStarted, RunID: "r1", RunnableID: "agent-1", RunnableType: loom.RunnableAgent},
		{Type: loom.EventStepCompleted, RunID: "r1", RunnableID: "agent-1",
			Step: &loom.Step{Role: loom.RoleAssistant, Metrics: &loom.Metrics{InputTokens: 10, OutputTokens: 5, Model: "m1"}}},
		{Type: loom.EventToolCallCompleted, RunID: "r1", ToolName: "search", Status: loom.ToolCallCompleted, DurationMS: 40},
		{Type: loom.EventRunCompleted, RunID: "r1", RunnableID: "agent-1", Metrics: &loom.Metrics{DurationMS: 900}},
	}
	for _, ev := range events {
		inst.Record(ctx, ev)
	}

	ms := collect(t, reader)
	if got := counterTotal(t, ms["run.executions"]); got != 1 {
		t.Errorf("run.executions = %d", got)
	}
	if got := counterTotal(t, ms["step.completed"]); got != 1 {
		t.Errorf("step.completed = %d", got)
	}
	if got := counterTotal(t, ms["llm.token.usage"]); got != 15 {
		t.Errorf("llm.token.usage = %d", got)
	}
	if got := counterTotal(t, ms["tool.executions"]); got != 1 {
		t.Errorf("tool.executions = %d", got)
	}
	if _, ok := ms["run.duration"]; !ok {
		t.Error("run.duration not recorded")
	}
	if _, ok := ms["run.failures"]; ok {
		t.Error("run.failures recorded for a successful run")
	}
}

func TestRecordRunFailure(t *testing.T) {
	inst, reader := newTestInstruments(t)
	ctx := context.Background()

	inst.Record(ctx, loom.Event{Type: loom.EventRunFailed, RunID: "r1", RunnableID: "agent-1", ErrorKind: loom.ErrModel})
	inst.Record(ctx, loom.Event{Type: loom.EventStepDelta, RunID: "r1"})
	inst.Record(ctx, loom.Event{Type: loom.EventStepCompleted, RunID: "r1"})

	ms := collect(t, reader)
	if got := counterTotal(t, ms["run.failures"]); got != 1 {
		t.Errorf("run.failures = %d", got)
	}
	// A step-completed event without a step snapshot is ignored.
	if _, ok := ms["step.completed"]; ok {
		t.Error("step.completed recorded without a step")
	}
}

func TestWatchDrainsChannel(t *testing.T) {
	inst, reader := newTestInstruments(t)
	events := make(chan loom.Event, 3)
	events <- loom.Event{Type: loom.EventRunStarted, RunID: "r1", RunnableID: "a"}
	events <- loom.Event{Type: loom.EventRunStarted, RunID: "r2", RunnableID: "a"}
	close(events)

	inst.Watch(context.Background(), events)

	ms := collect(t, reader)
	if got := counterTotal(t, ms["run.executions"]); got != 2 {
		t.Errorf("run.executions = %d", got)
	}
}

func TestToOTELAttr(t *testing.T) {
	tests := []struct {
		name string
		in   loom.SpanAttr
		want attribute.KeyValue
	}{
		{"string", loom.SpanAttr{Key: "k", Value: "v"}, attribute.String("k", "v")},
		{"int", loom.SpanAttr{Key: "k", Value: 3}, attribute.Int("k", 3)},
		{"int64", loom.SpanAttr{Key: "k", Value: int64(4)}, attribute.Int64("k", 4)},
		{"float64", loom.SpanAttr{Key: "k", Value: 1.5}, attribute.Float64("k", 1.5)},
		{"bool", loom.SpanAttr{Key: "k", Value: true}, attribute.Bool("k", true)},
		{"fallback", loom.SpanAttr{Key: "k", Value: []int{1}}, attribute.String("k", "[1]")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toOTELAttr(tt.in); got != tt.want {
				t.Errorf("toOTELAttr = %+v, want %+v", got, tt.want)
			}
		})
	}
}
