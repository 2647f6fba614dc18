package observer

import (
	"context"

	"github.com/loomworks/loom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Record maps one run event onto the instruments. Feed it from a Stream:
//
//	st := rt.RunStream(ctx, agent, input)
//	for ev := range st.Events() {
//		inst.Record(ctx, ev)
//	}
func (in *Instruments) Record(ctx context.Context, ev loom.Event) {
	runnable := attribute.String("runnable_id", ev.RunnableID)
	switch ev.Type {
	case loom.EventRunStarted:
		in.RunExecutions.Add(ctx, 1, metric.WithAttributes(
			runnable,
			attribute.String("runnable_type", string(ev.RunnableType)),
			attribute.Int("depth", ev.Depth),
		))
	case loom.EventStepCompleted:
		if ev.Step == nil {
			return
		}
		in.StepCompleted.Add(ctx, 1, metric.WithAttributes(
			runnable,
			attribute.String("role", string(ev.Step.Role)),
		))
		if m := ev.Step.Metrics; m != nil && m.InputTokens+m.OutputTokens > 0 {
			model := attribute.String("model", m.Model)
			in.TokenUsage.Add(ctx, int64(m.InputTokens), metric.WithAttributes(model, attribute.String("direction", "input")))
			in.TokenUsage.Add(ctx, int64(m.OutputTokens), metric.WithAttributes(model, attribute.String("direction", "output")))
		}
	case loom.EventToolCallCompleted:
		attrs := metric.WithAttributes(
			attribute.String("tool", ev.ToolName),
			attribute.String("status", string(ev.Status)),
		)
		in.ToolExecutions.Add(ctx, 1, attrs)
		in.ToolDuration.Record(ctx, float64(ev.DurationMS), attrs)
	case loom.EventRunCompleted:
		if ev.Metrics != nil {
			in.RunDuration.Record(ctx, float64(ev.Metrics.DurationMS), metric.WithAttributes(runnable))
		}
	case loom.EventRunFailed:
		in.RunFailures.Add(ctx, 1, metric.WithAttributes(
			runnable,
			attribute.String("error_kind", string(ev.ErrorKind)),
		))
	}
}

// Watch consumes an event channel until it closes, recording every event.
// Run it in its own goroutine when the caller also needs the events.
func (in *Instruments) Watch(ctx context.Context, events <-chan loom.Event) {
	for ev := range events {
		in.Record(ctx, ev)
	}
}
