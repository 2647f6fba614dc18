package loom

import (
	"context"
	"encoding/json"
	"time"
)

// stepPipeline binds one run's ExecContext to its Wire and SessionStore and
// centralizes event emission. commitStep guarantees that every
// STEP_COMPLETED observed on the wire corresponds to a store append that
// happened before the emission.
type stepPipeline struct {
	ec *ExecContext
}

func newStepPipeline(ec *ExecContext) *stepPipeline {
	return &stepPipeline{ec: ec}
}

// base returns an event pre-filled with the run's identity block.
func (p *stepPipeline) base(t EventType) Event {
	return Event{
		Type:         t,
		RunID:        p.ec.RunID,
		ParentRunID:  p.ec.ParentRunID,
		UserID:       p.ec.UserID,
		RunnableID:   p.ec.RunnableID,
		RunnableType: p.ec.RunnableType,
		NestingType:  p.ec.NestingType,
		Depth:        p.ec.Depth,
	}
}

func (p *stepPipeline) runStarted(input string) {
	ev := p.base(EventRunStarted)
	ev.Input = input
	p.ec.Wire.Write(ev)
}

func (p *stepPipeline) stepDelta(stepID string, d StepDelta) {
	ev := p.base(EventStepDelta)
	ev.StepID = stepID
	ev.Delta = &d
	p.ec.Wire.Write(ev)
}

// commitStep assigns sequence and creation time, stamps the run's nesting
// metadata, persists the step, and only then emits STEP_COMPLETED with the
// durable snapshot.
func (p *stepPipeline) commitStep(ctx context.Context, s *Step) error {
	if s.ID == "" {
		s.ID = NewID()
	}
	p.ec.stamp(s)
	seq, err := p.ec.Store.NextSequence(ctx, p.ec.SessionID)
	if err != nil {
		return WrapErr(ErrStore, err)
	}
	s.Sequence = seq
	s.CreatedAt = NowUnix()
	if err := p.ec.Store.Append(ctx, s); err != nil {
		return WrapErr(ErrStore, err)
	}
	snap := s.Clone()
	ev := p.base(EventStepCompleted)
	ev.StepID = s.ID
	ev.Step = &snap
	p.ec.Wire.Write(ev)
	return nil
}

func (p *stepPipeline) toolStarted(callID, name string, args json.RawMessage) {
	ev := p.base(EventToolCallStarted)
	ev.CallID = callID
	ev.ToolName = name
	ev.Args = args
	p.ec.Wire.Write(ev)
}

func (p *stepPipeline) toolCompleted(callID, name, result string, status ToolCallStatus, d time.Duration) {
	ev := p.base(EventToolCallCompleted)
	ev.CallID = callID
	ev.ToolName = name
	ev.Result = result
	ev.Status = status
	ev.DurationMS = d.Milliseconds()
	p.ec.Wire.Write(ev)
}

// errorNotice publishes a non-terminal ERROR event for a failure the run
// recovered from, such as a failed tool call whose result went back to the
// model. The run keeps going; RUN_FAILED remains the terminal signal.
func (p *stepPipeline) errorNotice(kind ErrorKind, msg string) {
	ev := p.base(EventError)
	ev.ErrorKind = kind
	ev.Message = msg
	p.ec.Wire.Write(ev)
}

func (p *stepPipeline) runCompleted(output string, m Metrics, reason TerminationReason) {
	ev := p.base(EventRunCompleted)
	ev.Output = output
	ev.Metrics = &m
	ev.TerminationReason = reason
	p.ec.Wire.Write(ev)
}

func (p *stepPipeline) runFailed(re *RunError) {
	ev := p.base(EventRunFailed)
	ev.ErrorKind = re.Kind
	ev.Message = re.Message
	p.ec.Wire.Write(ev)
}
