package loom

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// options holds shared configuration consumed by NewAgent, the workflow
// constructors, and New (the runtime).
type options struct {
	tools                    []Tool
	registry                 *ToolRegistry
	prompt                   string
	description              string
	maxSteps                 int
	parallelToolCalls        bool
	stepTimeout              time.Duration
	runTimeout               time.Duration
	terminationSummary       bool
	terminationSummaryPrompt string
	scopedContext            bool
	tracer                   Tracer
	logger                   *slog.Logger
	config                   *RunConfig
	mergeTemplate            string
	inputTemplate            string
}

// Option configures an Agent, a workflow, or a Runtime. Options that do not
// apply to the receiving constructor are ignored.
type Option func(*options)

// WithTools adds tools to the agent's registry.
func WithTools(tools ...Tool) Option {
	return func(o *options) { o.tools = append(o.tools, tools...) }
}

// WithRegistry uses a shared tool registry instead of a private one.
// WithTools entries are registered into it.
func WithRegistry(r *ToolRegistry) Option {
	return func(o *options) { o.registry = r }
}

// WithPrompt sets the agent's system prompt.
func WithPrompt(s string) Option {
	return func(o *options) { o.prompt = s }
}

// WithDescription sets the human-readable description exposed when the
// runnable is offered as a tool to another agent.
func WithDescription(s string) Option {
	return func(o *options) { o.description = s }
}

// WithMaxSteps caps the number of LLM calls in one run.
func WithMaxSteps(n int) Option {
	return func(o *options) { o.maxSteps = n }
}

// WithParallelToolCalls executes a turn's tool calls concurrently when the
// assistant emits two or more.
func WithParallelToolCalls() Option {
	return func(o *options) { o.parallelToolCalls = true }
}

// WithStepTimeout bounds each individual LLM call.
func WithStepTimeout(d time.Duration) Option {
	return func(o *options) { o.stepTimeout = d }
}

// WithRunTimeout bounds the whole run.
func WithRunTimeout(d time.Duration) Option {
	return func(o *options) { o.runTimeout = d }
}

// WithTerminationSummary requests one final non-tool LLM call when the loop
// hits its step budget, so the run ends with a synthesized answer. An empty
// prompt selects the built-in synthesis instruction.
func WithTerminationSummary(prompt string) Option {
	return func(o *options) {
		o.terminationSummary = true
		o.terminationSummaryPrompt = prompt
	}
}

// WithScopedContext restricts the agent's conversational context to steps of
// the current run, even at the root. Nested runs are always scoped.
func WithScopedContext() Option {
	return func(o *options) { o.scopedContext = true }
}

// WithTracer sets the tracer. Use observer.NewTracer() for an OTEL-backed
// implementation.
func WithTracer(t Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithLogger sets the structured logger. If not set, output is discarded.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMergeTemplate sets how a Parallel workflow combines its branch
// outputs, with each branch output available as {<key>}.
func WithMergeTemplate(tmpl string) Option {
	return func(o *options) { o.mergeTemplate = tmpl }
}

// WithInputTemplate sets how a Loop builds its body input each iteration.
// The workflow input is {input}; loop scope variables like {loop.iteration}
// and {loop.last.<node>} are also available.
func WithInputTemplate(tmpl string) Option {
	return func(o *options) { o.inputTemplate = tmpl }
}

// WithConfig sets the runtime's default RunConfig (Runtime only; agents
// override individual limits with the dedicated options above).
func WithConfig(cfg RunConfig) Option {
	return func(o *options) { o.config = &cfg }
}

// nopLogger discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Agent is a Runnable that drives one LLM reason/act loop: it rebuilds
// conversational context from the session, streams a model turn, executes
// any requested tools, and repeats until the model stops calling tools or a
// bound is hit. Every turn is committed to the session store and mirrored on
// the Wire.
type Agent struct {
	id       string
	model    ModelClient
	registry *ToolRegistry
	opt      options
	logger   *slog.Logger
}

var _ Runnable = (*Agent)(nil)

// NewAgent creates an agent with the given id and model client. Tools with
// invalid parameter schemas are skipped with a warning; the remaining tools
// stay usable.
func NewAgent(id string, model ModelClient, opts ...Option) *Agent {
	o := buildOptions(opts)
	logger := o.logger
	if logger == nil {
		logger = nopLogger
	}
	reg := o.registry
	if reg == nil {
		reg = NewToolRegistry()
	}
	for _, t := range o.tools {
		if err := reg.Register(t); err != nil {
			logger.Warn("skipping tool with invalid schema", "agent", id, "tool", t.Name(), "err", err)
		}
	}
	return &Agent{id: id, model: model, registry: reg, opt: o, logger: logger}
}

// ID returns the agent's identifier.
func (a *Agent) ID() string { return a.id }

// Description returns the agent's description.
func (a *Agent) Description() string { return a.opt.description }

// Type reports RunnableAgent.
func (a *Agent) Type() RunnableType { return RunnableAgent }

// runConfig merges per-agent option overrides over the run's base config.
func (a *Agent) runConfig(base RunConfig) RunConfig {
	cfg := base.withDefaults()
	if a.opt.maxSteps > 0 {
		cfg.MaxSteps = a.opt.maxSteps
	}
	if a.opt.parallelToolCalls {
		cfg.ParallelToolCalls = true
	}
	if a.opt.stepTimeout > 0 {
		cfg.StepTimeout = a.opt.stepTimeout
	}
	if a.opt.runTimeout > 0 {
		cfg.RunTimeout = a.opt.runTimeout
	}
	if a.opt.terminationSummary {
		cfg.TerminationSummary = true
		if a.opt.terminationSummaryPrompt != "" {
			cfg.TerminationSummaryPrompt = a.opt.terminationSummaryPrompt
		}
	}
	return cfg
}

// history loads the steps that form this run's conversational context.
// Nested runs see only their own steps; root runs see the whole session
// unless WithScopedContext narrows them.
func (a *Agent) history(ctx context.Context, ec *ExecContext) ([]Step, error) {
	var f StepFilter
	if a.opt.scopedContext || ec.NestingType != NestingNone {
		f.RunID = ec.RunID
	}
	steps, err := ec.Store.Steps(ctx, ec.SessionID, f)
	if err != nil {
		return nil, WrapErr(ErrStore, err)
	}
	return steps, nil
}

// defaultSummaryPrompt is appended as an ephemeral user message for the
// forced synthesis call after the step budget is exhausted.
const defaultSummaryPrompt = "You have used all available steps. Summarize what you found and respond to the user."

// Run executes the reason/act loop. The input text is already committed as a
// user step by the caller; the agent reads everything it needs from the
// session log, which also makes resuming an interrupted run a plain re-entry.
func (a *Agent) Run(ctx context.Context, input string, ec *ExecContext) (string, error) {
	cfg := a.runConfig(ec.Config)
	tracer := a.opt.tracer
	if tracer == nil {
		tracer = ec.Tracer
	}
	logger := a.logger
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}
	pipe := newStepPipeline(ec)
	schemas := a.registry.Schemas()

	var lastContent string
	for turn := 0; turn < cfg.MaxSteps; turn++ {
		if ctx.Err() != nil {
			return "", ctxErr(ctx.Err())
		}
		turnCtx, span := startSpan(ctx, tracer, "agent.turn",
			StringAttr("agent", a.id),
			IntAttr("turn", turn),
			BoolAttr("has_tools", len(schemas) > 0))

		steps, err := a.history(turnCtx, ec)
		if err != nil {
			endSpan(span, err)
			return "", err
		}

		// A trailing assistant step with unanswered tool calls means a prior
		// tool phase never closed (interrupted run, or a retry that truncated
		// mid-phase). Repair it before calling the model again, re-executing
		// only the missing calls.
		if owner, missing := pendingToolCalls(steps); owner != nil {
			logger.Info("repairing unclosed tool phase", "agent", a.id, "missing", len(missing))
			if err := a.toolPhase(turnCtx, ec, pipe, cfg, missing); err != nil {
				endSpan(span, err)
				return "", err
			}
			if steps, err = a.history(turnCtx, ec); err != nil {
				endSpan(span, err)
				return "", err
			}
		}

		req := ModelRequest{Messages: BuildContext(steps, a.opt.prompt), Tools: schemas}
		step, err := a.streamTurn(turnCtx, ec, pipe, cfg, req)
		if err != nil {
			endSpan(span, err)
			return "", err
		}
		if err := pipe.commitStep(turnCtx, step); err != nil {
			endSpan(span, err)
			return "", err
		}
		lastContent = step.Content

		if len(step.ToolCalls) == 0 {
			endSpan(span, nil)
			return step.Content, nil
		}
		if span != nil {
			span.SetAttr(IntAttr("tool_count", len(step.ToolCalls)))
		}
		if err := a.toolPhase(turnCtx, ec, pipe, cfg, step.ToolCalls); err != nil {
			endSpan(span, err)
			return "", err
		}
		endSpan(span, nil)
		if ctx.Err() != nil {
			return "", ctxErr(ctx.Err())
		}
	}

	ec.setTermination(TerminateMaxSteps)
	if !cfg.TerminationSummary {
		logger.Warn("max steps reached", "agent", a.id, "max_steps", cfg.MaxSteps)
		return lastContent, nil
	}

	logger.Warn("max steps reached, forcing synthesis", "agent", a.id, "max_steps", cfg.MaxSteps)
	steps, err := a.history(ctx, ec)
	if err != nil {
		return "", err
	}
	prompt := cfg.TerminationSummaryPrompt
	if prompt == "" {
		prompt = defaultSummaryPrompt
	}
	// The synthesis instruction is ephemeral: it shapes this one call but is
	// not part of the durable transcript.
	msgs := append(BuildContext(steps, a.opt.prompt), ModelMessage{Role: RoleUser, Content: prompt})
	step, err := a.streamTurn(ctx, ec, pipe, cfg, ModelRequest{Messages: msgs})
	if err != nil {
		return "", err
	}
	step.ToolCalls = nil // no tools were offered; drop anything malformed
	if err := pipe.commitStep(ctx, step); err != nil {
		return "", err
	}
	return step.Content, nil
}

// streamTurn performs one streaming model call, assembling the assistant
// step from deltas and mirroring each applied delta on the Wire. The
// returned step is not yet committed.
func (a *Agent) streamTurn(ctx context.Context, ec *ExecContext, pipe *stepPipeline, cfg RunConfig, req ModelRequest) (*Step, error) {
	callCtx := ctx
	if cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.StepTimeout)
		defer cancel()
	}
	start := time.Now()
	ms, err := a.model.Stream(callCtx, req)
	if err != nil {
		return nil, a.classifyModelErr(ctx, callCtx, err)
	}
	defer ms.Close()

	step := &Step{ID: NewID(), Role: RoleAssistant}
	var usage ModelUsage
	var firstToken time.Duration
	for {
		d, err := ms.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, a.classifyModelErr(ctx, callCtx, err)
		}
		if firstToken == 0 {
			firstToken = time.Since(start)
		}
		if d.Usage != nil {
			usage = *d.Usage
		}
		delta := StepDelta{
			ContentAppend:   d.Content,
			ReasoningAppend: d.Reasoning,
			ToolCallsPatch:  d.ToolCalls,
		}
		if !delta.Empty() {
			delta.Apply(step)
			pipe.stepDelta(step.ID, delta)
		}
	}

	provider := usage.Provider
	if provider == "" {
		provider = a.model.Name()
	}
	step.Metrics = &Metrics{
		DurationMS:          time.Since(start).Milliseconds(),
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		FirstTokenLatencyMS: firstToken.Milliseconds(),
		Model:               usage.Model,
		Provider:            provider,
	}
	// Argument bytes were opaque fragments during streaming; now the step is
	// whole they must form a JSON object. An empty payload becomes {}.
	for i := range step.ToolCalls {
		if len(step.ToolCalls[i].Args) == 0 {
			step.ToolCalls[i].Args = json.RawMessage(`{}`)
		}
	}
	return step, nil
}

// classifyModelErr maps a failed model call to its RunError kind: the
// caller's cancellation wins over the per-step deadline, which wins over a
// generic model error.
func (a *Agent) classifyModelErr(parent, call context.Context, err error) *RunError {
	if parent.Err() != nil {
		return ctxErr(parent.Err())
	}
	if call.Err() != nil {
		return ctxErr(call.Err())
	}
	return WrapErr(ErrModel, err)
}

// toolPhase announces, executes, and commits one set of tool calls. Results
// are committed in call order regardless of completion order.
func (a *Agent) toolPhase(ctx context.Context, ec *ExecContext, pipe *stepPipeline, cfg RunConfig, calls []ToolCall) error {
	for _, tc := range calls {
		pipe.toolStarted(tc.ID, tc.Name, tc.Args)
	}
	results := a.dispatchCalls(ctx, ec, cfg, calls)
	for i, tc := range calls {
		r := results[i]
		status := ToolCallCompleted
		if r.isError {
			status = ToolCallFailed
		}
		pipe.toolCompleted(tc.ID, tc.Name, r.content, status, r.duration)
		if r.isError {
			pipe.errorNotice(r.kind, r.content)
		}
		step := &Step{
			Role:       RoleTool,
			ToolCallID: tc.ID,
			Name:       tc.Name,
			Content:    r.content,
			Metrics:    &Metrics{DurationMS: r.duration.Milliseconds()},
		}
		if err := pipe.commitStep(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

// toolExecResult holds the outcome of a single dispatched tool call.
type toolExecResult struct {
	content  string
	isError  bool
	kind     ErrorKind // set when isError
	duration time.Duration
}

// maxParallelDispatch caps concurrent tool-call goroutines so a single turn
// cannot overwhelm external services with unbounded parallelism.
const maxParallelDispatch = 10

// ctxResult is the terminal result recorded for a tool call that could not
// run (or finish) because the turn's context ended first.
func ctxResult(ctx context.Context) toolExecResult {
	return toolExecResult{
		content: "error: " + ctx.Err().Error(),
		isError: true,
		kind:    ctxErr(ctx.Err()).Kind,
	}
}

func (a *Agent) execOne(ctx context.Context, ec *ExecContext, tc ToolCall) toolExecResult {
	start := time.Now()
	res, err := a.registry.Execute(ctx, tc.Name, tc.Args, ec)
	out := toolExecResult{content: res.Content, duration: time.Since(start)}
	if err != nil || res.IsError {
		out.isError = true
		out.kind = KindOf(err)
		if out.kind == "" {
			out.kind = ErrToolExecution
		}
	}
	return out
}

// dispatchCalls executes the turn's tool calls and returns results in call
// order. With parallel tool calls enabled and at least two calls, a bounded
// worker pool runs them concurrently; otherwise execution is sequential.
// The collection loop is context-aware: cancellation mid-flight yields
// context-error results for incomplete calls instead of blocking.
func (a *Agent) dispatchCalls(ctx context.Context, ec *ExecContext, cfg RunConfig, calls []ToolCall) []toolExecResult {
	if !cfg.ParallelToolCalls || len(calls) < 2 {
		results := make([]toolExecResult, len(calls))
		for i, tc := range calls {
			if ctx.Err() != nil {
				results[i] = ctxResult(ctx)
				continue
			}
			results[i] = a.execOne(ctx, ec, tc)
		}
		return results
	}

	type workItem struct {
		idx int
		tc  ToolCall
	}
	type indexedResult struct {
		idx    int
		result toolExecResult
	}
	workCh := make(chan workItem, len(calls))
	for i, tc := range calls {
		workCh <- workItem{idx: i, tc: tc}
	}
	close(workCh)
	resultCh := make(chan indexedResult, len(calls))

	numWorkers := min(len(calls), maxParallelDispatch)
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for range numWorkers {
		go func() {
			defer wg.Done()
			for w := range workCh {
				if ctx.Err() != nil {
					resultCh <- indexedResult{w.idx, ctxResult(ctx)}
					continue
				}
				resultCh <- indexedResult{w.idx, a.execOne(ctx, ec, w.tc)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	results := make([]toolExecResult, len(calls))
	seen := make([]bool, len(calls))
	for received := 0; received < len(calls); received++ {
		select {
		case r, ok := <-resultCh:
			if !ok {
				break
			}
			results[r.idx] = r.result
			seen[r.idx] = true
		case <-ctx.Done():
			errResult := ctxResult(ctx)
			for i := range results {
				if !seen[i] {
					results[i] = errResult
				}
			}
			return results
		}
	}
	return results
}
