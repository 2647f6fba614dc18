package loom

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// skipMarker is the content of the system step committed when a stage's
// condition evaluates false, so a resumed workflow does not re-evaluate it.
const skipMarker = "skipped"

// nodeResult is the recovered outcome of a previously executed workflow node.
type nodeResult struct {
	output  string
	skipped bool
}

// nodeResults scans workflow-scoped steps and returns, per node id, the
// outcome of nodes that ran to completion in the given iteration. A node is
// complete when its latest step is a final assistant step (no pending tool
// calls) or a skip marker; nodes whose latest step is anything else were
// interrupted mid-run and are re-executed.
func nodeResults(steps []Step, iteration int) map[string]nodeResult {
	last := make(map[string]Step)
	for _, s := range steps {
		if s.Iteration != iteration || s.NodeID == "" {
			continue
		}
		last[s.NodeID] = s
	}
	out := make(map[string]nodeResult)
	for id, s := range last {
		switch {
		case s.Role == RoleSystem && s.Content == skipMarker:
			out[id] = nodeResult{skipped: true}
		case s.Role == RoleAssistant && len(s.ToolCalls) == 0:
			out[id] = nodeResult{output: s.Content}
		}
	}
	return out
}

// markSkipped commits the skip marker for a stage under the workflow's own
// run, carrying the node id so resume can find it.
func markSkipped(ctx context.Context, ec *ExecContext, workflowID, nodeID string) error {
	marker := *ec
	marker.WorkflowID = workflowID
	marker.NodeID = nodeID
	return newStepPipeline(&marker).commitStep(ctx, &Step{Role: RoleSystem, Content: skipMarker})
}

// workflowState seeds the template state map with the workflow input and any
// scope variables injected by an enclosing loop.
func workflowState(input string, ec *ExecContext) map[string]string {
	state := map[string]string{"input": input}
	for k, v := range ec.Scope {
		state[k] = v
	}
	return state
}

// PipelineStage is one sequential stage of a Pipeline.
type PipelineStage struct {
	// ID names the stage; stage outputs are referenced in later templates as
	// {<id>} or {<id>.output}.
	ID       string
	Runnable Runnable
	// InputTemplate builds the stage input from prior state. Empty means the
	// previous stage's output (the workflow input for the first stage).
	InputTemplate string
	// When gates the stage. Empty runs unconditionally; a false condition
	// skips the stage without failing the workflow.
	When string
}

// Pipeline runs stages sequentially, each as a nested run, threading outputs
// forward through template state. Stage results live in the session log, so
// re-running a partially completed pipeline skips the stages that already
// finished and resumes at the first incomplete one.
type Pipeline struct {
	id     string
	stages []PipelineStage
	opt    options
	logger *slog.Logger
}

var _ Runnable = (*Pipeline)(nil)

// NewPipeline creates a sequential workflow with the given stages.
func NewPipeline(id string, stages []PipelineStage, opts ...Option) *Pipeline {
	o := buildOptions(opts)
	logger := o.logger
	if logger == nil {
		logger = nopLogger
	}
	return &Pipeline{id: id, stages: stages, opt: o, logger: logger}
}

func (p *Pipeline) ID() string          { return p.id }
func (p *Pipeline) Description() string { return p.opt.description }
func (p *Pipeline) Type() RunnableType  { return RunnableWorkflow }

// Run executes the stages in order. The output is the last executed stage's
// output; skipped stages pass the running output through unchanged.
func (p *Pipeline) Run(ctx context.Context, input string, ec *ExecContext) (string, error) {
	prior, err := ec.Store.Steps(ctx, ec.SessionID, StepFilter{WorkflowID: p.id})
	if err != nil {
		return "", WrapErr(ErrStore, err)
	}
	done := nodeResults(prior, ec.Iteration)
	state := workflowState(input, ec)
	output := input
	for _, st := range p.stages {
		if ctx.Err() != nil {
			return "", ctxErr(ctx.Err())
		}
		if r, ok := done[st.ID]; ok {
			if !r.skipped {
				state[st.ID] = r.output
				output = r.output
			}
			p.logger.Debug("stage already complete", "workflow", p.id, "stage", st.ID, "skipped", r.skipped)
			continue
		}
		if st.When != "" && !EvalCondition(st.When, state) {
			p.logger.Debug("stage condition false", "workflow", p.id, "stage", st.ID)
			if err := markSkipped(ctx, ec, p.id, st.ID); err != nil {
				return "", err
			}
			continue
		}
		in := output
		if st.InputTemplate != "" {
			in = ResolveTemplate(st.InputTemplate, state)
		}
		child := ec.ChildForNode(st.Runnable, p.id, st.ID, "", ec.Iteration)
		out, _, err := executeRunnable(ctx, st.Runnable, in, child, true)
		if err != nil {
			return "", StageErr(st.ID, err)
		}
		state[st.ID] = out
		output = out
	}
	return output, nil
}

// ParallelBranch is one concurrent branch of a Parallel workflow.
type ParallelBranch struct {
	// Key names the branch; its output is referenced in the merge template
	// as {<key>}.
	Key      string
	Runnable Runnable
	// InputTemplate builds the branch input. Empty passes the workflow input
	// through unchanged.
	InputTemplate string
}

// Parallel fans the input out to all branches concurrently and merges their
// outputs. The first branch failure cancels the remaining branches and fails
// the workflow; branches that completed before a crash are not re-run on
// resume.
type Parallel struct {
	id       string
	branches []ParallelBranch
	opt      options
	logger   *slog.Logger
}

var _ Runnable = (*Parallel)(nil)

// NewParallel creates a fan-out workflow. Use WithMergeTemplate to shape the
// combined output; the default labels each branch output with its key.
func NewParallel(id string, branches []ParallelBranch, opts ...Option) *Parallel {
	o := buildOptions(opts)
	logger := o.logger
	if logger == nil {
		logger = nopLogger
	}
	return &Parallel{id: id, branches: branches, opt: o, logger: logger}
}

func (w *Parallel) ID() string          { return w.id }
func (w *Parallel) Description() string { return w.opt.description }
func (w *Parallel) Type() RunnableType  { return RunnableWorkflow }

// Run executes all incomplete branches concurrently and merges the results
// in branch declaration order.
func (w *Parallel) Run(ctx context.Context, input string, ec *ExecContext) (string, error) {
	prior, err := ec.Store.Steps(ctx, ec.SessionID, StepFilter{WorkflowID: w.id})
	if err != nil {
		return "", WrapErr(ErrStore, err)
	}
	done := nodeResults(prior, ec.Iteration)
	state := workflowState(input, ec)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]string, len(w.branches))
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr *RunError
	)
	for i, b := range w.branches {
		if r, ok := done[b.Key]; ok {
			results[i] = r.output
			w.logger.Debug("branch already complete", "workflow", w.id, "branch", b.Key)
			continue
		}
		in := input
		if b.InputTemplate != "" {
			in = ResolveTemplate(b.InputTemplate, state)
		}
		wg.Add(1)
		go func(i int, b ParallelBranch, in string) {
			defer wg.Done()
			child := ec.ChildForNode(b.Runnable, w.id, b.Key, b.Key, ec.Iteration)
			out, _, err := executeRunnable(runCtx, b.Runnable, in, child, true)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = StageErr(b.Key, err)
					cancel()
				}
				return
			}
			results[i] = out
		}(i, b, in)
	}
	wg.Wait()
	if firstErr != nil {
		return "", firstErr
	}

	for i, b := range w.branches {
		state[b.Key] = results[i]
	}
	if w.opt.mergeTemplate != "" {
		return ResolveTemplate(w.opt.mergeTemplate, state), nil
	}
	var sb strings.Builder
	for i, b := range w.branches {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(b.Key)
		sb.WriteString(":\n")
		sb.WriteString(results[i])
	}
	return sb.String(), nil
}

// Loop runs its body repeatedly, feeding each iteration's output into the
// next, until the continue condition evaluates false or the iteration cap is
// reached. The body sees {loop.iteration} and, when the body is a Pipeline,
// {loop.last.<node>} for each node of the previous iteration.
type Loop struct {
	id            string
	body          Runnable
	condition     string
	maxIterations int
	opt           options
	logger        *slog.Logger
}

var _ Runnable = (*Loop)(nil)

// NewLoop creates a loop workflow. The condition is evaluated after each
// body run against the loop scope; true continues, false stops. An empty
// condition loops until maxIterations.
func NewLoop(id string, body Runnable, condition string, maxIterations int, opts ...Option) *Loop {
	o := buildOptions(opts)
	logger := o.logger
	if logger == nil {
		logger = nopLogger
	}
	if maxIterations <= 0 {
		maxIterations = 1
	}
	return &Loop{id: id, body: body, condition: condition, maxIterations: maxIterations, opt: o, logger: logger}
}

func (l *Loop) ID() string          { return l.id }
func (l *Loop) Description() string { return l.opt.description }
func (l *Loop) Type() RunnableType  { return RunnableWorkflow }

// Run executes the loop. The returned output is the last iteration's body
// output.
func (l *Loop) Run(ctx context.Context, input string, ec *ExecContext) (string, error) {
	scope := make(map[string]string, len(ec.Scope)+2)
	for k, v := range ec.Scope {
		scope[k] = v
	}
	output := input
	for i := 0; i < l.maxIterations; i++ {
		if ctx.Err() != nil {
			return "", ctxErr(ctx.Err())
		}
		scope["loop.iteration"] = strconv.Itoa(i)

		in := output
		if l.opt.inputTemplate != "" {
			state := map[string]string{"input": input}
			for k, v := range scope {
				state[k] = v
			}
			in = ResolveTemplate(l.opt.inputTemplate, state)
		}

		child := ec.ChildForNode(l.body, l.id, "body", "", i)
		iterScope := make(map[string]string, len(scope))
		for k, v := range scope {
			iterScope[k] = v
		}
		child.Scope = iterScope

		out, _, err := executeRunnable(ctx, l.body, in, child, true)
		if err != nil {
			return "", StageErr(l.id, err)
		}
		output = out
		l.logger.Debug("loop iteration complete", "loop", l.id, "iteration", i)

		// Refresh loop.last.* so the next iteration's templates and the
		// continue condition can reference this round's node outputs.
		sub, err := ec.Store.Steps(ctx, ec.SessionID, StepFilter{WorkflowID: l.body.ID()})
		if err != nil {
			return "", WrapErr(ErrStore, err)
		}
		for id, r := range nodeResults(sub, i) {
			if !r.skipped {
				scope["loop.last."+id] = r.output
			}
		}
		scope["loop.last."+l.body.ID()] = out

		condState := map[string]string{"input": input}
		for k, v := range scope {
			condState[k] = v
		}
		if !EvalCondition(l.condition, condState) {
			break
		}
	}
	return output, nil
}
