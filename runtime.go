package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// executeRunnable wraps one run, root or nested: it announces RUN_STARTED,
// optionally commits the input as a user step, invokes the runnable, and
// closes with RUN_COMPLETED (carrying lazily aggregated subtree metrics) or
// RUN_FAILED. Nested callers pass commitInput=true so the nested transcript
// starts with its task; retry passes false because the input already exists
// in the log.
func executeRunnable(ctx context.Context, r Runnable, input string, ec *ExecContext, commitInput bool) (string, Metrics, error) {
	pipe := newStepPipeline(ec)
	runCtx, span := startSpan(ctx, ec.Tracer, string(r.Type())+".run",
		StringAttr("runnable", r.ID()),
		StringAttr("run_id", ec.RunID),
		IntAttr("depth", ec.Depth))

	pipe.runStarted(input)
	commit := commitInput && input != ""
	// Re-running a workflow on a session that already holds its task is a
	// resume, not a new request: the log must not grow a duplicate user step
	// when every stage is already complete.
	if commit && ec.Depth == 0 && r.Type() == RunnableWorkflow {
		if prior, serr := ec.Store.Steps(runCtx, ec.SessionID, StepFilter{}); serr == nil {
			for _, s := range prior {
				if s.Role == RoleUser && s.RunnableID == r.ID() && s.Content == input {
					commit = false
					break
				}
			}
		}
	}
	if commit {
		if err := pipe.commitStep(runCtx, &Step{Role: RoleUser, Content: input}); err != nil {
			re := asRunError(err, ErrStore)
			pipe.runFailed(re)
			endSpan(span, re)
			return "", Metrics{}, re
		}
	}

	out, err := r.Run(runCtx, input, ec)
	if err != nil {
		re := asRunError(err, ErrModel)
		pipe.runFailed(re)
		endSpan(span, re)
		return "", Metrics{}, re
	}

	var total Metrics
	if steps, serr := ec.Store.Steps(runCtx, ec.SessionID, StepFilter{}); serr == nil {
		total = subtreeMetrics(steps, ec.RunID)
	} else {
		ec.Logger.Warn("metrics aggregation failed", "run_id", ec.RunID, "err", serr)
	}
	reason := ec.termination
	if reason == "" {
		reason = TerminateNatural
	}
	pipe.runCompleted(out, total, reason)
	endSpan(span, nil)
	return out, total, nil
}

// subtreeMetrics sums the metrics of every step belonging to rootRunID or to
// any run nested under it, following ParentRunID links recorded on the steps.
func subtreeMetrics(steps []Step, rootRunID string) Metrics {
	parent := make(map[string]string)
	for _, s := range steps {
		if s.RunID != "" {
			parent[s.RunID] = s.ParentRunID
		}
	}
	inTree := map[string]bool{rootRunID: true}
	var underRoot func(runID string) bool
	underRoot = func(runID string) bool {
		if v, ok := inTree[runID]; ok {
			return v
		}
		p, ok := parent[runID]
		if !ok || p == "" {
			inTree[runID] = false
			return false
		}
		v := underRoot(p)
		inTree[runID] = v
		return v
	}
	var total Metrics
	for _, s := range steps {
		if s.Metrics != nil && underRoot(s.RunID) {
			total.add(*s.Metrics)
		}
	}
	return total
}

// RunOutput is the final result of a run.
type RunOutput struct {
	Response          string            `json:"response"`
	RunID             string            `json:"run_id"`
	SessionID         string            `json:"session_id"`
	UserID            string            `json:"user_id,omitempty"`
	Metrics           Metrics           `json:"metrics"`
	TerminationReason TerminationReason `json:"termination_reason"`
	Err               *RunError         `json:"error,omitempty"`
}

// runOptions holds per-run settings.
type runOptions struct {
	sessionID string
	userID    string
	config    *RunConfig
}

// RunOption configures a single run.
type RunOption func(*runOptions)

// WithSession continues an existing session instead of starting a new one.
func WithSession(id string) RunOption {
	return func(o *runOptions) { o.sessionID = id }
}

// WithUser attributes the run to an end user. The id is carried on every
// event the run emits and on its RunOutput; the runtime does not interpret it.
func WithUser(id string) RunOption {
	return func(o *runOptions) { o.userID = id }
}

// WithRunConfig overrides the runtime's default limits for this run.
func WithRunConfig(cfg RunConfig) RunOption {
	return func(o *runOptions) { o.config = &cfg }
}

// Stream is a handle on an in-flight run: a live event feed plus the final
// output. Events() closes when the run finishes; Output() blocks until then.
type Stream struct {
	sub       *Subscription
	runID     string
	sessionID string
	done      chan struct{}
	out       RunOutput
}

// Events returns the run's event feed. The channel closes when the run
// completes. A consumer that stops reading stalls the run; call Close to
// detach instead.
func (s *Stream) Events() <-chan Event { return s.sub.C }

// RunID returns the root run id.
func (s *Stream) RunID() string { return s.runID }

// SessionID returns the session the run is writing to.
func (s *Stream) SessionID() string { return s.sessionID }

// Output blocks until the run finishes and returns its result.
func (s *Stream) Output() RunOutput {
	<-s.done
	return s.out
}

// Close detaches the event feed. The run itself keeps going; cancel its
// context to abort it.
func (s *Stream) Close() { s.sub.Cancel() }

// Runtime owns the session store and launches runs. It keeps a registry of
// runnables so Retry can resolve a run's producer by id after a restart.
type Runtime struct {
	store     SessionStore
	registry  *ToolRegistry
	tracer    Tracer
	logger    *slog.Logger
	config    RunConfig
	mu        sync.RWMutex
	runnables map[string]Runnable
}

// New creates a Runtime on the given store. Recognized options: WithConfig,
// WithRegistry, WithTools, WithTracer, WithLogger.
func New(store SessionStore, opts ...Option) *Runtime {
	o := buildOptions(opts)
	logger := o.logger
	if logger == nil {
		logger = nopLogger
	}
	cfg := DefaultRunConfig()
	if o.config != nil {
		cfg = o.config.withDefaults()
	}
	reg := o.registry
	if reg == nil {
		reg = NewToolRegistry()
	}
	for _, t := range o.tools {
		if err := reg.Register(t); err != nil {
			logger.Warn("skipping tool with invalid schema", "tool", t.Name(), "err", err)
		}
	}
	return &Runtime{
		store:     store,
		registry:  reg,
		tracer:    o.tracer,
		logger:    logger,
		config:    cfg,
		runnables: make(map[string]Runnable),
	}
}

// Register makes a runnable resolvable by id for Retry. RunStream registers
// its runnable automatically; registering nested runnables (workflow stages,
// delegated agents) is only needed when a retry may resume them by id.
func (rt *Runtime) Register(r Runnable) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.runnables[r.ID()] = r
}

func (rt *Runtime) runnable(id string) (Runnable, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	r, ok := rt.runnables[id]
	return r, ok
}

// Tools returns the runtime's shared tool registry.
func (rt *Runtime) Tools() *ToolRegistry { return rt.registry }

// Store returns the session store.
func (rt *Runtime) Store() SessionStore { return rt.store }

func (rt *Runtime) newExecContext(r Runnable, sessionID, runID string, cfg RunConfig, wire *Wire) *ExecContext {
	return &ExecContext{
		RunID:        runID,
		SessionID:    sessionID,
		RunnableID:   r.ID(),
		RunnableType: r.Type(),
		CallChain:    []string{r.ID()},
		Wire:         wire,
		Store:        rt.store,
		Tracer:       rt.tracer,
		Logger:       rt.logger,
		Config:       cfg,
	}
}

// RunStream starts a run and returns a Stream over its events. A new session
// is created unless WithSession names an existing one.
func (rt *Runtime) RunStream(ctx context.Context, r Runnable, input string, opts ...RunOption) *Stream {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}
	sessionID := ro.sessionID
	if sessionID == "" {
		sessionID = NewID()
	}
	cfg := rt.config
	if ro.config != nil {
		cfg = ro.config.withDefaults()
	}
	rt.Register(r)

	wire := NewWire(cfg.WireBuffer)
	ec := rt.newExecContext(r, sessionID, NewID(), cfg, wire)
	ec.UserID = ro.userID
	st := &Stream{sub: wire.Subscribe(), runID: ec.RunID, sessionID: sessionID, done: make(chan struct{})}
	rt.logger.Info("run starting", "run_id", ec.RunID, "session_id", sessionID, "runnable", r.ID())
	go func() {
		defer close(st.done)
		defer wire.Close()
		st.out = rt.finishRun(ctx, r, input, ec, true)
	}()
	return st
}

// finishRun executes the root run and shapes its RunOutput.
func (rt *Runtime) finishRun(ctx context.Context, r Runnable, input string, ec *ExecContext, commitInput bool) RunOutput {
	out, metrics, err := executeRunnable(ctx, r, input, ec, commitInput)
	res := RunOutput{
		Response:  out,
		RunID:     ec.RunID,
		SessionID: ec.SessionID,
		UserID:    ec.UserID,
		Metrics:   metrics,
	}
	if err != nil {
		res.Err = asRunError(err, ErrModel)
		res.TerminationReason = TerminateFailed
		rt.logger.Error("run failed", "run_id", ec.RunID, "kind", res.Err.Kind, "err", err)
		return res
	}
	res.TerminationReason = ec.termination
	if res.TerminationReason == "" {
		res.TerminationReason = TerminateNatural
	}
	rt.logger.Info("run completed", "run_id", ec.RunID, "reason", res.TerminationReason)
	return res
}

// Run executes a run to completion, discarding intermediate events.
func (rt *Runtime) Run(ctx context.Context, r Runnable, input string, opts ...RunOption) RunOutput {
	st := rt.RunStream(ctx, r, input, opts...)
	for range st.Events() {
	}
	return st.Output()
}

// failedStream returns an already-completed Stream carrying only an error.
func failedStream(sessionID string, re *RunError) *Stream {
	wire := NewWire(1)
	st := &Stream{sub: wire.Subscribe(), sessionID: sessionID, done: make(chan struct{})}
	st.out = RunOutput{SessionID: sessionID, TerminationReason: TerminateFailed, Err: re}
	wire.Close()
	close(st.done)
	return st
}

// Retry truncates the session at fromSeq (that step and everything after it
// is deleted) and resumes the interrupted root run. The resumed run keeps its
// original run id and rebuilds its position from the surviving log: an agent
// re-executes only the tool calls whose results were lost, a workflow skips
// the stages that already completed. The root runnable must be registered.
func (rt *Runtime) Retry(ctx context.Context, sessionID string, fromSeq int64) *Stream {
	if err := rt.store.DeleteFrom(ctx, sessionID, fromSeq); err != nil {
		return failedStream(sessionID, WrapErr(ErrStore, err))
	}
	steps, err := rt.store.Steps(ctx, sessionID, StepFilter{})
	if err != nil {
		return failedStream(sessionID, WrapErr(ErrStore, err))
	}
	if len(steps) == 0 {
		return failedStream(sessionID, Errf(ErrStore, "session %s has no steps before sequence %d", sessionID, fromSeq))
	}

	// Resume at the root of the run tree the trailing step belongs to.
	parent := make(map[string]string)
	for _, s := range steps {
		parent[s.RunID] = s.ParentRunID
	}
	rootRunID := steps[len(steps)-1].RunID
	for parent[rootRunID] != "" {
		rootRunID = parent[rootRunID]
	}
	var runnableID, input string
	for _, s := range steps {
		if s.RunID != rootRunID {
			continue
		}
		if runnableID == "" {
			runnableID = s.RunnableID
		}
		if input == "" && s.Role == RoleUser {
			input = s.Content
		}
	}
	r, ok := rt.runnable(runnableID)
	if !ok {
		return failedStream(sessionID, Errf(ErrStore, "runnable %q is not registered", runnableID))
	}

	wire := NewWire(rt.config.WireBuffer)
	ec := rt.newExecContext(r, sessionID, rootRunID, rt.config, wire)
	st := &Stream{sub: wire.Subscribe(), runID: rootRunID, sessionID: sessionID, done: make(chan struct{})}
	rt.logger.Info("run resuming", "run_id", rootRunID, "session_id", sessionID, "from_seq", fromSeq)
	go func() {
		defer close(st.done)
		defer wire.Close()
		st.out = rt.finishRun(ctx, r, input, ec, false)
	}()
	return st
}

// Fork copies the prefix of a session up to and including atSeq into a new
// session and returns its id. Step ids and sequence numbers are preserved so
// the fork replays identically; only the session id changes. The original
// session is untouched.
func (rt *Runtime) Fork(ctx context.Context, sessionID string, atSeq int64) (string, error) {
	steps, err := rt.store.Steps(ctx, sessionID, StepFilter{})
	if err != nil {
		return "", WrapErr(ErrStore, err)
	}
	forkID := NewID()
	copied := make([]Step, 0, len(steps))
	for _, s := range steps {
		if s.Sequence > atSeq {
			continue
		}
		c := s.Clone()
		c.SessionID = forkID
		copied = append(copied, c)
	}
	if len(copied) == 0 {
		return "", Errf(ErrStore, "session %s has no steps at or before sequence %d", sessionID, atSeq)
	}
	if err := rt.store.BulkInsert(ctx, copied); err != nil {
		return "", WrapErr(ErrStore, err)
	}
	rt.logger.Info("session forked", "session_id", sessionID, "fork_id", forkID, "at_seq", atSeq, "steps", len(copied))
	return forkID, nil
}

// SessionMetrics aggregates the metrics of every step in a session. Totals
// are computed lazily from the log; nothing is persisted.
func (rt *Runtime) SessionMetrics(ctx context.Context, sessionID string) (Metrics, error) {
	steps, err := rt.store.Steps(ctx, sessionID, StepFilter{})
	if err != nil {
		return Metrics{}, WrapErr(ErrStore, err)
	}
	return AggregateMetrics(steps), nil
}

// WriteSSEEvent writes one server-sent event frame.
func WriteSSEEvent(w io.Writer, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal sse event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

// ServeSSE relays a run's events to an HTTP client as Server-Sent Events,
// one frame per event typed by the event's own type, closing with a "done"
// frame carrying the RunOutput (or an "error" frame when the run failed).
// Pass r.Context() as ctx so a client disconnect detaches the feed.
func ServeSSE(ctx context.Context, w http.ResponseWriter, st *Stream) (RunOutput, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return RunOutput{}, fmt.Errorf("ResponseWriter does not implement http.Flusher")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case ev, open := <-st.Events():
			if !open {
				out := st.Output()
				if out.Err != nil {
					_ = WriteSSEEvent(w, string(EventError), out.Err)
					flusher.Flush()
					return out, out.Err
				}
				if err := WriteSSEEvent(w, "done", out); err != nil {
					return out, err
				}
				flusher.Flush()
				return out, nil
			}
			if err := WriteSSEEvent(w, string(ev.Type), ev); err != nil {
				st.Close()
				return st.Output(), err
			}
			flusher.Flush()
		case <-ctx.Done():
			st.Close()
			return st.Output(), ctxErr(ctx.Err())
		}
	}
}
