package loom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// --- in-memory session store ---

// memStore is a minimal SessionStore for tests. The store/memory package has
// the exported equivalent; tests in this package need a local one to avoid an
// import cycle.
type memStore struct {
	mu    sync.Mutex
	steps map[string][]Step
	seqs  map[string]int64

	failAppend error // when set, Append returns this
}

func newMemStore() *memStore {
	return &memStore{steps: make(map[string][]Step), seqs: make(map[string]int64)}
}

func (s *memStore) Init(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }

func (s *memStore) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[sessionID]++
	return s.seqs[sessionID], nil
}

func (s *memStore) Append(ctx context.Context, step *Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend != nil {
		return s.failAppend
	}
	s.insertLocked(step.Clone())
	return nil
}

func (s *memStore) BulkInsert(ctx context.Context, steps []Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range steps {
		s.insertLocked(st.Clone())
	}
	return nil
}

func (s *memStore) insertLocked(st Step) {
	log := append(s.steps[st.SessionID], st)
	sort.SliceStable(log, func(i, j int) bool { return log[i].Sequence < log[j].Sequence })
	s.steps[st.SessionID] = log
	if st.Sequence > s.seqs[st.SessionID] {
		s.seqs[st.SessionID] = st.Sequence
	}
}

func (s *memStore) Steps(ctx context.Context, sessionID string, f StepFilter) ([]Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Step
	for _, st := range s.steps[sessionID] {
		if f.Match(st) {
			out = append(out, st.Clone())
		}
	}
	return out, nil
}

func (s *memStore) LastStep(ctx context.Context, sessionID string) (*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.steps[sessionID]
	if len(log) == 0 {
		return nil, nil
	}
	last := log[len(log)-1].Clone()
	return &last, nil
}

func (s *memStore) DeleteFrom(ctx context.Context, sessionID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.steps[sessionID]
	kept := log[:0]
	var maxSeq int64
	for _, st := range log {
		if st.Sequence < seq {
			kept = append(kept, st)
			if st.Sequence > maxSeq {
				maxSeq = st.Sequence
			}
		}
	}
	s.steps[sessionID] = kept
	s.seqs[sessionID] = maxSeq
	return nil
}

// --- scripted model ---

// scriptTurn is one scripted model call: its deltas, then EOF or an error.
type scriptTurn struct {
	deltas []ModelDelta
	err    error
}

// fakeModel pops one scriptTurn per Stream call and records every request.
type fakeModel struct {
	mu    sync.Mutex
	turns []scriptTurn
	calls []ModelRequest
}

func (m *fakeModel) Name() string { return "fake" }

func (m *fakeModel) Stream(ctx context.Context, req ModelRequest) (ModelStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if len(m.turns) == 0 {
		return nil, errors.New("fakeModel: no scripted turns left")
	}
	t := m.turns[0]
	m.turns = m.turns[1:]
	return &fakeStream{deltas: t.deltas, err: t.err}, nil
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *fakeModel) request(i int) ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

type fakeStream struct {
	deltas []ModelDelta
	err    error
	i      int
}

func (s *fakeStream) Recv() (ModelDelta, error) {
	if s.i < len(s.deltas) {
		d := s.deltas[s.i]
		s.i++
		return d, nil
	}
	if s.err != nil {
		return ModelDelta{}, s.err
	}
	return ModelDelta{}, io.EOF
}

func (s *fakeStream) Close() error { return nil }

// textTurn scripts a plain streamed answer with token usage attached to the
// last delta.
func textTurn(chunks ...string) scriptTurn {
	var t scriptTurn
	for _, c := range chunks {
		t.deltas = append(t.deltas, ModelDelta{Content: c})
	}
	t.deltas = append(t.deltas, ModelDelta{Usage: &ModelUsage{InputTokens: 10, OutputTokens: 5, Model: "fake-1"}})
	return t
}

// toolTurn scripts a single whole tool call at index 0.
func toolTurn(callID, name, args string) scriptTurn {
	return scriptTurn{deltas: []ModelDelta{
		{ToolCalls: []ToolCallPatch{{Index: 0, ID: callID, Name: name}}},
		{ToolCalls: []ToolCallPatch{{Index: 0, ArgsAppend: args}}},
		{Usage: &ModelUsage{InputTokens: 10, OutputTokens: 5, Model: "fake-1"}},
	}}
}

// errTurn scripts a stream that fails mid-flight.
func errTurn(err error) scriptTurn {
	return scriptTurn{err: err}
}

// --- tools ---

const echoSchema = `{
	"type": "object",
	"properties": {"message": {"type": "string"}},
	"required": ["message"]
}`

// echoTool returns its message argument, counting executions.
type echoTool struct {
	name  string
	count atomic.Int64
}

func (t *echoTool) Name() string {
	if t.name != "" {
		return t.name
	}
	return "echo"
}
func (t *echoTool) Description() string      { return "echoes the message back" }
func (t *echoTool) Schema() json.RawMessage  { return json.RawMessage(echoSchema) }
func (t *echoTool) executions() int64        { return t.count.Load() }

func (t *echoTool) Execute(ctx context.Context, args json.RawMessage, ec *ExecContext) (ToolResult, error) {
	t.count.Add(1)
	var in struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Content: "echo: " + in.Message}, nil
}

// failTool always returns an execution error.
type failTool struct{}

func (failTool) Name() string             { return "fail" }
func (failTool) Description() string      { return "always fails" }
func (failTool) Schema() json.RawMessage  { return nil }
func (failTool) Execute(ctx context.Context, args json.RawMessage, ec *ExecContext) (ToolResult, error) {
	return ToolResult{}, fmt.Errorf("boom")
}

// barrierTool blocks until n concurrent executions have entered, proving the
// calls overlapped.
type barrierTool struct {
	name string
	wg   *sync.WaitGroup
}

func (t *barrierTool) Name() string            { return t.name }
func (t *barrierTool) Description() string     { return "waits for peers" }
func (t *barrierTool) Schema() json.RawMessage { return nil }

func (t *barrierTool) Execute(ctx context.Context, args json.RawMessage, ec *ExecContext) (ToolResult, error) {
	t.wg.Done()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return ToolResult{Content: t.name + " passed barrier"}, nil
	case <-ctx.Done():
		return ToolResult{}, ctx.Err()
	}
}

// holdTool signals entry and then blocks until its context is cancelled.
type holdTool struct {
	name    string
	entered *sync.WaitGroup
}

func (t *holdTool) Name() string            { return t.name }
func (t *holdTool) Description() string     { return "blocks until cancelled" }
func (t *holdTool) Schema() json.RawMessage { return nil }

func (t *holdTool) Execute(ctx context.Context, args json.RawMessage, ec *ExecContext) (ToolResult, error) {
	t.entered.Done()
	<-ctx.Done()
	return ToolResult{}, ctx.Err()
}

// --- run helpers ---

// drain consumes a Stream's events and returns them with the final output.
func drain(st *Stream) ([]Event, RunOutput) {
	var evs []Event
	for ev := range st.Events() {
		evs = append(evs, ev)
	}
	return evs, st.Output()
}

// eventTypes projects the event sequence to its types.
func eventTypes(evs []Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

// stepsOf loads the full session log or fails the test.
func stepsOf(store SessionStore, sessionID string) []Step {
	steps, err := store.Steps(context.Background(), sessionID, StepFilter{})
	if err != nil {
		panic(err)
	}
	return steps
}
