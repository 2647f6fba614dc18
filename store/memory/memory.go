// Package memory implements loom.SessionStore with in-process maps. Suited
// to tests and single-process experiments; nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/loomworks/loom"
)

// Store keeps every session's step log in memory. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string][]loom.Step
	seqs     map[string]int64
}

var _ loom.SessionStore = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[string][]loom.Step),
		seqs:     make(map[string]int64),
	}
}

// Init is a no-op.
func (s *Store) Init(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// NextSequence allocates the next monotonic sequence for the session.
func (s *Store) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[sessionID]++
	return s.seqs[sessionID], nil
}

// Append stores a copy of the step.
func (s *Store) Append(ctx context.Context, step *loom.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertLocked(step.Clone())
	return nil
}

// BulkInsert stores copies of all steps, advancing the sequence counter past
// the highest inserted sequence.
func (s *Store) BulkInsert(ctx context.Context, steps []loom.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range steps {
		s.insertLocked(st.Clone())
	}
	return nil
}

// insertLocked appends in sequence order and keeps the counter ahead of the
// highest stored sequence.
func (s *Store) insertLocked(st loom.Step) {
	log := append(s.sessions[st.SessionID], st)
	sort.SliceStable(log, func(i, j int) bool { return log[i].Sequence < log[j].Sequence })
	s.sessions[st.SessionID] = log
	if st.Sequence > s.seqs[st.SessionID] {
		s.seqs[st.SessionID] = st.Sequence
	}
}

// Steps returns copies of the session's steps matching the filter, ordered by
// sequence.
func (s *Store) Steps(ctx context.Context, sessionID string, f loom.StepFilter) ([]loom.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []loom.Step
	for _, st := range s.sessions[sessionID] {
		if f.Match(st) {
			out = append(out, st.Clone())
		}
	}
	return out, nil
}

// LastStep returns a copy of the highest-sequence step, or nil for an empty
// session.
func (s *Store) LastStep(ctx context.Context, sessionID string) (*loom.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.sessions[sessionID]
	if len(log) == 0 {
		return nil, nil
	}
	last := log[len(log)-1].Clone()
	return &last, nil
}

// DeleteFrom removes steps with sequence >= seq and rewinds the sequence
// counter to the kept tail, so the next allocation continues gap-free.
func (s *Store) DeleteFrom(ctx context.Context, sessionID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.sessions[sessionID]
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
	s.sessions[sessionID] = kept
	s.seqs[sessionID] = maxSeq
	return nil
}
