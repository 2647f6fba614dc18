package loom

import "context"

// StepFilter narrows a session query. Zero-value fields are ignored.
type StepFilter struct {
	RunID      string
	WorkflowID string
	NodeID     string
	BranchKey  string
}

// Match reports whether the step satisfies every set predicate.
func (f StepFilter) Match(s Step) bool {
	if f.RunID != "" && s.RunID != f.RunID {
		return false
	}
	if f.WorkflowID != "" && s.WorkflowID != f.WorkflowID {
		return false
	}
	if f.NodeID != "" && s.NodeID != f.NodeID {
		return false
	}
	if f.BranchKey != "" && s.BranchKey != f.BranchKey {
		return false
	}
	return true
}

// SessionStore persists the ordered Step log for every session. It is the
// only shared mutable state in the runtime; implementations must be safe for
// concurrent use and must allocate sequences atomically per session.
//
// The store package provides in-memory, SQLite, and PostgreSQL
// implementations.
type SessionStore interface {
	// Append durably persists one step. The caller has already assigned
	// Sequence via NextSequence.
	Append(ctx context.Context, step *Step) error
	// BulkInsert persists a batch of steps with pre-assigned sequences,
	// used by session fork.
	BulkInsert(ctx context.Context, steps []Step) error
	// Steps returns the session's steps matching the filter, ordered by
	// sequence ascending.
	Steps(ctx context.Context, sessionID string, f StepFilter) ([]Step, error)
	// LastStep returns the highest-sequence step, or nil for an empty session.
	LastStep(ctx context.Context, sessionID string) (*Step, error)
	// DeleteFrom removes all steps with sequence >= seq and rewinds the
	// session's sequence counter to the kept tail.
	DeleteFrom(ctx context.Context, sessionID string, seq int64) error
	// NextSequence atomically allocates the next monotonic sequence for the
	// session, starting at 1.
	NextSequence(ctx context.Context, sessionID string) (int64, error)
	// Init prepares backing storage (DDL for database stores).
	Init(ctx context.Context) error
	// Close releases the store's resources.
	Close() error
}

// BuildContext projects steps into provider-neutral messages, prepending the
// system prompt when non-empty. Steps must already be ordered by sequence.
// Reasoning content and metrics are runtime-internal and are not projected.
func BuildContext(steps []Step, systemPrompt string) []ModelMessage {
	msgs := make([]ModelMessage, 0, len(steps)+1)
	if systemPrompt != "" {
		msgs = append(msgs, ModelMessage{Role: RoleSystem, Content: systemPrompt})
	}
	for _, s := range steps {
		msgs = append(msgs, ModelMessage{
			Role:       s.Role,
			Content:    s.Content,
			ToolCalls:  s.ToolCalls,
			ToolCallID: s.ToolCallID,
			Name:       s.Name,
		})
	}
	return msgs
}
