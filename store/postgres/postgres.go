// Package postgres implements loom.SessionStore using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loomworks/loom"
)

// Store implements loom.SessionStore backed by PostgreSQL. Tool calls and
// metrics are stored as JSONB.
type Store struct {
	pool *pgxpool.Pool
}

var _ loom.SessionStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes. Safe to call multiple times
// (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS steps (
			session_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls JSONB,
			tool_call_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			metrics JSONB,
			parent_run_id TEXT NOT NULL DEFAULT '',
			runnable_id TEXT NOT NULL DEFAULT '',
			runnable_type TEXT NOT NULL DEFAULT '',
			workflow_id TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL DEFAULT '',
			branch_key TEXT NOT NULL DEFAULT '',
			iteration INTEGER NOT NULL DEFAULT 0,
			depth INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (session_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps (session_id, run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_workflow ON steps (session_id, workflow_id)`,
		`CREATE TABLE IF NOT EXISTS session_seq (
			session_id TEXT PRIMARY KEY,
			seq BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// NextSequence atomically allocates the next sequence for the session via a
// single upsert-returning statement.
func (s *Store) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO session_seq (session_id, seq) VALUES ($1, 1)
		 ON CONFLICT (session_id) DO UPDATE SET seq = session_seq.seq + 1
		 RETURNING seq`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres: next sequence: %w", err)
	}
	return seq, nil
}

const stepColumns = `session_id, sequence, id, run_id, role, content, tool_calls,
	tool_call_id, name, reasoning, metrics, parent_run_id, runnable_id,
	runnable_type, workflow_id, node_id, branch_key, iteration, depth, created_at`

const insertStep = `INSERT INTO steps (` + stepColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

func stepArgs(st *loom.Step) ([]any, error) {
	var toolCalls, metrics []byte
	if len(st.ToolCalls) > 0 {
		b, err := json.Marshal(st.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = b
	}
	if st.Metrics != nil {
		b, err := json.Marshal(st.Metrics)
		if err != nil {
			return nil, fmt.Errorf("marshal metrics: %w", err)
		}
		metrics = b
	}
	return []any{
		st.SessionID, st.Sequence, st.ID, st.RunID, string(st.Role), st.Content,
		toolCalls, st.ToolCallID, st.Name, st.Reasoning, metrics,
		st.ParentRunID, st.RunnableID, string(st.RunnableType), st.WorkflowID,
		st.NodeID, st.BranchKey, st.Iteration, st.Depth, st.CreatedAt,
	}, nil
}

func scanStep(row pgx.Row) (loom.Step, error) {
	var st loom.Step
	var role, runnableType string
	var toolCalls, metrics []byte
	err := row.Scan(&st.SessionID, &st.Sequence, &st.ID, &st.RunID, &role,
		&st.Content, &toolCalls, &st.ToolCallID, &st.Name, &st.Reasoning,
		&metrics, &st.ParentRunID, &st.RunnableID, &runnableType,
		&st.WorkflowID, &st.NodeID, &st.BranchKey, &st.Iteration, &st.Depth,
		&st.CreatedAt)
	if err != nil {
		return st, err
	}
	st.Role = loom.Role(role)
	st.RunnableType = loom.RunnableType(runnableType)
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &st.ToolCalls); err != nil {
			return st, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if len(metrics) > 0 {
		st.Metrics = &loom.Metrics{}
		if err := json.Unmarshal(metrics, st.Metrics); err != nil {
			return st, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	return st, nil
}

// Append persists one step.
func (s *Store) Append(ctx context.Context, step *loom.Step) error {
	args, err := stepArgs(step)
	if err != nil {
		return fmt.Errorf("postgres: append: %w", err)
	}
	if _, err := s.pool.Exec(ctx, insertStep, args...); err != nil {
		return fmt.Errorf("postgres: append: %w", err)
	}
	return nil
}

// BulkInsert persists a batch of steps in one transaction and advances the
// session's sequence counter past the highest inserted sequence.
func (s *Store) BulkInsert(ctx context.Context, steps []loom.Step) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: bulk insert: %w", err)
	}
	defer tx.Rollback(ctx)

	maxSeq := make(map[string]int64)
	for i := range steps {
		args, err := stepArgs(&steps[i])
		if err != nil {
			return fmt.Errorf("postgres: bulk insert: %w", err)
		}
		if _, err := tx.Exec(ctx, insertStep, args...); err != nil {
			return fmt.Errorf("postgres: bulk insert: %w", err)
		}
		if steps[i].Sequence > maxSeq[steps[i].SessionID] {
			maxSeq[steps[i].SessionID] = steps[i].Sequence
		}
	}
	for sid, seq := range maxSeq {
		_, err := tx.Exec(ctx,
			`INSERT INTO session_seq (session_id, seq) VALUES ($1, $2)
			 ON CONFLICT (session_id) DO UPDATE SET seq = GREATEST(session_seq.seq, EXCLUDED.seq)`,
			sid, seq)
		if err != nil {
			return fmt.Errorf("postgres: bulk insert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: bulk insert: %w", err)
	}
	return nil
}

// Steps returns the session's steps matching the filter, ordered by sequence.
func (s *Store) Steps(ctx context.Context, sessionID string, f loom.StepFilter) ([]loom.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE session_id = $1`
	args := []any{sessionID}
	n := 1
	add := func(col, val string) {
		n++
		query += fmt.Sprintf(` AND %s = $%d`, col, n)
		args = append(args, val)
	}
	if f.RunID != "" {
		add("run_id", f.RunID)
	}
	if f.WorkflowID != "" {
		add("workflow_id", f.WorkflowID)
	}
	if f.NodeID != "" {
		add("node_id", f.NodeID)
	}
	if f.BranchKey != "" {
		add("branch_key", f.BranchKey)
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: steps: %w", err)
	}
	defer rows.Close()
	var out []loom.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: steps: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: steps: %w", err)
	}
	return out, nil
}

// LastStep returns the highest-sequence step, or nil for an empty session.
func (s *Store) LastStep(ctx context.Context, sessionID string) (*loom.Step, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE session_id = $1
		 ORDER BY sequence DESC LIMIT 1`, sessionID)
	st, err := scanStep(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: last step: %w", err)
	}
	return &st, nil
}

// DeleteFrom removes steps with sequence >= seq and rewinds the session's
// sequence counter to the surviving maximum, so allocation stays gap-free.
func (s *Store) DeleteFrom(ctx context.Context, sessionID string, seq int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: delete from: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM steps WHERE session_id = $1 AND sequence >= $2`, sessionID, seq); err != nil {
		return fmt.Errorf("postgres: delete from: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO session_seq (session_id, seq)
		 VALUES ($1, (SELECT COALESCE(MAX(sequence), 0) FROM steps WHERE session_id = $1))
		 ON CONFLICT (session_id) DO UPDATE SET seq = EXCLUDED.seq`,
		sessionID)
	if err != nil {
		return fmt.Errorf("postgres: delete from: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: delete from: %w", err)
	}
	return nil
}
