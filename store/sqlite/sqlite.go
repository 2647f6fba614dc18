// Package sqlite implements loom.SessionStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts. If
// not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements loom.SessionStore backed by a local SQLite file. Tool
// calls and metrics are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ loom.SessionStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the steps table, the per-session sequence table, and indexes.
// Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS steps (
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_calls TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '',
			metrics TEXT,
			parent_run_id TEXT NOT NULL DEFAULT '',
			runnable_id TEXT NOT NULL DEFAULT '',
			runnable_type TEXT NOT NULL DEFAULT '',
			workflow_id TEXT NOT NULL DEFAULT '',
			node_id TEXT NOT NULL DEFAULT '',
			branch_key TEXT NOT NULL DEFAULT '',
			iteration INTEGER NOT NULL DEFAULT 0,
			depth INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(session_id, run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_workflow ON steps(session_id, workflow_id)`,
		`CREATE TABLE IF NOT EXISTS session_seq (
			session_id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL
		)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: init: %w", err)
		}
	}
	s.logger.Debug("sqlite: init done", "took", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// NextSequence atomically allocates the next sequence for the session via a
// single upsert-returning statement.
func (s *Store) NextSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO session_seq (session_id, seq) VALUES (?, 1)
		 ON CONFLICT(session_id) DO UPDATE SET seq = seq + 1
		 RETURNING seq`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlite: next sequence: %w", err)
	}
	return seq, nil
}

const stepColumns = `session_id, sequence, id, run_id, role, content, tool_calls,
	tool_call_id, name, reasoning, metrics, parent_run_id, runnable_id,
	runnable_type, workflow_id, node_id, branch_key, iteration, depth, created_at`

func stepArgs(st *loom.Step) ([]any, error) {
	var toolCalls, metrics any
	if len(st.ToolCalls) > 0 {
		b, err := json.Marshal(st.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = string(b)
	}
	if st.Metrics != nil {
		b, err := json.Marshal(st.Metrics)
		if err != nil {
			return nil, fmt.Errorf("marshal metrics: %w", err)
		}
		metrics = string(b)
	}
	return []any{
		st.SessionID, st.Sequence, st.ID, st.RunID, string(st.Role), st.Content,
		toolCalls, st.ToolCallID, st.Name, st.Reasoning, metrics,
		st.ParentRunID, st.RunnableID, string(st.RunnableType), st.WorkflowID,
		st.NodeID, st.BranchKey, st.Iteration, st.Depth, st.CreatedAt,
	}, nil
}

func scanStep(rows *sql.Rows) (loom.Step, error) {
	var st loom.Step
	var role, runnableType string
	var toolCalls, metrics sql.NullString
	err := rows.Scan(&st.SessionID, &st.Sequence, &st.ID, &st.RunID, &role,
		&st.Content, &toolCalls, &st.ToolCallID, &st.Name, &st.Reasoning,
		&metrics, &st.ParentRunID, &st.RunnableID, &runnableType,
		&st.WorkflowID, &st.NodeID, &st.BranchKey, &st.Iteration, &st.Depth,
		&st.CreatedAt)
	if err != nil {
		return st, err
	}
	st.Role = loom.Role(role)
	st.RunnableType = loom.RunnableType(runnableType)
	if toolCalls.Valid && toolCalls.String != "" {
		if err := json.Unmarshal([]byte(toolCalls.String), &st.ToolCalls); err != nil {
			return st, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if metrics.Valid && metrics.String != "" {
		st.Metrics = &loom.Metrics{}
		if err := json.Unmarshal([]byte(metrics.String), st.Metrics); err != nil {
			return st, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	return st, nil
}

const insertStep = `INSERT INTO steps (` + stepColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Append persists one step.
func (s *Store) Append(ctx context.Context, step *loom.Step) error {
	args, err := stepArgs(step)
	if err != nil {
		return fmt.Errorf("sqlite: append: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, insertStep, args...); err != nil {
		return fmt.Errorf("sqlite: append: %w", err)
	}
	s.logger.Debug("sqlite: step appended", "session_id", step.SessionID, "sequence", step.Sequence, "role", step.Role)
	return nil
}

// BulkInsert persists a batch of steps in one transaction and advances the
// session's sequence counter past the highest inserted sequence.
func (s *Store) BulkInsert(ctx context.Context, steps []loom.Step) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: bulk insert: %w", err)
	}
	defer tx.Rollback()

	maxSeq := make(map[string]int64)
	for i := range steps {
		args, err := stepArgs(&steps[i])
		if err != nil {
			return fmt.Errorf("sqlite: bulk insert: %w", err)
		}
		if _, err := tx.ExecContext(ctx, insertStep, args...); err != nil {
			return fmt.Errorf("sqlite: bulk insert: %w", err)
		}
		if steps[i].Sequence > maxSeq[steps[i].SessionID] {
			maxSeq[steps[i].SessionID] = steps[i].Sequence
		}
	}
	for sid, seq := range maxSeq {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_seq (session_id, seq) VALUES (?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET seq = MAX(seq, excluded.seq)`,
			sid, seq)
		if err != nil {
			return fmt.Errorf("sqlite: bulk insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: bulk insert: %w", err)
	}
	s.logger.Debug("sqlite: bulk insert done", "count", len(steps))
	return nil
}

// Steps returns the session's steps matching the filter, ordered by sequence.
func (s *Store) Steps(ctx context.Context, sessionID string, f loom.StepFilter) ([]loom.Step, error) {
	query := `SELECT ` + stepColumns + ` FROM steps WHERE session_id = ?`
	args := []any{sessionID}
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.NodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, f.NodeID)
	}
	if f.BranchKey != "" {
		query += ` AND branch_key = ?`
		args = append(args, f.BranchKey)
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: steps: %w", err)
	}
	defer rows.Close()
	var out []loom.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: steps: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: steps: %w", err)
	}
	return out, nil
}

// LastStep returns the highest-sequence step, or nil for an empty session.
func (s *Store) LastStep(ctx context.Context, sessionID string) (*loom.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE session_id = ?
		 ORDER BY sequence DESC LIMIT 1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: last step: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	st, err := scanStep(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: last step: %w", err)
	}
	return &st, nil
}

// DeleteFrom removes steps with sequence >= seq and rewinds the session's
// sequence counter to the surviving maximum, so allocation stays gap-free.
func (s *Store) DeleteFrom(ctx context.Context, sessionID string, seq int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: delete from: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM steps WHERE session_id = ? AND sequence >= ?`, sessionID, seq)
	if err != nil {
		return fmt.Errorf("sqlite: delete from: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_seq (session_id, seq)
		 VALUES (?, (SELECT COALESCE(MAX(sequence), 0) FROM steps WHERE session_id = ?))
		 ON CONFLICT(session_id) DO UPDATE SET seq = excluded.seq`,
		sessionID, sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: delete from: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: delete from: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.logger.Debug("sqlite: steps deleted", "session_id", sessionID, "from_seq", seq, "rows", n)
	}
	return nil
}
