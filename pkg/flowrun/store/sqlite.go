package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS graphs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	definition TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	graph_id TEXT NOT NULL,
	status TEXT NOT NULL,
	current_node TEXT NOT NULL,
	iteration INTEGER NOT NULL,
	state TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	error_kind TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS steps (
	run_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	node_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	duration_ms REAL NOT NULL,
	input_state TEXT NOT NULL,
	output_state TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_runs_graph_id ON runs(graph_id);
`

// SQLiteStore persists graphs, runs and steps to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) a SQLite database.
// The path should be a file path (e.g., "./flowrun.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveGraph implements Store.
func (s *SQLiteStore) SaveGraph(ctx context.Context, g *model.Graph) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	def, err := encode(g)
	if err != nil {
		return fmt.Errorf("encode graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graphs (id, name, definition, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			definition = excluded.definition
	`, g.ID, g.Name, def, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save graph: %w", err)
	}
	return nil
}

// LoadGraph implements Store.
func (s *SQLiteStore) LoadGraph(ctx context.Context, id string) (*model.Graph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var def string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM graphs WHERE id = ?`, id).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("graph %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load graph: %w", err)
	}

	var g model.Graph
	if err := decode(def, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	return &g, nil
}

// CreateRun implements Store.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ?`, run.RunID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("run %s: %w", run.RunID, ErrAlreadyExists)
	}
	return s.upsertRun(ctx, run)
}

// SaveRunState implements Store.
func (s *SQLiteStore) SaveRunState(ctx context.Context, run *model.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.upsertRun(ctx, run)
}

// upsertRun writes a run row. Caller must hold s.mu.
func (s *SQLiteStore) upsertRun(ctx context.Context, run *model.RunState) error {
	state, err := encode(run.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	var errKind, errMsg string
	if run.Error != nil {
		errKind, errMsg = run.Error.Kind, run.Error.Message
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, graph_id, status, current_node, iteration, state,
			message, error_kind, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			current_node = excluded.current_node,
			iteration = excluded.iteration,
			state = excluded.state,
			message = excluded.message,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at
	`, run.RunID, run.GraphID, string(run.Status), run.CurrentNode, run.Iteration, state,
		run.Message, errKind, errMsg, formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// LoadRunState implements Store.
func (s *SQLiteStore) LoadRunState(ctx context.Context, runID string) (*model.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var (
		run                  model.RunState
		status, state        string
		errKind, errMsg      string
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, graph_id, status, current_node, iteration, state,
			message, error_kind, error_message, created_at, updated_at
		FROM runs WHERE run_id = ?
	`, runID).Scan(&run.RunID, &run.GraphID, &status, &run.CurrentNode, &run.Iteration, &state,
		&run.Message, &errKind, &errMsg, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	run.Status = model.Status(status)
	if err := decode(state, &run.State); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if errKind != "" || errMsg != "" {
		run.Error = &model.ErrorInfo{Kind: errKind, Message: errMsg}
	}
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return &run, nil
}

// AppendStep implements Store.
func (s *SQLiteStore) AppendStep(ctx context.Context, step model.ExecutionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	input, err := encode(step.InputState)
	if err != nil {
		return fmt.Errorf("encode input state: %w", err)
	}
	output, err := encode(step.OutputState)
	if err != nil {
		return fmt.Errorf("encode output state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var runs, count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ?`, step.RunID).Scan(&runs); err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if runs == 0 {
		return fmt.Errorf("run %s: %w", step.RunID, ErrNotFound)
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE run_id = ?`, step.RunID).Scan(&count); err != nil {
		return fmt.Errorf("count steps: %w", err)
	}
	if step.Sequence != count {
		return fmt.Errorf("run %s: got sequence %d, want %d: %w", step.RunID, step.Sequence, count, ErrSequenceGap)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO steps (run_id, sequence, node_id, timestamp, duration_ms,
			input_state, output_state, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, step.RunID, step.Sequence, step.NodeID, formatTime(step.Timestamp), step.DurationMs,
		input, output, step.Error)
	if err != nil {
		return fmt.Errorf("insert step: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step: %w", err)
	}
	return nil
}

// LoadSteps implements Store.
func (s *SQLiteStore) LoadSteps(ctx context.Context, runID string) ([]model.ExecutionStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, node_id, timestamp, duration_ms, input_state, output_state, error
		FROM steps
		WHERE run_id = ?
		ORDER BY sequence
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	steps := []model.ExecutionStep{}
	for rows.Next() {
		step := model.ExecutionStep{RunID: runID}
		var ts, input, output string
		if err := rows.Scan(&step.Sequence, &step.NodeID, &ts, &step.DurationMs, &input, &output, &step.Error); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Timestamp = parseTime(ts)
		if err := decode(input, &step.InputState); err != nil {
			return nil, fmt.Errorf("decode input state: %w", err)
		}
		if err := decode(output, &step.OutputState); err != nil {
			return nil, fmt.Errorf("decode output state: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}
