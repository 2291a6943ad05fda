package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
)

// MemoryStore keeps everything in process memory.
// Data is lost when the process exits. Values are deep-copied on the way in
// and out, so callers never share maps with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	graphs map[string]*model.Graph
	runs   map[string]*model.RunState
	steps  map[string][]model.ExecutionStep
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		graphs: make(map[string]*model.Graph),
		runs:   make(map[string]*model.RunState),
		steps:  make(map[string][]model.ExecutionStep),
	}
}

// SaveGraph implements Store.
func (m *MemoryStore) SaveGraph(_ context.Context, g *model.Graph) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.graphs[g.ID] = g.Clone()
	return nil
}

// LoadGraph implements Store.
func (m *MemoryStore) LoadGraph(_ context.Context, id string) (*model.Graph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	g, ok := m.graphs[id]
	if !ok {
		return nil, fmt.Errorf("graph %s: %w", id, ErrNotFound)
	}
	return g.Clone(), nil
}

// CreateRun implements Store.
func (m *MemoryStore) CreateRun(_ context.Context, run *model.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.runs[run.RunID]; ok {
		return fmt.Errorf("run %s: %w", run.RunID, ErrAlreadyExists)
	}
	m.runs[run.RunID] = run.Clone()
	return nil
}

// SaveRunState implements Store.
func (m *MemoryStore) SaveRunState(_ context.Context, run *model.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	m.runs[run.RunID] = run.Clone()
	return nil
}

// LoadRunState implements Store.
func (m *MemoryStore) LoadRunState(_ context.Context, runID string) (*model.RunState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run.Clone(), nil
}

// AppendStep implements Store.
func (m *MemoryStore) AppendStep(_ context.Context, step model.ExecutionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}
	if _, ok := m.runs[step.RunID]; !ok {
		return fmt.Errorf("run %s: %w", step.RunID, ErrNotFound)
	}
	if want := len(m.steps[step.RunID]); step.Sequence != want {
		return fmt.Errorf("run %s: got sequence %d, want %d: %w", step.RunID, step.Sequence, want, ErrSequenceGap)
	}
	m.steps[step.RunID] = append(m.steps[step.RunID], step.Clone())
	return nil
}

// LoadSteps implements Store.
func (m *MemoryStore) LoadSteps(_ context.Context, runID string) ([]model.ExecutionStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}
	steps := model.CloneSteps(m.steps[runID])
	if steps == nil {
		steps = []model.ExecutionStep{}
	}
	return steps, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.graphs = nil
	m.runs = nil
	m.steps = nil
	return nil
}

// Len returns the number of stored runs.
// Useful for testing.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.runs)
}
