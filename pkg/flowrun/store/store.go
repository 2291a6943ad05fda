// Package store persists graphs, run records and execution steps.
//
// Three backends are provided: MemoryStore for tests and single-process use,
// SQLiteStore for durable single-node deployments and RedisStore for shared
// deployments. The durable backends round-trip state through JSON, so numbers
// written as Go ints are read back as float64.
package store

import (
	"context"
	"errors"

	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
)

// Store persists everything the engine needs to answer queries about runs.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveGraph stores a graph definition, replacing any graph with the same ID.
	SaveGraph(ctx context.Context, g *model.Graph) error

	// LoadGraph returns the graph with the given ID.
	// Returns ErrNotFound if it does not exist.
	LoadGraph(ctx context.Context, id string) (*model.Graph, error)

	// CreateRun stores a new run record.
	// Returns ErrAlreadyExists if a run with the same ID exists.
	CreateRun(ctx context.Context, run *model.RunState) error

	// SaveRunState replaces the stored run record.
	SaveRunState(ctx context.Context, run *model.RunState) error

	// LoadRunState returns the run record with the given ID.
	// Returns ErrNotFound if it does not exist.
	LoadRunState(ctx context.Context, runID string) (*model.RunState, error)

	// AppendStep appends a step to its run's history.
	// The step's Sequence must equal the number of steps already stored for
	// the run, otherwise ErrSequenceGap is returned. Returns ErrNotFound if
	// the run does not exist.
	AppendStep(ctx context.Context, step model.ExecutionStep) error

	// LoadSteps returns a run's steps ordered by sequence.
	// Returns an empty slice (not an error) if the run has no steps.
	LoadSteps(ctx context.Context, runID string) ([]model.ExecutionStep, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates a graph or run doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a run ID is already taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrSequenceGap indicates a step was appended out of order.
	ErrSequenceGap = errors.New("step sequence gap")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store closed")
)
