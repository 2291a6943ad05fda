package flowrun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/flowrun/pkg/flowrun/event"
	"github.com/randalmurphal/flowrun/pkg/flowrun/expr"
	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
	"github.com/randalmurphal/flowrun/pkg/flowrun/observability"
	"github.com/randalmurphal/flowrun/pkg/flowrun/store"
	"github.com/randalmurphal/flowrun/pkg/flowrun/tool"
	"github.com/randalmurphal/flowrun/pkg/flowrun/worker"
)

// Engine executes graphs.
//
// Each run is driven by its own goroutine, which is the only writer of the
// run's record. Everything else (GetRunState, Wait, Subscribe) reads deep
// copies. An Engine is safe for concurrent use.
type Engine struct {
	store store.Store
	tools *tool.Registry
	cfg   engineConfig

	ownsPool        bool
	ownsBroadcaster bool

	mu   sync.RWMutex
	runs map[string]*liveRun
	// unsaved holds finished runs whose terminal record could not be
	// persisted, so readers still see how they ended.
	unsaved map[string]*liveRun
	closed  bool
	wg      sync.WaitGroup
}

// liveRun is the in-memory record of an active run.
type liveRun struct {
	graph *model.Graph

	mu  sync.RWMutex
	run *model.RunState

	cancel atomic.Bool
	done   chan struct{}
}

// snapshot returns a deep copy of the run record.
func (lr *liveRun) snapshot() *model.RunState {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return lr.run.Clone()
}

// update applies fn to the record under the write lock.
func (lr *liveRun) update(fn func(r *model.RunState)) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	fn(lr.run)
	lr.run.UpdatedAt = time.Now().UTC()
}

// RunView is the read model returned by GetRunState.
type RunView struct {
	model.RunState
	Logs []model.ExecutionStep `json:"logs,omitempty"`
}

// New creates an engine backed by st that resolves tools from tools.
//
// Example:
//
//	reg := tool.NewRegistry()
//	codereview.Register(reg)
//	engine := flowrun.New(store.NewMemoryStore(), reg,
//	    flowrun.WithLogger(logger),
//	    flowrun.WithMaxIterations(50))
//	defer engine.Close()
func New(st store.Store, tools *tool.Registry, opts ...Option) *Engine {
	if st == nil {
		panic("flowrun: store cannot be nil")
	}
	if tools == nil {
		panic("flowrun: tool registry cannot be nil")
	}

	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		store:   st,
		tools:   tools,
		runs:    make(map[string]*liveRun),
		unsaved: make(map[string]*liveRun),
	}

	if cfg.pool == nil {
		cfg.pool = worker.NewPool(worker.DefaultSize)
		e.ownsPool = true
	}
	if cfg.evaluator == nil {
		cfg.evaluator = expr.New()
	}
	if cfg.broadcaster == nil {
		logger, metrics := cfg.logger, cfg.metrics
		cfg.broadcaster = event.NewBroadcaster(event.Config{
			BufferSize: cfg.eventBuffer,
			OnDrop:     func(evt event.Event, subscriberID string) {
				observability.LogEventDropped(logger, evt.RunID, string(evt.Type), subscriberID)
				metrics.RecordEventDropped(context.Background(), string(evt.Type))
			},
		})
		e.ownsBroadcaster = true
	}
	e.cfg = cfg
	return e
}

// Broadcaster returns the broadcaster the engine publishes to.
func (e *Engine) Broadcaster() *event.Broadcaster {
	return e.cfg.broadcaster
}

// Tools returns the engine's tool registry.
func (e *Engine) Tools() *tool.Registry {
	return e.tools
}

// CreateGraph validates g, assigns it a fresh ID and stores it.
// Tools named by nodes need not be registered yet; they are resolved when
// the node runs.
func (e *Engine) CreateGraph(ctx context.Context, g model.Graph) (string, error) {
	if err := g.Validate(); err != nil {
		return "", err
	}

	stored := g.Clone()
	stored.ID = e.cfg.newID()
	if err := e.store.SaveGraph(ctx, stored); err != nil {
		return "", &StorageError{Op: "save_graph", ID: stored.ID, Err: err}
	}

	e.cfg.logger.Info("graph created",
		"graph_id", stored.ID,
		"nodes", len(stored.Nodes),
		"edges", len(stored.Edges),
	)
	e.checkConditions(stored)
	return stored.ID, nil
}

// checkConditions warns about edge conditions that will fail when evaluated.
// The graph is still accepted: the error belongs to the run that reaches the
// edge.
func (e *Engine) checkConditions(g *model.Graph) {
	for _, edge := range g.Edges {
		if !edge.IsConditional() {
			continue
		}
		if err := e.cfg.evaluator.Check(edge.Condition); err != nil {
			e.cfg.logger.Warn("edge condition will not evaluate",
				"graph_id", g.ID,
				"from_node", edge.FromNode,
				"to_node", edge.ToNode,
				"condition", edge.Condition,
				"error", err,
			)
		}
	}
}

// GetGraph returns the stored graph definition.
func (e *Engine) GetGraph(ctx context.Context, graphID string) (*model.Graph, error) {
	g, err := e.store.LoadGraph(ctx, graphID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
		}
		return nil, &StorageError{Op: "load_graph", ID: graphID, Err: err}
	}
	return g, nil
}

// StartRun creates a run of graphID seeded with initial and starts executing
// it in the background. It returns once the run record exists.
//
// If the graph's start node is missing, no run is created.
func (e *Engine) StartRun(ctx context.Context, graphID string, initial map[string]any) (string, error) {
	g, err := e.GetGraph(ctx, graphID)
	if err != nil {
		return "", err
	}
	if err := g.ValidateStart(); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	state := model.CloneState(initial)
	if state == nil {
		state = make(map[string]any)
	}
	run := &model.RunState{
		RunID:       e.cfg.newID(),
		GraphID:     g.ID,
		Status:      model.StatusPending,
		State:       state,
		CurrentNode: g.StartNode,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if e.isClosed() {
		return "", ErrEngineClosed
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", &StorageError{Op: "create_run", ID: run.RunID, Err: err}
	}

	lr := &liveRun{graph: g, run: run.Clone(), done: make(chan struct{})}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		// Closed while the record was being created: leave no pending run behind.
		lr.cancel.Store(true)
		e.execute(lr)
		return "", ErrEngineClosed
	}
	e.runs[run.RunID] = lr
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.execute(lr)
	}()
	return run.RunID, nil
}

// Run starts a run and waits for it to finish.
// The returned error is non-nil only if the run could not be started or
// ctx ended first; a failed run is reported through its Status and Error.
func (e *Engine) Run(ctx context.Context, graphID string, initial map[string]any) (*model.RunState, error) {
	runID, err := e.StartRun(ctx, graphID, initial)
	if err != nil {
		return nil, err
	}
	return e.Wait(ctx, runID)
}

// Wait blocks until the run reaches a terminal status or ctx is done.
// For a run that is not active in this engine, the stored record is
// returned immediately.
func (e *Engine) Wait(ctx context.Context, runID string) (*model.RunState, error) {
	lr := e.live(runID)
	if lr == nil {
		return e.loadRun(ctx, runID)
	}
	select {
	case <-lr.done:
		return lr.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel asks a run to stop. The request is honoured at the next step
// boundary; a running tool is never interrupted. The run then fails with
// kind Cancelled. Cancelling a finished run is a no-op.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	if lr := e.live(runID); lr != nil {
		lr.cancel.Store(true)
		e.cfg.logger.Info("run cancellation requested", "run_id", runID)
		return nil
	}
	_, err := e.loadRun(ctx, runID)
	return err
}

// GetRunState returns a copy of the run record, with its steps when
// includeLogs is set.
func (e *Engine) GetRunState(ctx context.Context, runID string, includeLogs bool) (*RunView, error) {
	run, err := e.currentRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	view := &RunView{RunState: *run}
	if includeLogs {
		if view.Logs, err = e.GetSteps(ctx, runID); err != nil {
			return nil, err
		}
	}
	return view, nil
}

// GetSteps returns the recorded steps of a run in sequence order.
func (e *Engine) GetSteps(ctx context.Context, runID string) ([]model.ExecutionStep, error) {
	steps, err := e.store.LoadSteps(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, &StorageError{Op: "load_steps", ID: runID, Err: err}
	}
	if e.live(runID) == nil {
		// Confirm the run exists; stores may return an empty list for unknown IDs.
		if _, err := e.loadRun(ctx, runID); err != nil {
			return nil, err
		}
	}
	return steps, nil
}

// ActiveRuns returns the number of runs currently executing.
func (e *Engine) ActiveRuns() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.runs)
}

// Close stops accepting runs, asks active runs to stop and waits for their
// goroutines to exit. Resources the engine created itself are released;
// the store is left open for the caller to close.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, lr := range e.runs {
		lr.cancel.Store(true)
	}
	e.mu.Unlock()

	e.wg.Wait()

	if e.ownsPool {
		e.cfg.pool.Close()
	}
	if e.ownsBroadcaster {
		return e.cfg.broadcaster.Close()
	}
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// live returns the in-memory record of a run, or nil if the store is
// authoritative for it.
func (e *Engine) live(runID string) *liveRun {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if lr, ok := e.runs[runID]; ok {
		return lr
	}
	return e.unsaved[runID]
}

// finish removes lr from the active set once its goroutine is done.
func (e *Engine) finish(lr *liveRun, saved bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	runID := lr.run.RunID
	delete(e.runs, runID)
	if !saved {
		e.unsaved[runID] = lr
	}
}

// currentRun returns a copy of the live record if the run is active, or
// the stored record otherwise.
func (e *Engine) currentRun(ctx context.Context, runID string) (*model.RunState, error) {
	if lr := e.live(runID); lr != nil {
		return lr.snapshot(), nil
	}
	return e.loadRun(ctx, runID)
}

func (e *Engine) loadRun(ctx context.Context, runID string) (*model.RunState, error) {
	run, err := e.store.LoadRunState(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, &StorageError{Op: "load_run", ID: runID, Err: err}
	}
	return run, nil
}
