package flowrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/flowrun/pkg/flowrun/event"
	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
	"github.com/randalmurphal/flowrun/pkg/flowrun/observability"
	"github.com/randalmurphal/flowrun/pkg/flowrun/tool"
	"github.com/randalmurphal/flowrun/pkg/flowrun/worker"
)

// Run status messages.
const (
	msgStarted   = "run started"
	msgCompleted = "run completed"
)

// execute drives one run to a terminal status.
//
// Execution flow:
//  1. Mark the run running and publish the status
//  2. Check for cancellation and the iteration ceiling
//  3. Invoke the current node's tool
//  4. Choose the next node from the outgoing edges
//  5. Record the step, persist, publish
//  6. Repeat until no edge matches or an error occurs
func (e *Engine) execute(lr *liveRun) {
	runID, graph := lr.run.RunID, lr.graph
	logger := e.cfg.logger.With("run_id", runID)

	ctx, runSpan := e.cfg.spans.StartRunSpan(context.Background(), graph.ID, runID)
	start := time.Now()
	observability.LogRunStart(logger, runID, graph.ID, graph.StartNode)

	runErr := e.loop(ctx, lr, logger)
	saved, runErr := e.finalize(ctx, lr, logger, runErr, time.Since(start))

	e.cfg.spans.EndSpanWithError(runSpan, runErr)
	e.finish(lr, saved)
	close(lr.done)
}

// loop runs steps until the run completes (nil) or fails.
func (e *Engine) loop(ctx context.Context, lr *liveRun, logger *slog.Logger) error {
	lr.update(func(r *model.RunState) {
		r.Status = model.StatusRunning
		r.Message = msgStarted
	})
	if err := e.saveRun(ctx, lr); err != nil {
		return err
	}
	e.publish(logger, event.Status(lr.snapshot()))

	ceiling := e.ceiling(lr.graph)
	for {
		// Only this goroutine writes lr.run, so it may read without the lock.
		run := lr.run
		if lr.cancel.Load() {
			return &CancellationError{NodeID: run.CurrentNode, Iteration: run.Iteration}
		}
		if run.Iteration >= ceiling {
			return &MaxIterationsError{Max: ceiling, LastNodeID: run.CurrentNode}
		}

		next, err := e.step(ctx, lr, logger)
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
	}
}

// step executes the current node, records the step and returns the next
// node ID, or "" when the run is complete.
func (e *Engine) step(ctx context.Context, lr *liveRun, logger *slog.Logger) (string, error) {
	run := lr.run
	seq := run.Iteration

	node, ok := lr.graph.Node(run.CurrentNode)
	if !ok {
		return "", fmt.Errorf("node %s missing from graph %s", run.CurrentNode, lr.graph.ID)
	}

	stepCtx, span := e.cfg.spans.StartStepSpan(ctx, node.ID, node.Tool, seq)
	input := model.CloneState(run.State)
	started := time.Now()

	state, stepErr := e.invoke(stepCtx, run.RunID, node, run.State)
	duration := time.Since(started)
	e.cfg.metrics.RecordStep(stepCtx, node.ID, duration, stepErr)

	// Routing happens before the step is recorded so that a condition
	// failure is reported on the step that produced the state.
	var next, condition string
	if stepErr == nil {
		next, condition, stepErr = e.route(lr.graph, node.ID, state)
	}
	e.cfg.spans.EndSpanWithError(span, stepErr)

	rec := model.ExecutionStep{
		RunID:       run.RunID,
		NodeID:      node.ID,
		Sequence:    seq,
		Timestamp:   time.Now().UTC(),
		DurationMs:  float64(duration) / float64(time.Millisecond),
		InputState:  input,
		OutputState: model.CloneState(state),
	}
	if stepErr != nil {
		rec.Error = stepErr.Error()
	}

	if err := e.store.AppendStep(ctx, rec); err != nil {
		return "", &StorageError{Op: "append_step", ID: run.RunID, Err: err}
	}
	lr.update(func(r *model.RunState) {
		r.State = state
		r.Iteration = seq + 1
		if stepErr == nil && next != "" {
			r.CurrentNode = next
		}
	})
	if err := e.saveRun(ctx, lr); err != nil {
		return "", err
	}
	e.publish(logger, event.Log(rec))

	if stepErr != nil {
		observability.LogStepError(logger, node.ID, seq, stepErr)
		return "", stepErr
	}
	observability.LogStepComplete(logger, node.ID, seq, rec.DurationMs)

	if next != "" {
		observability.LogTransition(logger, node.ID, next, condition)
		e.cfg.spans.AddSpanEvent(ctx, "transition",
			attribute.String("from_node", node.ID),
			attribute.String("to_node", next),
		)
	}
	return next, nil
}

// invoke runs the node's tool on a private copy of state and returns the
// merged result. On error the original state is returned unchanged.
func (e *Engine) invoke(ctx context.Context, runID string, node model.Node, state map[string]any) (map[string]any, error) {
	t, err := e.tools.Resolve(node.Tool)
	if err != nil {
		return state, &NodeError{NodeID: node.ID, Tool: node.Tool, Op: "resolve", Err: err}
	}

	work := model.CloneState(state)
	tctx := tool.NewContext(ctx,
		tool.WithLogger(e.cfg.logger),
		tool.WithRunID(runID),
		tool.WithNodeID(node.ID),
		tool.WithParams(model.CloneState(node.Params)),
	)

	var (
		out     map[string]any
		started bool
	)
	call := func() error {
		started = true
		var callErr error
		out, callErr = t.Fn(tctx, work)
		return callErr
	}

	if t.Blocking {
		err = e.cfg.pool.Do(ctx, func(context.Context) error { return call() })
	} else {
		err = callSafely(call)
	}

	var poolPanic *worker.PanicError
	var panicErr *PanicError
	switch {
	case err == nil:
	case errors.As(err, &poolPanic):
		return state, &PanicError{NodeID: node.ID, Value: poolPanic.Value, Stack: poolPanic.Stack}
	case errors.As(err, &panicErr):
		panicErr.NodeID = node.ID
		return state, panicErr
	case !started:
		return state, &NodeError{NodeID: node.ID, Tool: node.Tool, Op: "schedule", Err: err}
	default:
		return state, &NodeError{NodeID: node.ID, Tool: node.Tool, Op: "execute", Err: err}
	}

	// Tool output is shallow-merged: new keys are added, existing keys replaced.
	maps.Copy(work, out)
	return work, nil
}

// callSafely runs fn, converting a panic into *PanicError.
func callSafely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return fn()
}

// route picks the next node from the edges leaving from.
//
// Conditional edges are tried in declaration order and the first truthy one
// wins. Otherwise the first unconditional edge is taken. With neither, the
// run is complete and route returns "".
func (e *Engine) route(g *model.Graph, from string, state map[string]any) (next, condition string, err error) {
	fallback := ""
	for _, edge := range g.Outgoing(from) {
		if !edge.IsConditional() {
			if fallback == "" {
				fallback = edge.ToNode
			}
			continue
		}
		ok, evalErr := e.cfg.evaluator.Evaluate(edge.Condition, state)
		if evalErr != nil {
			return "", "", &ConditionError{FromNode: from, ToNode: edge.ToNode, Err: evalErr}
		}
		if ok {
			return edge.ToNode, edge.Condition, nil
		}
	}
	return fallback, "", nil
}

// finalize moves the run to its terminal status. A completed run whose
// final record cannot be stored fails with StorageError instead. It returns
// whether the terminal record was persisted and the run's final error.
func (e *Engine) finalize(ctx context.Context, lr *liveRun, logger *slog.Logger, runErr error, elapsed time.Duration) (bool, error) {
	runID := lr.run.RunID
	elapsedMs := float64(elapsed) / float64(time.Millisecond)

	if runErr == nil {
		done := lr.snapshot()
		done.Status = model.StatusCompleted
		done.CurrentNode = model.END
		done.Message = msgCompleted
		done.UpdatedAt = time.Now().UTC()

		if err := e.store.SaveRunState(ctx, done); err != nil {
			runErr = &StorageError{Op: "save_run", ID: runID, Err: err}
		} else {
			lr.update(func(r *model.RunState) { *r = *done })
			e.publish(logger, event.Status(done))
			e.cfg.metrics.RecordRun(ctx, string(model.StatusCompleted), elapsed)
			observability.LogRunComplete(logger, runID, elapsedMs, done.Iteration)
			return true, nil
		}
	}

	var storageErr *StorageError
	if errors.As(runErr, &storageErr) {
		observability.LogStorageError(logger, runID, storageErr.Op, storageErr.Err)
	}

	info := Describe(runErr)
	lr.update(func(r *model.RunState) {
		r.Status = model.StatusFailed
		r.Error = &info
		r.Message = info.Kind + ": " + info.Message
	})
	failed := lr.snapshot()

	saved := true
	if err := e.store.SaveRunState(ctx, failed); err != nil {
		saved = false
		observability.LogStorageError(logger, runID, "save_run", err)
	}
	e.publish(logger, event.Status(failed))
	e.cfg.metrics.RecordRun(ctx, string(model.StatusFailed), elapsed)
	observability.LogRunError(logger, runID, info.Kind, runErr, elapsedMs, failed.CurrentNode)
	return saved, runErr
}

// ceiling returns the iteration limit for runs of g.
func (e *Engine) ceiling(g *model.Graph) int {
	if g.MaxIterations > 0 {
		return g.MaxIterations
	}
	return e.cfg.maxIterations
}

// saveRun persists the live record.
func (e *Engine) saveRun(ctx context.Context, lr *liveRun) error {
	if err := e.store.SaveRunState(ctx, lr.run); err != nil {
		return &StorageError{Op: "save_run", ID: lr.run.RunID, Err: err}
	}
	return nil
}

// publish hands evt to the broadcaster without blocking.
func (e *Engine) publish(logger *slog.Logger, evt event.Event) {
	if err := e.cfg.broadcaster.Publish(evt); err != nil {
		logger.Debug("event not published", "type", string(evt.Type), "error", err)
	}
}
