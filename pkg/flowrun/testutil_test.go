package flowrun

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowrun/pkg/flowrun/event"
	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
	"github.com/randalmurphal/flowrun/pkg/flowrun/store"
	"github.com/randalmurphal/flowrun/pkg/flowrun/tool"
)

// Helper tools

// setTool returns a tool that writes value under key.
func setTool(key string, value any) tool.Func {
	return func(_ tool.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{key: value}, nil
	}
}

// incrementTool increments state["count"].
func incrementTool(_ tool.Context, state map[string]any) (map[string]any, error) {
	n, _ := state["count"].(int)
	return map[string]any{"count": n + 1}, nil
}

// failingTool returns err.
func failingTool(err error) tool.Func {
	return func(_ tool.Context, _ map[string]any) (map[string]any, error) {
		return nil, err
	}
}

// panicTool panics with value.
func panicTool(value any) tool.Func {
	return func(_ tool.Context, _ map[string]any) (map[string]any, error) {
		panic(value)
	}
}

// gateTool blocks until release is closed.
func gateTool(entered chan<- struct{}, release <-chan struct{}) tool.Func {
	var once sync.Once
	return func(_ tool.Context, _ map[string]any) (map[string]any, error) {
		once.Do(func() { close(entered) })
		<-release
		return map[string]any{"gated": true}, nil
	}
}

// Helper graphs

// linearGraph chains one node per tool name: n0 -> n1 -> ...
func linearGraph(tools ...string) model.Graph {
	g := model.Graph{StartNode: "n0"}
	for i, name := range tools {
		id := nodeName(i)
		g.Nodes = append(g.Nodes, model.Node{ID: id, Tool: name})
		if i > 0 {
			g.Edges = append(g.Edges, model.Edge{FromNode: nodeName(i - 1), ToNode: id})
		}
	}
	return g
}

func nodeName(i int) string {
	return "n" + string(rune('0'+i))
}

// newTestEngine creates an engine over a memory store with the given tools.
func newTestEngine(t *testing.T, tools map[string]tool.Func, opts ...Option) (*Engine, *store.MemoryStore) {
	t.Helper()
	reg := tool.NewRegistry()
	for name, fn := range tools {
		reg.Register(name, fn)
	}
	st := store.NewMemoryStore()
	e := New(st, reg, opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e, st
}

// runGraph creates g and runs it to completion.
func runGraph(t *testing.T, e *Engine, g model.Graph, initial map[string]any) *model.RunState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	graphID, err := e.CreateGraph(ctx, g)
	require.NoError(t, err)
	run, err := e.Run(ctx, graphID, initial)
	require.NoError(t, err)
	return run
}

// collect reads events until the channel closes or the timeout elapses.
func collect(t *testing.T, ch <-chan event.Event, timeout time.Duration) []event.Event {
	t.Helper()
	var events []event.Event
	deadline := time.After(timeout)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, evt)
		case <-deadline:
			t.Fatalf("event stream did not close within %v; got %d events", timeout, len(events))
			return events
		}
	}
}

// nodeSequence returns the node IDs of steps in order.
func nodeSequence(steps []model.ExecutionStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.NodeID
	}
	return out
}

var errStoreDown = errors.New("store down")

// faultyStore fails selected operations.
type faultyStore struct {
	store.Store

	mu             sync.Mutex
	failAppendAt   int // fail AppendStep for this sequence; -1 never
	failSaves      bool
	failFinalSaves bool
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: store.NewMemoryStore(), failAppendAt: -1}
}

func (f *faultyStore) AppendStep(ctx context.Context, step model.ExecutionStep) error {
	f.mu.Lock()
	fail := f.failAppendAt >= 0 && step.Sequence == f.failAppendAt
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.Store.AppendStep(ctx, step)
}

func (f *faultyStore) SaveRunState(ctx context.Context, run *model.RunState) error {
	f.mu.Lock()
	fail := f.failSaves || (f.failFinalSaves && run.Status.IsTerminal())
	f.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return f.Store.SaveRunState(ctx, run)
}
