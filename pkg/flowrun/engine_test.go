package flowrun

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
	"github.com/randalmurphal/flowrun/pkg/flowrun/store"
	"github.com/randalmurphal/flowrun/pkg/flowrun/tool"
)

func TestCreateGraph(t *testing.T) {
	e, st := newTestEngine(t, nil)
	ctx := context.Background()

	t.Run("assigns id and stores a copy", func(t *testing.T) {
		g := linearGraph("later_registered")
		g.ID = "ignored"

		id, err := e.CreateGraph(ctx, g)
		require.NoError(t, err)
		assert.NotEqual(t, "ignored", id)

		stored, err := st.LoadGraph(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, stored.ID)
		assert.Equal(t, "n0", stored.StartNode)
	})

	t.Run("rejects invalid structure", func(t *testing.T) {
		tests := []struct {
			name  string
			graph model.Graph
		}{
			{"no nodes", model.Graph{StartNode: "a"}},
			{"missing start", model.Graph{StartNode: "x", Nodes: []model.Node{{ID: "a", Tool: "t"}}}},
			{"dangling edge", model.Graph{
				StartNode: "a",
				Nodes:     []model.Node{{ID: "a", Tool: "t"}},
				Edges:     []model.Edge{{FromNode: "a", ToNode: "b"}},
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := e.CreateGraph(ctx, tt.graph)
				require.Error(t, err)
				assert.Equal(t, KindInvalidGraph, KindOf(err))
			})
		}
	})
}

func TestGetGraph_NotFound(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.GetGraph(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrGraphNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestStartRun_UnknownGraph(t *testing.T) {
	e, st := newTestEngine(t, nil)

	_, err := e.StartRun(context.Background(), "missing", nil)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, 0, st.Len())
}

func TestStartRun_InvalidStartNodeCreatesNoRun(t *testing.T) {
	e, st := newTestEngine(t, map[string]tool.Func{"t": setTool("x", 1)})
	ctx := context.Background()

	// Written directly to the store, bypassing CreateGraph validation.
	require.NoError(t, st.SaveGraph(ctx, &model.Graph{
		ID:        "bad",
		StartNode: "ghost",
		Nodes:     []model.Node{{ID: "a", Tool: "t"}},
	}))

	runID, err := e.StartRun(ctx, "bad", nil)
	require.Error(t, err)
	assert.Empty(t, runID)
	assert.Equal(t, KindInvalidGraph, KindOf(err))
	assert.Equal(t, 0, st.Len())
	assert.Equal(t, 0, e.ActiveRuns())
}

func TestStartRun_CopiesInitialState(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	e, _ := newTestEngine(t, map[string]tool.Func{"gate": gateTool(entered, release)})
	ctx := context.Background()

	graphID, err := e.CreateGraph(ctx, linearGraph("gate"))
	require.NoError(t, err)

	initial := map[string]any{"items": []any{"a"}}
	runID, err := e.StartRun(ctx, graphID, initial)
	require.NoError(t, err)
	<-entered

	initial["items"].([]any)[0] = "mutated"
	close(release)

	run, err := e.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, run.State["items"])
}

func TestGetRunState(t *testing.T) {
	e, _ := newTestEngine(t, map[string]tool.Func{
		"a": setTool("a", 1),
		"b": setTool("b", 2),
	})
	ctx := context.Background()

	run := runGraph(t, e, linearGraph("a", "b"), map[string]any{"seed": true})

	view, err := e.GetRunState(ctx, run.RunID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, view.Status)
	assert.Equal(t, model.END, view.CurrentNode)
	assert.Equal(t, 2, view.Iteration)
	assert.Nil(t, view.Logs)

	view, err = e.GetRunState(ctx, run.RunID, true)
	require.NoError(t, err)
	require.Len(t, view.Logs, 2)
	assert.Equal(t, []string{"n0", "n1"}, nodeSequence(view.Logs))

	_, err = e.GetRunState(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestGetSteps_UnknownRun(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.GetSteps(context.Background(), "missing")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestWait_ContextDone(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	e, _ := newTestEngine(t, map[string]tool.Func{"gate": gateTool(entered, release)})
	defer close(release)

	graphID, err := e.CreateGraph(context.Background(), linearGraph("gate"))
	require.NoError(t, err)
	runID, err := e.StartRun(context.Background(), graphID, nil)
	require.NoError(t, err)
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = e.Wait(ctx, runID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancel(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	var after atomic.Int32
	e, _ := newTestEngine(t, map[string]tool.Func{
		"gate": gateTool(entered, release),
		"after": func(_ tool.Context, _ map[string]any) (map[string]any, error) {
			after.Add(1)
			return nil, nil
		},
	})
	ctx := context.Background()

	graphID, err := e.CreateGraph(ctx, linearGraph("gate", "after"))
	require.NoError(t, err)
	runID, err := e.StartRun(ctx, graphID, nil)
	require.NoError(t, err)

	<-entered
	require.NoError(t, e.Cancel(ctx, runID))
	close(release)

	run, err := e.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, string(KindCancelled), run.Error.Kind)
	assert.Equal(t, "n1", run.CurrentNode)
	assert.Equal(t, 1, run.Iteration, "the running tool finishes; the next one never starts")
	assert.Equal(t, int32(0), after.Load())
	assert.True(t, run.State["gated"].(bool))

	t.Run("finished run is a no-op", func(t *testing.T) {
		assert.NoError(t, e.Cancel(ctx, runID))
	})
	t.Run("unknown run", func(t *testing.T) {
		assert.Equal(t, KindNotFound, KindOf(e.Cancel(ctx, "missing")))
	})
}

func TestClose_CancelsActiveRuns(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	e, _ := newTestEngine(t, map[string]tool.Func{
		"gate": gateTool(entered, release),
		"next": setTool("next", true),
	})
	ctx := context.Background()

	graphID, err := e.CreateGraph(ctx, linearGraph("gate", "next"))
	require.NoError(t, err)
	runID, err := e.StartRun(ctx, graphID, nil)
	require.NoError(t, err)
	<-entered

	closed := make(chan struct{})
	go func() {
		_ = e.Close()
		close(closed)
	}()

	// Close waits for the running tool.
	select {
	case <-closed:
		t.Fatal("Close returned while a tool was running")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-closed

	view, err := e.GetRunState(ctx, runID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, view.Status)
	assert.Equal(t, string(KindCancelled), view.Error.Kind)

	_, err = e.StartRun(ctx, graphID, nil)
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.NoError(t, e.Close(), "Close is idempotent")
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	e, _ := newTestEngine(t, map[string]tool.Func{"inc": incrementTool})
	ctx := context.Background()

	g := model.Graph{
		StartNode: "inc",
		Nodes:     []model.Node{{ID: "inc", Tool: "inc"}},
		Edges:     []model.Edge{{FromNode: "inc", ToNode: "inc", Condition: "state['count'] < state['target']"}},
	}
	graphID, err := e.CreateGraph(ctx, g)
	require.NoError(t, err)

	const runs = 20
	ids := make([]string, runs)
	for i := range ids {
		ids[i], err = e.StartRun(ctx, graphID, map[string]any{"count": 0, "target": i + 1})
		require.NoError(t, err)
	}

	for i, id := range ids {
		run, err := e.Wait(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, run.Status)
		assert.Equal(t, i+1, run.State["count"])
		assert.Equal(t, i+1, run.Iteration)
	}
	assert.Equal(t, 0, e.ActiveRuns())
}

func TestStorageFailure(t *testing.T) {
	t.Run("append fails the run and keeps the record", func(t *testing.T) {
		st := newFaultyStore()
		st.failAppendAt = 1
		reg := tool.NewRegistry()
		reg.Register("a", setTool("a", 1))
		reg.Register("b", setTool("b", 2))
		e := New(st, reg)
		defer e.Close()
		ctx := context.Background()

		graphID, err := e.CreateGraph(ctx, linearGraph("a", "b"))
		require.NoError(t, err)
		run, err := e.Run(ctx, graphID, nil)
		require.NoError(t, err)

		assert.Equal(t, model.StatusFailed, run.Status)
		assert.Equal(t, string(KindStorage), run.Error.Kind)
		assert.Equal(t, 1, run.Iteration, "the unrecorded step is not counted")
		assert.Equal(t, 1, run.State["a"])
		assert.NotContains(t, run.State, "b")

		steps, err := e.GetSteps(ctx, run.RunID)
		require.NoError(t, err)
		assert.Len(t, steps, 1)
	})

	t.Run("unsaved terminal record stays readable", func(t *testing.T) {
		st := newFaultyStore()
		st.failFinalSaves = true
		reg := tool.NewRegistry()
		reg.Register("a", setTool("a", 1))
		e := New(st, reg)
		defer e.Close()
		ctx := context.Background()

		graphID, err := e.CreateGraph(ctx, linearGraph("a"))
		require.NoError(t, err)
		run, err := e.Run(ctx, graphID, nil)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, run.Status)
		assert.Equal(t, string(KindStorage), run.Error.Kind)

		view, err := e.GetRunState(ctx, run.RunID, false)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, view.Status)

		stored, err := st.Store.LoadRunState(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusRunning, stored.Status)
	})
}

func TestCreateGraph_StorageError(t *testing.T) {
	st := newFaultyStore()
	require.NoError(t, st.Close())
	e := New(st, tool.NewRegistry())
	defer e.Close()

	_, err := e.CreateGraph(context.Background(), linearGraph("a"))
	require.Error(t, err)
	assert.Equal(t, KindStorage, KindOf(err))
	assert.True(t, errors.Is(err, store.ErrStoreClosed))
}

func TestNew_PanicsOnMissingCollaborators(t *testing.T) {
	assert.Panics(t, func() { New(nil, tool.NewRegistry()) })
	assert.Panics(t, func() { New(store.NewMemoryStore(), nil) })
}
