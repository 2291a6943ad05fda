package store_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
	"github.com/randalmurphal/flowrun/pkg/flowrun/store"
)

// storeFactory creates a store instance for testing.
type storeFactory func(t *testing.T) store.Store

func memoryFactory(t *testing.T) store.Store {
	return store.NewMemoryStore()
}

func sqliteFactory(t *testing.T) store.Store {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "flowrun.db"))
	require.NoError(t, err)
	return s
}

func redisFactory(t *testing.T) store.Store {
	mr := miniredis.RunT(t)
	s, err := store.NewRedisStore(context.Background(), store.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	storeContractTest(t, "Memory", memoryFactory)
	storeContractTest(t, "SQLite", sqliteFactory)
	storeContractTest(t, "Redis", redisFactory)
}

func sampleGraph(id string) *model.Graph {
	return &model.Graph{
		ID:        id,
		Name:      "review",
		StartNode: "extract",
		Nodes: []model.Node{
			{ID: "extract", Tool: "extract_functions", Params: map[string]any{"lang": "python"}},
			{ID: "check", Tool: "check_complexity"},
		},
		Edges: []model.Edge{
			{FromNode: "extract", ToNode: "check"},
			{FromNode: "check", ToNode: "extract", Condition: "state['quality_score'] < 8"},
		},
		MaxIterations: 10,
	}
}

func sampleRun(id string) *model.RunState {
	now := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
	return &model.RunState{
		RunID:       id,
		GraphID:     "g-1",
		Status:      model.StatusPending,
		State:       map[string]any{"code": "def f(): pass", "score": 1.5},
		CurrentNode: "extract",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func sampleStep(runID string, seq int) model.ExecutionStep {
	return model.ExecutionStep{
		RunID:       runID,
		NodeID:      fmt.Sprintf("node-%d", seq),
		Sequence:    seq,
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		DurationMs:  1.25,
		InputState:  map[string]any{"n": float64(seq)},
		OutputState: map[string]any{"n": float64(seq + 1), "tags": []any{"a"}},
	}
}

// storeContractTest runs contract tests against any Store implementation.
func storeContractTest(t *testing.T, name string, factory storeFactory) {
	ctx := context.Background()

	t.Run(name+"/SaveGraph_and_LoadGraph", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		g := sampleGraph("g-1")
		require.NoError(t, s.SaveGraph(ctx, g))

		loaded, err := s.LoadGraph(ctx, "g-1")
		require.NoError(t, err)
		assert.Equal(t, g.ID, loaded.ID)
		assert.Equal(t, g.Name, loaded.Name)
		assert.Equal(t, g.StartNode, loaded.StartNode)
		assert.Equal(t, g.Edges, loaded.Edges)
		assert.Equal(t, g.MaxIterations, loaded.MaxIterations)
		require.Len(t, loaded.Nodes, 2)
		assert.Equal(t, "python", loaded.Nodes[0].Params["lang"])
	})

	t.Run(name+"/SaveGraph_Overwrite", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		g := sampleGraph("g-1")
		require.NoError(t, s.SaveGraph(ctx, g))
		g.Name = "renamed"
		require.NoError(t, s.SaveGraph(ctx, g))

		loaded, err := s.LoadGraph(ctx, "g-1")
		require.NoError(t, err)
		assert.Equal(t, "renamed", loaded.Name)
	})

	t.Run(name+"/LoadGraph_NotFound", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		_, err := s.LoadGraph(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run(name+"/CreateRun_and_Load", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		run := sampleRun("run-1")
		require.NoError(t, s.CreateRun(ctx, run))

		loaded, err := s.LoadRunState(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, run.RunID, loaded.RunID)
		assert.Equal(t, run.GraphID, loaded.GraphID)
		assert.Equal(t, model.StatusPending, loaded.Status)
		assert.Equal(t, "extract", loaded.CurrentNode)
		assert.Equal(t, "def f(): pass", loaded.State["code"])
		assert.Equal(t, 1.5, loaded.State["score"])
		assert.True(t, run.CreatedAt.Equal(loaded.CreatedAt))
		assert.Nil(t, loaded.Error)
	})

	t.Run(name+"/CreateRun_AlreadyExists", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		require.NoError(t, s.CreateRun(ctx, sampleRun("run-1")))
		err := s.CreateRun(ctx, sampleRun("run-1"))
		assert.ErrorIs(t, err, store.ErrAlreadyExists)
	})

	t.Run(name+"/SaveRunState_Updates", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		run := sampleRun("run-1")
		require.NoError(t, s.CreateRun(ctx, run))

		run.Status = model.StatusFailed
		run.Iteration = 3
		run.CurrentNode = "check"
		run.Message = "ToolNotFoundError: tool not found: nope"
		run.Error = &model.ErrorInfo{Kind: "ToolNotFoundError", Message: "tool not found: nope"}
		run.State["score"] = 9.0
		run.UpdatedAt = run.UpdatedAt.Add(time.Second)
		require.NoError(t, s.SaveRunState(ctx, run))

		loaded, err := s.LoadRunState(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, loaded.Status)
		assert.Equal(t, 3, loaded.Iteration)
		assert.Equal(t, "check", loaded.CurrentNode)
		assert.Equal(t, run.Message, loaded.Message)
		require.NotNil(t, loaded.Error)
		assert.Equal(t, "ToolNotFoundError", loaded.Error.Kind)
		assert.Equal(t, 9.0, loaded.State["score"])
		assert.True(t, run.UpdatedAt.Equal(loaded.UpdatedAt))
	})

	t.Run(name+"/LoadRunState_NotFound", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		_, err := s.LoadRunState(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run(name+"/AppendStep_and_LoadSteps", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		require.NoError(t, s.CreateRun(ctx, sampleRun("run-1")))
		for i := 0; i < 3; i++ {
			require.NoError(t, s.AppendStep(ctx, sampleStep("run-1", i)))
		}

		steps, err := s.LoadSteps(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, steps, 3)
		for i, step := range steps {
			assert.Equal(t, i, step.Sequence)
			assert.Equal(t, "run-1", step.RunID)
			assert.Equal(t, fmt.Sprintf("node-%d", i), step.NodeID)
			assert.Equal(t, 1.25, step.DurationMs)
			assert.Equal(t, float64(i), step.InputState["n"])
			assert.Equal(t, []any{"a"}, step.OutputState["tags"])
		}
	})

	t.Run(name+"/AppendStep_RecordsError", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		require.NoError(t, s.CreateRun(ctx, sampleRun("run-1")))
		step := sampleStep("run-1", 0)
		step.Error = "tool not found: nope"
		require.NoError(t, s.AppendStep(ctx, step))

		steps, err := s.LoadSteps(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, "tool not found: nope", steps[0].Error)
	})

	t.Run(name+"/AppendStep_SequenceGap", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		require.NoError(t, s.CreateRun(ctx, sampleRun("run-1")))
		err := s.AppendStep(ctx, sampleStep("run-1", 1))
		assert.ErrorIs(t, err, store.ErrSequenceGap)

		require.NoError(t, s.AppendStep(ctx, sampleStep("run-1", 0)))
		err = s.AppendStep(ctx, sampleStep("run-1", 0))
		assert.ErrorIs(t, err, store.ErrSequenceGap)
	})

	t.Run(name+"/AppendStep_UnknownRun", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		err := s.AppendStep(ctx, sampleStep("missing", 0))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run(name+"/LoadSteps_Empty", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		steps, err := s.LoadSteps(ctx, "missing")
		require.NoError(t, err)
		assert.NotNil(t, steps)
		assert.Empty(t, steps)
	})

	t.Run(name+"/Runs_Isolated", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		require.NoError(t, s.CreateRun(ctx, sampleRun("run-1")))
		require.NoError(t, s.CreateRun(ctx, sampleRun("run-2")))
		require.NoError(t, s.AppendStep(ctx, sampleStep("run-1", 0)))
		require.NoError(t, s.AppendStep(ctx, sampleStep("run-2", 0)))
		require.NoError(t, s.AppendStep(ctx, sampleStep("run-2", 1)))

		steps1, err := s.LoadSteps(ctx, "run-1")
		require.NoError(t, err)
		steps2, err := s.LoadSteps(ctx, "run-2")
		require.NoError(t, err)
		assert.Len(t, steps1, 1)
		assert.Len(t, steps2, 2)
	})

	t.Run(name+"/Concurrent_Runs", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		const runs = 10
		const stepsPerRun = 5

		var wg sync.WaitGroup
		for r := 0; r < runs; r++ {
			wg.Add(1)
			go func(r int) {
				defer wg.Done()
				runID := fmt.Sprintf("run-%d", r)
				if err := s.CreateRun(ctx, sampleRun(runID)); err != nil {
					t.Errorf("create %s: %v", runID, err)
					return
				}
				for i := 0; i < stepsPerRun; i++ {
					if err := s.AppendStep(ctx, sampleStep(runID, i)); err != nil {
						t.Errorf("append %s/%d: %v", runID, i, err)
					}
				}
			}(r)
		}
		wg.Wait()

		for r := 0; r < runs; r++ {
			steps, err := s.LoadSteps(ctx, fmt.Sprintf("run-%d", r))
			require.NoError(t, err)
			assert.Len(t, steps, stepsPerRun)
		}
	})

	t.Run(name+"/Closed", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Close())
		assert.NoError(t, s.Close())

		_, err := s.LoadGraph(ctx, "g-1")
		assert.ErrorIs(t, err, store.ErrStoreClosed)
		assert.ErrorIs(t, s.SaveGraph(ctx, sampleGraph("g-1")), store.ErrStoreClosed)
		assert.ErrorIs(t, s.CreateRun(ctx, sampleRun("r")), store.ErrStoreClosed)
		assert.ErrorIs(t, s.AppendStep(ctx, sampleStep("r", 0)), store.ErrStoreClosed)
		_, err = s.LoadSteps(ctx, "r")
		assert.ErrorIs(t, err, store.ErrStoreClosed)
	})
}
