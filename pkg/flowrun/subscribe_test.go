package flowrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/flowrun/pkg/flowrun/event"
	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
	"github.com/randalmurphal/flowrun/pkg/flowrun/tool"
)

// assertEventOrder checks status, logs 0..n-1, terminal status.
func assertEventOrder(t *testing.T, events []event.Event, steps int, final model.Status) {
	t.Helper()

	var logs []int
	for _, evt := range events {
		if seq, ok := evt.Sequence(); ok {
			logs = append(logs, seq)
		}
	}
	want := make([]int, steps)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, logs, "each step delivered once, in order")

	require.NotEmpty(t, events)
	assert.Equal(t, event.TypeStatus, events[0].Type)
	last := events[len(events)-1]
	assert.True(t, last.IsTerminal())
	assert.Equal(t, final, last.Status)

	terminal := 0
	for _, evt := range events {
		if evt.IsTerminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "exactly one terminal status")
}

func TestSubscribe_LiveRun(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	e, _ := newTestEngine(t, map[string]tool.Func{
		"a":    setTool("a", 1),
		"gate": gateTool(entered, release),
		"c":    setTool("c", 3),
	})
	ctx := context.Background()

	graphID, err := e.CreateGraph(ctx, linearGraph("a", "gate", "c"))
	require.NoError(t, err)
	runID, err := e.StartRun(ctx, graphID, nil)
	require.NoError(t, err)
	<-entered

	// Subscribed mid-run: step 0 is replayed, the rest arrive live.
	events, err := e.Subscribe(ctx, runID)
	require.NoError(t, err)
	close(release)

	got := collect(t, events, 5*time.Second)
	assertEventOrder(t, got, 3, model.StatusCompleted)
	assert.Equal(t, model.StatusRunning, got[0].Status)

	lastLog := got[len(got)-2]
	require.NotNil(t, lastLog.Step)
	assert.Equal(t, "n2", lastLog.NodeID)
	assert.Equal(t, 3, lastLog.Step.OutputState["c"])
}

func TestSubscribe_FailedRun(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	e, _ := newTestEngine(t, map[string]tool.Func{"gate": gateTool(entered, release)})
	ctx := context.Background()

	graphID, err := e.CreateGraph(ctx, linearGraph("gate", "unregistered"))
	require.NoError(t, err)
	runID, err := e.StartRun(ctx, graphID, nil)
	require.NoError(t, err)
	<-entered

	events, err := e.Subscribe(ctx, runID)
	require.NoError(t, err)
	close(release)

	got := collect(t, events, 5*time.Second)
	assertEventOrder(t, got, 2, model.StatusFailed)

	last := got[len(got)-1]
	require.NotNil(t, last.Error)
	assert.Equal(t, string(KindToolNotFound), last.Error.Kind)
	assert.Contains(t, last.Message, string(KindToolNotFound))
}

func TestSubscribe_FinishedRunReplays(t *testing.T) {
	e, _ := newTestEngine(t, map[string]tool.Func{
		"a": setTool("a", 1),
		"b": setTool("b", 2),
	})
	run := runGraph(t, e, linearGraph("a", "b"), nil)

	events, err := e.Subscribe(context.Background(), run.RunID)
	require.NoError(t, err)

	got := collect(t, events, 5*time.Second)
	require.Len(t, got, 3)
	assert.True(t, got[0].IsTerminal())
	assert.Equal(t, model.StatusCompleted, got[0].Status)
	for i, evt := range got[1:] {
		seq, ok := evt.Sequence()
		require.True(t, ok)
		assert.Equal(t, i, seq)
	}
}

func TestSubscribe_UnknownRun(t *testing.T) {
	e, _ := newTestEngine(t, nil)

	_, err := e.Subscribe(context.Background(), "missing")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, 0, e.Broadcaster().SubscriberCount("missing"))
}

func TestSubscribe_KeepAlive(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	e, _ := newTestEngine(t, map[string]tool.Func{"gate": gateTool(entered, release)},
		WithKeepAlive(10*time.Millisecond))
	ctx := context.Background()

	graphID, err := e.CreateGraph(ctx, linearGraph("gate"))
	require.NoError(t, err)
	runID, err := e.StartRun(ctx, graphID, nil)
	require.NoError(t, err)
	<-entered

	events, err := e.Subscribe(ctx, runID)
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, event.TypeStatus, first.Type)

	select {
	case evt := <-events:
		assert.Equal(t, event.TypeKeepAlive, evt.Type)
		assert.Equal(t, runID, evt.RunID)
	case <-time.After(2 * time.Second):
		t.Fatal("no keep-alive while idle")
	}

	close(release)
	got := collect(t, events, 5*time.Second)
	require.NotEmpty(t, got)
	assert.True(t, got[len(got)-1].IsTerminal())
}

func TestSubscribe_ContextCancelClosesStream(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	e, _ := newTestEngine(t, map[string]tool.Func{"gate": gateTool(entered, release)})
	defer close(release)

	graphID, err := e.CreateGraph(context.Background(), linearGraph("gate"))
	require.NoError(t, err)
	runID, err := e.StartRun(context.Background(), graphID, nil)
	require.NoError(t, err)
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	events, err := e.Subscribe(ctx, runID)
	require.NoError(t, err)
	cancel()

	collect(t, events, 5*time.Second)
	assert.Eventually(t, func() bool {
		return e.Broadcaster().SubscriberCount(runID) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSubscribe_SlowConsumerIsBackfilled(t *testing.T) {
	// A one-slot buffer forces the broadcaster to drop most live events.
	b := event.NewBroadcaster(event.Config{BufferSize: 1})
	defer b.Close()

	entered, release := make(chan struct{}), make(chan struct{})
	e, _ := newTestEngine(t, map[string]tool.Func{
		"gate": gateTool(entered, release),
		"inc":  incrementTool,
	}, WithBroadcaster(b), WithKeepAlive(20*time.Millisecond))
	ctx := context.Background()

	g := model.Graph{
		StartNode: "gate",
		Nodes:     []model.Node{{ID: "gate", Tool: "gate"}, {ID: "inc", Tool: "inc"}},
		Edges: []model.Edge{
			{FromNode: "gate", ToNode: "inc"},
			{FromNode: "inc", ToNode: "inc", Condition: "state['count'] < 10"},
		},
	}
	graphID, err := e.CreateGraph(ctx, g)
	require.NoError(t, err)
	runID, err := e.StartRun(ctx, graphID, map[string]any{"count": 0})
	require.NoError(t, err)
	<-entered

	events, err := e.Subscribe(ctx, runID)
	require.NoError(t, err)
	close(release)

	// Let the run finish before reading anything.
	_, err = e.Wait(ctx, runID)
	require.NoError(t, err)

	got := collect(t, events, 5*time.Second)
	var logs []event.Event
	for _, evt := range got {
		if evt.Type == event.TypeLog {
			logs = append(logs, evt)
		}
	}
	require.Len(t, logs, 11)
	assert.True(t, got[len(got)-1].IsTerminal())
	assert.Equal(t, model.StatusCompleted, got[len(got)-1].Status)
	assert.Positive(t, b.Dropped())
}
