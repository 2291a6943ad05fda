/*
Package flowrun executes user-defined workflow graphs.

# Overview

A graph is a set of named nodes, each bound to a registered tool, connected
by edges that may carry a condition. The engine walks a graph from its
start node: it invokes each node's tool on a shared state map, merges the
tool's output back into the state, evaluates the outgoing edges to pick the
next node, and records every step. A run ends when no edge matches
(completed) or when anything goes wrong (failed).

# Basic Usage

Register tools, create a graph, run it:

	reg := tool.NewRegistry()
	reg.Register("count", func(ctx tool.Context, state map[string]any) (map[string]any, error) {
	    n, _ := state["n"].(int)
	    return map[string]any{"n": n + 1}, nil
	})

	engine := flowrun.New(store.NewMemoryStore(), reg)
	defer engine.Close()

	graphID, err := engine.CreateGraph(ctx, model.Graph{
	    StartNode: "count",
	    Nodes:     []model.Node{{ID: "count", Tool: "count"}},
	    Edges: []model.Edge{
	        {FromNode: "count", ToNode: "count", Condition: "state['n'] < 3"},
	    },
	})
	if err != nil {
	    log.Fatal(err)
	}

	run, err := engine.Run(ctx, graphID, map[string]any{"n": 0})
	if err != nil {
	    log.Fatal(err)
	}
	fmt.Println(run.Status, run.State["n"]) // completed 3

StartRun returns as soon as the run record exists; Wait, GetRunState and
Subscribe observe it afterwards.

# Edge Selection

From the current node, conditional edges are evaluated in declaration order
and the first truthy one is taken. If none matches, the first unconditional
edge is taken. If there is none either, the run completes and its current
node becomes model.END.

Conditions are expressions over the state map, for example
"state['quality_score'] < 5 and len(state['issues']) > 0". See package expr
for the grammar.

# State

Each tool receives a private copy of the state. Its returned map is merged
over that copy: new keys are added and existing keys replaced. Every step
records deep snapshots of the state before and after the tool ran.

# Safety

Every run is bounded by an iteration ceiling counted across the whole run:
the graph's MaxIterations if set, otherwise WithMaxIterations (default 100).
Reaching it fails the run with MaxIterationsExceededError.

Tools that block (file or network I/O, heavy CPU) should be registered with
tool.Blocking(); they run on a bounded worker pool. A panicking tool fails
its run with ToolExecutionError and does not affect other runs.

# Errors

Failed runs carry a model.ErrorInfo {kind, message}. Use KindOf and
Describe to classify errors returned by the API:

	if _, err := engine.StartRun(ctx, id, nil); err != nil {
	    switch flowrun.KindOf(err) {
	    case flowrun.KindNotFound:
	        // unknown graph
	    case flowrun.KindInvalidGraph:
	        // start node missing
	    }
	}

# Cancellation

Cancel marks a run for stopping. The flag is checked between steps, so a
running tool always finishes; the run then fails with kind Cancelled.
Close cancels every active run and waits for them.

# Events

Subscribe delivers status and log events for one run. Publishing never
blocks the run: a subscriber that falls behind has missing steps filled in
from the store.
*/
package flowrun
