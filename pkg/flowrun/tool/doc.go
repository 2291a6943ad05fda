// Package tool holds the named operations that graph nodes invoke.
//
// A tool is a Func that reads the run's state and returns the keys to merge
// back into it:
//
//	reg := tool.NewRegistry()
//	reg.Register("count", func(ctx tool.Context, state map[string]any) (map[string]any, error) {
//	    n, _ := state["count"].(int)
//	    return map[string]any{"count": n + 1}, nil
//	})
//
// Tools that block on I/O or CPU work should be registered with Blocking so
// the engine runs them on its worker pool. Registration is late-bound: a graph
// may name a tool that is registered only after the graph is created, and the
// name is resolved each time the node runs.
package tool
