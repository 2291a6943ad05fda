package tool

import (
	"context"
	"log/slog"
)

// Context is what a tool sees while it runs.
// It extends context.Context with the run's identity and the node's params.
//
// Context is immutable after creation. The engine derives a new one for
// every step.
type Context interface {
	context.Context

	// Logger returns a logger enriched with run_id and node_id.
	// Never returns nil.
	Logger() *slog.Logger

	// RunID returns the identifier of the run invoking the tool.
	RunID() string

	// NodeID returns the node being executed.
	NodeID() string

	// Params returns the node's static params. Tools must treat the map as
	// read-only; it may be nil.
	Params() map[string]any
}

type callContext struct {
	context.Context

	logger *slog.Logger
	runID  string
	nodeID string
	params map[string]any
}

func (c *callContext) Logger() *slog.Logger   { return c.logger }
func (c *callContext) RunID() string          { return c.runID }
func (c *callContext) NodeID() string         { return c.nodeID }
func (c *callContext) Params() map[string]any { return c.params }

// ContextOption configures a Context.
type ContextOption func(*callContext)

// WithLogger sets the base logger. It is enriched with run_id and node_id.
func WithLogger(logger *slog.Logger) ContextOption {
	return func(c *callContext) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRunID sets the run identifier.
func WithRunID(id string) ContextOption {
	return func(c *callContext) {
		c.runID = id
	}
}

// WithNodeID sets the node identifier.
func WithNodeID(id string) ContextOption {
	return func(c *callContext) {
		c.nodeID = id
	}
}

// WithParams sets the node params.
func WithParams(params map[string]any) ContextOption {
	return func(c *callContext) {
		c.params = params
	}
}

// NewContext creates a tool call context from a standard context.
//
// Example:
//
//	tctx := tool.NewContext(ctx,
//	    tool.WithRunID("run-123"),
//	    tool.WithNodeID("extract"))
func NewContext(ctx context.Context, opts ...ContextOption) Context {
	c := &callContext{
		Context: ctx,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("run_id", c.runID, "node_id", c.nodeID)
	return c
}
