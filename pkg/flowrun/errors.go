package flowrun

import (
	"errors"
	"fmt"

	"github.com/randalmurphal/flowrun/pkg/flowrun/expr"
	"github.com/randalmurphal/flowrun/pkg/flowrun/model"
	"github.com/randalmurphal/flowrun/pkg/flowrun/store"
	"github.com/randalmurphal/flowrun/pkg/flowrun/tool"
)

// Kind classifies an engine error for transports and run records.
type Kind string

// Error kinds.
const (
	KindInvalidGraph     Kind = "InvalidGraphError"
	KindToolNotFound     Kind = "ToolNotFoundError"
	KindToolExecution    Kind = "ToolExecutionError"
	KindConditionSyntax  Kind = "ConditionSyntaxError"
	KindUnsafeExpression Kind = "UnsafeExpressionError"
	KindMissingStateKey  Kind = "MissingStateKeyError"
	KindEvaluation       Kind = "EvaluationError"
	KindMaxIterations    Kind = "MaxIterationsExceededError"
	KindCancelled        Kind = "Cancelled"
	KindStorage          Kind = "StorageError"
	KindNotFound         Kind = "NotFound"
	KindInternal         Kind = "InternalError"
)

// Sentinel errors for the engine API.
var (
	// ErrGraphNotFound indicates no graph exists with the requested ID.
	ErrGraphNotFound = errors.New("graph not found")

	// ErrRunNotFound indicates no run exists with the requested ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrEngineClosed indicates the engine no longer accepts runs.
	ErrEngineClosed = errors.New("engine closed")
)

// Sentinel errors for execution.
var (
	// ErrMaxIterations indicates a run reached its step ceiling.
	ErrMaxIterations = errors.New("exceeded maximum iterations")

	// ErrCancelled indicates a run was stopped by Cancel or Close.
	ErrCancelled = errors.New("run cancelled")
)

// NodeError wraps an error with node context.
// It provides information about which node failed and what operation was attempted.
type NodeError struct {
	// NodeID is the identifier of the node that failed.
	NodeID string
	// Tool is the tool name bound to the node.
	Tool string
	// Op is the operation that failed ("resolve", "execute", "schedule").
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s %s: %v", e.NodeID, e.Op, e.Tool, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// PanicError captures panic information from a tool invocation.
// It includes the stack trace for debugging.
type PanicError struct {
	// NodeID is the identifier of the node whose tool panicked.
	NodeID string
	// Value is the value passed to panic().
	Value any
	// Stack is the full stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("node %s panicked: %v", e.NodeID, e.Value)
}

// ConditionError wraps an edge condition failure.
type ConditionError struct {
	// FromNode is the source node of the edge.
	FromNode string
	// ToNode is the target node of the edge.
	ToNode string
	// Err is the evaluator error (an *expr.Error).
	Err error
}

// Error implements the error interface.
func (e *ConditionError) Error() string {
	return fmt.Sprintf("edge %s -> %s: %v", e.FromNode, e.ToNode, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ConditionError) Unwrap() error {
	return e.Err
}

// MaxIterationsError provides context when the step ceiling is reached.
type MaxIterationsError struct {
	// Max is the iteration ceiling in effect for the run.
	Max int
	// LastNodeID is the node that would have executed next.
	LastNodeID string
}

// Error implements the error interface.
func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("exceeded maximum iterations (%d) at node %s", e.Max, e.LastNodeID)
}

// Unwrap returns ErrMaxIterations for errors.Is support.
func (e *MaxIterationsError) Unwrap() error {
	return ErrMaxIterations
}

// CancellationError records where a run stopped after cancellation.
type CancellationError struct {
	// NodeID is the node that was about to execute.
	NodeID string
	// Iteration is the number of steps recorded before the stop.
	Iteration int
}

// Error implements the error interface.
func (e *CancellationError) Error() string {
	return fmt.Sprintf("cancelled before node %s after %d steps", e.NodeID, e.Iteration)
}

// Unwrap returns ErrCancelled for errors.Is support.
func (e *CancellationError) Unwrap() error {
	return ErrCancelled
}

// StorageError wraps a failure of the storage collaborator.
type StorageError struct {
	// Op is the store operation that failed ("save_graph", "append_step", ...).
	Op string
	// ID is the graph or run the operation concerned.
	ID string
	// Err is the underlying store error.
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.ID, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. It returns "" for a nil error and KindInternal for
// errors it does not recognise.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var (
		storageErr *StorageError
		panicErr   *PanicError
		nodeErr    *NodeError
	)
	// Tool errors are classified before anything they might wrap.
	switch {
	case errors.As(err, &panicErr):
		return KindToolExecution
	case errors.As(err, &nodeErr):
		if nodeErr.Op == "resolve" {
			return KindToolNotFound
		}
		return KindToolExecution
	case errors.As(err, &storageErr):
		return KindStorage
	}

	switch {
	case errors.Is(err, model.ErrInvalidGraph):
		return KindInvalidGraph
	case errors.Is(err, tool.ErrToolNotFound):
		return KindToolNotFound
	case errors.Is(err, expr.ErrUnsafeExpression):
		return KindUnsafeExpression
	case errors.Is(err, expr.ErrConditionSyntax):
		return KindConditionSyntax
	case errors.Is(err, expr.ErrMissingStateKey):
		return KindMissingStateKey
	case errors.Is(err, expr.ErrEvaluation):
		return KindEvaluation
	case errors.Is(err, ErrMaxIterations):
		return KindMaxIterations
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrGraphNotFound), errors.Is(err, ErrRunNotFound), errors.Is(err, store.ErrNotFound):
		return KindNotFound
	}
	return KindInternal
}

// Describe returns the structured {kind, message} pair for err.
func Describe(err error) model.ErrorInfo {
	if err == nil {
		return model.ErrorInfo{}
	}
	return model.ErrorInfo{Kind: string(KindOf(err)), Message: err.Error()}
}
