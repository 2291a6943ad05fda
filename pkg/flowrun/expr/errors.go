package expr

import (
	"errors"
	"fmt"
)

// Sentinel errors for condition evaluation.
var (
	// ErrConditionSyntax indicates the condition text could not be parsed.
	ErrConditionSyntax = errors.New("condition syntax error")

	// ErrUnsafeExpression indicates the condition referenced a name, attribute
	// or call outside the allowed closure.
	ErrUnsafeExpression = errors.New("unsafe expression")

	// ErrMissingStateKey indicates an explicit subscript named an absent key.
	ErrMissingStateKey = errors.New("missing state key")

	// ErrEvaluation indicates a runtime type error while evaluating.
	ErrEvaluation = errors.New("evaluation error")
)

// Error describes a failure at a position in a condition.
type Error struct {
	// Kind is one of the package sentinel errors.
	Kind error
	// Expr is the condition text.
	Expr string
	// Pos is the byte offset where the problem was detected.
	Pos int
	// Msg describes the problem.
	Msg string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%v: %s at offset %d in %q", e.Kind, e.Msg, e.Pos, e.Expr)
}

// Unwrap returns the sentinel kind for errors.Is support.
func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, src string, pos int, format string, args ...any) *Error {
	return &Error{Kind: kind, Expr: src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}
