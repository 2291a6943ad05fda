package expr

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultMaxLength is the longest condition accepted by default.
const DefaultMaxLength = 4096

// Evaluator evaluates edge conditions. Parsed conditions are cached, so one
// Evaluator should be shared by everything evaluating the same graphs.
// It is safe for concurrent use.
type Evaluator struct {
	maxLength int
	noCache   bool

	mu    sync.RWMutex
	cache map[string]node
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithMaxLength limits the length of accepted conditions.
// Longer conditions fail with ErrConditionSyntax.
func WithMaxLength(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.maxLength = n
		}
	}
}

// WithoutCache disables caching of parsed conditions.
func WithoutCache() Option {
	return func(e *Evaluator) {
		e.noCache = true
	}
}

// New creates a new Evaluator with the given options.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		maxLength: DefaultMaxLength,
		cache:     make(map[string]node),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Eval is a convenience function that evaluates a condition with a fresh
// default evaluator.
func Eval(condition string, state map[string]any) (bool, error) {
	return New(WithoutCache()).Evaluate(condition, state)
}

// Check parses a condition without evaluating it. It reports the same
// syntax and unsafe-name errors Evaluate would.
func (e *Evaluator) Check(condition string) error {
	_, err := e.compile(condition)
	return err
}

// Evaluate evaluates condition against state and reduces the result to a
// boolean. The state map is never modified.
func (e *Evaluator) Evaluate(condition string, state map[string]any) (bool, error) {
	v, err := e.Value(condition, state)
	if err != nil {
		return false, err
	}
	return IsTruthy(v), nil
}

// Value evaluates condition and returns the raw result.
func (e *Evaluator) Value(condition string, state map[string]any) (any, error) {
	n, err := e.compile(condition)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = map[string]any{}
	}
	in := &interp{src: condition, state: state}
	return in.eval(n)
}

func (e *Evaluator) compile(condition string) (node, error) {
	if len(condition) > e.maxLength {
		head := condition
		if len(head) > 32 {
			head = head[:32] + "..."
		}
		return nil, newError(ErrConditionSyntax, head, e.maxLength, "condition longer than %d bytes", e.maxLength)
	}

	if !e.noCache {
		e.mu.RLock()
		n, ok := e.cache[condition]
		e.mu.RUnlock()
		if ok {
			return n, nil
		}
	}

	n, err := parse(condition)
	if err != nil {
		return nil, err
	}

	if !e.noCache {
		e.mu.Lock()
		e.cache[condition] = n
		e.mu.Unlock()
	}
	return n, nil
}

// interp walks a syntax tree against one state map.
type interp struct {
	src   string
	state map[string]any
}

func (in *interp) fail(kind error, n node, format string, args ...any) error {
	return newError(kind, in.src, n.position(), format, args...)
}

func (in *interp) eval(n node) (any, error) {
	switch n := n.(type) {
	case *literalNode:
		return n.val, nil

	case *stateNode:
		return in.state, nil

	case *funcNode:
		return nil, in.fail(ErrEvaluation, n, "function %s used as a value", n.name)

	case *listNode:
		out := make([]any, len(n.elems))
		for i, el := range n.elems {
			v, err := in.eval(el)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case *notNode:
		v, err := in.eval(n.x)
		if err != nil {
			return nil, err
		}
		return !IsTruthy(v), nil

	case *logicalNode:
		l, err := in.eval(n.l)
		if err != nil {
			return nil, err
		}
		// Short-circuit and return the deciding operand, as Python does.
		if n.op == "and" && !IsTruthy(l) || n.op == "or" && IsTruthy(l) {
			return l, nil
		}
		return in.eval(n.r)

	case *unaryNode:
		v, err := in.eval(n.x)
		if err != nil {
			return nil, err
		}
		f, ok := ToFloat64(v)
		if !ok {
			return nil, in.fail(ErrEvaluation, n, "bad operand type for unary %s: %T", n.op, v)
		}
		if n.op == "-" {
			return -f, nil
		}
		return f, nil

	case *binaryNode:
		return in.evalBinary(n)

	case *compareNode:
		return in.evalCompare(n)

	case *indexNode:
		return in.evalIndex(n)

	case *attrNode:
		x, err := in.eval(n.x)
		if err != nil {
			return nil, err
		}
		if x == nil {
			return nil, nil
		}
		if !isMap(x) {
			return nil, in.fail(ErrEvaluation, n, "attribute %q on %T", n.name, x)
		}
		v, _ := lookup(x, n.name)
		return v, nil

	case *callNode:
		return in.evalCall(n)
	}
	return nil, fmt.Errorf("%w: unknown node %T", ErrEvaluation, n)
}

func (in *interp) evalBinary(n *binaryNode) (any, error) {
	l, err := in.eval(n.l)
	if err != nil {
		return nil, err
	}
	r, err := in.eval(n.r)
	if err != nil {
		return nil, err
	}

	fl, lok := ToFloat64(l)
	fr, rok := ToFloat64(r)
	if lok && rok {
		switch n.op {
		case "+":
			return fl + fr, nil
		case "-":
			return fl - fr, nil
		case "*":
			return fl * fr, nil
		case "/":
			if fr == 0 {
				return nil, in.fail(ErrEvaluation, n, "division by zero")
			}
			return fl / fr, nil
		}
	}

	if n.op == "+" {
		if sl, ok := l.(string); ok {
			if sr, ok := r.(string); ok {
				return sl + sr, nil
			}
		}
		ll, lIsList := asList(l)
		lr, rIsList := asList(r)
		if lIsList && rIsList {
			out := make([]any, 0, len(ll)+len(lr))
			return append(append(out, ll...), lr...), nil
		}
	}

	return nil, in.fail(ErrEvaluation, n, "unsupported operand types for %s: %T and %T", n.op, l, r)
}

func (in *interp) evalCompare(n *compareNode) (any, error) {
	left, err := in.eval(n.operands[0])
	if err != nil {
		return nil, err
	}
	for i, op := range n.ops {
		right, err := in.eval(n.operands[i+1])
		if err != nil {
			return nil, err
		}
		ok, err := in.compare(n, op, left, right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

func (in *interp) compare(n node, op string, l, r any) (bool, error) {
	switch op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	}

	// Absent values never satisfy an ordering.
	if l == nil || r == nil {
		return false, nil
	}
	c, err := order(l, r)
	if err != nil {
		return false, in.fail(ErrEvaluation, n, "'%s' not supported between %T and %T", op, l, r)
	}
	switch op {
	case "<":
		return c < 0, nil
	case ">":
		return c > 0, nil
	case "<=":
		return c <= 0, nil
	default:
		return c >= 0, nil
	}
}

func (in *interp) evalIndex(n *indexNode) (any, error) {
	x, err := in.eval(n.x)
	if err != nil {
		return nil, err
	}
	key, err := in.eval(n.index)
	if err != nil {
		return nil, err
	}

	if isMap(x) {
		v, ok := lookup(x, key)
		if !ok {
			return nil, in.fail(ErrMissingStateKey, n, "key %v not found", formatKey(key))
		}
		return v, nil
	}

	if s, ok := x.(string); ok {
		runes := []rune(s)
		i, err := in.listIndex(n, key, len(runes))
		if err != nil {
			return nil, err
		}
		return string(runes[i]), nil
	}

	if l, ok := asList(x); ok {
		i, err := in.listIndex(n, key, len(l))
		if err != nil {
			return nil, err
		}
		return l[i], nil
	}

	if x == nil {
		return nil, in.fail(ErrMissingStateKey, n, "key %v not found (container is None)", formatKey(key))
	}
	return nil, in.fail(ErrEvaluation, n, "%T is not subscriptable", x)
}

func (in *interp) listIndex(n node, key any, length int) (int, error) {
	i, ok := asIndex(key)
	if !ok {
		return 0, in.fail(ErrEvaluation, n, "index must be an integer, got %T", key)
	}
	if i < 0 {
		i += length
	}
	if i < 0 || i >= length {
		return 0, in.fail(ErrMissingStateKey, n, "index %v out of range", formatKey(key))
	}
	return i, nil
}

func (in *interp) evalCall(n *callNode) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := in.eval(a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch fn := n.fn.(type) {
	case *funcNode:
		out, err := builtins[fn.name](args)
		if err != nil {
			return nil, in.fail(ErrEvaluation, n, "%v", err)
		}
		return out, nil

	case *attrNode:
		recv, err := in.eval(fn.x)
		if err != nil {
			return nil, err
		}
		if !isMap(recv) {
			return nil, in.fail(ErrEvaluation, n, "get called on %T", recv)
		}
		if len(args) < 1 || len(args) > 2 {
			return nil, in.fail(ErrEvaluation, n, "get takes one or two arguments")
		}
		if v, ok := lookup(recv, args[0]); ok {
			return v, nil
		}
		if len(args) == 2 {
			return args[1], nil
		}
		return nil, nil
	}
	return nil, in.fail(ErrUnsafeExpression, n, "expression is not callable")
}

func formatKey(k any) string {
	if s, ok := k.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	if f, ok := ToFloat64(k); ok {
		return fmt.Sprintf("%g", f)
	}
	return fmt.Sprintf("%v", k)
}

// IsSyntaxError reports whether err is a parse failure.
func IsSyntaxError(err error) bool { return errors.Is(err, ErrConditionSyntax) }

// IsUnsafe reports whether err is a closure violation.
func IsUnsafe(err error) bool { return errors.Is(err, ErrUnsafeExpression) }
