package expr

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"unicode/utf8"
)

// builtin is an allow-listed pure function.
type builtin func(args []any) (any, error)

// builtins is the complete set of callable names. It is fixed: conditions
// cannot reach anything else.
var builtins = map[string]builtin{
	"len": fnLen,
	"max": fnMax,
	"min": fnMin,
	"abs": fnAbs,
	"sum": fnSum,
}

func isAllowedFunction(name string) bool {
	_, ok := builtins[name]
	return ok
}

// AllowedFunctions returns the names callable from conditions.
func AllowedFunctions() []string {
	return []string{"abs", "len", "max", "min", "sum"}
}

var errArgs = errors.New("bad arguments")

func fnLen(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: len takes exactly one argument", errArgs)
	}
	switch v := args[0].(type) {
	case nil:
		// Absent keys have length zero.
		return 0.0, nil
	case string:
		return float64(utf8.RuneCountInString(v)), nil
	}
	rv := reflect.ValueOf(args[0])
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return float64(rv.Len()), nil
	}
	return nil, fmt.Errorf("%w: len of %T", errArgs, args[0])
}

func fnAbs(args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%w: abs takes exactly one argument", errArgs)
	}
	f, ok := ToFloat64(args[0])
	if !ok {
		return nil, fmt.Errorf("%w: abs of %T", errArgs, args[0])
	}
	return math.Abs(f), nil
}

func fnMax(args []any) (any, error) {
	return extreme("max", args, func(c int) bool { return c > 0 })
}

func fnMin(args []any) (any, error) {
	return extreme("min", args, func(c int) bool { return c < 0 })
}

// extreme implements max and min over varargs or a single list argument.
func extreme(name string, args []any, better func(int) bool) (any, error) {
	items := args
	if len(args) == 1 {
		l, ok := asList(args[0])
		if !ok {
			return nil, fmt.Errorf("%w: %s of a single %T", errArgs, name, args[0])
		}
		items = l
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s of an empty sequence", errArgs, name)
	}
	best := normalize(items[0])
	for _, item := range items[1:] {
		item = normalize(item)
		c, err := order(item, best)
		if err != nil {
			return nil, err
		}
		if better(c) {
			best = item
		}
	}
	return best, nil
}

func fnSum(args []any) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, fmt.Errorf("%w: sum takes one or two arguments", errArgs)
	}
	items, ok := asList(args[0])
	if !ok {
		return nil, fmt.Errorf("%w: sum of %T", errArgs, args[0])
	}
	total := 0.0
	if len(args) == 2 {
		start, ok := ToFloat64(args[1])
		if !ok {
			return nil, fmt.Errorf("%w: sum start must be a number", errArgs)
		}
		total = start
	}
	for _, item := range items {
		f, ok := ToFloat64(item)
		if !ok {
			return nil, fmt.Errorf("%w: sum of non-number %T", errArgs, item)
		}
		total += f
	}
	return total, nil
}

// normalize widens numbers to float64 so results compare consistently.
func normalize(v any) any {
	if f, ok := ToFloat64(v); ok {
		return f
	}
	return v
}

// order compares two numbers or two strings.
func order(a, b any) (int, error) {
	if fa, ok := ToFloat64(a); ok {
		if fb, ok := ToFloat64(b); ok {
			switch {
			case fa < fb:
				return -1, nil
			case fa > fb:
				return 1, nil
			}
			return 0, nil
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		switch {
		case sa < sb:
			return -1, nil
		case sa > sb:
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: cannot order %T and %T", errArgs, a, b)
}
