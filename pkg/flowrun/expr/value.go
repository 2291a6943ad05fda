package expr

import (
	"math"
	"reflect"
)

// IsTruthy returns whether a value is truthy.
// nil is false, bools return their value, zero numbers are false, empty
// strings, slices and maps are false, everything else is true.
func IsTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}
	if f, ok := ToFloat64(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer:
		return !rv.IsNil()
	}
	return true
}

// ToFloat64 converts a numeric value to float64.
// The second result is false for values that are not numbers.
func ToFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case int16:
		return float64(val), true
	case int8:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint8:
		return float64(val), true
	default:
		return 0, false
	}
}

// asIndex converts a number to a list index if it is integral.
func asIndex(v any) (int, bool) {
	f, ok := ToFloat64(v)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// equal compares two values the way == does in conditions: numbers by
// value regardless of Go type, lists and maps element-wise.
func equal(a, b any) bool {
	if fa, ok := ToFloat64(a); ok {
		fb, ok := ToFloat64(b)
		return ok && fa == fb
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	la, aIsList := asList(a)
	lb, bIsList := asList(b)
	if aIsList || bIsList {
		if !aIsList || !bIsList || len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !equal(la[i], lb[i]) {
				return false
			}
		}
		return true
	}

	ma, aIsMap := a.(map[string]any)
	mb, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		if len(ma) != len(mb) {
			return false
		}
		for k, va := range ma {
			vb, ok := mb[k]
			if !ok || !equal(va, vb) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

// asList views any slice or array as []any.
func asList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	if _, ok := v.(string); ok {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// lookup finds key in a map-like container.
func lookup(container, key any) (any, bool) {
	if m, ok := container.(map[string]any); ok {
		s, isStr := key.(string)
		if !isStr {
			return nil, false
		}
		v, found := m[s]
		return v, found
	}
	rv := reflect.ValueOf(container)
	if rv.Kind() != reflect.Map {
		return nil, false
	}
	kv := reflect.ValueOf(key)
	if !kv.IsValid() || !kv.Type().ConvertibleTo(rv.Type().Key()) {
		return nil, false
	}
	if kv.Kind() != rv.Type().Key().Kind() {
		return nil, false
	}
	v := rv.MapIndex(kv.Convert(rv.Type().Key()))
	if !v.IsValid() {
		return nil, false
	}
	return v.Interface(), true
}

func isMap(v any) bool {
	if _, ok := v.(map[string]any); ok {
		return true
	}
	return v != nil && reflect.ValueOf(v).Kind() == reflect.Map
}
