package model

import "reflect"

// CloneState returns a deep copy of a state map.
// Nested maps, slices, arrays, pointers and the exported fields of structs are
// copied recursively so that a snapshot shares no mutable memory with the live
// state. References that are shared or cyclic in the original are shared or
// cyclic in the copy. Scalars, strings, unexported struct fields and values
// that cannot be copied (funcs, channels) are shared as-is.
func CloneState(state map[string]any) map[string]any {
	return new(cloner).state(state)
}

// CloneValue deep-copies a single state value.
func CloneValue(v any) any {
	return new(cloner).value(v)
}

var (
	stateType = reflect.TypeOf(map[string]any(nil))
	listType  = reflect.TypeOf([]any(nil))
)

// visitKey identifies a map, slice or pointer already copied.
type visitKey struct {
	typ reflect.Type
	ptr uintptr
	len int
}

// cloner copies one value graph. seen maps every container copied so far to
// its copy.
type cloner struct {
	seen map[visitKey]reflect.Value
}

func (c *cloner) remember(k visitKey, v reflect.Value) {
	if c.seen == nil {
		c.seen = make(map[visitKey]reflect.Value)
	}
	c.seen[k] = v
}

func (c *cloner) state(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	key := visitKey{typ: stateType, ptr: reflect.ValueOf(m).Pointer()}
	if seen, ok := c.seen[key]; ok {
		return seen.Interface().(map[string]any)
	}
	out := make(map[string]any, len(m))
	c.remember(key, reflect.ValueOf(out))
	for k, v := range m {
		out[k] = c.value(v)
	}
	return out
}

func (c *cloner) value(v any) any {
	switch val := v.(type) {
	case nil, bool, string, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return val
	case map[string]any:
		return c.state(val)
	case []any:
		if val == nil {
			return val
		}
		key := visitKey{typ: listType, ptr: reflect.ValueOf(val).Pointer(), len: len(val)}
		if seen, ok := c.seen[key]; ok {
			return seen.Interface()
		}
		out := make([]any, len(val))
		c.remember(key, reflect.ValueOf(out))
		for i, item := range val {
			out[i] = c.value(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	}
	return c.reflectValue(reflect.ValueOf(v)).Interface()
}

func (c *cloner) reflectValue(v reflect.Value) reflect.Value {
	switch v.Kind() {
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		key := visitKey{typ: v.Type(), ptr: v.Pointer()}
		if seen, ok := c.seen[key]; ok {
			return seen
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		c.remember(key, out)
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), c.elem(iter.Value(), v.Type().Elem()))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		key := visitKey{typ: v.Type(), ptr: v.Pointer(), len: v.Len()}
		if seen, ok := c.seen[key]; ok {
			return seen
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		c.remember(key, out)
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(c.elem(v.Index(i), v.Type().Elem()))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(c.elem(v.Index(i), v.Type().Elem()))
		}
		return out
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		key := visitKey{typ: v.Type(), ptr: v.Pointer()}
		if seen, ok := c.seen[key]; ok {
			return seen
		}
		out := reflect.New(v.Type().Elem())
		c.remember(key, out)
		out.Elem().Set(c.elem(v.Elem(), v.Type().Elem()))
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < out.NumField(); i++ {
			// Unexported fields keep the shallow copy made by Set.
			if f := out.Field(i); f.CanSet() {
				f.Set(c.elem(v.Field(i), f.Type()))
			}
		}
		return out
	default:
		return v
	}
}

// elem copies an element and converts it back to the container's element
// type (interface elements come back as their dynamic type).
func (c *cloner) elem(v reflect.Value, elemType reflect.Type) reflect.Value {
	if v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Zero(elemType)
		}
		return reflect.ValueOf(c.value(v.Elem().Interface()))
	}
	out := c.reflectValue(v)
	if out.Type() != elemType {
		return out.Convert(elemType)
	}
	return out
}
