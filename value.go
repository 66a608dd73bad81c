package esruntime

import (
	"fmt"
	"maps"
	"math"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/dop251/goja"

	"github.com/sagudev/es-runtime/internal/bootscript"
)

// kind discriminates the variants a Value can hold. The set is closed:
// every Value is exactly one of these.
type kind uint8

const (
	kindUndefined kind = iota
	kindBool
	kindInt32
	kindFloat64
	kindString
	kindObject
	kindFuture
)

func (k kind) String() string {
	switch k {
	case kindBool:
		return "boolean"
	case kindInt32:
		return "int32"
	case kindFloat64:
		return "float64"
	case kindString:
		return "string"
	case kindObject:
		return "object"
	case kindFuture:
		return "promise"
	default:
		return "undefined"
	}
}

// Value is a detached snapshot of a script value. It holds no engine
// handle and shares no mutable state with the engine, so it may be kept,
// passed between goroutines, and read after the runtime that produced it
// is gone.
//
// A Value is one of: undefined, a boolean, a 32-bit integer, a 64-bit
// float, a string, an object (string-keyed map of further Values), or a
// promise handle that can be awaited with Await. Values are immutable
// once constructed.
type Value struct {
	kind kind
	b    bool
	i    int32
	f    float64
	s    string
	obj  map[string]*Value
	fut  *future
}

var undefinedValue = &Value{kind: kindUndefined}

// Undefined returns the undefined Value. It is shared: undefined carries
// no payload, so one instance serves every use.
func Undefined() *Value { return undefinedValue }

// NewBool returns a boolean Value.
func NewBool(b bool) *Value { return &Value{kind: kindBool, b: b} }

// NewInt32 returns a 32-bit integer Value.
func NewInt32(n int32) *Value { return &Value{kind: kindInt32, i: n} }

// NewFloat64 returns a 64-bit float Value.
func NewFloat64(f float64) *Value { return &Value{kind: kindFloat64, f: f} }

// NewString returns a string Value.
func NewString(s string) *Value { return &Value{kind: kindString, s: s} }

// NewObject returns an object Value with the given properties. The map
// is copied, so the caller may reuse or mutate it afterwards; nil
// property values are stored as undefined. A nil or empty map yields an
// empty object.
func NewObject(props map[string]*Value) *Value {
	obj := make(map[string]*Value, len(props))
	for k, v := range props {
		if v == nil {
			v = Undefined()
		}
		obj[k] = v
	}
	return &Value{kind: kindObject, obj: obj}
}

// ===== Predicates =====

// IsUndefined reports whether the value is undefined.
func (v *Value) IsUndefined() bool { return v.kind == kindUndefined }

// IsBool reports whether the value is a boolean.
func (v *Value) IsBool() bool { return v.kind == kindBool }

// IsInt32 reports whether the value is a 32-bit integer.
func (v *Value) IsInt32() bool { return v.kind == kindInt32 }

// IsFloat64 reports whether the value is a 64-bit float.
func (v *Value) IsFloat64() bool { return v.kind == kindFloat64 }

// IsString reports whether the value is a string.
func (v *Value) IsString() bool { return v.kind == kindString }

// IsObject reports whether the value is an object.
func (v *Value) IsObject() bool { return v.kind == kindObject }

// IsPromise reports whether the value is a promise handle.
func (v *Value) IsPromise() bool { return v.kind == kindFuture }

// ===== Typed accessors =====
//
// Accessors never coerce: asking a string Value for its int32 is a
// TypeMismatchError, not 0.

// AsBool returns the boolean payload.
func (v *Value) AsBool() (bool, error) {
	if v.kind != kindBool {
		return false, &TypeMismatchError{Want: "boolean", Got: v.kind.String()}
	}
	return v.b, nil
}

// AsInt32 returns the 32-bit integer payload.
func (v *Value) AsInt32() (int32, error) {
	if v.kind != kindInt32 {
		return 0, &TypeMismatchError{Want: "int32", Got: v.kind.String()}
	}
	return v.i, nil
}

// AsFloat64 returns the 64-bit float payload.
func (v *Value) AsFloat64() (float64, error) {
	if v.kind != kindFloat64 {
		return 0, &TypeMismatchError{Want: "float64", Got: v.kind.String()}
	}
	return v.f, nil
}

// AsString returns the string payload.
func (v *Value) AsString() (string, error) {
	if v.kind != kindString {
		return "", &TypeMismatchError{Want: "string", Got: v.kind.String()}
	}
	return v.s, nil
}

// AsObject returns the object properties. The returned map is a copy;
// mutating it does not affect the Value.
func (v *Value) AsObject() (map[string]*Value, error) {
	if v.kind != kindObject {
		return nil, &TypeMismatchError{Want: "object", Got: v.kind.String()}
	}
	out := make(map[string]*Value, len(v.obj))
	maps.Copy(out, v.obj)
	return out, nil
}

// FutureID returns the correlation id of a promise handle.
func (v *Value) FutureID() (uint64, error) {
	if v.kind != kindFuture {
		return 0, &TypeMismatchError{Want: "promise", Got: v.kind.String()}
	}
	return v.fut.id, nil
}

// String renders the value as a JavaScript expression: quoted strings,
// true/false, plain numeric literals, and {"key": value} objects with
// keys in sorted order. Promise handles render as a comment placeholder
// ("/* Future 7 */") and undefined renders as null. The output is meant
// for logs and diagnostics, not for safe injection into scripts.
func (v *Value) String() string {
	switch v.kind {
	case kindBool:
		if v.b {
			return "true"
		}
		return "false"
	case kindInt32:
		return strconv.FormatInt(int64(v.i), 10)
	case kindFloat64:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case kindString:
		return strconv.Quote(v.s)
	case kindFuture:
		return fmt.Sprintf("/* Future %d */", v.fut.id)
	case kindObject:
		var sb strings.Builder
		sb.WriteByte('{')
		for i, k := range slices.Sorted(maps.Keys(v.obj)) {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteString(": ")
			sb.WriteString(v.obj[k].String())
		}
		sb.WriteByte('}')
		return sb.String()
	default:
		return "null"
	}
}

// ===== Engine conversions =====
//
// snapshot and toNative touch live engine values and therefore only ever
// run on the event-loop goroutine.

// snapshot converts a native engine value into a detached Value.
//
// Inspection order is fixed: boolean, 32-bit integer, 64-bit float,
// string, then object; null and undefined are undefined. Kinds with no
// mapping (functions, symbols, bigints) become undefined rather than an
// error, so scripts that surface such values by accident still bridge.
//
// An object carrying the reserved future marker property becomes a
// promise handle: the marker id must name a future this runtime minted
// and not yet claimed, and snapshotting it registers the delivery
// channel that Await will read. Any other object converts key by key,
// depth-limited.
func (w *worker) snapshot(v goja.Value, depth int) (*Value, error) {
	if depth > w.maxDepth {
		return nil, fmt.Errorf("snapshot: %w", ErrTooDeep)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return Undefined(), nil
	}
	// A symbol's export kind is string; screen by engine type so it
	// bridges as undefined like the other unmapped kinds.
	if _, isSym := v.(*goja.Symbol); isSym {
		return Undefined(), nil
	}
	if t := v.ExportType(); t != nil {
		switch t.Kind() {
		case reflect.Bool:
			return NewBool(v.ToBoolean()), nil
		case reflect.Int64:
			n := v.ToInteger()
			if n >= math.MinInt32 && n <= math.MaxInt32 {
				return NewInt32(int32(n)), nil
			}
			return NewFloat64(v.ToFloat()), nil
		case reflect.Float64:
			return NewFloat64(v.ToFloat()), nil
		case reflect.String:
			return NewString(v.String()), nil
		}
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return Undefined(), nil
	}
	if _, isFn := goja.AssertFunction(obj); isFn {
		return Undefined(), nil
	}
	keys := obj.Keys()
	if slices.Contains(keys, bootscript.FutureIDProp) {
		id := uint64(obj.Get(bootscript.FutureIDProp).ToInteger())
		// Only the nil placeholder minted during adoption is claimable:
		// an unknown id, or one whose channel is already registered, is
		// a forged marker and fails the conversion.
		cur, ok := w.futures.Get(id)
		if !ok {
			return nil, fmt.Errorf("future marker: future %d: %w", id, ErrNoSuchEntry)
		}
		if cur != nil {
			return nil, fmt.Errorf("future marker: future %d already claimed", id)
		}
		ch := make(chan settlement, 1)
		if err := w.futures.Replace(id, ch); err != nil {
			return nil, fmt.Errorf("future marker: %w", err)
		}
		return &Value{kind: kindFuture, fut: &future{id: id, ch: ch}}, nil
	}
	props := make(map[string]*Value, len(keys))
	for _, k := range keys {
		child, err := w.snapshot(obj.Get(k), depth+1)
		if err != nil {
			return nil, err
		}
		props[k] = child
	}
	return &Value{kind: kindObject, obj: props}, nil
}

// toNative converts a Value into a fresh engine value. Objects allocate
// new engine objects property by property; nothing is shared with any
// previous conversion. Undefined and promise handles convert to
// undefined: a settled snapshot cannot be turned back into a live
// promise.
func (w *worker) toNative(v *Value, depth int) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	if depth > w.maxDepth {
		return nil, fmt.Errorf("to native: %w", ErrTooDeep)
	}
	switch v.kind {
	case kindBool:
		return w.vm.ToValue(v.b), nil
	case kindInt32:
		return w.vm.ToValue(v.i), nil
	case kindFloat64:
		return w.vm.ToValue(v.f), nil
	case kindString:
		return w.vm.ToValue(v.s), nil
	case kindObject:
		obj := w.vm.NewObject()
		for k, child := range v.obj {
			nv, err := w.toNative(child, depth+1)
			if err != nil {
				return nil, err
			}
			if err := obj.Set(k, nv); err != nil {
				return nil, fmt.Errorf("set %q: %w", k, err)
			}
		}
		return obj, nil
	default:
		return goja.Undefined(), nil
	}
}
