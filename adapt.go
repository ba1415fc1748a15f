package poolz

import (
	"context"
	"fmt"
	"reflect"
	"strings"
)

// Transform adapts a pure single-value function into a TaskFunc.
// Use it when the task cannot fail and needs neither the context nor
// the worker.
//
// Example:
//
//	double := poolz.Transform(func(n int) int { return n * 2 })
//	out, err := pool.Map(ctx, double, nums)
func Transform[I, O any](fn func(I) O) TaskFunc[I, O] {
	return func(_ context.Context, _ *WorkerContext, in I) (O, error) {
		return fn(in), nil
	}
}

// Apply adapts a fallible single-value function into a TaskFunc.
func Apply[I, O any](fn func(I) (O, error)) TaskFunc[I, O] {
	return func(_ context.Context, _ *WorkerContext, in I) (O, error) {
		return fn(in)
	}
}

// Positional adapts a function of several parameters so it can be
// mapped over argument tuples ([]any). Each tuple is spread across the
// parameters by position. fn may return a single value or a value and
// an error.
//
// Arity and type mismatches surface as task errors on the offending
// element, never as hangs.
//
// Example:
//
//	add := poolz.Positional[int](func(a, b int) int { return a + b })
//	sums, err := pool.Map(ctx, add, [][]any{{1, 2}, {3, 4}})
func Positional[O any](fn any) TaskFunc[[]any, O] {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func || ft.IsVariadic() {
		panic("poolz.Positional: fn must be a non-variadic function")
	}
	checkAdapterReturns[O](ft, "poolz.Positional")

	return func(_ context.Context, _ *WorkerContext, args []any) (O, error) {
		var zero O
		if len(args) != ft.NumIn() {
			return zero, fmt.Errorf("expected %d arguments, got %d", ft.NumIn(), len(args))
		}
		in := make([]reflect.Value, len(args))
		for i, arg := range args {
			v, err := coerce(arg, ft.In(i))
			if err != nil {
				return zero, fmt.Errorf("argument %d: %w", i, err)
			}
			in[i] = v
		}
		return callAdapted[O](fv, in)
	}
}

// Keyword adapts a function taking an argument struct so it can be
// mapped over keyword mappings (map[string]any). Map keys are matched
// to the exported fields of A case-insensitively; an unknown key or a
// missing field surfaces as a task error on the offending element.
//
// Example:
//
//	type subArgs struct{ X, Y int }
//	sub := poolz.Keyword(func(a subArgs) (int, error) { return a.X - a.Y, nil })
//	diffs, err := pool.Map(ctx, sub, []map[string]any{{"x": 5, "y": 2}, {"y": 5, "x": 2}})
func Keyword[A, O any](fn func(A) (O, error)) TaskFunc[map[string]any, O] {
	at := reflect.TypeFor[A]()
	if at.Kind() != reflect.Struct {
		panic("poolz.Keyword: argument type must be a struct")
	}
	fields := make(map[string]int, at.NumField())
	exported := 0
	for i := 0; i < at.NumField(); i++ {
		f := at.Field(i)
		if !f.IsExported() {
			continue
		}
		fields[strings.ToLower(f.Name)] = i
		exported++
	}

	return func(_ context.Context, _ *WorkerContext, kwargs map[string]any) (O, error) {
		var zero O
		av := reflect.New(at).Elem()
		seen := 0
		for key, val := range kwargs {
			idx, ok := fields[strings.ToLower(key)]
			if !ok {
				return zero, fmt.Errorf("unexpected argument %q", key)
			}
			v, err := coerce(val, at.Field(idx).Type)
			if err != nil {
				return zero, fmt.Errorf("argument %q: %w", key, err)
			}
			av.Field(idx).Set(v)
			seen++
		}
		if seen != exported {
			return zero, fmt.Errorf("expected %d arguments, got %d", exported, seen)
		}
		return fn(av.Interface().(A))
	}
}

// coerce converts a dynamic argument to the target type, allowing exact
// assignment and numeric conversion only.
func coerce(arg any, target reflect.Type) (reflect.Value, error) {
	if arg == nil {
		switch target.Kind() {
		case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
			return reflect.Zero(target), nil
		default:
			return reflect.Value{}, fmt.Errorf("cannot use nil as %s", target)
		}
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(target) {
		return v, nil
	}
	if isNumeric(v.Kind()) && isNumeric(target.Kind()) && v.Type().ConvertibleTo(target) {
		return v.Convert(target), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, target)
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// checkAdapterReturns validates the return shape of a reflected adapter
// target: O, or (O, error).
func checkAdapterReturns[O any](ft reflect.Type, who string) {
	ot := reflect.TypeFor[O]()
	errType := reflect.TypeFor[error]()
	switch ft.NumOut() {
	case 1:
		if !ft.Out(0).AssignableTo(ot) {
			panic(who + ": return type does not match O")
		}
	case 2:
		if !ft.Out(0).AssignableTo(ot) || !ft.Out(1).Implements(errType) {
			panic(who + ": returns must be (O, error)")
		}
	default:
		panic(who + ": fn must return O or (O, error)")
	}
}

func callAdapted[O any](fv reflect.Value, in []reflect.Value) (O, error) {
	var zero O
	out := fv.Call(in)
	result, ok := out[0].Interface().(O)
	if !ok {
		return zero, fmt.Errorf("cannot use %s as result", out[0].Type())
	}
	if len(out) == 2 && !out[1].IsNil() {
		return result, out[1].Interface().(error)
	}
	return result, nil
}
