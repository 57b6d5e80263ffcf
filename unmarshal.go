package srpc

import (
	"context"
	"reflect"

	"github.com/pkg/errors"
)

// unmarshalEnv is everything the after-receive pipeline (§4.D) needs
// beyond the Registry: the pending-call table (to mint/reuse a future
// for a Promise sentinel) and a way to route a reconstructed callback
// or proxy member invocation back over the channel (component F,
// owned by the runtime facade).
type unmarshalEnv struct {
	registry      *Registry
	pending       *pendingCalls
	deserializers *deserializerRegistry
	invoke        func(ctx context.Context, action Action, objID, prop string, callType ReturnMode, args []any) (result any, fut *Future, err error)
	buildProxy    func(shape any, objID string, desc *ObjectDescriptor, readonlyValues map[string]any) (any, error)
}

// unmarshalValue implements the five after-receive steps of §4.D.
// expected may be nil when the static type is unknown to the caller;
// argDesc, when non-nil, describes a callback argument's shape.
func unmarshalValue(env *unmarshalEnv, raw any, expected reflect.Type, argDesc *FunctionDescriptor) (any, error) {
	// Step 1: null.
	if raw == nil {
		if expected != nil && isValueTypeKind(expected.Kind()) {
			return nil, &MarshalError{Reason: "null-into-value-type"}
		}
		return nil, nil
	}

	// Step 2: sentinel detection.
	if obj, fn, ok := decodeSentinel(raw); ok {
		switch {
		case fn != nil:
			return buildCallback(env, fn, expected, argDesc)
		case obj.ClassID == PromiseClassID:
			futureType := reflect.TypeOf((*Future)(nil))
			unwrapped := expected
			if expected == futureType {
				unwrapped = nil
			}
			fut := env.pending.getOrCreate(obj.ObjID, unwrapped)
			if expected != nil && expected != futureType {
				return fut.Wait()
			}
			return fut, nil
		case obj.ClassID != "":
			if entry, ok := env.registry.proxyClass(obj.ClassID); ok {
				return buildProxyInstance(env, entry, obj)
			}
			return unmarshalGenericObject(env, obj, expected)
		default:
			return unmarshalGenericObject(env, obj, expected)
		}
	}

	// Step 3: custom deserializer hook.
	if fn, ok := env.deserializers.lookup(expected); ok {
		return fn(raw, expected)
	}

	// Step 4/5: coercion, including string-keyed map recursion.
	return coerceValue(env, raw, expected)
}

func isValueTypeKind(k reflect.Kind) bool {
	switch k {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return false
	default:
		return true
	}
}

// unmarshalGenericObject reconstructs a generic RPC_Object (no
// class_id, or one without a registered proxy class) against the
// expected type, recursing into its Props bag.
func unmarshalGenericObject(env *unmarshalEnv, obj *RPCObject, expected reflect.Type) (any, error) {
	if obj.Props == nil {
		return map[string]any{}, nil
	}
	return coerceValue(env, obj.Props, expected)
}

// coerceValue implements §4.D steps 4-5: recursing into string-keyed
// maps/slices and performing primitive-convertible coercion when raw
// is assignment-incompatible with expected.
func coerceValue(env *unmarshalEnv, raw any, expected reflect.Type) (any, error) {
	if expected == nil {
		return coerceUntyped(env, raw)
	}

	rv := reflect.ValueOf(raw)
	if expected.Kind() == reflect.Ptr {
		inner, err := coerceValue(env, raw, expected.Elem())
		if err != nil {
			return nil, err
		}
		ptr := reflect.New(expected.Elem())
		if inner != nil {
			ptr.Elem().Set(reflect.ValueOf(inner))
		}
		return ptr.Interface(), nil
	}

	if rv.IsValid() && rv.Type().AssignableTo(expected) {
		return raw, nil
	}

	switch expected.Kind() {
	case reflect.Struct:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, &MarshalError{Reason: "expected object, got " + rv.Kind().String()}
		}
		out := reflect.New(expected).Elem()
		for i := 0; i < expected.NumField(); i++ {
			f := expected.Field(i)
			if f.PkgPath != "" {
				continue
			}
			name := jsonFieldName(f)
			fv, present := m[name]
			if !present {
				continue
			}
			coerced, err := unmarshalValue(env, fv, f.Type, nil)
			if err != nil {
				return nil, errors.Wrapf(err, "field %s", f.Name)
			}
			if coerced != nil {
				out.Field(i).Set(reflect.ValueOf(coerced))
			}
		}
		return out.Interface(), nil

	case reflect.Slice:
		s, ok := raw.([]any)
		if !ok {
			return nil, &MarshalError{Reason: "expected array, got " + rv.Kind().String()}
		}
		out := reflect.MakeSlice(expected, len(s), len(s))
		for i, elem := range s {
			coerced, err := unmarshalValue(env, elem, expected.Elem(), nil)
			if err != nil {
				return nil, errors.Wrapf(err, "index %d", i)
			}
			if coerced != nil {
				out.Index(i).Set(reflect.ValueOf(coerced))
			}
		}
		return out.Interface(), nil

	case reflect.Map:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, &MarshalError{Reason: "expected object, got " + rv.Kind().String()}
		}
		out := reflect.MakeMapWithSize(expected, len(m))
		for k, v := range m {
			coerced, err := unmarshalValue(env, v, expected.Elem(), nil)
			if err != nil {
				return nil, errors.Wrapf(err, "key %s", k)
			}
			out.SetMapIndex(reflect.ValueOf(k), reflect.ValueOf(coerced))
		}
		return out.Interface(), nil

	case reflect.Interface:
		return raw, nil
	}

	if !rv.IsValid() {
		return nil, &MarshalError{Reason: "invalid value for " + expected.String()}
	}
	if rv.Type().ConvertibleTo(expected) && isPrimitiveKind(expected.Kind()) && isPrimitiveKind(rv.Kind()) {
		return rv.Convert(expected).Interface(), nil
	}
	return nil, &MarshalError{Reason: "incompatible conversion from " + rv.Type().String() + " to " + expected.String()}
}

// coerceUntyped handles the no-expected-type case: recurse into
// containers but otherwise pass values through unchanged.
func coerceUntyped(env *unmarshalEnv, raw any) (any, error) {
	switch v := raw.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			c, err := unmarshalValue(env, e, nil, nil)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			c, err := unmarshalValue(env, e, nil, nil)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return raw, nil
	}
}

// buildCallback reconstructs a received RPC_Function sentinel as a
// live Go value that, when invoked, issues an fn_call Call message to
// obj.ObjID (§4.E action routing table, scenario S6).
func buildCallback(env *unmarshalEnv, fn *RPCFunction, expected reflect.Type, argDesc *FunctionDescriptor) (any, error) {
	callType := argDesc.returnMode()

	invokeFn := func(args []any) (any, error) {
		switch callType {
		case ReturnVoid:
			_, _, err := env.invoke(context.Background(), ActionFnCall, fn.ObjID, "", ReturnVoid, args)
			return nil, err
		case ReturnSync:
			res, _, err := env.invoke(context.Background(), ActionFnCall, fn.ObjID, "", ReturnSync, args)
			return res, err
		default:
			_, fut, err := env.invoke(context.Background(), ActionFnCall, fn.ObjID, "", ReturnAsync, args)
			return fut, err
		}
	}

	if expected == nil || expected.Kind() != reflect.Func {
		return func(args ...any) (any, error) { return invokeFn(args) }, nil
	}

	return reflect.MakeFunc(expected, func(in []reflect.Value) []reflect.Value {
		args := make([]any, len(in))
		for i, v := range in {
			args[i] = v.Interface()
		}
		result, err := invokeFn(args)
		return buildFuncResults(expected, result, err)
	}).Interface(), nil
}

// buildFuncResults shapes invokeFn's (result, error) into the output
// values reflect.MakeFunc needs for expected's declared signature.
func buildFuncResults(expected reflect.Type, result any, err error) []reflect.Value {
	numOut := expected.NumOut()
	out := make([]reflect.Value, numOut)
	switch numOut {
	case 0:
		return out
	case 1:
		outType := expected.Out(0)
		if outType.Implements(errType) {
			out[0] = valueOrZero(err, outType)
			return out
		}
		out[0] = valueOrZero(result, outType)
		return out
	default:
		out[0] = valueOrZero(result, expected.Out(0))
		out[1] = valueOrZero(err, expected.Out(1))
		return out
	}
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

func valueOrZero(v any, t reflect.Type) reflect.Value {
	if v == nil {
		return reflect.Zero(t)
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		return rv
	}
	if rv.Type().ConvertibleTo(t) {
		return rv.Convert(t)
	}
	return reflect.Zero(t)
}

