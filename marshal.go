package srpc

import (
	"reflect"
	"time"

	"github.com/pkg/errors"
)

// marshalEnv is the state the before-send pipeline (§4.D) needs beyond
// the Registry: a hook for scheduling a host future's eventual Async
// settlement, which is a runtime-facade concern (§4.G / §9), not a
// registry concern.
type marshalEnv struct {
	registry *Registry
	onFuture func(id string, fut *Future)
}

// marshalArgs marshals a call's argument list element-wise (§4.D).
func marshalArgs(env *marshalEnv, args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, _, err := marshalValue(env, a)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal argument %d", i)
		}
		out[i] = v
	}
	return out, nil
}

// marshalValue implements the six before-send rules of §4.D. changed
// reports whether the returned value differs from v (used by rule 5 to
// decide whether an enclosing record needs its own id).
func marshalValue(env *marshalEnv, v any) (result any, changed bool, err error) {
	// Rule 1: null.
	if v == nil {
		return nil, false, nil
	}

	// Rule 2: future/task value.
	if fut, ok := v.(*Future); ok {
		id := env.registry.RegisterHostObject("", fut, nil)
		if env.onFuture != nil {
			env.onFuture(id, fut)
		}
		obj := &RPCObject{ObjID: id, ClassID: PromiseClassID}
		return obj.wire(), true, nil
	}

	rv := reflect.ValueOf(v)
	rt := rv.Type()

	// Rule 6 (primitive / string), checked early since it also ends
	// the recursion for rule 5's children.
	if isPrimitiveKind(rv.Kind()) || rt == reflect.TypeOf(time.Time{}) {
		return v, false, nil
	}

	// Rule 3: instance of a registered host class.
	if entry, ok := env.registry.classForValue(v); ok {
		props, perr := evalReadonlyProperties(v, &entry.desc.Instance)
		if perr != nil {
			return nil, false, perr
		}
		id := env.registry.RegisterHostObject("", v, &entry.desc.Instance)
		obj := &RPCObject{ObjID: id, Props: props, ClassID: entry.id}
		return obj.wire(), true, nil
	}

	// Rule 4: delegate/callable value.
	if rv.Kind() == reflect.Func {
		id := env.registry.RegisterHostFunction("", v, nil)
		fn := &RPCFunction{ObjID: id}
		return fn.wire(), true, nil
	}

	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return nil, false, nil
		}
		if rv.Elem().Kind() == reflect.Struct && rv.Elem().Type() != reflect.TypeOf(time.Time{}) {
			// Register under the pointer's own identity, not a copy
			// of the pointed-to struct: a value-typed struct has no
			// stable identity (registerHostObjectLocked always mints
			// fresh for one), so recursing into rv.Elem().Interface()
			// before registering would mint a new obj_id for the same
			// *T on every call instead of reusing one (§3 invariant 1).
			return marshalStructPointer(env, v, rv.Elem())
		}
		inner, innerChanged, err := marshalValue(env, rv.Elem().Interface())
		if err != nil {
			return nil, false, err
		}
		if !innerChanged {
			return v, false, nil
		}
		return inner, true, nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, false, nil
		}
		out := make([]any, rv.Len())
		anyChanged := false
		for i := 0; i < rv.Len(); i++ {
			elemChanged, err := marshalInto(env, rv.Index(i).Interface(), &out[i])
			if err != nil {
				return nil, false, err
			}
			anyChanged = anyChanged || elemChanged
		}
		if !anyChanged {
			return v, false, nil
		}
		return out, true, nil

	case reflect.Map:
		if rv.IsNil() {
			return nil, false, nil
		}
		out := make(map[string]any, rv.Len())
		anyChanged := false
		for _, k := range rv.MapKeys() {
			var dst any
			elemChanged, err := marshalInto(env, rv.MapIndex(k).Interface(), &dst)
			if err != nil {
				return nil, false, err
			}
			out[keyToString(k)] = dst
			anyChanged = anyChanged || elemChanged
		}
		if !anyChanged {
			return v, false, nil
		}
		return out, true, nil

	case reflect.Struct:
		// Rule 5: general record-like value.
		props, anyChanged, err := marshalStructFields(env, rv)
		if err != nil {
			return nil, false, err
		}
		if !anyChanged {
			return v, false, nil
		}
		id := env.registry.RegisterHostObject("", v, nil)
		obj := &RPCObject{ObjID: id, Props: props}
		return obj.wire(), true, nil

	default:
		return v, false, nil
	}
}

// marshalStructPointer implements rule 5 for a pointer to a struct:
// ptr is the original *T value (used as the registration identity),
// elem is its dereferenced struct value (used to walk fields).
// Registering on ptr rather than on a copy of *ptr means the same
// pointer marshalled across two separate calls reuses one obj_id,
// matching rule 3's identity treatment of registered class instances.
func marshalStructPointer(env *marshalEnv, ptr any, elem reflect.Value) (any, bool, error) {
	props, anyChanged, err := marshalStructFields(env, elem)
	if err != nil {
		return nil, false, err
	}
	if !anyChanged {
		return ptr, false, nil
	}
	id := env.registry.RegisterHostObject("", ptr, nil)
	obj := &RPCObject{ObjID: id, Props: props}
	return obj.wire(), true, nil
}

func marshalInto(env *marshalEnv, v any, dst *any) (bool, error) {
	out, changed, err := marshalValue(env, v)
	if err != nil {
		return false, err
	}
	*dst = out
	return changed, nil
}

func marshalStructFields(env *marshalEnv, rv reflect.Value) (map[string]any, bool, error) {
	rt := rv.Type()
	props := make(map[string]any, rt.NumField())
	anyChanged := false
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		name := jsonFieldName(f)
		if name == "-" {
			continue
		}
		out, changed, err := marshalValue(env, rv.Field(i).Interface())
		if err != nil {
			return nil, false, errors.Wrapf(err, "marshal field %s", f.Name)
		}
		props[name] = out
		anyChanged = anyChanged || changed
	}
	return props, anyChanged, nil
}

func isPrimitiveKind(k reflect.Kind) bool {
	switch k {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

func keyToString(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return reflect.ValueOf(k.Interface()).String()
}

func jsonFieldName(f reflect.StructField) string {
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return f.Name
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			if tag[:i] == "" {
				return f.Name
			}
			return tag[:i]
		}
	}
	if tag == "" {
		return f.Name
	}
	return tag
}

// evalReadonlyProperties evaluates desc.ReadonlyProperties on target
// right now, for inline serialization into the RPC_Object's props bag
// (§4.D rule 3). A name may refer to a struct field or a zero-argument
// method returning one value.
func evalReadonlyProperties(target any, desc *ObjectDescriptor) (map[string]any, error) {
	if desc == nil || len(desc.ReadonlyProperties) == 0 {
		return nil, nil
	}
	rv := reflect.ValueOf(target)
	out := make(map[string]any, len(desc.ReadonlyProperties))
	for _, name := range desc.ReadonlyProperties {
		val, err := readMember(rv, name)
		if err != nil {
			return nil, errors.Wrapf(err, "readonly property %q", name)
		}
		out[name] = val
	}
	return out, nil
}

func readMember(rv reflect.Value, name string) (any, error) {
	v := rv
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, nil
		}
		v = v.Elem()
	}
	if v.Kind() == reflect.Struct {
		if f := v.FieldByName(name); f.IsValid() {
			return f.Interface(), nil
		}
	}
	if m := rv.MethodByName(name); m.IsValid() && m.Type().NumIn() == 0 && m.Type().NumOut() == 1 {
		return m.Call(nil)[0].Interface(), nil
	}
	return nil, &MemberNotFoundError{Name: name}
}
