package srpc

import (
	"context"
	"reflect"

	"github.com/pkg/errors"
)

// Property is the struct-field type a proxy shape uses for a member
// that round-trips through the channel on every access (§4.F). Fields
// of this type in a shape struct must be named after a proxied
// property in the remote ObjectDescriptor.
type Property struct {
	get func() (any, error)
	set func(any) error
}

// Get sends a PropGet call and returns the remote value.
func (p *Property) Get() (any, error) {
	if p == nil || p.get == nil {
		return nil, errors.New("srpc: property not bound")
	}
	return p.get()
}

// Set sends a PropSet call. It fails if the descriptor marked the
// property read-only (§4.F: "ReadOnly suppresses the setter").
func (p *Property) Set(v any) error {
	if p == nil || p.set == nil {
		return errors.New("srpc: property is read-only")
	}
	return p.set(v)
}

var propertyPtrType = reflect.TypeOf((*Property)(nil))

// BuildProxy is the proxy factory's primary entry (§4.F): given a
// pointer to the zero value of a shape struct, a remote obj_id, an
// ObjectDescriptor, and the readonly property values shipped inline
// with the object reference, it returns a populated instance of that
// shape. Each proxied property field becomes a *Property routed
// through PropGet/PropSet; each func-typed field becomes a routed
// method invocation; every other exported field is backed by
// readonlyValues. A shape member without a matching descriptor entry
// fails construction with SpecMismatchError.
func (rt *Runtime) BuildProxy(shape any, objID string, desc *ObjectDescriptor, readonlyValues map[string]any) (any, error) {
	t := reflect.TypeOf(shape)
	if t == nil || t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		return nil, errors.New("srpc: BuildProxy: shape must be a pointer to a struct")
	}
	elemType := t.Elem()
	instance := reflect.New(elemType)
	elem := instance.Elem()

	for i := 0; i < elemType.NumField(); i++ {
		f := elemType.Field(i)
		if f.PkgPath != "" {
			continue
		}
		name := f.Name

		switch {
		case f.Type == propertyPtrType:
			pd := desc.proxiedProperty(name)
			if pd == nil {
				return nil, &SpecMismatchError{Member: name}
			}
			elem.Field(i).Set(reflect.ValueOf(rt.buildProxyProperty(objID, name, pd)))

		case f.Type.Kind() == reflect.Func:
			fd := desc.functionByName(name)
			if fd == nil {
				return nil, &SpecMismatchError{Member: name}
			}
			fn, err := rt.buildProxyFunction(ActionMethodCall, objID, name, fd, f.Type)
			if err != nil {
				return nil, err
			}
			elem.Field(i).Set(reflect.ValueOf(fn))

		default:
			if !desc.isReadonly(name) {
				return nil, &SpecMismatchError{Member: name}
			}
			if raw, ok := readonlyValues[name]; ok {
				coerced, err := unmarshalValue(rt.unmarshalEnv(), raw, f.Type, nil)
				if err != nil {
					return nil, errors.Wrapf(err, "readonly property %s", name)
				}
				if coerced != nil {
					elem.Field(i).Set(reflect.ValueOf(coerced))
				}
			}
		}
	}
	return instance.Interface(), nil
}

// buildProxyInstance is the unmarshal-pipeline path to BuildProxy: an
// RPC_Object sentinel whose class_id matches a declared proxy class
// (§4.D step 2) is materialized using the remote class's Instance
// descriptor, fetched from the descriptor-exchange cache.
func buildProxyInstance(env *unmarshalEnv, entry *proxyClassEntry, obj *RPCObject) (any, error) {
	cls, ok := env.registry.RemoteClassDescriptor(obj.ClassID)
	if !ok {
		return nil, &NotRegisteredError{Registry: "remote class", ID: obj.ClassID}
	}
	shape := reflect.New(entry.shape).Interface()
	return env.buildProxy(shape, obj.ObjID, &cls.Instance, obj.Props)
}

func (rt *Runtime) buildProxyProperty(objID, name string, pd *ProxiedPropertyDescriptor) *Property {
	p := &Property{}
	p.get = func() (any, error) {
		style := pd.Get.returnMode()
		result, fut, err := rt.invokeRemote(context.Background(), ActionPropGet, objID, name, style, nil)
		if err != nil {
			return nil, err
		}
		if fut != nil {
			return fut.Wait()
		}
		return result, nil
	}
	if !pd.ReadOnly {
		p.set = func(v any) error {
			style := ReturnVoid
			if pd.Set != nil {
				style = pd.Set.returnMode()
			}
			marshalled, err := marshalArgs(rt.marshalEnv(), []any{v})
			if err != nil {
				return err
			}
			_, fut, err := rt.invokeRemote(context.Background(), ActionPropSet, objID, name, style, marshalled)
			if err != nil {
				return err
			}
			if fut != nil {
				_, err := fut.Wait()
				return err
			}
			return nil
		}
	}
	return p
}

// buildProxyFunction routes every invocation of a func-typed shape
// field (or a free function/constructor obtained via GetProxyFunction
// / GetProxyConstructor) through action on objID/prop, using fd's
// declared call style (§4.F "Call-style selection per member").
func (rt *Runtime) buildProxyFunction(action Action, objID, prop string, fd *FunctionDescriptor, fieldType reflect.Type) (any, error) {
	style := fd.returnMode()
	fn := reflect.MakeFunc(fieldType, func(in []reflect.Value) []reflect.Value {
		args := make([]any, len(in))
		for i, v := range in {
			args[i] = v.Interface()
		}
		marshalled, err := marshalArgs(rt.marshalEnv(), args)
		if err != nil {
			return buildFuncResults(fieldType, nil, err)
		}
		result, fut, err := rt.invokeRemote(context.Background(), action, objID, prop, style, marshalled)
		if err != nil {
			return buildFuncResults(fieldType, nil, err)
		}
		switch style {
		case ReturnVoid:
			return buildFuncResults(fieldType, nil, nil)
		case ReturnAsync:
			return buildFuncResults(fieldType, fut, nil)
		default: // Sync, possibly upgraded-then-blocked internally by invokeRemote
			var expected reflect.Type
			if fieldType.NumOut() > 0 {
				expected = fieldType.Out(0)
			}
			coerced, cerr := unmarshalValue(rt.unmarshalEnv(), result, expected, nil)
			if cerr != nil {
				return buildFuncResults(fieldType, nil, cerr)
			}
			return buildFuncResults(fieldType, coerced, nil)
		}
	})
	return fn.Interface(), nil
}

// GetProxyFunction returns a routed callable for a free-standing host
// function exposed as a remote function (no object), per §4.F: it
// requires objID to have a descriptor in the remote-function map and
// uses the fn_call action. shape is a nil/zero value of the desired Go
// func type.
func (rt *Runtime) GetProxyFunction(shape any, objID string) (any, error) {
	fd, ok := rt.registry.RemoteFunctionDescriptor(objID)
	if !ok {
		return nil, &NotRegisteredError{Registry: "remote function", ID: objID}
	}
	t := reflect.TypeOf(shape)
	if t == nil || t.Kind() != reflect.Func {
		return nil, errors.New("srpc: GetProxyFunction: shape must be a func type")
	}
	return rt.buildProxyFunction(ActionFnCall, objID, "", fd, t)
}

// GetProxyConstructor returns a routed callable that issues ctor_call
// against classID, using the remote ClassDescriptor's Ctor
// FunctionDescriptor. shape is a nil/zero value of the desired Go func
// type; its single return value's type is ordinarily a proxy shape
// pointer previously declared via Registry.RegisterProxyClass.
func (rt *Runtime) GetProxyConstructor(shape any, classID string) (any, error) {
	cls, ok := rt.registry.RemoteClassDescriptor(classID)
	if !ok {
		return nil, &NotRegisteredError{Registry: "remote class", ID: classID}
	}
	t := reflect.TypeOf(shape)
	if t == nil || t.Kind() != reflect.Func {
		return nil, errors.New("srpc: GetProxyConstructor: shape must be a func type")
	}
	return rt.buildProxyFunction(ActionCtorCall, classID, "", &cls.Ctor, t)
}

// GetProxyClassStatics builds a proxy for a remote class's static
// members, registered as a host object under the class id itself
// (§4.B, §12).
func (rt *Runtime) GetProxyClassStatics(shape any, classID string) (any, error) {
	cls, ok := rt.registry.RemoteClassDescriptor(classID)
	if !ok || cls.Static == nil {
		return nil, &NotRegisteredError{Registry: "remote class statics", ID: classID}
	}
	return rt.BuildProxy(shape, classID, cls.Static, nil)
}
