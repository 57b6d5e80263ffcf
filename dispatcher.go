package srpc

import (
	"context"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

// contextType is matched against a target function's leading parameter
// the way the teacher's Endpoint.fillArgs matches extra reflection
// arguments by concrete type (e.g. *Endpoint): a func(context.Context, ...)
// target gets current_context auto-filled into that slot rather than
// consuming it from the wire argument list.
var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()

// dispatchCall implements component E: decode a Call message, resolve
// its target via the registries, invoke it, and deliver the result
// (including future-shaped results) per the reply discipline table in
// §4.E.
func (rt *Runtime) dispatchCall(msg *Message, reply replyRoute, rctx any) {
	rt.logger.Debugw("dispatch call", "action", msg.Action, "obj_id", msg.ObjID, "prop", msg.Prop, "call_type", msg.CallType)

	result, err := rt.invokeTarget(msg, rctx)

	switch msg.CallType {
	case ReturnVoid:
		return

	case ReturnSync:
		rt.replyResult(reply, msg, result, err, false)

	case ReturnAsync:
		if fut, ok := result.(*Future); ok && err == nil {
			// §4.E / S2: an Async call gets no reply to the call
			// message itself — only the eventual single AsyncFnResult,
			// keyed by the same call_id, once the target's future
			// settles.
			go func(callID string) {
				val, ferr := fut.Wait()
				rt.sendAsyncSettlement(reply, callID, val, ferr)
			}(msg.CallID)
			return
		}
		rt.replyResult(reply, msg, result, err, true)
	}
}

// invokeTarget resolves and invokes the call's target per the action
// routing table (§4.E); it never itself produces a wire reply.
func (rt *Runtime) invokeTarget(msg *Message, rctx any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic during dispatch: %v", r)
		}
	}()

	switch msg.Action {
	case ActionPropGet:
		target, desc, ok := rt.registry.HostObject(msg.ObjID)
		if !ok {
			return nil, &NotRegisteredError{Registry: "host object", ID: msg.ObjID}
		}
		if desc.isReadonly(msg.Prop) {
			return readMember(reflect.ValueOf(target), msg.Prop)
		}
		pd := desc.proxiedProperty(msg.Prop)
		if pd == nil {
			return nil, &MemberNotFoundError{ObjID: msg.ObjID, Name: msg.Prop}
		}
		return rt.invokeMethod(target, msg.Prop, nil, pd.Get, rctx)

	case ActionPropSet:
		target, desc, ok := rt.registry.HostObject(msg.ObjID)
		if !ok {
			return nil, &NotRegisteredError{Registry: "host object", ID: msg.ObjID}
		}
		pd := desc.proxiedProperty(msg.Prop)
		if pd == nil {
			return nil, &MemberNotFoundError{ObjID: msg.ObjID, Name: msg.Prop}
		}
		if pd.ReadOnly {
			return nil, &MarshalError{Reason: "property " + msg.Prop + " is read-only"}
		}
		_, err := rt.invokeMethod(target, msg.Prop, msg.Args, pd.Set, rctx)
		return nil, err

	case ActionMethodCall:
		target, desc, ok := rt.registry.HostObject(msg.ObjID)
		if !ok {
			return nil, &NotRegisteredError{Registry: "host object", ID: msg.ObjID}
		}
		fd := desc.functionByName(msg.Prop)
		if fd == nil {
			return nil, &MemberNotFoundError{ObjID: msg.ObjID, Name: msg.Prop}
		}
		return rt.invokeMethod(target, msg.Prop, msg.Args, fd, rctx)

	case ActionFnCall:
		delegate, desc, ok := rt.registry.HostFunction(msg.ObjID)
		if !ok {
			return nil, &NotRegisteredError{Registry: "host function", ID: msg.ObjID}
		}
		return rt.invokeFunctionValue(delegate, msg.Args, desc, rctx)

	case ActionCtorCall:
		entry, ok := rt.registry.HostClassByID(msg.ObjID)
		if !ok {
			return nil, &NotRegisteredError{Registry: "host class", ID: msg.ObjID}
		}
		return rt.invokeConstructor(entry, msg.Args, rctx)

	default:
		return nil, &ProtocolError{Reason: "unknown action " + string(msg.Action)}
	}
}

// invokeMethod calls a method on target by name, coercing args against
// the method's formal parameters and fd's per-argument descriptors.
func (rt *Runtime) invokeMethod(target any, name string, rawArgs []any, fd *FunctionDescriptor, rctx any) (any, error) {
	rv := reflect.ValueOf(target)
	m := rv.MethodByName(name)
	if !m.IsValid() {
		return nil, &MemberNotFoundError{Name: name}
	}
	return rt.callReflectFunc(m, rawArgs, fd, rctx)
}

// invokeFunctionValue calls a free-standing registered delegate.
func (rt *Runtime) invokeFunctionValue(delegate any, rawArgs []any, fd *FunctionDescriptor, rctx any) (any, error) {
	rv := reflect.ValueOf(delegate)
	if rv.Kind() != reflect.Func {
		return nil, &MarshalError{Reason: "registered host function is not callable"}
	}
	return rt.callReflectFunc(rv, rawArgs, fd, rctx)
}

func (rt *Runtime) invokeConstructor(entry *hostClassEntry, rawArgs []any, rctx any) (any, error) {
	return rt.callReflectFunc(entry.ctor, rawArgs, &entry.desc.Ctor, rctx)
}

// callReflectFunc auto-fills a leading context.Context parameter with
// this call's current_context (§4.G, §5), unmarshals the remaining
// wire arguments against their formal parameter types and any
// matching ArgumentDescriptor, invokes fn, and returns a single
// non-error return value (the trailing error, if any, is always the
// last return); the caller marshals that value into the reply.
//
// current_context is captured into the context.Context value passed
// to fn rather than stashed in runtime-wide mutable state: the serial
// dispatch loop (Runtime.Serve) reuses this goroutine for the very
// next inbound message as soon as dispatch returns, so a host target
// that returns a pending *Future and reads current_context later from
// a background goroutine needs its own immutable copy of this call's
// context, not a shared field the next message's dispatch will have
// already overwritten.
func (rt *Runtime) callReflectFunc(fn reflect.Value, rawArgs []any, fd *FunctionDescriptor, rctx any) (any, error) {
	ft := fn.Type()
	numIn := ft.NumIn()

	fillsContext := numIn > 0 && ft.In(0) == contextType
	wantArgs := numIn
	offset := 0
	if fillsContext {
		wantArgs--
		offset = 1
	}
	variadic := ft.IsVariadic()
	if (!variadic && len(rawArgs) != wantArgs) || (variadic && len(rawArgs) < wantArgs-1) {
		return nil, &MarshalError{Reason: fmt.Sprintf("argument count mismatch: got %d, want %d", len(rawArgs), wantArgs)}
	}

	in := make([]reflect.Value, len(rawArgs)+offset)
	if fillsContext {
		in[0] = reflect.ValueOf(contextWithRequest(rctx))
	}

	for i, raw := range rawArgs {
		slot := i + offset
		var paramType reflect.Type
		if ft.IsVariadic() && slot >= numIn-1 {
			paramType = ft.In(numIn - 1).Elem()
		} else {
			paramType = ft.In(slot)
		}
		var argDesc *FunctionDescriptor
		if fd != nil {
			if ad := argDescFor(fd.Arguments, i); ad != nil {
				argDesc = ad.Callback
			}
		}
		val, err := unmarshalValue(rt.unmarshalEnv(), raw, paramType, argDesc)
		if err != nil {
			return nil, err
		}
		if val == nil {
			in[slot] = reflect.Zero(paramType)
		} else {
			in[slot] = reflect.ValueOf(val)
		}
	}

	out := fn.Call(in)
	return rt.reduceResults(out)
}

// reduceResults applies the "methods return (value, error) or just
// error" convention: a trailing error-typed return is checked and
// stripped; what remains (zero or one value) becomes the result.
func (rt *Runtime) reduceResults(out []reflect.Value) (any, error) {
	if len(out) == 0 {
		return nil, nil
	}
	last := out[len(out)-1]
	if last.Type().Implements(errType) {
		var err error
		if !last.IsNil() {
			err = last.Interface().(error)
		}
		if len(out) == 1 {
			return nil, err
		}
		return out[0].Interface(), err
	}
	return out[0].Interface(), nil
}
