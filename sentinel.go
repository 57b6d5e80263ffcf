package srpc

const (
	sentinelTypeObject   = "object"
	sentinelTypeFunction = "function"
)

// PromiseClassID is the reserved ClassID that marks an RPCObject as a
// live future rather than an ordinary registered instance (§6).
const PromiseClassID = "Promise"

// RPCObject is the sentinel embedded in serialized values to denote a
// reference to a host-registered instance, a live future
// (ClassID == PromiseClassID), or a generic object registered solely
// to transport identity (ClassID == "").
type RPCObject struct {
	ObjID   string
	Props   map[string]any
	ClassID string
}

// RPCFunction is the sentinel embedded in serialized values to denote
// a marshalled callable.
type RPCFunction struct {
	ObjID string
}

func (o *RPCObject) wire() map[string]any {
	m := map[string]any{
		"__rpc_type": sentinelTypeObject,
		"obj_id":     o.ObjID,
	}
	if len(o.Props) > 0 {
		m["props"] = o.Props
	}
	if o.ClassID != "" {
		m["class_id"] = o.ClassID
	}
	return m
}

func (f *RPCFunction) wire() map[string]any {
	return map[string]any{
		"__rpc_type": sentinelTypeFunction,
		"obj_id":     f.ObjID,
	}
}

// decodeSentinel inspects a raw decoded value and, if it carries the
// RPC_Object or RPC_Function sentinel shape, returns the decoded
// struct. Values that are plain maps without the sentinel tag are
// generic structurally-reconstructed records, not sentinels.
func decodeSentinel(raw any) (obj *RPCObject, fn *RPCFunction, ok bool) {
	m, isMap := raw.(map[string]any)
	if !isMap {
		return nil, nil, false
	}
	t, _ := m["__rpc_type"].(string)
	switch t {
	case sentinelTypeObject:
		o := &RPCObject{}
		o.ObjID, _ = m["obj_id"].(string)
		o.ClassID, _ = m["class_id"].(string)
		if props, ok := m["props"].(map[string]any); ok {
			o.Props = props
		}
		return o, nil, true
	case sentinelTypeFunction:
		f := &RPCFunction{}
		f.ObjID, _ = m["obj_id"].(string)
		return nil, f, true
	default:
		return nil, nil, false
	}
}
