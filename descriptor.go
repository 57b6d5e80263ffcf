package srpc

// ReturnMode is the caller's declared preference for how a reply to a
// function-shaped call should be delivered. The runtime may downgrade
// or upgrade it per channel capability (see ResolveCallStyle).
type ReturnMode string

const (
	ReturnVoid  ReturnMode = "void"
	ReturnSync  ReturnMode = "sync"
	ReturnAsync ReturnMode = "async"
)

// ArgumentDescriptor describes one formal argument, or all arguments
// when Index is nil. A callback argument nests its own
// FunctionDescriptor.
type ArgumentDescriptor struct {
	Index    *int                `json:"index"`
	Callback *FunctionDescriptor `json:"callback,omitempty"`
}

// argDescFor returns the first ArgumentDescriptor matching idx by
// ascending Index, falling back to the one with a nil Index. Multiple
// matches at the same index are resolved first-match in slice order,
// per spec §9 open question (ii).
func argDescFor(descs []ArgumentDescriptor, idx int) *ArgumentDescriptor {
	var wildcard *ArgumentDescriptor
	for i := range descs {
		d := &descs[i]
		if d.Index == nil {
			if wildcard == nil {
				wildcard = d
			}
			continue
		}
		if *d.Index == idx {
			return d
		}
	}
	return wildcard
}

// FunctionDescriptor describes a remotely callable member: a free
// function, a class/instance method, a property accessor, or a
// constructor.
type FunctionDescriptor struct {
	Name      string               `json:"name"`
	Arguments []ArgumentDescriptor `json:"arguments,omitempty"`
	Returns   ReturnMode           `json:"returns,omitempty"`
}

// returnMode applies the "Async unless stated" default from §4.F.
func (f *FunctionDescriptor) returnMode() ReturnMode {
	if f == nil || f.Returns == "" {
		return ReturnAsync
	}
	return f.Returns
}

// ProxiedPropertyDescriptor describes a property that round-trips
// through the channel on every access, as opposed to a readonly
// property captured once at descriptor time.
type ProxiedPropertyDescriptor struct {
	Name     string              `json:"name"`
	Get      *FunctionDescriptor `json:"get,omitempty"`
	Set      *FunctionDescriptor `json:"set,omitempty"`
	ReadOnly bool                `json:"read_only,omitempty"`
}

// ObjectDescriptor names which members of a host instance are exposed.
type ObjectDescriptor struct {
	ReadonlyProperties []string                    `json:"readonly_properties,omitempty"`
	ProxiedProperties  []ProxiedPropertyDescriptor `json:"proxied_properties,omitempty"`
	Functions          []FunctionDescriptor        `json:"functions,omitempty"`
}

func (d *ObjectDescriptor) functionByName(name string) *FunctionDescriptor {
	if d == nil {
		return nil
	}
	for i := range d.Functions {
		if d.Functions[i].Name == name {
			return &d.Functions[i]
		}
	}
	return nil
}

func (d *ObjectDescriptor) proxiedProperty(name string) *ProxiedPropertyDescriptor {
	if d == nil {
		return nil
	}
	for i := range d.ProxiedProperties {
		if d.ProxiedProperties[i].Name == name {
			return &d.ProxiedProperties[i]
		}
	}
	return nil
}

func (d *ObjectDescriptor) isReadonly(name string) bool {
	if d == nil {
		return false
	}
	for _, n := range d.ReadonlyProperties {
		if n == name {
			return true
		}
	}
	return false
}

// ClassDescriptor describes a registered host class: its constructor,
// its per-instance members, and any statics (exposed as a host object
// registered under the same class id, per §4.B).
type ClassDescriptor struct {
	ClassID  string            `json:"class_id"`
	Static   *ObjectDescriptor `json:"static,omitempty"`
	Instance ObjectDescriptor  `json:"instance"`
	Ctor     FunctionDescriptor `json:"ctor"`
}
