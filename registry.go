package srpc

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// identityKey is the comparable key used to dedupe registration by
// Go reference identity (pointer, func, chan, map). Value types have
// no stable identity in Go and are always registered fresh (§4.D rule
// 5 already handles that case: an unchanged value-type subgraph is
// returned as itself, not registered).
type identityKey struct {
	ptr uintptr
	typ reflect.Type
}

func identityOf(v any) (identityKey, bool) {
	if v == nil {
		return identityKey{}, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Func, reflect.Chan, reflect.Map, reflect.UnsafePointer:
		if rv.IsNil() {
			return identityKey{}, false
		}
		return identityKey{ptr: rv.Pointer(), typ: rv.Type()}, true
	default:
		return identityKey{}, false
	}
}

type hostObjectEntry struct {
	id     string
	target any
	desc   *ObjectDescriptor
}

type hostFunctionEntry struct {
	id       string
	delegate any
	desc     *FunctionDescriptor
}

type hostClassEntry struct {
	id   string
	typ  reflect.Type
	desc *ClassDescriptor
	ctor reflect.Value
}

// proxyClassEntry records a declared intent to materialize a remote
// class as a local shape; no factory is built until first needed
// (§4.B).
type proxyClassEntry struct {
	id    string
	shape reflect.Type // element type of the shape pointer
}

// Registry holds the two-way id<->target maps for everything this
// peer exposes (host objects, host functions, host classes), the
// declared proxy-class shapes, and the write-once-per-exchange remote
// descriptor caches (§3 invariant 5).
type Registry struct {
	mu sync.RWMutex

	idgen IDGenerator

	hostObjectsByID  map[string]*hostObjectEntry
	hostObjectsByKey map[identityKey]*hostObjectEntry

	hostFunctionsByID  map[string]*hostFunctionEntry
	hostFunctionsByKey map[identityKey]*hostFunctionEntry

	hostClassesByID   map[string]*hostClassEntry
	hostClassesByType map[reflect.Type]*hostClassEntry

	proxyClasses map[string]*proxyClassEntry

	remoteObjects   map[string]*ObjectDescriptor
	remoteFunctions map[string]*FunctionDescriptor
	remoteClasses   map[string]*ClassDescriptor
}

// NewRegistry creates an empty Registry using gen to mint ids for
// values registered without one explicitly supplied (futures, generic
// objects, callbacks encountered mid-marshal).
func NewRegistry(gen IDGenerator) *Registry {
	if gen == nil {
		gen = UUIDGenerator{}
	}
	return &Registry{
		idgen:              gen,
		hostObjectsByID:    make(map[string]*hostObjectEntry),
		hostObjectsByKey:   make(map[identityKey]*hostObjectEntry),
		hostFunctionsByID:  make(map[string]*hostFunctionEntry),
		hostFunctionsByKey: make(map[identityKey]*hostFunctionEntry),
		hostClassesByID:    make(map[string]*hostClassEntry),
		hostClassesByType:  make(map[reflect.Type]*hostClassEntry),
		proxyClasses:       make(map[string]*proxyClassEntry),
		remoteObjects:      make(map[string]*ObjectDescriptor),
		remoteFunctions:    make(map[string]*FunctionDescriptor),
		remoteClasses:      make(map[string]*ClassDescriptor),
	}
}

// RegisterHostObject exposes target under id with desc. If target is
// already registered (by reference identity), the existing id is kept
// and returned instead — registration is idempotent on target identity
// (§3 invariant 1). Pass id == "" to let the registry mint one.
func (r *Registry) RegisterHostObject(id string, target any, desc *ObjectDescriptor) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerHostObjectLocked(id, target, desc)
}

func (r *Registry) registerHostObjectLocked(id string, target any, desc *ObjectDescriptor) string {
	if key, ok := identityOf(target); ok {
		if e, found := r.hostObjectsByKey[key]; found {
			return e.id
		}
		if id == "" {
			id = r.idgen.NextID()
		}
		e := &hostObjectEntry{id: id, target: target, desc: desc}
		r.hostObjectsByID[id] = e
		r.hostObjectsByKey[key] = e
		return id
	}
	if id == "" {
		id = r.idgen.NextID()
	}
	r.hostObjectsByID[id] = &hostObjectEntry{id: id, target: target, desc: desc}
	return id
}

func (r *Registry) HostObject(id string) (any, *ObjectDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.hostObjectsByID[id]
	if !ok {
		return nil, nil, false
	}
	return e.target, e.desc, true
}

// ObjectDied removes the host registry entry for id, per the
// lifecycle rule in §3: the peer notified us it dropped its proxy.
func (r *Registry) ObjectDied(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.hostObjectsByID[id]; ok {
		delete(r.hostObjectsByID, id)
		if key, ok := identityOf(e.target); ok {
			delete(r.hostObjectsByKey, key)
		}
	}
}

// RegisterHostFunction exposes delegate under id with desc.
func (r *Registry) RegisterHostFunction(id string, delegate any, desc *FunctionDescriptor) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key, ok := identityOf(delegate); ok {
		if e, found := r.hostFunctionsByKey[key]; found {
			return e.id
		}
		if id == "" {
			id = r.idgen.NextID()
		}
		e := &hostFunctionEntry{id: id, delegate: delegate, desc: desc}
		r.hostFunctionsByID[id] = e
		r.hostFunctionsByKey[key] = e
		return id
	}
	if id == "" {
		id = r.idgen.NextID()
	}
	r.hostFunctionsByID[id] = &hostFunctionEntry{id: id, delegate: delegate, desc: desc}
	return id
}

func (r *Registry) HostFunction(id string) (any, *FunctionDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.hostFunctionsByID[id]
	if !ok {
		return nil, nil, false
	}
	return e.delegate, e.desc, true
}

func (r *Registry) FunctionDied(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.hostFunctionsByID[id]; ok {
		delete(r.hostFunctionsByID, id)
		if key, ok := identityOf(e.delegate); ok {
			delete(r.hostFunctionsByKey, key)
		}
	}
}

// RegisterHostClass exposes a class under classID. ctor is the Go
// constructor function invoked for ctor_call (§4.E); its first return
// value's type (dereferenced if a pointer) is what the marshal
// pipeline matches against for "instance of a registered host class"
// (§4.D rule 3). staticsTarget, required iff desc.Static is non-nil, is
// additionally registered as a host object under classID itself
// (§4.B, §12).
func (r *Registry) RegisterHostClass(classID string, ctor any, staticsTarget any, desc *ClassDescriptor) error {
	if desc == nil {
		return errors.New("srpc: RegisterHostClass: nil descriptor")
	}
	ctorVal := reflect.ValueOf(ctor)
	if ctorVal.Kind() != reflect.Func || ctorVal.Type().NumOut() == 0 {
		return errors.New("srpc: RegisterHostClass: ctor must be a function returning an instance")
	}
	t := ctorVal.Type().Out(0)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e := &hostClassEntry{id: classID, typ: t, desc: desc, ctor: ctorVal}
	r.hostClassesByID[classID] = e
	r.hostClassesByType[t] = e
	if desc.Static != nil {
		r.registerHostObjectLocked(classID, staticsTarget, desc.Static)
	}
	return nil
}

func (r *Registry) HostClassByID(id string) (*hostClassEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.hostClassesByID[id]
	return e, ok
}

// classForValue returns the registered host class matching v's
// (possibly pointer-dereferenced) concrete type, used by the marshal
// pipeline's "instance of a registered host class" rule.
func (r *Registry) classForValue(v any) (*hostClassEntry, bool) {
	if v == nil {
		return nil, false
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.hostClassesByType[t]
	return e, ok
}

// RegisterProxyClass declares that remote class id should materialize
// as shape, a pointer to the zero value of the local struct describing
// the member shape (see proxy.go). No factory is built until first
// needed.
func (r *Registry) RegisterProxyClass(id string, shape any) error {
	t := reflect.TypeOf(shape)
	if t == nil || t.Kind() != reflect.Ptr || t.Elem().Kind() != reflect.Struct {
		return errors.New("srpc: RegisterProxyClass: shape must be a pointer to a struct")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proxyClasses[id] = &proxyClassEntry{id: id, shape: t.Elem()}
	return nil
}

func (r *Registry) proxyClass(id string) (*proxyClassEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.proxyClasses[id]
	return e, ok
}

// ReplaceRemoteDescriptors installs a freshly received descriptor
// exchange wholesale (§3 invariant 5: never merged).
func (r *Registry) ReplaceRemoteDescriptors(objects map[string]*ObjectDescriptor, functions map[string]*FunctionDescriptor, classes map[string]*ClassDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remoteObjects = objects
	r.remoteFunctions = functions
	r.remoteClasses = classes
}

func (r *Registry) RemoteObjectDescriptor(id string) (*ObjectDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.remoteObjects[id]
	return d, ok
}

func (r *Registry) RemoteFunctionDescriptor(id string) (*FunctionDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.remoteFunctions[id]
	return d, ok
}

func (r *Registry) RemoteClassDescriptor(id string) (*ClassDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.remoteClasses[id]
	return d, ok
}

// LocalDescriptors snapshots everything this peer currently exposes,
// for a DescriptorsResult reply.
func (r *Registry) LocalDescriptors() (objects map[string]*ObjectDescriptor, functions map[string]*FunctionDescriptor, classes map[string]*ClassDescriptor) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	objects = make(map[string]*ObjectDescriptor, len(r.hostObjectsByID))
	for id, e := range r.hostObjectsByID {
		if e.desc != nil {
			objects[id] = e.desc
		}
	}
	functions = make(map[string]*FunctionDescriptor, len(r.hostFunctionsByID))
	for id, e := range r.hostFunctionsByID {
		if e.desc != nil {
			functions[id] = e.desc
		}
	}
	classes = make(map[string]*ClassDescriptor, len(r.hostClassesByID))
	for id, e := range r.hostClassesByID {
		classes[id] = e.desc
	}
	return objects, functions, classes
}
