package srpc

import (
	"testing"
)

type counter struct {
	n int
}

func (c *counter) Bump() { c.n++ }

func TestRegisterHostObjectIdempotent(t *testing.T) {
	r := NewRegistry(UUIDGenerator{})
	c := &counter{}

	id1 := r.RegisterHostObject("", c, nil)
	id2 := r.RegisterHostObject("", c, nil)
	if id1 != id2 {
		t.Fatalf("expected idempotent registration, got %q and %q", id1, id2)
	}

	target, _, ok := r.HostObject(id1)
	if !ok {
		t.Fatalf("expected host object registered under %q", id1)
	}
	if target.(*counter) != c {
		t.Fatalf("expected registered target to be the same pointer")
	}
}

func TestRegisterHostObjectExplicitID(t *testing.T) {
	r := NewRegistry(UUIDGenerator{})
	c := &counter{}
	id := r.RegisterHostObject("calc", c, nil)
	if id != "calc" {
		t.Fatalf("expected explicit id to be honored, got %q", id)
	}
}

func TestObjectDiedRemovesEntry(t *testing.T) {
	r := NewRegistry(UUIDGenerator{})
	c := &counter{}
	id := r.RegisterHostObject("obj1", c, nil)

	r.ObjectDied(id)

	if _, _, ok := r.HostObject(id); ok {
		t.Fatalf("expected host object %q to be gone after ObjectDied", id)
	}

	// re-registering the same pointer after death mints fresh, it is
	// not resurrected under the old id via the identity map.
	id2 := r.RegisterHostObject("", c, nil)
	if id2 == "" || id2 == id {
		t.Fatalf("expected a fresh id, got %q", id2)
	}
}

type widget struct {
	Name string
}

func newWidget(name string) *widget { return &widget{Name: name} }

func TestRegisterHostClassDerivesTypeFromCtor(t *testing.T) {
	r := NewRegistry(UUIDGenerator{})
	desc := &ClassDescriptor{
		ClassID:  "Widget",
		Instance: ObjectDescriptor{ReadonlyProperties: []string{"Name"}},
		Ctor:     FunctionDescriptor{Name: "new", Returns: ReturnSync},
	}
	if err := r.RegisterHostClass("Widget", newWidget, nil, desc); err != nil {
		t.Fatalf("RegisterHostClass: %v", err)
	}

	entry, ok := r.classForValue(&widget{Name: "x"})
	if !ok {
		t.Fatalf("expected *widget to resolve to the registered class")
	}
	if entry.id != "Widget" {
		t.Fatalf("expected class id Widget, got %q", entry.id)
	}
}

func TestRegisterHostClassRejectsNonConstructor(t *testing.T) {
	r := NewRegistry(UUIDGenerator{})
	desc := &ClassDescriptor{ClassID: "Bad"}
	if err := r.RegisterHostClass("Bad", func() {}, nil, desc); err == nil {
		t.Fatalf("expected error for a ctor with no return value")
	}
}

func TestArgDescForAscendingThenWildcard(t *testing.T) {
	wildcard := ArgumentDescriptor{Callback: &FunctionDescriptor{Name: "wild"}}
	idx1 := 1
	specific := ArgumentDescriptor{Index: &idx1, Callback: &FunctionDescriptor{Name: "specific"}}
	descs := []ArgumentDescriptor{wildcard, specific}

	if got := argDescFor(descs, 1); got.Callback.Name != "specific" {
		t.Fatalf("expected index match to win, got %q", got.Callback.Name)
	}
	if got := argDescFor(descs, 0); got.Callback.Name != "wild" {
		t.Fatalf("expected wildcard fallback, got %q", got.Callback.Name)
	}
}

func TestFutureSettleIsIdempotent(t *testing.T) {
	f := NewFuture()
	f.Settle(1, nil)
	f.Settle(2, nil)
	v, err := f.Wait()
	if err != nil || v != 1 {
		t.Fatalf("expected first Settle to win, got (%v, %v)", v, err)
	}
}

func TestFutureOnSettleFiresImmediatelyWhenAlreadySettled(t *testing.T) {
	f := NewFuture()
	f.Settle("done", nil)

	called := false
	f.OnSettle(func(v any, err error) {
		called = true
		if v != "done" {
			t.Fatalf("unexpected value %v", v)
		}
	})
	if !called {
		t.Fatalf("expected OnSettle to fire synchronously for an already-settled future")
	}
}
