package srpc

import "testing"

type dtoWithCallback struct {
	Cb func()
}

// TestMarshalStructPointerPreservesIdentity matches §3 invariant 1 ("a
// target maps to the same id on every lookup") and §4.D's
// convertible-value policy: marshalling the same *dtoWithCallback twice
// must register it once, not mint a fresh obj_id each time. The struct
// has a func field so marshalling it is forced down rule 5's
// general-record path (a field whose own marshalling reports changed).
func TestMarshalStructPointerPreservesIdentity(t *testing.T) {
	r := NewRegistry(UUIDGenerator{})
	env := &marshalEnv{registry: r}

	dto := &dtoWithCallback{Cb: func() {}}

	first, changed, err := marshalValue(env, dto)
	if err != nil {
		t.Fatalf("marshalValue (first): %v", err)
	}
	if !changed {
		t.Fatalf("expected a struct with a callback field to be reported changed")
	}
	firstObj, ok := first.(map[string]any)
	if !ok {
		t.Fatalf("expected wire map, got %T", first)
	}

	second, _, err := marshalValue(env, dto)
	if err != nil {
		t.Fatalf("marshalValue (second): %v", err)
	}
	secondObj, ok := second.(map[string]any)
	if !ok {
		t.Fatalf("expected wire map, got %T", second)
	}

	if firstObj["obj_id"] != secondObj["obj_id"] {
		t.Fatalf("expected same pointer to reuse one obj_id across calls, got %v and %v",
			firstObj["obj_id"], secondObj["obj_id"])
	}

	target, _, ok := r.HostObject(firstObj["obj_id"].(string))
	if !ok {
		t.Fatalf("expected host object registered under %v", firstObj["obj_id"])
	}
	if target.(*dtoWithCallback) != dto {
		t.Fatalf("expected registered target to be the original pointer, not a copy")
	}
}
