package srpc

import (
	"reflect"
	"sync"
)

// pendingEntry tracks an outstanding call: either one we issued
// ourselves (awaiting a Sync/AsyncFnResult keyed by the call_id we
// minted) or one implied by a Promise sentinel we just received from
// the peer (keyed by the obj_id the peer minted for it). expected is
// the Go type the eventual result should be coerced to, when known.
type pendingEntry struct {
	fut      *Future
	expected reflect.Type
}

// pendingCalls is the runtime facade's correlation table for in-flight
// calls (§4.G "pending calls table").
type pendingCalls struct {
	mu sync.Mutex
	m  map[string]*pendingEntry
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{m: make(map[string]*pendingEntry)}
}

// create registers a brand-new pending entry under id, overwriting
// anything previously there. Used when we mint a fresh call_id.
func (p *pendingCalls) create(id string, expected reflect.Type) *Future {
	f := NewFuture()
	p.mu.Lock()
	p.m[id] = &pendingEntry{fut: f, expected: expected}
	p.mu.Unlock()
	return f
}

// getOrCreate returns the existing future for id, or mints one. Used
// when a Promise sentinel names an id we may or may not have seen yet
// (the settlement message can race the sentinel that announced it).
func (p *pendingCalls) getOrCreate(id string, expected reflect.Type) *Future {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[id]; ok {
		return e.fut
	}
	f := NewFuture()
	p.m[id] = &pendingEntry{fut: f, expected: expected}
	return f
}

// resolveRaw removes and returns the pending entry for id, if any.
func (p *pendingCalls) resolveRaw(id string) (*pendingEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[id]
	if ok {
		delete(p.m, id)
	}
	return e, ok
}

// drop discards a pending entry without settling it, used when send
// itself failed before any reply could possibly arrive.
func (p *pendingCalls) drop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, id)
}
