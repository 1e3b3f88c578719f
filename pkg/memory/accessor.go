package memory

import "context"

// Accessor adapts a Store plus a fixed context into the read-only,
// synchronous shape the expression sandbox's `memory` variable needs
// (pkg/sandbox.MemoryAccessor: `Get(ns, key) (interface{}, bool)`, no
// context, no error return — sandbox expressions never get a mutating
// handle, §4.5). A routing Engine is built once per run with one Accessor
// bound to that run's context.
type Accessor struct {
	store Store
	ctx   context.Context
}

// NewAccessor builds an Accessor over store, evaluated under ctx.
func NewAccessor(ctx context.Context, store Store) Accessor {
	return Accessor{store: store, ctx: ctx}
}

// Get satisfies sandbox.MemoryAccessor, discarding Store.Get's error —
// a predicate has no channel to report one through, so a lookup failure
// reads the same as a missing key.
func (a Accessor) Get(ns, key string) (interface{}, bool) {
	if a.store == nil {
		return nil, false
	}
	v, ok, err := a.store.Get(a.ctx, ns, key)
	if err != nil {
		return nil, false
	}
	return v, ok
}
