// Package guard provides a cancellation primitive beyond context.Context
// itself: a latch that, once tripped, stays tripped, and that callers can
// cheaply poll between units of work (spec.md §5 "Cancellation"). The CLI
// (cmd/visor) is its only user: it trips the latch when a scheduler run
// reports an early stop and polls it before planning each further event;
// the scheduler keeps its own fail-fast flag and context cancellation.
//
// The teacher's resilience/circuit_breaker.go models a closed/open/
// half-open trip state keyed to HTTP error classification; that
// classification has no counterpart here, but the underlying shape — an
// atomically-read tripped flag checked before each unit of work, set once
// by an atomic compare-and-swap — is the same pattern this package keeps, generalised from
// "trip on N consecutive HTTP errors" to "trip on fail_fast or
// halt_execution" (DESIGN.md).
package guard

import "sync/atomic"

// CancellationLatch is a one-way, concurrency-safe "has this run been
// cancelled" flag that also keeps the reason given to the first Trip. It
// composes with context.Context rather than replacing it: a Scheduler
// cancels its own context for providers without reading a Latch, and the
// CLI trips one from the run's result (reason "fail_fast", which also
// covers a halt_execution stop) to stop further goto_event runs and to
// pick the exit code.
type CancellationLatch struct {
	tripped int32
	reason  atomic.Value // string
}

// New returns an untripped latch.
func New() *CancellationLatch {
	return &CancellationLatch{}
}

// Trip sets the latch if it isn't already set, recording reason. Only the
// first caller's reason is kept; later Trip calls are no-ops.
func (l *CancellationLatch) Trip(reason string) {
	if atomic.CompareAndSwapInt32(&l.tripped, 0, 1) {
		l.reason.Store(reason)
	}
}

// Tripped reports whether Trip has ever been called.
func (l *CancellationLatch) Tripped() bool {
	return atomic.LoadInt32(&l.tripped) == 1
}

// Reason returns the reason passed to the first Trip call, or "" if the
// latch has never tripped.
func (l *CancellationLatch) Reason() string {
	if v, ok := l.reason.Load().(string); ok {
		return v
	}
	return ""
}
