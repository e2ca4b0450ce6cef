// Package active implements the active barrier: a combined activation
// latch, in-flight-operation refcount, and drain/cleanup-once coordinator.
// A peer's disconnect runs deactivate, then drain, then cleanup; each step
// is idempotent and the teardown closure runs exactly once.
package active

import (
	"sync"
	"sync/atomic"
)

type state int32

const (
	stateNew state = iota
	stateActive
	stateDeactivated
	stateDrained
	stateReleased
)

// Barrier guards a resource's active lifetime. Callers that need the
// resource to stay alive call Acquire/Release around their use of it;
// Deactivate stops new acquires; Drain blocks until every acquired
// reference has been released; Cleanup runs a teardown closure exactly once
// after draining.
//
// mu exists only to close the race sync.WaitGroup's own docs warn about
// (Add with a positive delta racing a Wait that could observe zero): every
// Acquire's state check and Add(1), and Deactivate's transition, happen under
// mu, and Drain takes mu once before calling Wait, so once Deactivate has run
// an Add can never start after Drain has committed to calling Wait.
type Barrier struct {
	mu    sync.Mutex
	state atomic.Int32
	wg    sync.WaitGroup

	drainOnce   sync.Once
	cleanupOnce sync.Once
}

// New returns a barrier in state NEW.
func New() *Barrier {
	return &Barrier{}
}

// Activate transitions NEW -> ACTIVE. Returns false if already activated.
func (b *Barrier) Activate() bool {
	return b.state.CompareAndSwap(int32(stateNew), int32(stateActive))
}

// Acquire takes an in-flight reference if the barrier is ACTIVE. The caller
// must call Release exactly once for every successful Acquire.
func (b *Barrier) Acquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state(b.state.Load()) != stateActive {
		return false
	}
	b.wg.Add(1)
	return true
}

// Release gives back a reference taken by Acquire.
func (b *Barrier) Release() {
	b.wg.Done()
}

// Deactivate transitions ACTIVE -> DEACTIVATED, after which Acquire always
// fails. Idempotent: returns false if not currently ACTIVE (already
// deactivated, or never activated).
func (b *Barrier) Deactivate() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.CompareAndSwap(int32(stateActive), int32(stateDeactivated))
}

// Drain blocks until every acquired reference has been released, then moves
// the barrier to DRAINED from whatever state it was in (including NEW, for a
// never-activated barrier). Safe to call concurrently; every
// caller blocks until the drain completes.
func (b *Barrier) Drain() {
	b.drainOnce.Do(func() {
		b.mu.Lock()
		b.mu.Unlock() // synchronizes with every in-flight Acquire before Wait below
		b.wg.Wait()
		b.state.Store(int32(stateDrained))
	})
}

// Cleanup drains the barrier if needed, then runs fn exactly once and
// transitions to RELEASED. Safe to call concurrently from multiple
// disconnect paths (e.g. an explicit Disconnect racing process teardown).
func (b *Barrier) Cleanup(fn func()) {
	b.Drain()
	b.cleanupOnce.Do(func() {
		if fn != nil {
			fn()
		}
		b.state.Store(int32(stateReleased))
	})
}

// IsActive reports whether the barrier currently accepts Acquire calls.
func (b *Barrier) IsActive() bool {
	return state(b.state.Load()) == stateActive
}

// IsReleased reports whether Cleanup has completed.
func (b *Barrier) IsReleased() bool {
	return state(b.state.Load()) == stateReleased
}

// IsNew reports whether Activate has never been called, i.e. the resource
// was never connected in the first place (distinct from having since been
// torn down).
func (b *Barrier) IsNew() bool {
	return state(b.state.Load()) == stateNew
}

// IsDeactivated reports whether the barrier has moved past ACTIVE, i.e.
// Deactivate has run (or is running) and new Acquire calls will fail.
func (b *Barrier) IsDeactivated() bool {
	return state(b.state.Load()) >= stateDeactivated
}
