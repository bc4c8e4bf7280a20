// Package reaper implements the completable-event reaper: spec §4.2.
package reaper

import (
	"sync"

	"github.com/comute/groupcore/internal/events"
)

// Reaper tracks a set of outstanding completable events and expires them
// once their deadline has passed. It is idempotent: resolving the same
// event twice never happens, because events.CompletableEvent.resolve is
// itself guarded, and Reap skips events that are already done before even
// attempting resolution.
type Reaper struct {
	mu      sync.Mutex
	tracked map[events.Reapable]struct{}
}

// New creates an empty Reaper.
func New() *Reaper {
	return &Reaper{tracked: make(map[events.Reapable]struct{})}
}

// Track registers an event for deadline expiry. Events with no deadline
// (DeadlineMs() == 0) are tracked too, but Reap never expires them; only
// ReapAll (shutdown) resolves them, with a cancellation error.
func (r *Reaper) Track(e events.Reapable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[e] = struct{}{}
}

// untrackLocked removes a resolved or expired event; callers must hold r.mu.
func (r *Reaper) untrackLocked(e events.Reapable) {
	delete(r.tracked, e)
}

// Reap walks the tracked set and resolves each event whose deadline has
// elapsed (deadline != 0 && deadline <= now) with a timeout error. Events
// already resolved by another path (e.g. a response arrived) are silently
// dropped from tracking without being touched again.
func (r *Reaper) Reap(nowMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for e := range r.tracked {
		if e.IsDone() {
			r.untrackLocked(e)
			continue
		}
		if e.DeadlineMs() == 0 || e.DeadlineMs() > nowMs {
			continue
		}
		e.FailTimeout() // no-op if another path won the race concurrently
		r.untrackLocked(e)
	}
}

// ReapAll resolves every remaining tracked event with a cancellation error,
// used on shutdown (spec §4.1: "cancels in-flight completable events with a
// cancellation error").
func (r *Reaper) ReapAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for e := range r.tracked {
		if !e.IsDone() {
			e.FailCancel()
		}
		r.untrackLocked(e)
	}
}

// Len reports the number of tracked (not yet reaped) events, for metrics.
func (r *Reaper) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// NextDeadlineMs returns the earliest deadline among tracked events that
// have one, and whether any such deadline exists. The reactor uses this to
// help compute the outer poll timeout (spec §4.1(d)).
func (r *Reaper) NextDeadlineMs() (deadline int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for e := range r.tracked {
		if e.DeadlineMs() == 0 {
			continue
		}
		if !ok || e.DeadlineMs() < deadline {
			deadline, ok = e.DeadlineMs(), true
		}
	}
	return deadline, ok
}
