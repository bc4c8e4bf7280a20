package events

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrTimedOut resolves a CompletableEvent whose deadline elapsed before it
// was otherwise resolved. Produced only by internal/reaper.
var ErrTimedOut = errors.New("groupcore: event timed out before completion")

// ErrCancelled resolves every CompletableEvent still outstanding at
// shutdown. Produced only by internal/reaper's ReapAll.
var ErrCancelled = errors.New("groupcore: event cancelled at shutdown")

// CompletableEvent carries a typed result slot that resolves exactly once to
// a value, an error, a timeout, or a cancellation, plus an absolute deadline
// in epoch milliseconds. It is the "no base-class state beyond the optional
// future + deadline" shape spec §9 calls for.
//
// Resolution follows the single-guarded-close pattern in the teacher's
// txn.go (s.revoked/s.revokedCh, guarded by failMu so close() never runs
// twice): resolve() takes the mutex, checks the done flag, and only acts on
// the first caller to win the race.
type CompletableEvent[T any] struct {
	ID       uuid.UUID
	Deadline int64 // absolute ms; 0 means no deadline

	mu        sync.Mutex
	done      bool
	value     T
	err       error
	result    chan struct{}
	onResolve []func(T, error)
}

// NewCompletableEvent creates an unresolved event with the given absolute
// deadline in epoch milliseconds (0 for no deadline).
func NewCompletableEvent[T any](deadlineMs int64) *CompletableEvent[T] {
	return &CompletableEvent[T]{
		ID:       uuid.New(),
		Deadline: deadlineMs,
		result:   make(chan struct{}),
	}
}

// Resolve completes the event with a value, if not already resolved.
// Returns false if the event had already been resolved by another path.
func (e *CompletableEvent[T]) Resolve(v T) bool {
	return e.resolve(v, nil)
}

// Fail completes the event with an error, if not already resolved.
func (e *CompletableEvent[T]) Fail(err error) bool {
	var zero T
	return e.resolve(zero, err)
}

func (e *CompletableEvent[T]) resolve(v T, err error) bool {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return false
	}
	e.value, e.err, e.done = v, err, true
	close(e.result)
	hooks := e.onResolve
	e.onResolve = nil
	e.mu.Unlock()

	for _, h := range hooks {
		h(v, err)
	}
	return true
}

// OnResolve registers fn to run the moment the event resolves, or
// immediately (on the calling goroutine) if it is already resolved. Used
// to bridge an internally-created future onto an externally-owned one of
// the same result type — internal/processor's "chain <manager> future to
// event's result" shape (spec §4.8).
func (e *CompletableEvent[T]) OnResolve(fn func(T, error)) {
	e.mu.Lock()
	if e.done {
		v, err := e.value, e.err
		e.mu.Unlock()
		fn(v, err)
		return
	}
	e.onResolve = append(e.onResolve, fn)
	e.mu.Unlock()
}

// Done returns a channel closed once the event resolves.
func (e *CompletableEvent[T]) Done() <-chan struct{} { return e.result }

// Get returns the resolved value and error. It must only be called after
// Done() has fired; calling it earlier returns the zero value and a nil
// error, which is indistinguishable from an unresolved event, by design —
// callers drive resolution ordering through Done(), never by polling Get.
func (e *CompletableEvent[T]) Get() (T, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.err
}

// IsDone reports whether the event has already resolved, used by the reaper
// to skip events another code path already completed.
func (e *CompletableEvent[T]) IsDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// DeadlineMs implements Reapable.
func (e *CompletableEvent[T]) DeadlineMs() int64 { return e.Deadline }

// FailTimeout implements Reapable.
func (e *CompletableEvent[T]) FailTimeout() bool { return e.Fail(ErrTimedOut) }

// FailCancel implements Reapable.
func (e *CompletableEvent[T]) FailCancel() bool { return e.Fail(ErrCancelled) }

// Reapable is the non-generic view of a CompletableEvent the reaper operates
// over; it lets internal/reaper track a heterogeneous set of completable
// events (COMMIT futures, FETCH futures, WAIT_FOR_JOIN_GROUP futures, ...)
// without depending on their result types.
type Reapable interface {
	DeadlineMs() int64
	IsDone() bool
	FailTimeout() bool
	FailCancel() bool
}

var _ Reapable = (*CompletableEvent[struct{}])(nil)
