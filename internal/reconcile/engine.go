// Package reconcile implements the reconciliation engine, spec §4.6: drive
// the local assignment from its current value toward the coordinator's
// target, respecting user callbacks and pending commits, and never applying
// stale work resumed after a fence or an explicit leave.
package reconcile

import (
	"sync"

	"github.com/comute/groupcore/internal/assignment"
	"github.com/comute/groupcore/internal/commit"
	"github.com/comute/groupcore/internal/events"
	"github.com/comute/groupcore/internal/logging"
	"github.com/comute/groupcore/internal/membership"
	"github.com/comute/groupcore/internal/metadata"
	"github.com/comute/groupcore/internal/metrics"
	"github.com/comute/groupcore/internal/reaper"
	"github.com/comute/groupcore/internal/subscription"
)

// step names where in its suspend/resume cycle a reconciliation attempt
// currently sits. Only one attempt is ever in flight, mirroring the "at
// most one reconciliation in progress per member" invariant.
type step int

const (
	stepIdle step = iota
	stepAwaitingCommit
	stepAwaitingRevokeCallback
	stepAwaitingAssignCallback
)

// PositionSource supplies the fetch positions to commit for partitions
// about to be revoked. Record fetching and position tracking are external
// to this core (spec §1 Out of scope); a nil source yields an empty
// offset set, for which no commit request is sent: the commit future is
// already resolved, so the suspended attempt resumes on the next Poll.
type PositionSource func(parts []assignment.Partition) map[assignment.Partition]int64

const defaultAutoCommitDeadlineMs = 5000

// Engine is the reconciliation engine, spec §4.6.
type Engine struct {
	mu sync.Mutex

	log logging.Logger

	membership   *membership.Manager
	subscription subscription.State
	metadata     metadata.Cache
	commitMgr    *commit.Manager
	background   *events.BackgroundQueue
	reaper       *reaper.Reaper
	metrics      metrics.Sink

	autoCommitEnabled    bool
	autoCommitDeadlineMs int64
	positions            PositionSource

	step       step
	generation int

	resolved assignment.Assignment
	revoked  []assignment.Partition
	added    []assignment.Partition

	pendingCommitFut *events.CompletableEvent[error]
	lastCallbackErr  error
}

// Opt configures a new Engine.
type Opt func(*Engine)

// WithLogger injects a Logger, defaulting to logging.NoOp.
func WithLogger(l logging.Logger) Opt { return func(e *Engine) { e.log = l } }

// WithAutoCommit enables the revocation-commit step (spec §4.6 step 3).
// Disabled by default, matching an auto-commit-off consumer configuration.
func WithAutoCommit(enabled bool) Opt { return func(e *Engine) { e.autoCommitEnabled = enabled } }

// WithPositionSource supplies the fetch-position lookup used to build the
// revocation commit's offset map.
func WithPositionSource(fn PositionSource) Opt { return func(e *Engine) { e.positions = fn } }

// WithAutoCommitDeadlineMs overrides the revocation commit's future
// deadline, default 5000ms.
func WithAutoCommitDeadlineMs(ms int64) Opt {
	return func(e *Engine) { e.autoCommitDeadlineMs = ms }
}

// WithReaper registers every rebalance-callback future this engine creates
// with r, so shutdown cancellation (spec §4.2 ReapAll) reaches a callback
// the user thread never got around to completing.
func WithReaper(r *reaper.Reaper) Opt { return func(e *Engine) { e.reaper = r } }

// WithMetrics injects a metrics.Sink, defaulting to metrics.NoOp. Records
// metrics.ReconciliationsBegun when a new attempt starts and
// metrics.ReconciliationsDone, labeled by outcome, when one finishes
// (successfully or via staleness discard).
func WithMetrics(s metrics.Sink) Opt { return func(e *Engine) { e.metrics = s } }

// New creates a reconciliation Engine wired to its collaborators.
func New(mem *membership.Manager, sub subscription.State, metaCache metadata.Cache, commitMgr *commit.Manager, background *events.BackgroundQueue, opts ...Opt) *Engine {
	e := &Engine{
		log:                  logging.NoOp{},
		membership:           mem,
		subscription:         sub,
		metadata:             metaCache,
		commitMgr:            commitMgr,
		background:           background,
		autoCommitDeadlineMs: defaultAutoCommitDeadlineMs,
		metrics:              metrics.NoOp{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Name() string { return "reconcile" }

// LastCallbackError returns the most recently recorded rebalance-listener
// error, if any, for surfacing on the next user-visible call (spec §4.6
// "Callback failures"). It is not cleared automatically; callers that
// consume it should treat repeated reads as idempotent.
func (e *Engine) LastCallbackError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCallbackErr
}

// Poll drives the engine forward by one step if one is due: starting a new
// reconciliation attempt when membership has a target awaiting RECONCILING,
// or resuming a commit-suspended attempt once its future resolves. Callback
// suspension resumes only via OnCallbackCompleted, since that future
// resolves on a different thread and the reactor must not busy-poll it.
func (e *Engine) Poll(nowMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.step {
	case stepIdle:
		if e.membership.State() != membership.Reconciling {
			return
		}
		if _, ok := e.membership.Target(); !ok {
			return
		}
		e.start(nowMs)
	case stepAwaitingCommit:
		if !e.pendingCommitFut.IsDone() {
			return
		}
		if e.stale() {
			e.discardStale()
			return
		}
		// Commit errors do not block revocation, spec §4.6 step 3.
		_, _ = e.pendingCommitFut.Get()
		e.pendingCommitFut = nil
		e.afterCommit()
	}
}

// OnCallbackCompleted resumes a reconciliation suspended behind a rebalance
// listener callback, driven by the processor's handling of
// CONSUMER_REBALANCE_LISTENER_CALLBACK_COMPLETED.
func (e *Engine) OnCallbackCompleted(method events.RebalanceMethod, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stale() {
		e.discardStale()
		return
	}

	switch e.step {
	case stepAwaitingRevokeCallback:
		if method != events.MethodOnPartitionsRevoked {
			return
		}
		e.afterRevokeCallback(err)
	case stepAwaitingAssignCallback:
		if method != events.MethodOnPartitionsAssigned {
			return
		}
		e.afterAssignCallback(err)
	}
}

// stale reports whether the in-flight attempt's capturing generation or
// membership state has moved on since suspension — fencing, an explicit
// leave, or any other path off RECONCILING. Callers must hold e.mu.
func (e *Engine) stale() bool {
	return e.membership.State() != membership.Reconciling || e.membership.Generation() != e.generation
}

// discardStale abandons the in-flight attempt with no subscription
// mutation, no callback enqueuing, and no acknowledgement, per spec §4.6
// "Staleness discard." Callers must hold e.mu.
func (e *Engine) discardStale() {
	e.log.Log(logging.LevelDebug, "discarding stale reconciliation", "generation", e.generation)
	e.metrics.Counter(metrics.ReconciliationsDone, 1, "outcome", "stale")
	e.membership.EndReconciliation()
	e.reset()
}

func (e *Engine) reset() {
	e.step = stepIdle
	e.resolved = assignment.Assignment{}
	e.revoked = nil
	e.added = nil
	e.pendingCommitFut = nil
}

// start begins a new reconciliation attempt against the currently pending
// target. Callers must hold e.mu.
func (e *Engine) start(nowMs int64) {
	if !e.membership.BeginReconciliation() {
		return
	}
	e.metrics.Counter(metrics.ReconciliationsBegun, 1)
	target, ok := e.membership.Target()
	if !ok {
		e.membership.EndReconciliation()
		return
	}

	e.generation = e.membership.Generation()

	names := e.metadata.TopicNames()
	resolved, awaiting := resolveTarget(target, names)
	e.membership.SetAwaitingMetadata(awaiting)
	if len(awaiting) > 0 {
		e.metadata.RequestUpdate(false)
	}

	current := e.membership.CurrentAssignment()
	e.resolved = resolved
	e.revoked = diff(current, resolved)
	e.added = diff(resolved, current)

	if len(e.revoked) > 0 && e.autoCommitEnabled {
		offsets := map[assignment.Partition]int64{}
		if e.positions != nil {
			offsets = e.positions(e.revoked)
		}
		e.pendingCommitFut = e.commitMgr.MaybeAutoCommitSyncBeforeRevocation(offsets, nowMs+e.autoCommitDeadlineMs)
		e.step = stepAwaitingCommit
		return
	}
	e.afterCommit()
}

// afterCommit performs spec §4.6 step 4: mark revoked partitions pending
// revocation and invoke on_partitions_revoked if there is anything to
// revoke and a listener is registered. Callers must hold e.mu.
func (e *Engine) afterCommit() {
	if len(e.revoked) > 0 {
		e.subscription.MarkPendingRevocation(e.revoked)
		if listener := e.subscription.RebalanceListener(); listener != nil {
			e.emitCallback(events.MethodOnPartitionsRevoked, e.revoked)
			e.step = stepAwaitingRevokeCallback
			return
		}
	}
	e.afterRevokeCallback(nil)
}

// afterRevokeCallback performs spec §4.6 step 5 and decides whether step 6
// is needed. A callback error is recorded but never aborts the lifecycle.
// Callers must hold e.mu.
func (e *Engine) afterRevokeCallback(err error) {
	if err != nil {
		e.lastCallbackErr = err
	}

	all := e.resolved.Partitions()
	if len(e.added) > 0 {
		e.subscription.AssignFromSubscribedAwaitingCallback(all, e.added)
	} else {
		e.subscription.AssignFromSubscribed(all)
	}

	// spec §4.6 "Empty-assignment handling": an empty-from-empty
	// reconciliation (no revoked, no added) invokes no callback at all;
	// len(added) > 0 is therefore both the normal and the only trigger
	// condition here.
	if len(e.added) > 0 {
		if listener := e.subscription.RebalanceListener(); listener != nil {
			e.emitCallback(events.MethodOnPartitionsAssigned, e.added)
			e.step = stepAwaitingAssignCallback
			return
		}
	}
	e.finish()
}

// afterAssignCallback performs spec §4.6 step 6's completion: enable the
// newly added partitions for fetching, unless the callback failed — in
// which case they remain disabled, per spec §4.6 "Callback failures."
// Callers must hold e.mu.
func (e *Engine) afterAssignCallback(err error) {
	if err != nil {
		e.lastCallbackErr = err
	} else {
		e.subscription.EnablePartitionsAwaitingCallback(e.added)
	}
	e.finish()
}

// finish performs spec §4.6 step 7: commit the new current assignment,
// clear the consumed target, and move RECONCILING -> ACKNOWLEDGING. Step 8
// (ACKNOWLEDGING -> STABLE/RECONCILING) fires from
// membership.OnHeartbeatRequestGenerated, driven by internal/heartbeat.
// Callers must hold e.mu.
func (e *Engine) finish() {
	e.metrics.Counter(metrics.ReconciliationsDone, 1, "outcome", "completed")
	e.membership.SetCurrentAssignment(e.resolved)
	e.membership.ClearTarget()
	e.membership.CompleteReconciliationStep()
	e.membership.EndReconciliation()
	e.reset()
}

// EmitRevokeCallback enqueues an on_partitions_revoked background callback
// outside the engine's own suspend/resume cycle, for internal/processor's
// UNSUBSCRIBE handling (spec §4.5: the partitions LeaveGroup returns must
// run through the revocation callback before the leave heartbeat sends).
// The engine does not track this callback's completion; the caller
// resumes membership's leave sequence directly once it completes.
func (e *Engine) EmitRevokeCallback(parts []assignment.Partition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitCallback(events.MethodOnPartitionsRevoked, parts)
}

func (e *Engine) emitCallback(method events.RebalanceMethod, parts []assignment.Partition) {
	fut := events.NewCompletableEvent[error](0)
	if e.reaper != nil {
		e.reaper.Track(fut)
	}
	e.background.Enqueue(&events.BackgroundEvent{
		Type:       events.BackgroundCallbackNeeded,
		Method:     method,
		Partitions: parts,
		Future:     fut,
	})
}

// resolveTarget splits target into the partitions whose topic-id currently
// resolves to a name (resolved) and the topic-ids that do not yet (spec
// §4.6 step 1).
func resolveTarget(target assignment.Assignment, names map[assignment.TopicId]string) (resolved assignment.Assignment, awaiting map[assignment.TopicId]struct{}) {
	awaiting = make(map[assignment.TopicId]struct{})
	var parts []assignment.Partition
	for _, t := range target.Topics() {
		if _, ok := names[t]; ok {
			for _, idx := range target.IndicesFor(t) {
				parts = append(parts, assignment.Partition{Topic: t, Index: idx})
			}
			continue
		}
		awaiting[t] = struct{}{}
	}
	resolved = assignment.New(parts...)
	return resolved, awaiting
}

// diff returns a \ b.
func diff(a, b assignment.Assignment) []assignment.Partition {
	bSet := make(map[assignment.Partition]struct{})
	for _, p := range b.Partitions() {
		bSet[p] = struct{}{}
	}
	var out []assignment.Partition
	for _, p := range a.Partitions() {
		if _, ok := bSet[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}
