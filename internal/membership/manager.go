// Package membership implements the membership manager state machine: spec
// §3 ("Membership state") and §4.5.
package membership

import (
	"errors"
	"sync"

	"github.com/comute/groupcore/internal/assignment"
	"github.com/comute/groupcore/internal/events"
	"github.com/comute/groupcore/internal/logging"
)

// ErrMemberFatal resolves a pending leave future when the member transitions
// to FATAL before the leave could complete.
var ErrMemberFatal = errors.New("groupcore: member transitioned to fatal before leave completed")

// Listener is notified with the current (member id, member epoch) pair on
// every change to either value, inline with the mutation, per spec §4.5:
// "On every member-id or member-epoch change the registered listener is
// invoked with the new pair... It must NOT be invoked if neither changed."
type Listener func(memberID string, epoch int32)

// Manager is the single mutator of membership state, per spec §3's
// invariant: "The reactor is the only mutator of membership state,
// assignment, and the queues' consumer side." Every exported method here
// must only ever be called from the reactor goroutine.
type Manager struct {
	mu sync.Mutex

	log    logging.Logger
	strict bool // debug-build-style: illegal transitions return an error instead of being silently ignored

	state State

	memberID    string
	memberEpoch int32

	current assignment.Assignment
	target  assignment.Assignment
	hasTarget bool

	awaitingMetadata map[assignment.TopicId]struct{}
	reconciling      bool

	groupInstanceID *string

	generation int // bumped on every fence and every poll-timer leave, not on rejoin; reconcile.Engine reads this for staleness discard

	listener Listener
	lastNotifiedID    string
	lastNotifiedEpoch int32
	notified          bool

	leaveFuture     *events.CompletableEvent[error]
	callbackPending bool // an on-partitions-lost callback is outstanding (FENCED or STALE)

	stableWaiters []*events.CompletableEvent[error] // pending WAIT_FOR_JOIN_GROUP futures

	pendingPollTimerLeave bool
	pollTimerLost         []assignment.Partition
	pollResetSinceStale   bool // set by NotifyPollReset; gates the STALE -> JOINING rejoin
}

// Opt configures a new Manager.
type Opt func(*Manager)

// WithLogger injects a Logger, defaulting to logging.NoOp.
func WithLogger(l logging.Logger) Opt { return func(m *Manager) { m.log = l } }

// WithStrictTransitions makes illegal transitions return ErrIllegalTransition
// instead of being logged and ignored, matching spec §4.5's "MUST be
// rejected with an invariant-violation error in debug builds."
func WithStrictTransitions() Opt { return func(m *Manager) { m.strict = true } }

// WithGroupInstanceID enables static membership: leave_group uses epoch -2
// instead of -1.
func WithGroupInstanceID(id string) Opt {
	return func(m *Manager) { m.groupInstanceID = &id }
}

// New creates a Manager in UNSUBSCRIBED with epoch 0 and no member id.
func New(listener Listener, opts ...Opt) *Manager {
	m := &Manager{
		log:              logging.NoOp{},
		state:            Unsubscribed,
		memberEpoch:      0,
		awaitingMetadata: make(map[assignment.TopicId]struct{}),
		listener:         listener,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state under lock.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// MemberID returns the current member id, empty until the first successful
// heartbeat.
func (m *Manager) MemberID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memberID
}

// MemberEpoch returns the current member epoch.
func (m *Manager) MemberEpoch() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.memberEpoch
}

// GroupInstanceID returns the static-membership instance id, if any.
func (m *Manager) GroupInstanceID() *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupInstanceID
}

// Generation returns the reconciliation generation counter, bumped on every
// fence and every poll-timer leave; an explicit leave and the rejoin that
// follows any of these leave it unchanged. internal/reconcile uses this to
// discard stale resumed
// work, spec §4.6 "Staleness discard."
func (m *Manager) Generation() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// CurrentAssignment returns the acknowledged current assignment.
func (m *Manager) CurrentAssignment() assignment.Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SetCurrentAssignment is called by the reconciliation engine once it has
// computed and applied the new subscription state (spec §4.6 step 7).
func (m *Manager) SetCurrentAssignment(a assignment.Assignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = a
}

// Target returns the pending target assignment and whether one is set.
func (m *Manager) Target() (assignment.Assignment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target, m.hasTarget
}

// ClearTarget is called once the reconciliation engine has fully consumed
// (or discarded) the current target.
func (m *Manager) ClearTarget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasTarget = false
}

// AwaitingMetadataTopics returns the set of topic ids the reconciliation
// engine could not yet resolve via the metadata cache.
func (m *Manager) AwaitingMetadataTopics() map[assignment.TopicId]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[assignment.TopicId]struct{}, len(m.awaitingMetadata))
	for k := range m.awaitingMetadata {
		out[k] = struct{}{}
	}
	return out
}

// SetAwaitingMetadata replaces the awaiting-metadata set.
func (m *Manager) SetAwaitingMetadata(topics map[assignment.TopicId]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaitingMetadata = topics
}

// BeginReconciliation claims the single reconciliation-in-progress slot,
// spec §3 invariant: "At most one reconciliation may be in progress per
// member." Returns false if one is already running.
func (m *Manager) BeginReconciliation() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconciling {
		return false
	}
	m.reconciling = true
	return true
}

// EndReconciliation releases the reconciliation-in-progress slot.
func (m *Manager) EndReconciliation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconciling = false
}

// ShouldHeartbeatNow reports whether the heartbeat request manager must emit
// a heartbeat on this tick regardless of the heartbeat-interval timer, per
// spec §4.4: JOINING needs its first heartbeat to learn a member id,
// ACKNOWLEDGING needs its acknowledgement delivered promptly, and LEAVING
// needs its one leave heartbeat sent.
func (m *Manager) ShouldHeartbeatNow() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Joining, Acknowledging, Leaving:
		return true
	default:
		return false
	}
}

// NeedsLeaveHeartbeat reports whether the next heartbeat must carry a leave
// epoch (-1 dynamic, -2 static), i.e. the member is in LEAVING awaiting its
// one-shot leave send.
func (m *Manager) NeedsLeaveHeartbeat() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Leaving
}

// ErrIllegalTransition is returned (strict mode) or logged (default mode)
// when a transition outside spec §4.5's table is attempted.
type ErrIllegalTransition struct {
	From, To State
}

func (e *ErrIllegalTransition) Error() string {
	return "groupcore: illegal membership transition " + e.From.String() + " -> " + e.To.String()
}

// transition applies a state change if legal, honoring spec §4.5: "all
// others MUST be rejected with an invariant-violation error in debug builds
// and an ignored no-op with a warning in release builds." Callers must hold
// m.mu.
func (m *Manager) transitionLocked(to State) error {
	if !isLegal(m.state, to) {
		err := &ErrIllegalTransition{From: m.state, To: to}
		if m.strict {
			return err
		}
		m.log.Log(logging.LevelWarn, "ignoring illegal membership transition", "from", m.state, "to", to)
		return nil
	}
	m.state = to
	m.resolveStableWaitersLocked()
	return nil
}

// resolveStableWaitersLocked settles every pending WAIT_FOR_JOIN_GROUP
// future once the member reaches STABLE (success) or FATAL (failure).
// Callers must hold m.mu.
func (m *Manager) resolveStableWaitersLocked() {
	switch m.state {
	case Stable:
		for _, w := range m.stableWaiters {
			w.Resolve(nil)
		}
		m.stableWaiters = nil
	case Fatal:
		for _, w := range m.stableWaiters {
			w.Fail(ErrMemberFatal)
		}
		m.stableWaiters = nil
	}
}

// NotifyOnStable returns a future that resolves once the member reaches
// STABLE, or fails with ErrMemberFatal if FATAL is reached first, per spec
// §4.8's WAIT_FOR_JOIN_GROUP event. A member already in either terminal
// condition gets an already-resolved future.
func (m *Manager) NotifyOnStable() *events.CompletableEvent[error] {
	m.mu.Lock()
	defer m.mu.Unlock()

	fut := events.NewCompletableEvent[error](0)
	switch m.state {
	case Stable:
		fut.Resolve(nil)
	case Fatal:
		fut.Fail(ErrMemberFatal)
	default:
		m.stableWaiters = append(m.stableWaiters, fut)
	}
	return fut
}

// ForceTransitionForTest applies a transition bypassing the legal-transition
// check, for other packages' tests that need to fast-forward past steps
// this package's own tests drive through the normal operations (e.g.
// reconciliation completing outside internal/membership). Not for
// production use.
func (m *Manager) ForceTransitionForTest(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = to
	return nil
}

// notifyListenerLocked invokes the listener inline iff member id or epoch
// changed since the last notification. Callers must hold m.mu; the listener
// itself must not attempt to re-lock the Manager.
func (m *Manager) notifyListenerLocked() {
	if m.notified && m.lastNotifiedID == m.memberID && m.lastNotifiedEpoch == m.memberEpoch {
		return
	}
	m.lastNotifiedID, m.lastNotifiedEpoch, m.notified = m.memberID, m.memberEpoch, true
	if m.listener != nil {
		id, epoch := m.memberID, m.memberEpoch
		m.listener(id, epoch)
	}
}
