package membership

import (
	"github.com/comute/groupcore/internal/assignment"
	"github.com/comute/groupcore/internal/events"
)

// Subscribe transitions UNSUBSCRIBED -> JOINING on first subscribe, per
// spec §3 Lifecycle: "Members are created in UNSUBSCRIBED, enter JOINING on
// first subscribe."
func (m *Manager) Subscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Unsubscribed {
		m.transitionLocked(Joining)
	}
}

// OnSubscriptionUpdated handles the SUBSCRIPTION_CHANGE application event
// (spec §4.8): if not yet joined, this is equivalent to Subscribe; once
// joined, it is a no-op. Heartbeat requests built by internal/heartbeat
// carry no subscribed topic names, so a changed subscription is not sent to
// the coordinator.
func (m *Manager) OnSubscriptionUpdated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Unsubscribed {
		m.transitionLocked(Joining)
	}
}

// OnHeartbeatSuccess updates member-id/epoch and, if an assignment is
// present, stores it as the new target, triggering a transition into
// RECONCILING from JOINING or STABLE. Spec §4.5.
func (m *Manager) OnHeartbeatSuccess(memberID string, epoch int32, target *assignment.Assignment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.memberID == "" && memberID != "" {
		m.memberID = memberID
	}
	m.memberEpoch = epoch
	m.notifyListenerLocked()

	if target == nil {
		return
	}
	switch m.state {
	case Joining, Reconciling, Acknowledging, Stable:
		m.target = *target
		m.hasTarget = true
		if m.state == Joining || m.state == Stable {
			m.transitionLocked(Reconciling)
		}
		// If already RECONCILING/ACKNOWLEDGING, the new target simply
		// replaces the pending one; the reconciliation loop re-reads
		// Target() on its next step.
	default:
		// PREPARE_LEAVING, LEAVING, FENCED, STALE, FATAL, UNSUBSCRIBED:
		// discard silently, spec §8 boundary behavior ("Receiving a new
		// target while PREPARE_LEAVING discards the new target silently").
	}
}

// OnHeartbeatRequestGenerated is called once the reactor has actually sent
// an outbound heartbeat. It drives ACKNOWLEDGING -> STABLE/RECONCILING,
// LEAVING -> UNSUBSCRIBED, and (per the spec §9 Open Question, resolved:
// fires unconditionally including the poll-timer one-shot leave) the
// pending poll-timer transition to STALE.
func (m *Manager) OnHeartbeatRequestGenerated() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingPollTimerLeave {
		m.pendingPollTimerLeave = false
		m.pollResetSinceStale = false
		m.transitionLocked(Stale)
		return
	}

	switch m.state {
	case Leaving:
		m.transitionLocked(Unsubscribed)
		m.memberID = ""
		m.memberEpoch = 0
		m.notifyListenerLocked()
		if m.leaveFuture != nil {
			m.leaveFuture.Resolve(nil)
			m.leaveFuture = nil
		}
	case Acknowledging:
		if len(m.awaitingMetadata) == 0 {
			m.transitionLocked(Stable)
		} else {
			m.transitionLocked(Reconciling)
		}
	}
}

// CompleteReconciliationStep transitions RECONCILING -> ACKNOWLEDGING once
// the reconciliation engine has applied its locally-resolved assignment and
// cleared the target it resolved against. Spec §4.6 step 7. A call outside
// RECONCILING is a silent no-op: the reconciliation
// engine only calls this once, guarded by its own BeginReconciliation/
// EndReconciliation pairing, but a stale resumption after a fence or leave
// must not force a state change.
func (m *Manager) CompleteReconciliationStep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Reconciling {
		return
	}
	m.transitionLocked(Acknowledging)
}

// OnHeartbeatFailure handles a transport-level heartbeat failure. Retriable
// failures leave state untouched (the caller, internal/heartbeat, clears
// its own sent-fields cache); non-retriable failures promote to FATAL.
func (m *Manager) OnHeartbeatFailure(retriable bool) {
	if retriable {
		return
	}
	m.TransitionToFatal()
}

// OnFenced handles FENCED_MEMBER_EPOCH/UNKNOWN_MEMBER_ID: releases the
// assignment, resets epoch to 0 (keeping member id), bumps the
// reconciliation generation so any suspended reconciliation is discarded,
// and transitions to FENCED (or, if already leaving, nudges toward
// UNSUBSCRIBED instead). Returns the partitions that were lost, for the
// caller to dispatch an on_partitions_lost callback event; empty if no
// callback is needed.
func (m *Manager) OnFenced() (lost []assignment.Partition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Stable, Reconciling, Acknowledging:
		lost = m.current.Partitions()
		m.current = assignment.Assignment{}
		m.target = assignment.Assignment{}
		m.hasTarget = false
		m.memberEpoch = 0
		m.generation++
		m.notifyListenerLocked()
		m.transitionLocked(Fenced)
		m.callbackPending = len(lost) > 0
		if !m.callbackPending {
			m.transitionLocked(Joining)
		}
	case PrepareLeaving:
		m.transitionLocked(Leaving)
	case Leaving:
		// already on its way to UNSUBSCRIBED; no-op.
	default:
		// JOINING or already terminal: fencing has nothing further to do.
	}
	return lost
}

// OnLostCallbackCompleted resumes a membership transition suspended behind
// an on_partitions_lost callback (FENCED waiting to rejoin, or STALE
// waiting for the user to reset the poll timer). err is accepted but not
// inspected: spec §4.6 "Callback failures" — a failing callback does not
// desync the state machine.
func (m *Manager) OnLostCallbackCompleted(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = err
	m.callbackPending = false
	if m.state == Fenced {
		m.transitionLocked(Joining)
	}
	// STALE waits for an explicit MaybeRejoinStaleMember call instead of
	// auto-transitioning here.
}

// LeaveGroup initiates a clean leave. From UNSUBSCRIBED/STALE it returns an
// already-completed future (spec §4.5). A second call while a leave is
// already in flight returns the SAME future (spec §9 Open Question,
// resolved: both calls share the single in-flight leave's resolution).
// revoked carries the partitions the caller must run on_partitions_revoked
// over before the leave heartbeat is sent; it is empty when no revocation
// callback is needed (future already resolved, or one already in flight).
func (m *Manager) LeaveGroup() (fut *events.CompletableEvent[error], revoked []assignment.Partition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Unsubscribed || m.state == Stale {
		done := events.NewCompletableEvent[error](0)
		done.Resolve(nil)
		return done, nil
	}

	if m.state == PrepareLeaving || m.state == Leaving {
		return m.leaveFuture, nil // idempotent double-leave: same future, no new callback
	}

	m.leaveFuture = events.NewCompletableEvent[error](0)
	revoked = m.current.Partitions()
	m.transitionLocked(PrepareLeaving)
	return m.leaveFuture, revoked
}

// OnLeaveRevocationCallbackCompleted resumes a LeaveGroup suspended in
// PREPARE_LEAVING behind the revocation callback. It sets the epoch
// sentinel (-1 dynamic, -2 static) and transitions to LEAVING to await the
// outbound leave heartbeat. A stale call (state already moved on, e.g. a
// concurrent fence) is a no-op.
func (m *Manager) OnLeaveRevocationCallbackCompleted(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = err
	if m.state != PrepareLeaving {
		return
	}
	if m.groupInstanceID != nil {
		m.memberEpoch = -2
	} else {
		m.memberEpoch = -1
	}
	m.current = assignment.Assignment{}
	m.transitionLocked(Leaving)
}

// TransitionToFatal is an unconditional terminal transition: releases the
// assignment and notifies the listener with an empty epoch/member-id.
func (m *Manager) TransitionToFatal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = assignment.Assignment{}
	m.target = assignment.Assignment{}
	m.hasTarget = false
	m.memberID = ""
	m.memberEpoch = 0
	m.state = Fatal // unconditional; bypasses the legality check deliberately
	m.notifyListenerLocked()
	m.resolveStableWaitersLocked()
	if m.leaveFuture != nil {
		m.leaveFuture.Fail(ErrMemberFatal)
		m.leaveFuture = nil
	}
}

// TransitionToSendingLeaveGroup handles the heartbeat manager's request to
// emit a leave heartbeat. dueToPollTimer distinguishes the poll-timer
// one-shot leave (spec §4.4/§4.5): the epoch is set to -1 immediately, but
// the actual state transition to STALE is deferred to
// OnHeartbeatRequestGenerated, once the heartbeat has actually been sent.
func (m *Manager) TransitionToSendingLeaveGroup(dueToPollTimer bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !dueToPollTimer {
		return
	}
	lost := m.current.Partitions()
	m.current = assignment.Assignment{}
	m.target = assignment.Assignment{}
	m.hasTarget = false
	m.memberEpoch = -1
	m.generation++
	m.pendingPollTimerLeave = true
	m.pollTimerLost = lost
	m.callbackPending = len(lost) > 0
}

// PollTimerLostPartitions returns (and clears) the partitions that were
// lost by the most recent poll-timer expiry, for the caller to dispatch an
// on_partitions_lost callback event.
func (m *Manager) PollTimerLostPartitions() []assignment.Partition {
	m.mu.Lock()
	defer m.mu.Unlock()
	lost := m.pollTimerLost
	m.pollTimerLost = nil
	return lost
}

// NotifyPollReset records an explicit poll-timer reset — the public
// consumer-facing poll loop (outside this core) calling poll() again, per
// spec GLOSSARY: a stale member "will rejoin only on an explicit timer
// reset." Call sites outside STALE are harmless no-ops: the flag is
// cleared again the next time the member actually goes STALE.
func (m *Manager) NotifyPollReset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollResetSinceStale = true
}

// MaybeRejoinStaleMember transitions STALE -> JOINING once both an
// outstanding on-partitions-lost callback has completed AND the user has
// explicitly reset the poll timer via NotifyPollReset. It is a no-op
// (returns false) outside STALE, while that callback is still pending, or
// before any poll-timer reset has been observed.
func (m *Manager) MaybeRejoinStaleMember() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Stale || m.callbackPending || !m.pollResetSinceStale {
		return false
	}
	m.pollResetSinceStale = false
	m.transitionLocked(Joining)
	return true
}
