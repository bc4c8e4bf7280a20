// Package coordinator implements the coordinator request manager: spec
// §4.7 — "Owns the 'known coordinator' cell. mark_coordinator_unknown
// (reason, now) clears the cell and schedules a discovery request through
// the network client. Heartbeat and commit managers refuse to emit until
// the cell is set."
package coordinator

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/comute/groupcore/internal/backoff"
	"github.com/comute/groupcore/internal/manager"
	"github.com/comute/groupcore/internal/networkclient"
)

// Manager owns the known-coordinator cell and the FindCoordinator request
// flow used to populate it.
type Manager struct {
	mu sync.Mutex

	groupID string
	known   bool
	nodeID  int32

	backoff *backoff.Backoff
}

// New creates a Manager for the given group id, starting with no known
// coordinator.
func New(groupID string) *Manager {
	return &Manager{groupID: groupID, backoff: backoff.New()}
}

func (m *Manager) Name() string { return "coordinator" }

// Known returns the current coordinator node id and whether it is set.
func (m *Manager) Known() (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodeID, m.known
}

// MarkUnknown clears the coordinator cell and schedules rediscovery on the
// next Poll. reason is accepted for logging/metrics only.
func (m *Manager) MarkUnknown(reason string, nowMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = reason
	m.known = false
	m.nodeID = 0
}

// markKnown sets the coordinator cell and resets backoff; called from the
// FindCoordinator completion callback.
func (m *Manager) markKnown(nodeID int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeID = nodeID
	m.known = true
	m.backoff.Reset()
}

// Poll emits a FindCoordinatorRequest if the coordinator is unknown and no
// discovery request is already in flight.
func (m *Manager) Poll(nowMs int64) manager.PollResult {
	m.mu.Lock()
	if m.known || !m.backoff.TryMarkInFlight() {
		wait := int64(-1)
		m.mu.Unlock()
		return manager.PollResult{NextWakeMs: wait}
	}
	groupID := m.groupID
	m.mu.Unlock()

	req := kmsg.NewPtrFindCoordinatorRequest()
	req.CoordinatorKey = groupID
	req.CoordinatorType = 0 // group coordinator

	return manager.PollResult{
		NextWakeMs: 0,
		Unsent: []networkclient.UnsentRequest{{
			Req: req,
			Completion: networkclient.CompletionSlot{
				OnResponse: func(resp kmsg.Response, _ int64) { m.onResponse(resp) },
				OnFailure:  func(err error, _ int64) { m.onFailure() },
			},
		}},
	}
}

func (m *Manager) onResponse(resp kmsg.Response) {
	m.backoff.ClearInFlight()
	fc, ok := resp.(*kmsg.FindCoordinatorResponse)
	if !ok || len(fc.Coordinators) == 0 {
		m.backoff.NextDelay()
		return
	}
	c := fc.Coordinators[0]
	if err := kerr.ErrorForCode(c.ErrorCode); err != nil {
		m.backoff.NextDelay()
		return
	}
	m.markKnown(c.NodeID)
}

func (m *Manager) onFailure() {
	m.backoff.ClearInFlight()
	m.backoff.NextDelay()
}

// MaxTimeToWaitMs reports 0 while the coordinator is unknown (discovery is
// urgent), otherwise a large idle wait.
func (m *Manager) MaxTimeToWaitMs(nowMs int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.known {
		return 0
	}
	return 60_000
}

var _ manager.RequestManager = (*Manager)(nil)
