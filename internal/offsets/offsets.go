// Package offsets implements the offsets request manager: spec §4.7's
// "Offsets manager" — idempotent position reset/validation and the
// list-offsets future used to resolve timestamps to offsets.
package offsets

import (
	"errors"
	"sync"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/comute/groupcore/internal/assignment"
	"github.com/comute/groupcore/internal/coordinator"
	"github.com/comute/groupcore/internal/events"
	"github.com/comute/groupcore/internal/logging"
	"github.com/comute/groupcore/internal/manager"
	"github.com/comute/groupcore/internal/networkclient"
)

// ErrUnexpectedResponseType is produced when the network client hands the
// completion slot a response of the wrong concrete type.
var ErrUnexpectedResponseType = errors.New("groupcore: unexpected response type for list-offsets request")

// OffsetAndTimestamp pairs a resolved offset with the broker's timestamp for
// it, spec §4.7's fetch_offsets return type.
type OffsetAndTimestamp struct {
	Offset    int64
	Timestamp int64
}

type listRequest struct {
	timestamps       map[assignment.Partition]int64
	requireTimestamp bool
	fut              *events.CompletableEvent[map[assignment.Partition]OffsetAndTimestamp]
}

// Manager is the offsets request manager, spec §4.7.
type Manager struct {
	mu sync.Mutex

	log         logging.Logger
	coordinator *coordinator.Manager

	needReset    map[assignment.Partition]struct{}
	needValidate map[assignment.Partition]struct{}

	pendingLists []listRequest
}

// Opt configures a new Manager.
type Opt func(*Manager)

// WithLogger injects a Logger, defaulting to logging.NoOp.
func WithLogger(l logging.Logger) Opt { return func(m *Manager) { m.log = l } }

// New creates an offsets Manager.
func New(coord *coordinator.Manager, opts ...Opt) *Manager {
	m := &Manager{
		log:          logging.NoOp{},
		coordinator:  coord,
		needReset:    make(map[assignment.Partition]struct{}),
		needValidate: make(map[assignment.Partition]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Name() string { return "offsets" }

// MarkNeedsReset flags partitions whose position must be reset (e.g. newly
// assigned with no committed offset, or an out-of-range fetch response).
func (m *Manager) MarkNeedsReset(parts ...assignment.Partition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range parts {
		m.needReset[p] = struct{}{}
	}
}

// MarkNeedsValidation flags partitions whose leader epoch must be
// reconfirmed against the broker before resuming fetches.
func (m *Manager) MarkNeedsValidation(parts ...assignment.Partition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range parts {
		m.needValidate[p] = struct{}{}
	}
}

// ResetPositionsIfNeeded is idempotent: it returns the set of partitions
// still awaiting a reset and clears it, so a second call before the reset
// completes returns nothing further to do.
func (m *Manager) ResetPositionsIfNeeded() []assignment.Partition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.needReset) == 0 {
		return nil
	}
	out := make([]assignment.Partition, 0, len(m.needReset))
	for p := range m.needReset {
		out = append(out, p)
	}
	m.needReset = make(map[assignment.Partition]struct{})
	return out
}

// ValidatePositionsIfNeeded is the validation-path analogue of
// ResetPositionsIfNeeded.
func (m *Manager) ValidatePositionsIfNeeded() []assignment.Partition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.needValidate) == 0 {
		return nil
	}
	out := make([]assignment.Partition, 0, len(m.needValidate))
	for p := range m.needValidate {
		out = append(out, p)
	}
	m.needValidate = make(map[assignment.Partition]struct{})
	return out
}

// FetchOffsets resolves timestamps to offsets via ListOffsets.
// requireTimestamp, if true, fails the whole future with the first
// partition error in the response; if false, such partitions are logged
// and omitted from the result.
func (m *Manager) FetchOffsets(timestamps map[assignment.Partition]int64, requireTimestamp bool) *events.CompletableEvent[map[assignment.Partition]OffsetAndTimestamp] {
	fut := events.NewCompletableEvent[map[assignment.Partition]OffsetAndTimestamp](0)
	m.mu.Lock()
	m.pendingLists = append(m.pendingLists, listRequest{timestamps: timestamps, requireTimestamp: requireTimestamp, fut: fut})
	m.mu.Unlock()
	return fut
}

// Poll implements manager.RequestManager.
func (m *Manager) Poll(nowMs int64) manager.PollResult {
	nodeID, known := m.coordinator.Known()
	if !known {
		return manager.PollResult{NextWakeMs: 0}
	}

	m.mu.Lock()
	lists := m.pendingLists
	m.pendingLists = nil
	m.mu.Unlock()

	var unsent []networkclient.UnsentRequest
	for _, l := range lists {
		unsent = append(unsent, m.buildList(l, nodeID))
	}
	return manager.PollResult{NextWakeMs: -1, Unsent: unsent}
}

func (m *Manager) buildList(l listRequest, nodeID int32) networkclient.UnsentRequest {
	req := kmsg.NewPtrListOffsetsRequest()

	byTopic := make(map[assignment.TopicId][]assignment.Partition)
	for p := range l.timestamps {
		byTopic[p.Topic] = append(byTopic[p.Topic], p)
	}
	for topic, parts := range byTopic {
		wt := kmsg.NewListOffsetsRequestTopic()
		wt.TopicID = topic
		for _, p := range parts {
			wp := kmsg.NewListOffsetsRequestTopicPartition()
			wp.Partition = p.Index
			wp.Timestamp = l.timestamps[p]
			wt.Partitions = append(wt.Partitions, wp)
		}
		req.Topics = append(req.Topics, wt)
	}

	return networkclient.UnsentRequest{
		Req:        req,
		TargetNode: &nodeID,
		Completion: networkclient.CompletionSlot{
			OnResponse: func(resp kmsg.Response, _ int64) { m.onListResponse(resp, l) },
			OnFailure:  func(err error, _ int64) { l.fut.Fail(err) },
		},
	}
}

func (m *Manager) onListResponse(resp kmsg.Response, l listRequest) {
	lr, ok := resp.(*kmsg.ListOffsetsResponse)
	if !ok {
		l.fut.Fail(ErrUnexpectedResponseType)
		return
	}

	out := make(map[assignment.Partition]OffsetAndTimestamp)
	for _, t := range lr.Topics {
		for _, p := range t.Partitions {
			part := assignment.Partition{Topic: t.TopicID, Index: p.Partition}
			if p.ErrorCode != 0 {
				if l.requireTimestamp {
					l.fut.Fail(kerr.ErrorForCode(p.ErrorCode))
					return
				}
				m.log.Log(logging.LevelWarn, "list-offsets partition error", "partition", part, "err", kerr.ErrorForCode(p.ErrorCode))
				continue
			}
			out[part] = OffsetAndTimestamp{Offset: p.Offset, Timestamp: p.Timestamp}
		}
	}
	l.fut.Resolve(out)
}

// MaxTimeToWaitMs reports a large idle wait; this manager is purely
// request-driven with no internal timer.
func (m *Manager) MaxTimeToWaitMs(nowMs int64) int64 { return 60_000 }

var _ manager.RequestManager = (*Manager)(nil)
