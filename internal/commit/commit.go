// Package commit implements the commit request manager: spec §4.7's
// "Commit manager" — the auto-commit timer plus the offset-commit and
// offset-fetch future-producing operations the processor chains application
// events onto.
package commit

import (
	"errors"
	"sync"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/comute/groupcore/internal/assignment"
	"github.com/comute/groupcore/internal/backoff"
	"github.com/comute/groupcore/internal/coordinator"
	"github.com/comute/groupcore/internal/events"
	"github.com/comute/groupcore/internal/logging"
	"github.com/comute/groupcore/internal/manager"
	"github.com/comute/groupcore/internal/metrics"
	"github.com/comute/groupcore/internal/networkclient"
)

// ErrUnexpectedResponseType is produced when the network client hands the
// completion slot a response of the wrong concrete type, a wiring bug
// rather than a broker-reported failure.
var ErrUnexpectedResponseType = errors.New("groupcore: unexpected response type for commit/fetch request")

// commitRequest is one queued offset-commit attempt awaiting the next Poll.
type commitRequest struct {
	offsets map[assignment.Partition]int64
	fut     *events.CompletableEvent[error]
}

// fetchRequest is one queued offset-fetch attempt awaiting the next Poll.
type fetchRequest struct {
	partitions []assignment.Partition
	fut        *events.CompletableEvent[map[assignment.Partition]int64]
}

// Manager is the commit request manager, spec §4.7.
type Manager struct {
	mu sync.Mutex

	log      logging.Logger
	groupID  string
	memberFn func() (memberID string, epoch int32)

	coordinator *coordinator.Manager
	backoff     *backoff.Backoff

	autoCommitEnabled    bool
	autoCommitIntervalMs int64
	lastAutoCommitMs     int64

	pendingCommits []commitRequest
	pendingFetches []fetchRequest

	metrics metrics.Sink
}

// Opt configures a new Manager.
type Opt func(*Manager)

// WithLogger injects a Logger, defaulting to logging.NoOp.
func WithLogger(l logging.Logger) Opt { return func(m *Manager) { m.log = l } }

// WithAutoCommit enables the periodic auto-commit timer at the given
// interval. Disabled (interval 0) by default.
func WithAutoCommit(intervalMs int64) Opt {
	return func(m *Manager) { m.autoCommitEnabled = true; m.autoCommitIntervalMs = intervalMs }
}

// WithMetrics injects a metrics.Sink, defaulting to metrics.NoOp.
func WithMetrics(s metrics.Sink) Opt { return func(m *Manager) { m.metrics = s } }

// New creates a commit Manager. memberFn supplies the current (member id,
// member epoch) pair at request-build time, so the manager never needs a
// direct dependency on internal/membership.
func New(groupID string, coord *coordinator.Manager, memberFn func() (string, int32), opts ...Opt) *Manager {
	m := &Manager{
		log:         logging.NoOp{},
		groupID:     groupID,
		coordinator: coord,
		memberFn:    memberFn,
		backoff:     backoff.New(),
		metrics:     metrics.NoOp{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Name() string { return "commit" }

// UpdateAutoCommitTimer resets the auto-commit clock, per spec §4.8's
// POLL(poll_time_ms) -> commit.update_auto_commit_timer(poll_time_ms).
func (m *Manager) UpdateAutoCommitTimer(nowMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAutoCommitMs = nowMs
}

// AddOffsetCommitRequest queues an explicit offset commit, returning a
// future that resolves exactly once, possibly with a commit-level broker
// error.
func (m *Manager) AddOffsetCommitRequest(offsets map[assignment.Partition]int64) *events.CompletableEvent[error] {
	fut := events.NewCompletableEvent[error](0)
	m.mu.Lock()
	m.pendingCommits = append(m.pendingCommits, commitRequest{offsets: offsets, fut: fut})
	m.mu.Unlock()
	return fut
}

// AddOffsetFetchRequest queues a committed-offset fetch, returning a future
// resolving to the partition -> offset map.
func (m *Manager) AddOffsetFetchRequest(partitions []assignment.Partition) *events.CompletableEvent[map[assignment.Partition]int64] {
	fut := events.NewCompletableEvent[map[assignment.Partition]int64](0)
	m.mu.Lock()
	m.pendingFetches = append(m.pendingFetches, fetchRequest{partitions: partitions, fut: fut})
	m.mu.Unlock()
	return fut
}

// MaybeAutoCommitSyncBeforeRevocation initiates a best-effort commit of the
// given offsets ahead of a revocation, per spec §4.6 step 3: "initiate a
// revocation commit and suspend reconciliation; resume on commit completion
// (success OR non-retriable failure — a failed commit does not block
// revocation)." The returned future always resolves (never hangs the
// reconciliation loop), carrying the commit error if any.
func (m *Manager) MaybeAutoCommitSyncBeforeRevocation(offsets map[assignment.Partition]int64, deadlineMs int64) *events.CompletableEvent[error] {
	if len(offsets) == 0 {
		done := events.NewCompletableEvent[error](0)
		done.Resolve(nil)
		return done
	}
	fut := events.NewCompletableEvent[error](deadlineMs)
	m.mu.Lock()
	m.pendingCommits = append(m.pendingCommits, commitRequest{offsets: offsets, fut: fut})
	m.mu.Unlock()
	return fut
}

// Poll implements manager.RequestManager: it flushes any queued commit/fetch
// requests. It never builds an auto-commit itself: callers queue auto-commit
// offsets through AddOffsetCommitRequest, and the auto-commit timer only
// shapes the wake time reported by MaxTimeToWaitMs.
func (m *Manager) Poll(nowMs int64) manager.PollResult {
	nodeID, known := m.coordinator.Known()
	if !known {
		return manager.PollResult{NextWakeMs: 0}
	}

	m.mu.Lock()
	commits := m.pendingCommits
	m.pendingCommits = nil
	fetches := m.pendingFetches
	m.pendingFetches = nil
	m.mu.Unlock()

	var unsent []networkclient.UnsentRequest
	for _, c := range commits {
		unsent = append(unsent, m.buildCommit(c, nodeID))
	}
	for _, f := range fetches {
		unsent = append(unsent, m.buildFetch(f, nodeID))
	}

	return manager.PollResult{NextWakeMs: m.MaxTimeToWaitMs(nowMs), Unsent: unsent}
}

func (m *Manager) buildCommit(c commitRequest, nodeID int32) networkclient.UnsentRequest {
	memberID, epoch := m.memberFn()

	req := kmsg.NewPtrOffsetCommitRequest()
	req.Group = m.groupID
	req.MemberID = memberID
	req.Generation = epoch

	byTopic := make(map[assignment.TopicId][]assignment.Partition)
	for p := range c.offsets {
		byTopic[p.Topic] = append(byTopic[p.Topic], p)
	}
	for topic, parts := range byTopic {
		wt := kmsg.NewOffsetCommitRequestTopic()
		wt.TopicID = topic
		for _, p := range parts {
			wp := kmsg.NewOffsetCommitRequestTopicPartition()
			wp.Partition = p.Index
			wp.Offset = c.offsets[p]
			wt.Partitions = append(wt.Partitions, wp)
		}
		req.Topics = append(req.Topics, wt)
	}

	m.metrics.Counter(metrics.CommitRequestsSent, 1)

	return networkclient.UnsentRequest{
		Req:        req,
		TargetNode: &nodeID,
		Completion: networkclient.CompletionSlot{
			OnResponse: func(resp kmsg.Response, latencyMs int64) {
				m.metrics.Observe(metrics.CommitLatencyMs, float64(latencyMs))
				m.onCommitResponse(resp, c.fut)
			},
			OnFailure: func(err error, latencyMs int64) {
				m.metrics.Observe(metrics.CommitLatencyMs, float64(latencyMs))
				c.fut.Fail(err)
			},
		},
	}
}

func (m *Manager) onCommitResponse(resp kmsg.Response, fut *events.CompletableEvent[error]) {
	oc, ok := resp.(*kmsg.OffsetCommitResponse)
	if !ok {
		fut.Fail(ErrUnexpectedResponseType)
		return
	}
	for _, t := range oc.Topics {
		for _, p := range t.Partitions {
			if p.ErrorCode != 0 {
				m.backoff.NextDelay()
				fut.Fail(kerr.ErrorForCode(p.ErrorCode))
				return
			}
		}
	}
	m.backoff.Reset()
	fut.Resolve(nil)
}

func (m *Manager) buildFetch(f fetchRequest, nodeID int32) networkclient.UnsentRequest {
	req := kmsg.NewPtrOffsetFetchRequest()
	req.Group = m.groupID

	byTopic := make(map[assignment.TopicId][]int32)
	for _, p := range f.partitions {
		byTopic[p.Topic] = append(byTopic[p.Topic], p.Index)
	}
	for topic, idxs := range byTopic {
		wt := kmsg.NewOffsetFetchRequestTopic()
		wt.TopicID = topic
		wt.Partitions = idxs
		req.Topics = append(req.Topics, wt)
	}

	return networkclient.UnsentRequest{
		Req:        req,
		TargetNode: &nodeID,
		Completion: networkclient.CompletionSlot{
			OnResponse: func(resp kmsg.Response, _ int64) { m.onFetchResponse(resp, f.fut) },
			OnFailure:  func(err error, _ int64) { f.fut.Fail(err) },
		},
	}
}

func (m *Manager) onFetchResponse(resp kmsg.Response, fut *events.CompletableEvent[map[assignment.Partition]int64]) {
	of, ok := resp.(*kmsg.OffsetFetchResponse)
	if !ok {
		fut.Fail(ErrUnexpectedResponseType)
		return
	}
	out := make(map[assignment.Partition]int64)
	for _, t := range of.Topics {
		for _, p := range t.Partitions {
			if p.ErrorCode != 0 {
				m.log.Log(logging.LevelWarn, "offset fetch partition error", "topic", t.TopicID, "partition", p.Partition, "err", kerr.ErrorForCode(p.ErrorCode))
				continue
			}
			out[assignment.Partition{Topic: t.TopicID, Index: p.Partition}] = p.Offset
		}
	}
	fut.Resolve(out)
}

// MaxTimeToWaitMs reports the time until the auto-commit timer next fires,
// or a large idle wait if auto-commit is disabled.
func (m *Manager) MaxTimeToWaitMs(nowMs int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.autoCommitEnabled {
		return 60_000
	}
	wait := m.autoCommitIntervalMs - (nowMs - m.lastAutoCommitMs)
	if wait < 0 {
		return 0
	}
	return wait
}

var _ manager.RequestManager = (*Manager)(nil)
