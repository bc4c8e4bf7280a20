package processor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/comute/groupcore/internal/assignment"
	"github.com/comute/groupcore/internal/commit"
	"github.com/comute/groupcore/internal/coordinator"
	"github.com/comute/groupcore/internal/events"
	"github.com/comute/groupcore/internal/heartbeat"
	"github.com/comute/groupcore/internal/membership"
	"github.com/comute/groupcore/internal/metadata"
	"github.com/comute/groupcore/internal/metrics"
	"github.com/comute/groupcore/internal/networkclient"
	"github.com/comute/groupcore/internal/offsets"
	"github.com/comute/groupcore/internal/reconcile"
	"github.com/comute/groupcore/internal/subscription"
)

type fakeListener struct {
	revokedCalls  [][]assignment.Partition
	assignedCalls [][]assignment.Partition
}

func (l *fakeListener) OnPartitionsRevoked(parts []assignment.Partition) error {
	l.revokedCalls = append(l.revokedCalls, parts)
	return nil
}
func (l *fakeListener) OnPartitionsAssigned(parts []assignment.Partition) error {
	l.assignedCalls = append(l.assignedCalls, parts)
	return nil
}
func (l *fakeListener) OnPartitionsLost([]assignment.Partition) error { return nil }

func readyCoordinator(t *testing.T) (*coordinator.Manager, *networkclient.Fake) {
	t.Helper()
	coord := coordinator.New("g1")
	fake := networkclient.NewFake()
	r := coord.Poll(0)
	fake.OnKey(r.Unsent[0].Req.Key(), func(kmsg.Request) (kmsg.Response, error) {
		resp := kmsg.NewPtrFindCoordinatorResponse()
		c := kmsg.NewFindCoordinatorResponseCoordinator()
		c.NodeID = 1
		resp.Coordinators = append(resp.Coordinators, c)
		return resp, nil
	})
	fake.SendAll(r.Unsent)
	fake.Poll(0, 1)
	return coord, fake
}

func newFixture(t *testing.T) (*Processor, *membership.Manager, *commit.Manager, *offsets.Manager, *metadata.InMemory, *events.BackgroundQueue) {
	t.Helper()
	coord, _ := readyCoordinator(t)
	mem := membership.New(nil)
	cm := commit.New("g1", coord, func() (string, int32) { return mem.MemberID(), mem.MemberEpoch() })
	om := offsets.New(coord)
	cache := metadata.NewInMemory()
	sub := subscription.NewDefault(&fakeListener{})
	bg := events.NewBackgroundQueue(4)
	engine := reconcile.New(mem, sub, cache, cm, bg)
	hb := heartbeat.New("g1", mem, coord, 0)

	p := New(mem, cm, om, cache, engine, hb)
	return p, mem, cm, om, cache, bg
}

type recordingSink struct {
	counters map[string]int64
}

func newRecordingSink() *recordingSink { return &recordingSink{counters: map[string]int64{}} }

func (s *recordingSink) Counter(name string, delta int64, _ ...string) { s.counters[name] += delta }
func (s *recordingSink) Observe(string, float64, ...string)            {}

var _ metrics.Sink = (*recordingSink)(nil)

func TestDispatchRecordsApplicationEventsSeenMetric(t *testing.T) {
	coord, _ := readyCoordinator(t)
	mem := membership.New(nil)
	cm := commit.New("g1", coord, func() (string, int32) { return mem.MemberID(), mem.MemberEpoch() })
	om := offsets.New(coord)
	cache := metadata.NewInMemory()
	sub := subscription.NewDefault(&fakeListener{})
	bg := events.NewBackgroundQueue(4)
	engine := reconcile.New(mem, sub, cache, cm, bg)
	hb := heartbeat.New("g1", mem, coord, 0)
	sink := newRecordingSink()

	p := New(mem, cm, om, cache, engine, hb, WithMetrics(sink))
	p.Dispatch(&events.ApplicationEvent{Type: events.EventSubscriptionChange})

	require.EqualValues(t, 1, sink.counters[metrics.ApplicationEventsSeen])
}

func TestPollEventUpdatesAutoCommitTimer(t *testing.T) {
	p, _, cm, _, _, _ := newFixture(t)
	require.NotPanics(t, func() {
		p.Dispatch(&events.ApplicationEvent{Type: events.EventPoll, PollTimeMs: 1234})
	})
	// Auto-commit is disabled by default on this fixture's commit.Manager,
	// so the timer update has no externally observable effect beyond not
	// panicking; internal/commit's own tests cover the interval math.
	require.Equal(t, int64(60_000), cm.MaxTimeToWaitMs(1234))
}

func TestPollEventGatesStaleMemberRejoin(t *testing.T) {
	p, mem, _, _, _, _ := newFixture(t)
	mem.Subscribe()
	mem.OnHeartbeatSuccess("m1", 1, nil)
	require.NoError(t, mem.ForceTransitionForTest(membership.Stale))

	require.False(t, mem.MaybeRejoinStaleMember(), "must not rejoin before an explicit poll-timer reset")
	require.Equal(t, membership.Stale, mem.State())

	p.Dispatch(&events.ApplicationEvent{Type: events.EventPoll, PollTimeMs: 1})

	require.True(t, mem.MaybeRejoinStaleMember())
	require.Equal(t, membership.Joining, mem.State())
}

func TestCommitEventChainsResultFuture(t *testing.T) {
	p, mem, cm, _, _, _ := newFixture(t)
	mem.Subscribe()
	mem.OnHeartbeatSuccess("m1", 1, nil)

	fut := events.NewCompletableEvent[error](0)
	var t1 assignment.TopicId
	t1[0] = 1
	offs := map[assignment.Partition]int64{{Topic: t1, Index: 0}: 10}
	p.Dispatch(&events.ApplicationEvent{Type: events.EventCommit, Offsets: offs, Result: fut})

	require.False(t, fut.IsDone(), "chained future waits on the broker round trip")
	r := cm.Poll(0)
	require.Len(t, r.Unsent, 1, "dispatch must have enqueued the commit request onto the commit manager")
}

func TestSubscriptionChangeEntersJoining(t *testing.T) {
	p, mem, _, _, _, _ := newFixture(t)
	require.Equal(t, membership.Unsubscribed, mem.State())
	p.Dispatch(&events.ApplicationEvent{Type: events.EventSubscriptionChange})
	require.Equal(t, membership.Joining, mem.State())
}

func TestWaitForJoinGroupChainsNotifyOnStable(t *testing.T) {
	p, mem, _, _, _, _ := newFixture(t)
	mem.Subscribe()
	target := assignment.New()
	mem.OnHeartbeatSuccess("m1", 1, &target)
	require.Equal(t, membership.Reconciling, mem.State())

	fut := events.NewCompletableEvent[error](0)
	p.Dispatch(&events.ApplicationEvent{Type: events.EventWaitForJoinGroup, Result: fut})
	require.False(t, fut.IsDone())

	mem.SetCurrentAssignment(target)
	mem.ClearTarget()
	mem.CompleteReconciliationStep()
	require.Equal(t, membership.Acknowledging, mem.State())
	mem.OnHeartbeatRequestGenerated()
	require.Equal(t, membership.Stable, mem.State())

	require.True(t, fut.IsDone())
	_, err := fut.Get()
	require.NoError(t, err)
}

func TestUnsubscribeChainsLeaveFutureAndEmitsRevokeCallback(t *testing.T) {
	p, mem, _, _, _, bg := newFixture(t)
	var t1 assignment.TopicId
	t1[0] = 9
	mem.Subscribe()
	mem.OnHeartbeatSuccess("m1", 1, nil)
	require.NoError(t, mem.ForceTransitionForTest(membership.Stable))
	mem.SetCurrentAssignment(assignment.New(assignment.Partition{Topic: t1, Index: 0}))

	fut := events.NewCompletableEvent[error](0)
	p.Dispatch(&events.ApplicationEvent{Type: events.EventUnsubscribe, Result: fut})

	require.Equal(t, membership.PrepareLeaving, mem.State())
	require.True(t, p.awaitingLeaveRevoke)

	evt := bg.Poll()
	require.NotNil(t, evt)
	require.Equal(t, events.MethodOnPartitionsRevoked, evt.Method)

	p.Dispatch(&events.ApplicationEvent{
		Type:   events.EventRebalanceCallbackCompleted,
		Method: events.MethodOnPartitionsRevoked,
	})
	require.False(t, p.awaitingLeaveRevoke)
	require.Equal(t, membership.Leaving, mem.State())
}

func TestTopicMetadataResolvesImmediatelyWhenCacheIsWarm(t *testing.T) {
	p, _, _, _, cache, _ := newFixture(t)
	var raw [16]byte
	raw[0] = 2
	t1 := assignment.TopicId(raw)
	resp := kmsg.NewPtrMetadataResponse()
	topic := kmsg.NewMetadataResponseTopic()
	topic.Topic = "orders"
	topic.TopicID = raw
	resp.Topics = append(resp.Topics, topic)
	cache.UpdateWithResponse(resp, false, 0)

	fut := events.NewCompletableEvent[TopicMetadataResult](0)
	p.Dispatch(&events.ApplicationEvent{Type: events.EventTopicMetadata, Topic: "orders", Result: fut})

	require.True(t, fut.IsDone())
	v, err := fut.Get()
	require.NoError(t, err)
	require.True(t, v.Found)
	require.Equal(t, t1, v.TopicID)
}

func TestTopicMetadataResolvesLaterOnPoll(t *testing.T) {
	p, _, _, _, cache, _ := newFixture(t)
	fut := events.NewCompletableEvent[TopicMetadataResult](0)
	p.Dispatch(&events.ApplicationEvent{Type: events.EventTopicMetadata, Topic: "orders", Result: fut})
	require.False(t, fut.IsDone())

	var raw [16]byte
	raw[0] = 3
	resp := kmsg.NewPtrMetadataResponse()
	topic := kmsg.NewMetadataResponseTopic()
	topic.Topic = "orders"
	topic.TopicID = raw
	resp.Topics = append(resp.Topics, topic)
	cache.UpdateWithResponse(resp, false, 0)

	p.Poll(0)
	require.True(t, fut.IsDone())
}

func TestResetPositionsEventDelegatesToOffsetsManager(t *testing.T) {
	p, _, _, om, _, _ := newFixture(t)
	var t1 assignment.TopicId
	t1[0] = 4
	om.MarkNeedsReset(assignment.Partition{Topic: t1, Index: 0})

	require.NotPanics(t, func() {
		p.Dispatch(&events.ApplicationEvent{Type: events.EventResetPositions})
	})
}

func TestHandlerPanicIsRecoveredAndLogged(t *testing.T) {
	p := New(nil, nil, nil, nil, nil, nil)
	// With no commit manager the EventCommit handler panics on a nil
	// receiver; Dispatch must recover it rather than let it escape.
	require.NotPanics(t, func() {
		p.Dispatch(&events.ApplicationEvent{Type: events.EventCommit, Result: nil})
	})
}
