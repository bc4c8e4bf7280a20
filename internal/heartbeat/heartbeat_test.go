package heartbeat

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/comute/groupcore/internal/assignment"
	"github.com/comute/groupcore/internal/coordinator"
	"github.com/comute/groupcore/internal/membership"
	"github.com/comute/groupcore/internal/metrics"
	"github.com/comute/groupcore/internal/networkclient"
)

// recordingSink is a minimal metrics.Sink recording every call, for
// assertions that a manager actually emits the metrics it claims to.
type recordingSink struct {
	counters map[string]int64
	observed map[string]int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{counters: map[string]int64{}, observed: map[string]int{}}
}

func (s *recordingSink) Counter(name string, delta int64, _ ...string) { s.counters[name] += delta }
func (s *recordingSink) Observe(name string, _ float64, _ ...string)   { s.observed[name]++ }

var _ metrics.Sink = (*recordingSink)(nil)

func newReadyManager(t *testing.T) (*Manager, *membership.Manager, *coordinator.Manager, *networkclient.Fake) {
	t.Helper()
	mem := membership.New(nil)
	mem.Subscribe()
	coord := coordinator.New("g1")
	hb := New("g1", mem, coord, 0)
	fake := networkclient.NewFake()
	return hb, mem, coord, fake
}

func forceCoordinatorKnown(t *testing.T, c *coordinator.Manager, fake *networkclient.Fake) {
	t.Helper()
	r := c.Poll(0)
	require.Len(t, r.Unsent, 1)
	fake.OnKey(r.Unsent[0].Req.Key(), func(kmsg.Request) (kmsg.Response, error) {
		resp := kmsg.NewPtrFindCoordinatorResponse()
		nc := kmsg.NewFindCoordinatorResponseCoordinator()
		nc.NodeID = 9
		resp.Coordinators = append(resp.Coordinators, nc)
		return resp, nil
	})
	fake.SendAll(r.Unsent)
	fake.Poll(0, 1)
	_, known := c.Known()
	require.True(t, known)
}

func TestPollIsIdleUntilCoordinatorKnown(t *testing.T) {
	hb, _, _, _ := newReadyManager(t)
	r := hb.Poll(0)
	require.Empty(t, r.Unsent)
}

func TestFirstHeartbeatSentOnJoining(t *testing.T) {
	hb, mem, coord, fake := newReadyManager(t)
	forceCoordinatorKnown(t, coord, fake)

	r := hb.Poll(0)
	require.Len(t, r.Unsent, 1)

	req, ok := r.Unsent[0].Req.(*kmsg.ConsumerGroupHeartbeatRequest)
	require.True(t, ok)
	require.Equal(t, "g1", req.Group)
	require.Equal(t, int32(0), req.MemberEpoch)
	require.Equal(t, membership.Joining, mem.State())
}

func TestHeartbeatSuccessDrivesReconcilingAndMemberID(t *testing.T) {
	hb, mem, coord, fake := newReadyManager(t)
	forceCoordinatorKnown(t, coord, fake)

	var topic assignment.TopicId
	topic[0] = 1

	r := hb.Poll(0)
	req := r.Unsent[0].Req

	fake.OnKey(req.Key(), func(kmsg.Request) (kmsg.Response, error) {
		resp := kmsg.NewPtrConsumerGroupHeartbeatResponse()
		resp.MemberID = "member-1"
		resp.MemberEpoch = 1
		resp.HeartbeatIntervalMillis = 5000
		wt := kmsg.NewConsumerGroupHeartbeatResponseAssignmentTopic()
		wt.TopicID = topic
		wt.Partitions = []int32{0, 1}
		a := kmsg.NewConsumerGroupHeartbeatResponseAssignment()
		a.Topics = append(a.Topics, wt)
		resp.Assignment = &a
		return resp, nil
	})
	fake.SendAll(r.Unsent)
	fake.Poll(0, 1)

	require.Equal(t, "member-1", mem.MemberID())
	require.Equal(t, int32(1), mem.MemberEpoch())
	require.Equal(t, membership.Reconciling, mem.State())

	target, ok := mem.Target()
	require.True(t, ok)
	require.ElementsMatch(t, []int32{0, 1}, target.IndicesFor(topic))
}

func TestFencedErrorInvokesOnPartitionsLostAndRejoins(t *testing.T) {
	mem := membership.New(nil)
	mem.Subscribe()
	mem.OnHeartbeatSuccess("m1", 1, nil)
	require.NoError(t, memTransition(mem, membership.Stable))

	var topic assignment.TopicId
	topic[0] = 2
	mem.SetCurrentAssignment(assignment.FromMap(map[assignment.TopicId][]int32{topic: {0}}))

	coord := coordinator.New("g1")
	fake := networkclient.NewFake()
	var lostSeen []assignment.Partition
	hb := New("g1", mem, coord, 0, WithOnPartitionsLost(func(lost []assignment.Partition) {
		lostSeen = lost
	}))
	forceCoordinatorKnown(t, coord, fake)

	r := hb.Poll(3000) // Stable doesn't ShouldHeartbeatNow; force the interval timer to fire
	require.Len(t, r.Unsent, 1)
	req := r.Unsent[0].Req

	fake.OnKey(req.Key(), func(kmsg.Request) (kmsg.Response, error) {
		resp := kmsg.NewPtrConsumerGroupHeartbeatResponse()
		resp.ErrorCode = codeFencedMemberEpoch
		return resp, nil
	})
	fake.SendAll(r.Unsent)
	fake.Poll(0, 1)

	require.Len(t, lostSeen, 1)
	require.Equal(t, membership.Fenced, mem.State())

	mem.OnLostCallbackCompleted(nil)
	require.Equal(t, membership.Joining, mem.State())
}

func TestFatalErrorTransitionsMembershipToFatal(t *testing.T) {
	hb, mem, coord, fake := newReadyManager(t)
	forceCoordinatorKnown(t, coord, fake)

	r := hb.Poll(0)
	req := r.Unsent[0].Req
	fake.OnKey(req.Key(), func(kmsg.Request) (kmsg.Response, error) {
		resp := kmsg.NewPtrConsumerGroupHeartbeatResponse()
		resp.ErrorCode = codeGroupAuthorizationFailed
		return resp, nil
	})
	fake.SendAll(r.Unsent)
	fake.Poll(0, 1)

	require.Equal(t, membership.Fatal, mem.State())
}

func TestFatalErrorInvokesOnFatalErrorHook(t *testing.T) {
	mem := membership.New(nil)
	mem.Subscribe()
	coord := coordinator.New("g1")
	fake := networkclient.NewFake()

	var reported error
	hb := New("g1", mem, coord, 0, WithOnFatalError(func(err error) {
		reported = err
	}))
	forceCoordinatorKnown(t, coord, fake)

	r := hb.Poll(0)
	req := r.Unsent[0].Req
	fake.OnKey(req.Key(), func(kmsg.Request) (kmsg.Response, error) {
		resp := kmsg.NewPtrConsumerGroupHeartbeatResponse()
		resp.ErrorCode = codeGroupAuthorizationFailed
		return resp, nil
	})
	fake.SendAll(r.Unsent)
	fake.Poll(0, 1)

	require.Equal(t, membership.Fatal, mem.State())
	require.Error(t, reported)
}

func TestPollTimerExpiryEmitsOneShotLeaveAndGoesStale(t *testing.T) {
	mem := membership.New(nil)
	mem.Subscribe()
	mem.OnHeartbeatSuccess("m1", 1, nil)
	require.NoError(t, memTransition(mem, membership.Stable))

	var topic assignment.TopicId
	topic[0] = 6
	mem.SetCurrentAssignment(assignment.FromMap(map[assignment.TopicId][]int32{topic: {0}}))

	coord := coordinator.New("g1")
	fake := networkclient.NewFake()
	var lostSeen []assignment.Partition
	hb := New("g1", mem, coord, 10, WithOnPartitionsLost(func(lost []assignment.Partition) {
		lostSeen = lost
	}))
	forceCoordinatorKnown(t, coord, fake)

	hb.NotifyUserPoll(0)
	r := hb.Poll(50) // past maxPollIntervalMs=10
	require.Len(t, r.Unsent, 1)

	req, ok := r.Unsent[0].Req.(*kmsg.ConsumerGroupHeartbeatRequest)
	require.True(t, ok)
	require.Equal(t, int32(-1), req.MemberEpoch)
	require.Equal(t, membership.Stale, mem.State())
	require.Len(t, lostSeen, 1)
}

func TestSuccessfulHeartbeatRecordsMetrics(t *testing.T) {
	mem := membership.New(nil)
	mem.Subscribe()
	coord := coordinator.New("g1")
	fake := networkclient.NewFake()
	sink := newRecordingSink()
	hb := New("g1", mem, coord, 0, WithMetrics(sink))
	forceCoordinatorKnown(t, coord, fake)

	r := hb.Poll(0)
	require.Len(t, r.Unsent, 1)
	fake.OnKey(r.Unsent[0].Req.Key(), func(kmsg.Request) (kmsg.Response, error) {
		resp := kmsg.NewPtrConsumerGroupHeartbeatResponse()
		resp.MemberID = "m1"
		resp.MemberEpoch = 1
		return resp, nil
	})
	fake.SendAll(r.Unsent)
	fake.Poll(0, 1)

	require.EqualValues(t, 1, sink.counters[metrics.HeartbeatsSent])
	require.EqualValues(t, 1, sink.counters[metrics.HeartbeatSuccesses])
	require.Equal(t, 1, sink.observed[metrics.HeartbeatLatencyMs])
}

// memTransition calls ForceTransitionForTest, which skips the legality check,
// for test setup that needs to fast-forward the state machine past steps
// this package doesn't drive itself (e.g. reconciliation finishing and
// acknowledging).
func memTransition(m *membership.Manager, to membership.State) error {
	return m.ForceTransitionForTest(to)
}
