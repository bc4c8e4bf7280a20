package coordinator

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/comute/groupcore/internal/networkclient"
)

func TestPollIsIdleWhenCoordinatorKnown(t *testing.T) {
	m := New("g1")
	m.markKnown(7)

	r := m.Poll(0)
	require.Empty(t, r.Unsent)
}

func TestDiscoversCoordinatorOnSuccess(t *testing.T) {
	m := New("g1")
	fake := networkclient.NewFake()

	r := m.Poll(0)
	require.Len(t, r.Unsent, 1)

	req := r.Unsent[0].Req
	fake.OnKey(req.Key(), func(r kmsg.Request) (kmsg.Response, error) {
		resp := kmsg.NewPtrFindCoordinatorResponse()
		c := kmsg.NewFindCoordinatorResponseCoordinator()
		c.NodeID = 3
		resp.Coordinators = append(resp.Coordinators, c)
		return resp, nil
	})
	fake.SendAll(r.Unsent)
	fake.Poll(0, 1)

	id, known := m.Known()
	require.True(t, known)
	require.EqualValues(t, 3, id)
}

func TestSecondPollDoesNotDuplicateWhileInFlight(t *testing.T) {
	m := New("g1")
	first := m.Poll(0)
	require.Len(t, first.Unsent, 1)

	second := m.Poll(1)
	require.Empty(t, second.Unsent)
}

func TestMarkUnknownTriggersRediscovery(t *testing.T) {
	m := New("g1")
	m.markKnown(1)
	m.MarkUnknown("test", 0)

	r := m.Poll(0)
	require.Len(t, r.Unsent, 1)
}
