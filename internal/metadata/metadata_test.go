package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/comute/groupcore/internal/assignment"
)

func topicID(b byte) (assignment.TopicId, [16]byte) {
	var raw [16]byte
	raw[0] = b
	return assignment.TopicId(raw), raw
}

func TestUpdateWithResponseResolvesKnownTopics(t *testing.T) {
	c := NewInMemory()
	id, raw := topicID(1)

	resp := kmsg.NewPtrMetadataResponse()
	topic := kmsg.NewMetadataResponseTopic()
	topic.Topic = "orders"
	topic.TopicID = raw
	resp.Topics = append(resp.Topics, topic)

	c.UpdateWithResponse(resp, false, 1000)

	names := c.TopicNames()
	require.Equal(t, "orders", names[id])
	require.Equal(t, uint64(1), c.Version())
}

func TestUpdateWithResponseSkipsErroredTopics(t *testing.T) {
	c := NewInMemory()
	_, raw := topicID(2)

	resp := kmsg.NewPtrMetadataResponse()
	topic := kmsg.NewMetadataResponseTopic()
	topic.Topic = "broken"
	topic.TopicID = raw
	topic.ErrorCode = 3 // UNKNOWN_TOPIC_OR_PARTITION
	resp.Topics = append(resp.Topics, topic)

	c.UpdateWithResponse(resp, false, 1000)
	require.Empty(t, c.TopicNames())
}

func TestPartialUpdatePreservesExistingEntries(t *testing.T) {
	c := NewInMemory()
	id1, raw1 := topicID(1)
	id2, raw2 := topicID(2)

	first := kmsg.NewPtrMetadataResponse()
	t1 := kmsg.NewMetadataResponseTopic()
	t1.Topic, t1.TopicID = "a", raw1
	first.Topics = append(first.Topics, t1)
	c.UpdateWithResponse(first, false, 1000)

	second := kmsg.NewPtrMetadataResponse()
	t2 := kmsg.NewMetadataResponseTopic()
	t2.Topic, t2.TopicID = "b", raw2
	second.Topics = append(second.Topics, t2)
	c.UpdateWithResponse(second, true, 2000)

	names := c.TopicNames()
	require.Equal(t, "a", names[id1])
	require.Equal(t, "b", names[id2])
}

func TestNeedsUpdateThrottlesUnlessForced(t *testing.T) {
	c := NewInMemory()
	c.RequestUpdate(false)
	require.True(t, c.NeedsUpdate(0))

	c.UpdateWithResponse(kmsg.NewPtrMetadataResponse(), false, 1000)
	require.False(t, c.NeedsUpdate(1000))

	c.RequestUpdate(true)
	require.True(t, c.NeedsUpdate(1000))
}
