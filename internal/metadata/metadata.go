// Package metadata provides the metadata-cache contract spec §6 treats as
// external collaborator state, plus a concrete in-memory default
// (InMemory) so the reconciliation engine is exercisable without a real
// cluster metadata component — the role pkg/kfake plays for the real
// broker in the teacher's test suite.
//
// InMemory is adapted from the teacher's pkg/kgo/metadata.go: the
// metawait cond-variable "don't refetch more than once a second" pattern
// and the per-topic error handling in fetchTopicMetadata/mergeTopicPartitions
// are kept, but everything about record buffers, sinks, and sources is
// dropped — this cache only ever needs to answer "what topic name does this
// topic id currently have" for the reconciliation engine.
package metadata

import (
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/comute/groupcore/internal/assignment"
)

// Cache is the narrow contract spec §6 describes: "topic_names() -> map
// <TopicId, TopicName>; request_update(force: bool); update_with_response
// (resp, is_partial_update, now)."
type Cache interface {
	TopicNames() map[assignment.TopicId]string
	RequestUpdate(force bool)
	UpdateWithResponse(resp *kmsg.MetadataResponse, isPartialUpdate bool, nowMs int64)
	Version() uint64
}

// InMemory is a read-through, version-counted metadata cache. Spec §5:
// "The metadata cache is treated as read-mostly external state: any
// mutation observed by the reactor is via a version counter; stale reads
// are tolerated and drive metadata-refresh requests." Version is bumped on
// every UpdateWithResponse call, whether or not the topic-name map changes.
type InMemory struct {
	mu sync.Mutex

	names      map[assignment.TopicId]string
	version    uint64
	lastUpdate time.Time
	needUpdate bool
	forceFlag  bool
}

// NewInMemory creates an empty metadata cache.
func NewInMemory() *InMemory {
	return &InMemory{names: make(map[assignment.TopicId]string)}
}

// TopicNames returns a snapshot copy of the current topic-id -> name map.
func (c *InMemory) TopicNames() map[assignment.TopicId]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[assignment.TopicId]string, len(c.names))
	for k, v := range c.names {
		out[k] = v
	}
	return out
}

// RequestUpdate flags that a refresh is needed. force bypasses the
// metawait-style "updated within the last second, skip" throttle the
// teacher applies in waitmeta.
func (c *InMemory) RequestUpdate(force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.needUpdate = true
	if force {
		c.forceFlag = true
	}
}

// NeedsUpdate reports whether a refresh was requested and has not yet been
// satisfied by UpdateWithResponse, honoring the same "don't refetch within
// a second unless forced" throttle as the teacher's waitmeta.
func (c *InMemory) NeedsUpdate(nowMs int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.needUpdate {
		return false
	}
	if !c.forceFlag && time.Since(c.lastUpdate) < time.Second {
		return false
	}
	return true
}

// UpdateWithResponse merges a broker metadata response into the cache.
// Per-topic errors (spec: topic-ids that do not resolve) simply leave that
// topic absent from TopicNames, exactly as fetchTopicMetadata in the
// teacher skips topics whose loadErr is set.
func (c *InMemory) UpdateWithResponse(resp *kmsg.MetadataResponse, isPartialUpdate bool, nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !isPartialUpdate {
		c.names = make(map[assignment.TopicId]string, len(resp.Topics))
	}
	for i := range resp.Topics {
		t := &resp.Topics[i]
		if kerr.ErrorForCode(t.ErrorCode) != nil {
			continue
		}
		if t.TopicID == ([16]byte{}) {
			continue
		}
		c.names[assignment.TopicId(t.TopicID)] = t.Topic
	}

	c.version++
	c.needUpdate = false
	c.forceFlag = false
	c.lastUpdate = time.UnixMilli(nowMs)
}

// Version returns the current generation counter, bumped on every merge.
func (c *InMemory) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

var _ Cache = (*InMemory)(nil)
