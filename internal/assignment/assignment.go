// Package assignment defines the canonical partition-assignment data model
// shared by the membership and reconciliation engines.
package assignment

import (
	"encoding/hex"
	"fmt"
	"sort"
)

// TopicId is an opaque 128-bit identifier assigned by the broker when a
// topic is created. It is stable across topic renames.
type TopicId [16]byte

func (t TopicId) String() string { return hex.EncodeToString(t[:]) }

// IsZero reports whether t is the zero-value topic id, used as a sentinel
// for "not yet resolved".
func (t TopicId) IsZero() bool { return t == TopicId{} }

// Partition identifies a single partition of a topic by topic id, which is
// stable, rather than by topic name, which may lag behind a rename.
type Partition struct {
	Topic TopicId
	Index int32
}

func (p Partition) String() string { return fmt.Sprintf("%s-%d", p.Topic, p.Index) }

// Assignment is a canonicalised set of partitions, represented as a map from
// topic id to a sorted, deduplicated list of partition indices. Two
// assignments compare equal (via Equal) iff their TopicId -> sorted set<int>
// maps are equal.
type Assignment struct {
	topics map[TopicId][]int32
}

// New builds an Assignment from a flat partition set, canonicalising order
// and removing duplicates.
func New(parts ...Partition) Assignment {
	a := Assignment{topics: make(map[TopicId][]int32, len(parts))}
	for _, p := range parts {
		a.add(p.Topic, p.Index)
	}
	a.sortAll()
	return a
}

// FromMap builds an Assignment directly from a topic -> partition-index map,
// canonicalising order and removing duplicates.
func FromMap(m map[TopicId][]int32) Assignment {
	a := Assignment{topics: make(map[TopicId][]int32, len(m))}
	for t, idxs := range m {
		for _, i := range idxs {
			a.add(t, i)
		}
	}
	a.sortAll()
	return a
}

func (a *Assignment) add(t TopicId, idx int32) {
	if a.topics == nil {
		a.topics = make(map[TopicId][]int32)
	}
	for _, existing := range a.topics[t] {
		if existing == idx {
			return
		}
	}
	a.topics[t] = append(a.topics[t], idx)
}

func (a *Assignment) sortAll() {
	for t := range a.topics {
		sort.Slice(a.topics[t], func(i, j int) bool { return a.topics[t][i] < a.topics[t][j] })
	}
}

// IsEmpty reports whether the assignment has no partitions.
func (a Assignment) IsEmpty() bool {
	for _, idxs := range a.topics {
		if len(idxs) > 0 {
			return false
		}
	}
	return true
}

// Topics returns the set of topic ids present in the assignment.
func (a Assignment) Topics() []TopicId {
	out := make([]TopicId, 0, len(a.topics))
	for t := range a.topics {
		out = append(out, t)
	}
	return out
}

// Partitions returns the flat set of partitions in the assignment, in a
// stable (topic-id, index) order.
func (a Assignment) Partitions() []Partition {
	topics := a.Topics()
	sort.Slice(topics, func(i, j int) bool {
		return string(topics[i][:]) < string(topics[j][:])
	})
	out := make([]Partition, 0)
	for _, t := range topics {
		for _, idx := range a.topics[t] {
			out = append(out, Partition{Topic: t, Index: idx})
		}
	}
	return out
}

// IndicesFor returns the sorted partition indices assigned for a topic id.
func (a Assignment) IndicesFor(t TopicId) []int32 {
	return a.topics[t]
}

// Equal reports whether two assignments contain exactly the same partitions.
func (a Assignment) Equal(o Assignment) bool {
	if len(a.topics) != len(o.topics) {
		return false
	}
	for t, idxs := range a.topics {
		oIdxs, ok := o.topics[t]
		if !ok || len(oIdxs) != len(idxs) {
			return false
		}
		for i := range idxs {
			if idxs[i] != oIdxs[i] {
				return false
			}
		}
	}
	return true
}

func (a Assignment) contains(p Partition) bool {
	for _, idx := range a.topics[p.Topic] {
		if idx == p.Index {
			return true
		}
	}
	return false
}

// Diff computes the sets of partitions revoked (present in a, absent from b)
// and added (present in b, absent from a).
func Diff(a, b Assignment) (revoked, added []Partition) {
	for _, p := range a.Partitions() {
		if !b.contains(p) {
			revoked = append(revoked, p)
		}
	}
	for _, p := range b.Partitions() {
		if !a.contains(p) {
			added = append(added, p)
		}
	}
	return revoked, added
}

// Union returns the assignment containing every partition in a or b.
func Union(a, b Assignment) Assignment {
	out := New(a.Partitions()...)
	for _, p := range b.Partitions() {
		out.add(p.Topic, p.Index)
	}
	out.sortAll()
	return out
}

// Subtract returns a with every partition in remove removed.
func Subtract(a Assignment, remove []Partition) Assignment {
	removeSet := make(map[Partition]struct{}, len(remove))
	for _, p := range remove {
		removeSet[p] = struct{}{}
	}
	out := Assignment{topics: make(map[TopicId][]int32)}
	for _, p := range a.Partitions() {
		if _, gone := removeSet[p]; gone {
			continue
		}
		out.add(p.Topic, p.Index)
	}
	out.sortAll()
	return out
}
