package events

import (
	"time"

	"github.com/comute/groupcore/internal/assignment"
)

// ApplicationEventType tags the sum type of events the user-facing API
// thread enqueues for the reactor to process. Modeled per spec §9's design
// note: "model events as a tagged sum type... with the dispatcher matching
// exhaustively", avoiding the deep event-class hierarchy the note flags as
// an anti-pattern to port.
type ApplicationEventType int

const (
	EventPoll ApplicationEventType = iota
	EventCommit
	EventFetchCommittedOffset
	EventMetadataUpdate
	EventAssignmentChange
	EventTopicMetadata
	EventListOffsets
	EventResetPositions
	EventValidatePositions
	EventSubscriptionChange
	EventUnsubscribe
	EventRebalanceCallbackCompleted
	EventWaitForJoinGroup
)

func (t ApplicationEventType) String() string {
	switch t {
	case EventPoll:
		return "POLL"
	case EventCommit:
		return "COMMIT"
	case EventFetchCommittedOffset:
		return "FETCH_COMMITTED_OFFSET"
	case EventMetadataUpdate:
		return "METADATA_UPDATE"
	case EventAssignmentChange:
		return "ASSIGNMENT_CHANGE"
	case EventTopicMetadata:
		return "TOPIC_METADATA"
	case EventListOffsets:
		return "LIST_OFFSETS"
	case EventResetPositions:
		return "RESET_POSITIONS"
	case EventValidatePositions:
		return "VALIDATE_POSITIONS"
	case EventSubscriptionChange:
		return "SUBSCRIPTION_CHANGE"
	case EventUnsubscribe:
		return "UNSUBSCRIBE"
	case EventRebalanceCallbackCompleted:
		return "CONSUMER_REBALANCE_LISTENER_CALLBACK_COMPLETED"
	case EventWaitForJoinGroup:
		return "WAIT_FOR_JOIN_GROUP"
	default:
		return "UNKNOWN"
	}
}

// RebalanceMethod names which rebalance-listener callback a
// CONSUMER_REBALANCE_LISTENER_CALLBACK_COMPLETED event reports on.
type RebalanceMethod int

const (
	MethodOnPartitionsRevoked RebalanceMethod = iota
	MethodOnPartitionsAssigned
	MethodOnPartitionsLost
)

// ApplicationEvent is the single concrete type carrying every application
// event's payload. Only the fields relevant to Type are populated; this
// keeps the dispatcher in internal/processor a single exhaustive switch
// rather than a type hierarchy.
type ApplicationEvent struct {
	Type EventType

	PollTimeMs int64
	Offsets    map[assignment.Partition]int64
	Partitions []assignment.Partition
	NewTopics  []string
	Now        time.Time
	Topic      string
	Timestamps map[assignment.Partition]int64
	RequireTS  bool

	Method        RebalanceMethod
	CallbackError error

	// Result, when non-nil, is resolved by the processor once the event's
	// effect completes (or fails). Its generic payload type depends on
	// Type; processor code type-asserts against the known shape for each
	// event type.
	Result Reapable
}

// EventType is an alias kept for readability at call sites; identical to
// ApplicationEventType.
type EventType = ApplicationEventType
