package events

import "github.com/comute/groupcore/internal/assignment"

// BackgroundEventType tags the sum type of events the reactor enqueues for
// the user thread to consume (background event handler, spec §6).
type BackgroundEventType int

const (
	BackgroundError BackgroundEventType = iota
	BackgroundCallbackNeeded
)

// BackgroundEvent is the single concrete type for events flowing from the
// reactor to the user thread: a fatal Error, or a CallbackNeeded request
// asking the user thread to run a rebalance-listener method and report back
// via a CONSUMER_REBALANCE_LISTENER_CALLBACK_COMPLETED application event.
type BackgroundEvent struct {
	Type BackgroundEventType

	Err error

	Method     RebalanceMethod
	Partitions []assignment.Partition
	Future     *CompletableEvent[error]
}
