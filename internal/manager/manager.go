// Package manager defines the RequestManager contract shared by every
// poller the reactor drives: spec §4.3.
package manager

import "github.com/comute/groupcore/internal/networkclient"

// PollResult is returned by every RequestManager.Poll call. NextWakeMs is
// advisory: the reactor folds it into the outer poll timeout computation,
// it is never itself an enforced deadline.
type PollResult struct {
	NextWakeMs int64
	Unsent     []networkclient.UnsentRequest
}

// Empty is the zero-cost idle result every manager returns when it has
// nothing to do and no opinion on the next wake time.
var Empty = PollResult{NextWakeMs: -1}

// RequestManager is the capability trait spec §9 calls for in place of
// dynamic dispatch on a manager base class: "encode as a capability trait
// {poll, max_time_to_wait} implemented by each concrete manager; the
// reactor holds them as a fixed-size collection established at startup."
//
// A manager MUST be safe to invoke on any tick and return no Unsent requests
// when idle (Empty when it also has no opinion on the next wake time); it
// must never block on I/O.
type RequestManager interface {
	Name() string
	Poll(nowMs int64) PollResult
	MaxTimeToWaitMs(nowMs int64) int64
}
