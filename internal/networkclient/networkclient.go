// Package networkclient defines the narrow network-client adapter contract
// the core consumes (spec §6) plus an in-memory Fake double used by every
// manager's tests and the demo binary's offline mode — the role
// twmb/franz-go's pkg/kfake plays for pkg/kgo.
//
// The wire format itself is opaque to the reactor core per spec §1/§6; this
// package is where that opacity ends and the real
// github.com/twmb/franz-go/pkg/kmsg request/response types are built,
// mirroring the promisedReq{ctx, req kmsg.Request, promise func(kmsg.Response,
// error), enqueue time.Time} pairing from the teacher's broker.go.
package networkclient

import (
	"github.com/twmb/franz-go/pkg/kmsg"
)

// CompletionSlot is the single-use completion callback an UnsentRequest
// carries, delivered in exactly one of two terminal ways (spec §3: "Request
// outcome"): Response or Failure.
type CompletionSlot struct {
	// OnResponse is invoked exactly once if the request completes with a
	// response, with the wall-clock latency in milliseconds.
	OnResponse func(resp kmsg.Response, latencyMs int64)
	// OnFailure is invoked exactly once if the request fails (transport
	// error or disconnect), with the wall-clock latency in milliseconds.
	OnFailure func(err error, latencyMs int64)
}

func (c CompletionSlot) complete(resp kmsg.Response, latencyMs int64) {
	if c.OnResponse != nil {
		c.OnResponse(resp, latencyMs)
	}
}

func (c CompletionSlot) fail(err error, latencyMs int64) {
	if c.OnFailure != nil {
		c.OnFailure(err, latencyMs)
	}
}

// UnsentRequest is a single outgoing request a RequestManager produced on a
// Poll call, not yet handed to the wire.
type UnsentRequest struct {
	Req        kmsg.Request
	TargetNode *int32 // nil means "any node" / the known coordinator
	Completion CompletionSlot
	DeadlineMs int64
}

// Client is the network client adapter contract, spec §6: "send_all(list
// <UnsentRequest>)... poll(timeout_ms, now) drives I/O; disconnects complete
// the corresponding completion slot with a disconnect error."
type Client interface {
	SendAll(reqs []UnsentRequest)
	Poll(timeoutMs int64, nowMs int64)
}
