// Package processor implements the application event processor, spec
// §4.8: dispatch each application event on its type tag, chaining the
// handling manager's result future onto the event's own future where the
// event carries one.
package processor

import (
	"fmt"

	"github.com/comute/groupcore/internal/assignment"
	"github.com/comute/groupcore/internal/commit"
	"github.com/comute/groupcore/internal/events"
	"github.com/comute/groupcore/internal/heartbeat"
	"github.com/comute/groupcore/internal/logging"
	"github.com/comute/groupcore/internal/membership"
	"github.com/comute/groupcore/internal/metadata"
	"github.com/comute/groupcore/internal/metrics"
	"github.com/comute/groupcore/internal/offsets"
	"github.com/comute/groupcore/internal/reaper"
	"github.com/comute/groupcore/internal/reconcile"
)

// TopicMetadataResult answers a TOPIC_METADATA lookup: the resolved id, or
// Found=false if the topic is not (yet, or ever) known to the metadata
// cache.
type TopicMetadataResult struct {
	TopicID assignment.TopicId
	Found   bool
}

type pendingTopicLookup struct {
	name string
	fut  *events.CompletableEvent[TopicMetadataResult]
}

// Processor dispatches application events onto the managers that own their
// effects. It never issues network requests itself, so it is not a
// manager.RequestManager; the reactor calls Dispatch directly off the
// application queue and Poll once per cycle for bookkeeping that doesn't
// fit any single event (resolving deferred topic-metadata lookups).
type Processor struct {
	log logging.Logger

	membership *membership.Manager
	commit     *commit.Manager
	offsets    *offsets.Manager
	metadata   metadata.Cache
	reconcile  *reconcile.Engine
	heartbeat  *heartbeat.Manager
	reaper     *reaper.Reaper
	metrics    metrics.Sink

	pendingTopics []pendingTopicLookup

	// awaitingLeaveRevoke is set while UNSUBSCRIBE is waiting on its own
	// on_partitions_revoked callback, spec §4.5's "revoked carries the
	// partitions the caller must run on_partitions_revoked over before the
	// leave heartbeat is sent." Distinguishes a leave-driven revoke
	// callback completion from one reconcile.Engine itself is waiting on,
	// since both surface as the same CONSUMER_REBALANCE_LISTENER_CALLBACK_
	// COMPLETED(method=revoked) event.
	awaitingLeaveRevoke bool
}

// Opt configures a new Processor.
type Opt func(*Processor)

// WithLogger injects a Logger, defaulting to logging.NoOp.
func WithLogger(l logging.Logger) Opt { return func(p *Processor) { p.log = l } }

// WithReaper registers every event-carrying Result with the given Reaper,
// so a caller-supplied deadline on a chained future (spec §4.2) actually
// gets enforced. Untracked (nil Reaper, the default) futures still resolve
// normally; they are simply never timed out.
func WithReaper(r *reaper.Reaper) Opt { return func(p *Processor) { p.reaper = r } }

// WithMetrics injects a metrics.Sink, defaulting to metrics.NoOp. Records
// metrics.ApplicationEventsSeen, labeled by event type, on every Dispatch.
func WithMetrics(s metrics.Sink) Opt { return func(p *Processor) { p.metrics = s } }

// New creates a Processor wired to the managers it dispatches onto. hb
// receives the genuine POLL application event so its own max-poll-interval
// clock (heartbeat.Manager.NotifyUserPoll) reflects real user activity
// instead of never advancing past its self-initialized value.
func New(mem *membership.Manager, commitMgr *commit.Manager, offsetsMgr *offsets.Manager, metaCache metadata.Cache, engine *reconcile.Engine, hb *heartbeat.Manager, opts ...Opt) *Processor {
	p := &Processor{
		log:        logging.NoOp{},
		membership: mem,
		commit:     commitMgr,
		offsets:    offsetsMgr,
		metadata:   metaCache,
		reconcile:  engine,
		heartbeat:  hb,
		metrics:    metrics.NoOp{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Dispatch handles one application event. Per spec §4.8: "errors raised by
// handlers are logged and suppressed — they must never propagate out of
// the reactor loop."
func (p *Processor) Dispatch(evt *events.ApplicationEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Log(logging.LevelError, "application event handler panicked", "type", evt.Type, "panic", fmt.Sprint(r))
		}
	}()

	if p.reaper != nil && evt.Result != nil {
		p.reaper.Track(evt.Result)
	}
	p.metrics.Counter(metrics.ApplicationEventsSeen, 1, "type", evt.Type.String())

	switch evt.Type {
	case events.EventPoll:
		p.commit.UpdateAutoCommitTimer(evt.PollTimeMs)
		// The only genuine "user called poll()" signal in the dispatch
		// table: resets the heartbeat manager's own max-poll-interval clock
		// and, per spec GLOSSARY, is the explicit timer reset a STALE
		// member needs before it is allowed to rejoin.
		if p.heartbeat != nil {
			p.heartbeat.NotifyUserPoll(evt.PollTimeMs)
		}
		p.membership.NotifyPollReset()

	case events.EventCommit:
		chain(evt.Result, p.commit.AddOffsetCommitRequest(evt.Offsets))

	case events.EventFetchCommittedOffset:
		chain(evt.Result, p.commit.AddOffsetFetchRequest(evt.Partitions))

	case events.EventMetadataUpdate:
		p.metadata.RequestUpdate(true)

	case events.EventAssignmentChange:
		p.commit.UpdateAutoCommitTimer(evt.Now.UnixMilli())
		// Fire-and-forget: the dispatch table names no result for this
		// event, so an auto-commit failure here is logged by the commit
		// manager's own retry path, not surfaced to the caller.
		p.commit.AddOffsetCommitRequest(evt.Offsets)

	case events.EventTopicMetadata:
		p.handleTopicMetadata(evt)

	case events.EventListOffsets:
		chain(evt.Result, p.offsets.FetchOffsets(evt.Timestamps, evt.RequireTS))

	case events.EventResetPositions:
		p.offsets.ResetPositionsIfNeeded()

	case events.EventValidatePositions:
		p.offsets.ValidatePositionsIfNeeded()

	case events.EventSubscriptionChange:
		p.membership.OnSubscriptionUpdated()

	case events.EventUnsubscribe:
		p.handleUnsubscribe(evt)

	case events.EventRebalanceCallbackCompleted:
		p.handleCallbackCompleted(evt)

	case events.EventWaitForJoinGroup:
		chain(evt.Result, p.membership.NotifyOnStable())

	default:
		p.log.Log(logging.LevelWarn, "unhandled application event type", "type", evt.Type)
	}
}

// Poll resolves any TOPIC_METADATA lookups that were still awaiting
// metadata when first dispatched, against the cache's current contents.
// Called once per reactor cycle, independent of any single event.
func (p *Processor) Poll(nowMs int64) {
	if len(p.pendingTopics) == 0 {
		return
	}
	names := p.metadata.TopicNames()
	byName := make(map[string]assignment.TopicId, len(names))
	for id, name := range names {
		byName[name] = id
	}

	remaining := p.pendingTopics[:0]
	for _, lookup := range p.pendingTopics {
		if id, ok := byName[lookup.name]; ok {
			lookup.fut.Resolve(TopicMetadataResult{TopicID: id, Found: true})
			continue
		}
		remaining = append(remaining, lookup)
	}
	if len(remaining) > 0 {
		p.metadata.RequestUpdate(false)
	}
	p.pendingTopics = remaining
}

func (p *Processor) handleTopicMetadata(evt *events.ApplicationEvent) {
	fut, ok := evt.Result.(*events.CompletableEvent[TopicMetadataResult])
	if !ok || fut == nil {
		p.metadata.RequestUpdate(false)
		return
	}

	names := p.metadata.TopicNames()
	for id, name := range names {
		if name == evt.Topic {
			fut.Resolve(TopicMetadataResult{TopicID: id, Found: true})
			return
		}
	}
	p.metadata.RequestUpdate(false)
	p.pendingTopics = append(p.pendingTopics, pendingTopicLookup{name: evt.Topic, fut: fut})
}

func (p *Processor) handleUnsubscribe(evt *events.ApplicationEvent) {
	fut, revoked := p.membership.LeaveGroup()
	chain(evt.Result, fut)
	if len(revoked) == 0 {
		return
	}
	p.awaitingLeaveRevoke = true
	p.reconcile.EmitRevokeCallback(revoked)
}

func (p *Processor) handleCallbackCompleted(evt *events.ApplicationEvent) {
	if evt.Method == events.MethodOnPartitionsLost {
		p.membership.OnLostCallbackCompleted(evt.CallbackError)
		return
	}

	if p.awaitingLeaveRevoke && evt.Method == events.MethodOnPartitionsRevoked {
		p.awaitingLeaveRevoke = false
		p.membership.OnLeaveRevocationCallbackCompleted(evt.CallbackError)
		return
	}

	p.reconcile.OnCallbackCompleted(evt.Method, evt.CallbackError)
}

// chain bridges src's resolution onto dst, if dst is actually a
// *events.CompletableEvent[T] for the same T as src — the shape every
// "chain X future to event's result" row in spec §4.8 describes. dst is
// typically nil (event carries no caller-visible result) or mistyped only
// through a caller bug, so a failed assertion is silently ignored rather
// than panicking the reactor.
func chain[T any](dst events.Reapable, src *events.CompletableEvent[T]) {
	d, ok := dst.(*events.CompletableEvent[T])
	if !ok || d == nil {
		return
	}
	src.OnResolve(func(v T, err error) {
		if err != nil {
			d.Fail(err)
			return
		}
		d.Resolve(v)
	})
}
