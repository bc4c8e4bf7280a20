// Package reactor implements the single-threaded reactor loop, spec §4.1:
// the one piece of code allowed to mutate membership state, the
// assignment, request-manager state, and the network client's unsent
// list.
package reactor

import (
	"github.com/comute/groupcore/internal/events"
	"github.com/comute/groupcore/internal/logging"
	"github.com/comute/groupcore/internal/manager"
	"github.com/comute/groupcore/internal/membership"
	"github.com/comute/groupcore/internal/networkclient"
	"github.com/comute/groupcore/internal/processor"
	"github.com/comute/groupcore/internal/reaper"
	"github.com/comute/groupcore/internal/reconcile"
)

// defaultIdleTimeoutMs bounds the network client's poll timeout when no
// manager, reaper deadline, or heartbeat ceiling expresses an opinion.
const defaultIdleTimeoutMs = 1000

// Reactor drives one run_once cycle at a time. It is not safe for
// concurrent use: spec §5's scheduling model is "single-threaded
// cooperative... exactly one thread reads and mutates" this state.
type Reactor struct {
	log logging.Logger

	appQueue *events.ApplicationQueue
	net      networkclient.Client
	proc     *processor.Processor
	engine   *reconcile.Engine
	mem      *membership.Manager
	reap     *reaper.Reaper

	managerSuppliers []func() manager.RequestManager
	managers         []manager.RequestManager
	started          bool
}

// Opt configures a new Reactor.
type Opt func(*Reactor)

// WithLogger injects a Logger, defaulting to logging.NoOp.
func WithLogger(l logging.Logger) Opt { return func(r *Reactor) { r.log = l } }

// New creates a Reactor. Request managers are added afterward via
// AddManager and constructed lazily on the first RunOnce call, per spec
// §4.1's "startup lazily constructs request managers via one-shot
// suppliers on first run_once."
func New(appQueue *events.ApplicationQueue, net networkclient.Client, proc *processor.Processor, engine *reconcile.Engine, mem *membership.Manager, reap *reaper.Reaper, opts ...Opt) *Reactor {
	r := &Reactor{
		log:      logging.NoOp{},
		appQueue: appQueue,
		net:      net,
		proc:     proc,
		engine:   engine,
		mem:      mem,
		reap:     reap,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// AddManager registers a one-shot supplier for a request manager. Must be
// called before the first RunOnce; suppliers added afterward are never
// invoked.
func (r *Reactor) AddManager(supplier func() manager.RequestManager) {
	r.managerSuppliers = append(r.managerSuppliers, supplier)
}

// RunOnce performs one reactor cycle (spec §4.1 steps a-e):
//
//	(a) drain the application queue, dispatching each event to the processor
//	(b) poll every request manager in registration order
//	(c) hand the collected unsent requests to the network client
//	(d) ask the network client to perform I/O, bounded by the tightest
//	    wake-up opinion among the managers and the reaper
//	(e) reap events whose deadline has passed
//
// Request managers are constructed from their suppliers on the very first
// call.
func (r *Reactor) RunOnce(nowMs int64) {
	if !r.started {
		for _, sup := range r.managerSuppliers {
			r.managers = append(r.managers, sup())
		}
		r.started = true
	}

	r.appQueue.DrainInto(r.proc.Dispatch)

	var unsent []networkclient.UnsentRequest
	nextWakeMs := int64(-1)
	for _, m := range r.managers {
		res := m.Poll(nowMs)
		unsent = append(unsent, res.Unsent...)
		if res.NextWakeMs >= 0 && (nextWakeMs < 0 || res.NextWakeMs < nextWakeMs) {
			nextWakeMs = res.NextWakeMs
		}
	}

	// reconcile.Engine isn't a manager.RequestManager: it never issues
	// network requests of its own, only reads/writes membership and
	// subscription state, so it has no Unsent to contribute.
	r.engine.Poll(nowMs)

	// No application event in spec §4.8's table drives STALE -> JOINING
	// directly; this is the routine bookkeeping call that does, once any
	// on-partitions-lost callback blocking it has completed AND the user
	// has explicitly reset the poll timer (processor.Dispatch's EventPoll
	// case calls membership.NotifyPollReset) — a stale member must not
	// auto-rejoin the instant its callback resolves.
	r.mem.MaybeRejoinStaleMember()

	r.proc.Poll(nowMs)

	if len(unsent) > 0 {
		r.net.SendAll(unsent)
	}

	timeoutMs := nextWakeMs
	if deadline, ok := r.reap.NextDeadlineMs(); ok {
		wait := deadline - nowMs
		if wait < 0 {
			wait = 0
		}
		if timeoutMs < 0 || wait < timeoutMs {
			timeoutMs = wait
		}
	}
	if timeoutMs < 0 {
		timeoutMs = defaultIdleTimeoutMs
	}

	r.net.Poll(timeoutMs, nowMs)
	r.reap.Reap(nowMs)
}

// Shutdown cancels every outstanding completable event (spec §4.1: "shutdown
// calls reap(entire_queue) which cancels every outstanding completable
// event"). The reactor must not be driven with RunOnce afterward.
func (r *Reactor) Shutdown() {
	r.reap.ReapAll()
}
