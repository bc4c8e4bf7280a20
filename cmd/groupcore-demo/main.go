// Command groupcore-demo wires every manager in internal/ into a Reactor
// and drives a short scripted scenario against a fake network client: join
// the group, reach STABLE, simulate the user thread running whatever
// rebalance callback the background queue asks for, then leave cleanly.
// There is no real broker here — spec §1 treats the network client and
// wire serialization as external collaborators — so this binary plays the
// same role the teacher's examples/ tree plays for pkg/kgo: showing how
// the pieces assemble, not a production entrypoint.
package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/comute/groupcore/internal/assignment"
	"github.com/comute/groupcore/internal/commit"
	"github.com/comute/groupcore/internal/coordinator"
	"github.com/comute/groupcore/internal/events"
	"github.com/comute/groupcore/internal/heartbeat"
	"github.com/comute/groupcore/internal/logging"
	"github.com/comute/groupcore/internal/manager"
	"github.com/comute/groupcore/internal/membership"
	"github.com/comute/groupcore/internal/metadata"
	"github.com/comute/groupcore/internal/metrics"
	"github.com/comute/groupcore/internal/networkclient"
	"github.com/comute/groupcore/internal/offsets"
	"github.com/comute/groupcore/internal/processor"
	"github.com/comute/groupcore/internal/reactor"
	"github.com/comute/groupcore/internal/reaper"
	"github.com/comute/groupcore/internal/reconcile"
	"github.com/comute/groupcore/internal/subscription"
)

var (
	prometheusPath          string
	prometheusListenAddress string
	groupID                 string
	topicName               string
)

func main() {
	flag.StringVar(&prometheusPath, "prometheus-path", "/metrics", "path to publish Prometheus metrics to")
	flag.StringVar(&prometheusListenAddress, "prometheus-listen-address", ":9091", "address to listen on for Prometheus scrapes")
	flag.StringVar(&groupID, "group-id", "groupcore-demo", "consumer group id used in the scripted scenario")
	flag.StringVar(&topicName, "topic", "orders", "topic name the scripted target assignment resolves")
	flag.Parse()

	logger := logging.Basic{Min: logging.LevelDebug}
	sink := metrics.NewPrometheus("groupcore_demo", prometheus.DefaultRegisterer)

	go func() {
		http.Handle(prometheusPath, promhttp.Handler())
		log.Println(http.ListenAndServe(prometheusListenAddress, nil))
	}()

	d := newDemo(logger, sink)
	d.run()
}

// demo bundles every manager the reactor drives plus the fake network
// client standing in for the external collaborator spec §1 excludes.
type demo struct {
	log      logging.Logger
	mem      *membership.Manager
	sub      *subscription.Default
	cache    *metadata.InMemory
	bg       *events.BackgroundQueue
	appQueue *events.ApplicationQueue
	r        *reactor.Reactor

	nowMs int64
}

type demoListener struct{ log logging.Logger }

func (l demoListener) OnPartitionsRevoked(parts []assignment.Partition) error {
	l.log.Log(logging.LevelInfo, "on_partitions_revoked", "partitions", len(parts))
	return nil
}
func (l demoListener) OnPartitionsAssigned(parts []assignment.Partition) error {
	l.log.Log(logging.LevelInfo, "on_partitions_assigned", "partitions", len(parts))
	return nil
}
func (l demoListener) OnPartitionsLost(parts []assignment.Partition) error {
	l.log.Log(logging.LevelWarn, "on_partitions_lost", "partitions", len(parts))
	return nil
}

func newDemo(l logging.Logger, sink metrics.Sink) *demo {
	fake := networkclient.NewFake()
	coord := coordinator.New(groupID)
	mem := membership.New(nil)
	reap := reaper.New()

	var topic assignment.TopicId
	topic[0] = 1

	cache := metadata.NewInMemory()
	sub := subscription.NewDefault(demoListener{log: l})
	bg := events.NewBackgroundQueue(8)
	appQueue := events.NewApplicationQueue(16)

	commitMgr := commit.New(groupID, coord, func() (string, int32) { return mem.MemberID(), mem.MemberEpoch() },
		commit.WithLogger(l), commit.WithMetrics(sink))
	offsetsMgr := offsets.New(coord, offsets.WithLogger(l))
	engine := reconcile.New(mem, sub, cache, commitMgr, bg,
		reconcile.WithLogger(l), reconcile.WithMetrics(sink), reconcile.WithReaper(reap))

	hb := heartbeat.New(groupID, mem, coord, 300_000,
		heartbeat.WithLogger(l), heartbeat.WithMetrics(sink),
		heartbeat.WithOnPartitionsLost(func(lost []assignment.Partition) {
			fut := events.NewCompletableEvent[error](0)
			reap.Track(fut)
			bg.Enqueue(&events.BackgroundEvent{
				Type:       events.BackgroundCallbackNeeded,
				Method:     events.MethodOnPartitionsLost,
				Partitions: lost,
				Future:     fut,
			})
		}),
		heartbeat.WithOnFatalError(func(err error) {
			bg.Enqueue(&events.BackgroundEvent{Type: events.BackgroundError, Err: err})
		}),
	)

	proc := processor.New(mem, commitMgr, offsetsMgr, cache, engine, hb,
		processor.WithLogger(l), processor.WithMetrics(sink), processor.WithReaper(reap))

	r := reactor.New(appQueue, fake, proc, engine, mem, reap, reactor.WithLogger(l))
	r.AddManager(func() manager.RequestManager { return coord })
	r.AddManager(func() manager.RequestManager { return hb })
	r.AddManager(func() manager.RequestManager { return commitMgr })
	r.AddManager(func() manager.RequestManager { return offsetsMgr })

	registerFakeHandlers(fake, topic)

	// The metadata cache is external state per spec §6; no request manager
	// in this core ever issues a MetadataRequest. A real deployment wires
	// this cache to whatever already-running metadata refresher the
	// surrounding consumer client owns. Here that arrival is simulated
	// directly, once, before the join sequence starts.
	resp := kmsg.NewPtrMetadataResponse()
	t := kmsg.NewMetadataResponseTopic()
	t.Topic = topicName
	t.TopicID = topic
	resp.Topics = append(resp.Topics, t)
	cache.UpdateWithResponse(resp, false, 0)

	return &demo{
		log: l, mem: mem, sub: sub, cache: cache,
		bg: bg, appQueue: appQueue, r: r,
	}
}

// registerFakeHandlers answers every request the reactor can send in this
// scenario: coordinator discovery, a heartbeat granting a one-topic target
// assignment, and commits/fetches that always succeed.
func registerFakeHandlers(fake *networkclient.Fake, topic assignment.TopicId) {
	fake.OnKey(kmsg.NewPtrFindCoordinatorRequest().Key(), func(kmsg.Request) (kmsg.Response, error) {
		resp := kmsg.NewPtrFindCoordinatorResponse()
		c := kmsg.NewFindCoordinatorResponseCoordinator()
		c.NodeID = 1
		resp.Coordinators = append(resp.Coordinators, c)
		return resp, nil
	})

	fake.OnKey(kmsg.NewPtrConsumerGroupHeartbeatRequest().Key(), func(req kmsg.Request) (kmsg.Response, error) {
		hbReq := req.(*kmsg.ConsumerGroupHeartbeatRequest)
		resp := kmsg.NewPtrConsumerGroupHeartbeatResponse()
		resp.MemberID = "demo-member-1"
		resp.MemberEpoch = hbReq.MemberEpoch + 1
		resp.HeartbeatIntervalMillis = 3000

		if hbReq.MemberEpoch == 0 {
			wt := kmsg.NewConsumerGroupHeartbeatResponseAssignmentTopic()
			wt.TopicID = topic
			wt.Partitions = []int32{0, 1, 2}
			a := kmsg.NewConsumerGroupHeartbeatResponseAssignment()
			a.Topics = append(a.Topics, wt)
			resp.Assignment = &a
		}
		return resp, nil
	})

	fake.OnKey(kmsg.NewPtrOffsetCommitRequest().Key(), func(req kmsg.Request) (kmsg.Response, error) {
		commitReq := req.(*kmsg.OffsetCommitRequest)
		resp := kmsg.NewPtrOffsetCommitResponse()
		for _, t := range commitReq.Topics {
			wt := kmsg.NewOffsetCommitResponseTopic()
			wt.TopicID = t.TopicID
			for _, p := range t.Partitions {
				wp := kmsg.NewOffsetCommitResponseTopicPartition()
				wp.Partition = p.Partition
				wt.Partitions = append(wt.Partitions, wp)
			}
			resp.Topics = append(resp.Topics, wt)
		}
		return resp, nil
	})

	fake.OnKey(kmsg.NewPtrOffsetFetchRequest().Key(), func(req kmsg.Request) (kmsg.Response, error) {
		fetchReq := req.(*kmsg.OffsetFetchRequest)
		resp := kmsg.NewPtrOffsetFetchResponse()
		for _, t := range fetchReq.Topics {
			wt := kmsg.NewOffsetFetchResponseTopic()
			wt.TopicID = t.TopicID
			for _, idx := range t.Partitions {
				wp := kmsg.NewOffsetFetchResponseTopicPartition()
				wp.Partition = idx
				wp.Offset = -1
				wt.Partitions = append(wt.Partitions, wp)
			}
			resp.Topics = append(resp.Topics, wt)
		}
		return resp, nil
	})

}

func (d *demo) tick(deltaMs int64) {
	d.nowMs += deltaMs
	d.r.RunOnce(d.nowMs)
	d.drainBackgroundCallbacks()
}

// drainBackgroundCallbacks plays the role of the user thread: the engine
// only enqueues the request (reconcile.Engine.emitCallback never touches
// subscription.Listener itself), so the consumer of the background queue
// is who actually runs the rebalance listener and reports the outcome
// back onto the application queue.
func (d *demo) drainBackgroundCallbacks() {
	for {
		evt := d.bg.Poll()
		if evt == nil {
			return
		}
		if evt.Type == events.BackgroundError {
			d.log.Log(logging.LevelError, "background error", "err", evt.Err)
			continue
		}

		var err error
		if l := d.sub.RebalanceListener(); l != nil {
			switch evt.Method {
			case events.MethodOnPartitionsRevoked:
				err = l.OnPartitionsRevoked(evt.Partitions)
			case events.MethodOnPartitionsAssigned:
				err = l.OnPartitionsAssigned(evt.Partitions)
			case events.MethodOnPartitionsLost:
				err = l.OnPartitionsLost(evt.Partitions)
			}
		}
		evt.Future.Resolve(err)

		result := events.NewCompletableEvent[error](0)
		_ = d.appQueue.Offer(&events.ApplicationEvent{
			Type:   events.EventRebalanceCallbackCompleted,
			Method: evt.Method,
			Result: result,
		})
	}
}

func (d *demo) run() {
	d.log.Log(logging.LevelInfo, "starting groupcore demo", "group", groupID, "topic", topicName)

	d.cache.RequestUpdate(true)
	d.mem.Subscribe()

	for i := 0; i < 10 && d.mem.State() != membership.Stable; i++ {
		d.tick(50)
	}
	d.log.Log(logging.LevelInfo, "membership state after join sequence", "state", d.mem.State().String())

	for i := 0; i < 3; i++ {
		d.tick(100)
	}

	fut := events.NewCompletableEvent[error](0)
	_ = d.appQueue.Offer(&events.ApplicationEvent{Type: events.EventUnsubscribe, Result: fut})
	for i := 0; i < 5 && !fut.IsDone(); i++ {
		d.tick(50)
	}
	d.log.Log(logging.LevelInfo, "left group", "state", d.mem.State().String())

	d.r.Shutdown()
	time.Sleep(10 * time.Millisecond)
}
