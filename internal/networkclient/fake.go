package networkclient

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// ErrDisconnected is delivered to a completion slot when the Fake is
// configured to simulate a disconnect for a given request key.
var ErrDisconnected = errors.New("groupcore: simulated disconnect")

// Handler produces a response (or error) for a request of a given kmsg API
// key. Tests register one Handler per key they care about; unregistered
// keys fail every request of that type with ErrNoHandler.
type Handler func(req kmsg.Request) (kmsg.Response, error)

// ErrNoHandler is returned when a test forgets to register a handler for a
// request key the code under test sent.
var ErrNoHandler = errors.New("groupcore: no fake handler registered for this request key")

// pending tracks one in-flight request for correlation/latency bookkeeping.
type pending struct {
	id         uuid.UUID
	req        UnsentRequest
	enqueuedMs int64
}

// Fake is an in-memory Client double: Poll() synchronously resolves every
// SendAll'd request against registered per-key Handlers (or a configured
// disconnect), with no real sockets. This plays the role franz-go's
// pkg/kfake plays for pkg/kgo, scaled down to this core's needs.
type Fake struct {
	mu           sync.Mutex
	handlers     map[int16]Handler
	disconnected map[int16]bool
	queue        []pending
	sent         []kmsg.Request // history, for assertions
}

// NewFake creates an empty Fake network client.
func NewFake() *Fake {
	return &Fake{
		handlers:     make(map[int16]Handler),
		disconnected: make(map[int16]bool),
	}
}

// OnKey registers h to answer every request with the given kmsg API key.
func (f *Fake) OnKey(key int16, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[key] = h
}

// DisconnectKey makes every request of the given key fail with
// ErrDisconnected until cleared by registering a new handler.
func (f *Fake) DisconnectKey(key int16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected[key] = true
}

// SendAll implements Client.
func (f *Fake) SendAll(reqs []UnsentRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range reqs {
		f.sent = append(f.sent, r.Req)
		f.queue = append(f.queue, pending{id: uuid.New(), req: r})
	}
}

// Poll implements Client: it resolves every queued request immediately,
// ignoring timeoutMs (there is no real I/O to wait on).
func (f *Fake) Poll(_ int64, nowMs int64) {
	f.mu.Lock()
	batch := f.queue
	f.queue = nil
	handlers := f.handlers
	disconnected := f.disconnected
	f.mu.Unlock()

	for _, p := range batch {
		key := p.req.Req.Key()
		latency := nowMs - p.req.DeadlineMs // best-effort, deadline not enqueue time in this double
		if latency < 0 {
			latency = 0
		}
		if disconnected[key] {
			p.req.Completion.fail(ErrDisconnected, latency)
			continue
		}
		h, ok := handlers[key]
		if !ok {
			p.req.Completion.fail(ErrNoHandler, latency)
			continue
		}
		resp, err := h(p.req.Req)
		if err != nil {
			p.req.Completion.fail(err, latency)
			continue
		}
		p.req.Completion.complete(resp, latency)
	}
}

// Sent returns every request ever handed to SendAll, for test assertions.
func (f *Fake) Sent() []kmsg.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]kmsg.Request, len(f.sent))
	copy(out, f.sent)
	return out
}
