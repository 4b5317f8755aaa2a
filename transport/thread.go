package transport

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/event"
	"github.com/crm-rpc/crmrpc/log"
)

/*
ThreadRegistry maps thread ids to their in-process servers. Clients and
servers must share the same registry instance; pass it explicitly through
Options rather than relying on process-global state, so two independent
server/client pairs in one process cannot see each other by accident.
*/
type ThreadRegistry struct {
	mu      sync.Mutex
	servers map[string]*ThreadServer
}

func NewThreadRegistry() *ThreadRegistry {
	return &ThreadRegistry{servers: make(map[string]*ThreadServer)}
}

func (r *ThreadRegistry) register(id string, s *ThreadServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.servers[id]; ok {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Replacing already registered thread server", id)
	}
	r.servers[id] = s
}

func (r *ThreadRegistry) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, id)
}

func (r *ThreadRegistry) lookup(id string) *ThreadServer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servers[id]
}

/*
ThreadServer serves one thread:// id inside the current process. Requests
arrive over a buffered channel; each reply is delivered to a per-request
waiter channel the client registered before sending.
*/
type ThreadServer struct {
	addr      string
	thread_id string
	registry  *ThreadRegistry
	queue     *event.Queue

	requests chan event.Event

	mu      sync.Mutex
	waiters map[string]chan event.Event

	down      chan struct{}
	down_once sync.Once
}

func NewThreadServer(addr string, registry *ThreadRegistry) *ThreadServer {
	return &ThreadServer{
		addr:      addr,
		thread_id: strings.TrimPrefix(addr, scheme_thread),
		registry:  registry,
		requests:  make(chan event.Event, 64),
		waiters:   make(map[string]chan event.Event),
		down:      make(chan struct{}),
	}
}

func (s *ThreadServer) BindQueue(q *event.Queue) {
	s.queue = q
}

func (s *ThreadServer) Start() error {
	s.registry.register(s.thread_id, s)
	go s.serve()
	log.CRM_log(log.LOGLEVEL_INFO, "Thread transport serving id", s.thread_id)
	return nil
}

func (s *ThreadServer) serve() {
	for {
		select {
		case <-s.down:
			s.queue.Put(event.Event{Tag: event.SHUTDOWN_FROM_SERVER})
			return
		case ev := <-s.requests:
			s.queue.Put(ev)
			if ev.Tag == event.SHUTDOWN_FROM_CLIENT {
				return
			}
		}
	}
}

// putRequest is the client-side entry point; fails when the server is down
// or its inbox is full.
func (s *ThreadServer) putRequest(ev event.Event) error {
	select {
	case <-s.down:
		return errs.New(errs.ERROR_AT_CRM_SERVER, "thread server %s is shut down", s.thread_id)
	default:
	}
	select {
	case s.requests <- ev:
		return nil
	default:
		return errs.New(errs.ERROR_AT_CRM_SERVER, "request queue is full for thread server %s", s.thread_id)
	}
}

// addWaiter registers a reply channel before the request is sent, so a fast
// reply cannot be lost.
func (s *ThreadServer) addWaiter(request_id string) chan event.Event {
	ch := make(chan event.Event, 1)
	s.mu.Lock()
	s.waiters[request_id] = ch
	s.mu.Unlock()
	return ch
}

func (s *ThreadServer) removeWaiter(request_id string) {
	s.mu.Lock()
	delete(s.waiters, request_id)
	s.mu.Unlock()
}

func (s *ThreadServer) Reply(e event.Event) error {
	if e.RequestID == "" {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Reply event missing request id")
		return errs.New(errs.ERROR_AT_CRM_SERVER, "reply event missing request id")
	}

	// The send happens under the lock: CancelAllCalls closes waiter
	// channels under the same lock, so a reply can never hit a channel
	// that was closed in between. The channel is buffered, the send
	// cannot block.
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.waiters[e.RequestID]
	if ch == nil {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "No waiter for request id", e.RequestID)
		return errs.New(errs.ERROR_AT_CRM_SERVER, "no waiter for request id %s", e.RequestID)
	}
	select {
	case ch <- e:
	default:
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Duplicate reply for request id", e.RequestID)
	}
	return nil
}

func (s *ThreadServer) Shutdown() {
	s.down_once.Do(func() {
		s.registry.unregister(s.thread_id)
		close(s.down)
	})
}

func (s *ThreadServer) Destroy() error {
	s.Shutdown()
	return nil
}

// CancelAllCalls drops queued requests and closes every waiter channel;
// blocked clients observe the close as a failed call.
func (s *ThreadServer) CancelAllCalls() {
drain:
	for {
		select {
		case <-s.requests:
		default:
			break drain
		}
	}

	s.mu.Lock()
	for id, ch := range s.waiters {
		close(ch)
		delete(s.waiters, id)
	}
	s.mu.Unlock()
}

// ThreadClient issues calls against a server found in its registry.
type ThreadClient struct {
	addr      string
	thread_id string
	registry  *ThreadRegistry
	timeout   time.Duration
}

func NewThreadClient(addr string, registry *ThreadRegistry, timeout time.Duration) *ThreadClient {
	return &ThreadClient{
		addr:      addr,
		thread_id: strings.TrimPrefix(addr, scheme_thread),
		registry:  registry,
		timeout:   timeout,
	}
}

func (c *ThreadClient) exchange(ev event.Event, timeout time.Duration) (event.Event, error) {
	server := c.registry.lookup(c.thread_id)
	if server == nil {
		return event.Event{}, errs.New(errs.ERROR_AT_COMPO_CLIENT,
			"thread server %s not found", c.thread_id)
	}

	ch := server.addWaiter(ev.RequestID)
	defer server.removeWaiter(ev.RequestID)

	if err := server.putRequest(ev); err != nil {
		return event.Event{}, err
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return event.Event{}, errs.New(errs.ERROR_AT_COMPO_CLIENT,
				"call cancelled by thread server %s", c.thread_id)
		}
		return reply, nil
	case <-timer:
		return event.Event{}, errs.New(errs.ERROR_AT_COMPO_CLIENT,
			"no response received for request %s", ev.RequestID)
	}
}

func (c *ThreadClient) Call(method string, data []byte) ([]byte, error) {
	ev := event.NewCall(method, data, uuid.NewString())
	reply, err := c.exchange(ev, c.timeout)
	if err != nil {
		return nil, err
	}
	return parseReply(reply.Serialize())
}

func (c *ThreadClient) Relay(eventBytes []byte) ([]byte, error) {
	ev, everr := event.Deserialize(eventBytes)
	if everr != nil {
		return nil, everr
	}
	if ev.RequestID == "" {
		ev.RequestID = uuid.NewString()
	}
	reply, err := c.exchange(ev, c.timeout)
	if err != nil {
		return nil, err
	}
	return reply.Serialize(), nil
}

func (c *ThreadClient) Terminate() {}

func pingThread(addr string, timeout time.Duration, registry *ThreadRegistry) bool {
	if registry == nil {
		return false
	}
	c := NewThreadClient(addr, registry, timeout)
	reply, err := c.exchange(event.Event{Tag: event.PING, RequestID: uuid.NewString()}, timeout)
	return err == nil && reply.Tag == event.PONG
}

func shutdownThread(addr string, timeout time.Duration, registry *ThreadRegistry) bool {
	if registry == nil {
		return false
	}
	c := NewThreadClient(addr, registry, timeout)
	if c.registry.lookup(c.thread_id) == nil {
		// Not registered counts as already shut down.
		return true
	}
	reply, err := c.exchange(event.Event{Tag: event.SHUTDOWN_FROM_CLIENT, RequestID: uuid.NewString()}, timeout)
	return err == nil && reply.Tag == event.SHUTDOWN_ACK
}
