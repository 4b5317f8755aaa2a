/*
Package server runs the processing loop tying a transport to a bound CRM
instance. One Server owns one transport handle, one event queue and one
dedicated processing goroutine; the bound CRM therefore sees at most one
method invocation at a time. Run multiple Servers for parallel execution.
*/
package server

import (
	"sync"
	"time"

	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/event"
	"github.com/crm-rpc/crmrpc/log"
	"github.com/crm-rpc/crmrpc/transport"
	"github.com/crm-rpc/crmrpc/wire"
)

// Stage is the lifecycle state of a Server.
type Stage int

const (
	STOPPED Stage = iota
	STARTED
	// GRACE means shutdown has begun; late calls are no longer accepted
	// but teardown has not completed yet.
	GRACE
)

/*
CRM is the server-side face of a bound resource model: it resolves a method
name, invokes it with the raw argument bytes and returns the reply payload,
a framed pair of serialized error and serialized result. Implementations
never return transport errors; failures travel inside the pair.
*/
type CRM interface {
	Invoke(method string, args []byte) []byte
}

// Terminator is the optional termination hook a CRM may expose. It is
// invoked exactly once when the server shuts down.
type Terminator interface {
	Terminate() error
}

const poll_interval = 100 * time.Millisecond

type Server struct {
	addr string
	opts transport.Options

	mu         sync.Mutex
	stage      Stage
	crm        CRM
	transport  transport.ServerTransport
	queue      *event.Queue
	waiters    []chan struct{}
	terminated bool
}

// NewServer binds crm to addr. The transport is selected by address scheme
// and not bound until Start.
func NewServer(addr string, crm CRM, opts ...Option) *Server {
	s := &Server{addr: addr, crm: crm, stage: STOPPED}
	for _, o := range opts {
		o(s)
	}
	return s
}

type Option func(*Server)

// WithThreadRegistry supplies the registry a thread:// address resolves
// against.
func WithThreadRegistry(r *transport.ThreadRegistry) Option {
	return func(s *Server) { s.opts.ThreadRegistry = r }
}

/*
Start binds the transport and launches the processing goroutine. It fails
when the server is not in the stopped stage, so a Server cannot be started
twice without a completed shutdown in between.
*/
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage != STOPPED {
		return errs.New(errs.ERROR_AT_CRM_SERVER, "server for %s is already running", s.addr)
	}

	tr, err := transport.NewServerTransport(s.addr, &s.opts)
	if err != nil {
		return err
	}
	q := event.NewQueue()
	tr.BindQueue(q)
	if err := tr.Start(); err != nil {
		tr.Destroy()
		return err
	}

	s.transport = tr
	s.queue = q
	s.stage = STARTED
	s.terminated = false
	go s.serve(tr, q)

	log.CRM_log(log.LOGLEVEL_INFO, "Server started on", s.addr)
	return nil
}

func (s *Server) serve(tr transport.ServerTransport, q *event.Queue) {
	for {
		ev := q.Poll(poll_interval)
		switch ev.Tag {
		case event.EMPTY:
			continue
		case event.PING:
			if err := tr.Reply(event.Event{Tag: event.PONG, RequestID: ev.RequestID}); err != nil {
				log.CRM_log(log.LOGLEVEL_WARNINGS, "Could not answer ping:", err.Error())
			}
		case event.CRM_CALL:
			s.dispatch(tr, ev)
		case event.SHUTDOWN_FROM_CLIENT:
			s.finishShutdown(tr, q, ev.RequestID, true)
			return
		case event.SHUTDOWN_FROM_SERVER:
			s.finishShutdown(tr, q, "", false)
			return
		default:
			log.CRM_log(log.LOGLEVEL_WARNINGS, "Ignoring unexpected event", string(ev.Tag))
		}
	}
}

func (s *Server) dispatch(tr transport.ServerTransport, ev event.Event) {
	method, args, err := wire.UnframePair(ev.Data)

	var reply_data []byte
	switch {
	case err != nil:
		e := errs.New(errs.ERROR_AT_CRM_INPUT_DESERIALIZING,
			"malformed call payload: %s", err.Error())
		reply_data = wire.FramePair(errs.Serialize(e), nil)
	case s.crm == nil:
		e := errs.New(errs.ERROR_AT_CRM_SERVER, "no CRM bound")
		reply_data = wire.FramePair(errs.Serialize(e), nil)
	default:
		reply_data = s.crm.Invoke(string(method), args)
	}

	if err := tr.Reply(event.Event{Tag: event.CRM_REPLY, Data: reply_data, RequestID: ev.RequestID}); err != nil {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Could not deliver reply:", err.Error())
	}
}

/*
finishShutdown performs the single teardown: run the CRM's termination hook
once, acknowledge a client-initiated shutdown before resources go away,
cancel in-flight calls, release the transport, flip to the stopped stage
and unblock every waiter.
*/
func (s *Server) finishShutdown(tr transport.ServerTransport, q *event.Queue, request_id string, from_client bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runTerminateHookLocked()

	if from_client {
		if err := tr.Reply(event.Event{Tag: event.SHUTDOWN_ACK, RequestID: request_id}); err != nil {
			log.CRM_log(log.LOGLEVEL_WARNINGS, "Could not acknowledge shutdown:", err.Error())
		}
	}

	tr.CancelAllCalls()
	tr.Shutdown()
	if err := tr.Destroy(); err != nil {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Transport teardown:", err.Error())
	}
	q.Shutdown()

	s.stage = STOPPED
	s.crm = nil
	s.transport = nil
	s.queue = nil
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil

	log.CRM_log(log.LOGLEVEL_INFO, "Server on", s.addr, "stopped")
}

func (s *Server) runTerminateHookLocked() {
	if s.terminated {
		return
	}
	s.terminated = true
	if term, ok := s.crm.(Terminator); ok {
		if err := term.Terminate(); err != nil {
			log.CRM_log(log.LOGLEVEL_ERRORS, "CRM termination hook failed:", err.Error())
		}
	}
}

/*
Stop initiates shutdown and blocks until it completes. Safe to call from
multiple goroutines at once; every caller unblocks after the single shared
teardown finished. Calling Stop on a stopped server returns immediately.
*/
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stage == STOPPED {
		s.mu.Unlock()
		return
	}
	w := make(chan struct{})
	s.waiters = append(s.waiters, w)

	if s.stage == STARTED {
		s.stage = GRACE
		// Cancel before the processing goroutine notices, so blocked
		// clients fail fast instead of waiting out the drain.
		s.transport.CancelAllCalls()
		s.transport.Shutdown()
	}
	s.mu.Unlock()

	<-w
}

// Stage returns the current lifecycle stage.
func (s *Server) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

/*
WaitForTermination blocks until the server has fully stopped or the timeout
elapsed and reports whether termination was observed. A timeout of zero
waits indefinitely.
*/
func (s *Server) WaitForTermination(timeout time.Duration) bool {
	s.mu.Lock()
	if s.stage == STOPPED {
		s.mu.Unlock()
		return true
	}
	w := make(chan struct{})
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	if timeout <= 0 {
		<-w
		return true
	}
	select {
	case <-w:
		return true
	case <-time.After(timeout):
		return false
	}
}
