package transport

import (
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/event"
	"github.com/crm-rpc/crmrpc/log"
	"github.com/crm-rpc/crmrpc/wire"
)

// Bound on one poll of the REP socket, so the serving goroutine can observe
// the shutdown flag between polls.
const socket_poll_interval = 100 * time.Millisecond

/*
SocketServer serves tcp:// and ipc:// addresses over a ZeroMQ REP socket:
strict synchronous request/reply, one outstanding request per connected
client socket. Because REP only permits one reply per request, Reply sends
directly back on the serving socket before the next receive.
*/
type SocketServer struct {
	addr  string
	queue *event.Queue

	mu     sync.Mutex // guards sock; ZeroMQ sockets are not goroutine-safe
	sock   *zmq.Socket
	closed bool

	// Signaled by Reply so the serve loop polls again only after the REP
	// state machine is back in receive state.
	reply_done chan struct{}

	down      chan struct{}
	down_once sync.Once
}

func NewSocketServer(addr string) *SocketServer {
	return &SocketServer{
		addr:       addr,
		reply_done: make(chan struct{}, 1),
		down:       make(chan struct{}),
	}
}

func (s *SocketServer) BindQueue(q *event.Queue) {
	s.queue = q
}

func (s *SocketServer) Start() error {
	sock, err := zmq.NewSocket(zmq.REP)
	if err != nil {
		log.CRM_log(log.LOGLEVEL_ERRORS, "Error when creating Rep socket:", err.Error())
		return err
	}
	if err = sock.Bind(s.addr); err != nil {
		log.CRM_log(log.LOGLEVEL_ERRORS, "Error when binding Rep socket:", err.Error())
		sock.Close()
		return err
	}
	log.CRM_log(log.LOGLEVEL_INFO, "Socket transport bound to", s.addr)

	s.mu.Lock()
	s.sock = sock
	s.mu.Unlock()

	go s.serve()
	return nil
}

func (s *SocketServer) serve() {
	poller := zmq.NewPoller()
	s.mu.Lock()
	poller.Add(s.sock, zmq.POLLIN)
	s.mu.Unlock()

	for {
		select {
		case <-s.down:
			s.queue.Put(event.Event{Tag: event.SHUTDOWN_FROM_SERVER})
			return
		default:
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			s.queue.Put(event.Event{Tag: event.SHUTDOWN_FROM_SERVER})
			return
		}
		polled, err := poller.Poll(socket_poll_interval)
		if err != nil {
			s.mu.Unlock()
			// ETERM and friends mean the context is going away; anything
			// else is transport-fatal too.
			select {
			case <-s.down:
			default:
				log.CRM_log(log.LOGLEVEL_ERRORS, "Polling error on socket transport:", err.Error())
			}
			s.queue.Put(event.Event{Tag: event.SHUTDOWN_FROM_SERVER})
			return
		}
		if len(polled) == 0 {
			s.mu.Unlock()
			continue
		}
		msg, err := s.sock.RecvBytes(zmq.DONTWAIT)
		s.mu.Unlock()
		if err != nil {
			log.CRM_log(log.LOGLEVEL_WARNINGS, "Skipped incoming message, error:", err.Error())
			continue
		}

		ev, err := event.Deserialize(msg)
		if err != nil {
			// Protocol violation on a single request: answer it with an
			// error so the REP state machine can receive again.
			log.CRM_log(log.LOGLEVEL_WARNINGS, "Dropped malformed request:", err.Error())
			s.replyProtocolError(err)
			continue
		}

		s.queue.Put(ev)

		switch ev.Tag {
		case event.SHUTDOWN_FROM_CLIENT:
			// The processing loop replies SHUTDOWN_ACK and tears the
			// transport down; nothing left to receive here.
			return
		case event.PING, event.CRM_CALL:
			// REP cannot receive again until the reply went out.
			select {
			case <-s.reply_done:
			case <-s.down:
				s.queue.Put(event.Event{Tag: event.SHUTDOWN_FROM_SERVER})
				return
			}
		}
	}
}

/*
replyProtocolError answers a malformed request directly on the socket,
bypassing the reply_done signal: the serve loop does not wait for this
reply, so signaling would leave a stale token for the next real request to
consume and break the wait-for-reply pacing.
*/
func (s *SocketServer) replyProtocolError(cause error) {
	var remote *errs.Error
	if e, ok := cause.(*errs.Error); ok {
		remote = e
	} else {
		remote = errs.New(errs.ERROR_AT_CRM_SERVER, "%s", cause.Error())
	}
	reply := event.Event{Tag: event.CRM_REPLY, Data: wire.FramePair(errs.Serialize(remote), nil)}
	if err := s.sendLocked(reply); err != nil {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Could not answer malformed request:", err.Error())
	}
}

func (s *SocketServer) sendLocked(e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.sock == nil {
		return errs.New(errs.ERROR_AT_CRM_SERVER, "reply on closed socket transport")
	}
	_, err := s.sock.SendBytes(e.Serialize(), 0)
	return err
}

// Reply sends the processing loop's reply and releases the serve loop,
// which is blocked on reply_done until the reply went out.
func (s *SocketServer) Reply(e event.Event) error {
	if err := s.sendLocked(e); err != nil {
		return err
	}
	select {
	case s.reply_done <- struct{}{}:
	default:
	}
	return nil
}

func (s *SocketServer) Shutdown() {
	s.down_once.Do(func() { close(s.down) })
}

// CancelAllCalls closes the socket with zero linger: pending I/O is
// abandoned instead of blocking the teardown.
func (s *SocketServer) CancelAllCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *SocketServer) Destroy() error {
	s.Shutdown()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *SocketServer) closeLocked() {
	if s.closed || s.sock == nil {
		return
	}
	s.sock.SetLinger(0)
	if err := s.sock.Close(); err != nil {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Error closing server socket:", err.Error())
	}
	s.closed = true
}
