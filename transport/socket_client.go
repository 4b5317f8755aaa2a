package transport

import (
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/event"
	"github.com/crm-rpc/crmrpc/log"
)

/*
SocketClient talks to a SocketServer over a ZeroMQ REQ socket. It is
thread-safe but locks and blocks for the full duration of each call; CRM
calls may be long-running, so there is no receive timeout unless the caller
configured one.
*/
type SocketClient struct {
	mu   sync.Mutex
	sock *zmq.Socket
	addr string
}

func NewSocketClient(addr string, timeout time.Duration) (*SocketClient, error) {
	sock, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		log.CRM_log(log.LOGLEVEL_ERRORS, "Error when creating Req socket:", err.Error())
		return nil, err
	}
	sock.SetLinger(0)
	if timeout > 0 {
		sock.SetSndtimeo(timeout)
		sock.SetRcvtimeo(timeout)
	}
	if err = sock.Connect(addr); err != nil {
		log.CRM_log(log.LOGLEVEL_ERRORS, "Could not connect to", addr, ":", err.Error())
		sock.Close()
		return nil, err
	}
	return &SocketClient{sock: sock, addr: addr}, nil
}

func (c *SocketClient) Call(method string, data []byte) ([]byte, error) {
	reply, err := c.Relay(event.NewCall(method, data, "").Serialize())
	if err != nil {
		return nil, err
	}
	return parseReply(reply)
}

func (c *SocketClient) Relay(eventBytes []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sock == nil {
		return nil, errs.New(errs.ERROR_AT_COMPO_CLIENT, "client already terminated")
	}
	if _, err := c.sock.SendBytes(eventBytes, 0); err != nil {
		return nil, errs.New(errs.ERROR_AT_COMPO_CLIENT, "send to %s: %s", c.addr, err.Error())
	}
	reply, err := c.sock.RecvBytes(0)
	if err != nil {
		return nil, errs.New(errs.ERROR_AT_COMPO_CLIENT, "receive from %s: %s", c.addr, err.Error())
	}
	return reply, nil
}

func (c *SocketClient) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sock != nil {
		c.sock.Close()
		c.sock = nil
	}
}

// One-shot control exchange on a fresh short-timeout REQ socket. A closed or
// non-responsive endpoint is not exceptional, so failures surface as false.
func controlExchange(addr string, request []byte, timeout time.Duration) (event.Tag, bool) {
	sock, err := zmq.NewSocket(zmq.REQ)
	if err != nil {
		return "", false
	}
	defer sock.Close()

	sock.SetLinger(0)
	sock.SetSndtimeo(timeout)
	sock.SetRcvtimeo(timeout)
	if err = sock.Connect(addr); err != nil {
		return "", false
	}
	if _, err = sock.SendBytes(request, 0); err != nil {
		return "", false
	}
	reply, err := sock.RecvBytes(0)
	if err != nil {
		return "", false
	}
	ev, err := event.Deserialize(reply)
	if err != nil {
		return "", false
	}
	return ev.Tag, true
}

func pingSocket(addr string, timeout time.Duration) bool {
	tag, ok := controlExchange(addr, event.PingBytes, timeout)
	return ok && tag == event.PONG
}

func shutdownSocket(addr string, timeout time.Duration) bool {
	tag, ok := controlExchange(addr, event.ShutdownFromClientBytes, timeout)
	return ok && tag == event.SHUTDOWN_ACK
}
