/*
Package transport provides four interchangeable backends turning Event bytes
into transport-specific delivery and back: ZeroMQ request/reply sockets
(tcp:// and ipc://), asynchronous HTTP (http://), memory-mapped file IPC
(memory://) and in-process thread channels (thread://).

A server-side backend delivers inbound events into an event.Queue and sends
replies over its own return path; it never invokes CRM methods itself. Every
backend replies exactly once per request.
*/
package transport

import (
	"strings"
	"time"

	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/event"
	"github.com/crm-rpc/crmrpc/wire"
)

// ServerTransport is the server-side capability set shared by all four
// backends. Shutdown is idempotent; Destroy releases the underlying
// resources exactly once.
type ServerTransport interface {
	// BindQueue registers the queue inbound events are delivered into.
	// Must be called before Start.
	BindQueue(q *event.Queue)
	Start() error
	// Reply sends the reply for a previously delivered request. The event's
	// RequestID ties it back to that request where the backend needs
	// correlation.
	Reply(e event.Event) error
	Shutdown()
	Destroy() error
	// CancelAllCalls aborts in-flight work; blocked callers observe a
	// transport-specific "call did not complete" failure.
	CancelAllCalls()
}

// ClientTransport is the caller-side capability set.
type ClientTransport interface {
	// Call sends a CRM_CALL for method with the serialized argument payload
	// and blocks until the matching CRM_REPLY, returning the result bytes.
	Call(method string, data []byte) ([]byte, error)
	// Relay forwards raw event bytes unchanged and returns the raw reply
	// bytes.
	Relay(eventBytes []byte) ([]byte, error)
	// Terminate releases local resources only; it does not shut the server
	// down.
	Terminate()
}

// Options carries cross-backend construction knobs.
type Options struct {
	// Registry for thread:// addresses. Required for that scheme, ignored
	// elsewhere.
	ThreadRegistry *ThreadRegistry
	// Optional upper bound for Call on the socket and memory backends.
	// Zero means block indefinitely, which is the default for
	// compute-intensive CRM calls.
	CallTimeout time.Duration
}

const (
	scheme_tcp    = "tcp://"
	scheme_ipc    = "ipc://"
	scheme_http   = "http://"
	scheme_memory = "memory://"
	scheme_thread = "thread://"
)

func isSocketAddress(addr string) bool {
	return strings.HasPrefix(addr, scheme_tcp) || strings.HasPrefix(addr, scheme_ipc)
}

// NewServerTransport selects a server backend by address scheme.
func NewServerTransport(addr string, opt *Options) (ServerTransport, error) {
	if opt == nil {
		opt = &Options{}
	}
	switch {
	case isSocketAddress(addr):
		return NewSocketServer(addr), nil
	case strings.HasPrefix(addr, scheme_http):
		return NewHTTPServer(addr)
	case strings.HasPrefix(addr, scheme_memory):
		return NewMemoryServer(addr)
	case strings.HasPrefix(addr, scheme_thread):
		if opt.ThreadRegistry == nil {
			return nil, errs.New(errs.ERROR_AT_CRM_SERVER,
				"thread transport needs an explicit registry for %s", addr)
		}
		return NewThreadServer(addr, opt.ThreadRegistry), nil
	}
	return nil, errs.New(errs.ERROR_AT_CRM_SERVER, "unsupported scheme in bind address %q", addr)
}

// NewClientTransport selects a client backend by address scheme.
func NewClientTransport(addr string, opt *Options) (ClientTransport, error) {
	if opt == nil {
		opt = &Options{}
	}
	switch {
	case isSocketAddress(addr):
		return NewSocketClient(addr, opt.CallTimeout)
	case strings.HasPrefix(addr, scheme_http):
		return NewHTTPClient(addr, opt.CallTimeout), nil
	case strings.HasPrefix(addr, scheme_memory):
		return NewMemoryClient(addr, opt.CallTimeout), nil
	case strings.HasPrefix(addr, scheme_thread):
		if opt.ThreadRegistry == nil {
			return nil, errs.New(errs.ERROR_AT_COMPO_CLIENT,
				"thread transport needs an explicit registry for %s", addr)
		}
		return NewThreadClient(addr, opt.ThreadRegistry, opt.CallTimeout), nil
	}
	return nil, errs.New(errs.ERROR_AT_COMPO_CLIENT, "unsupported scheme in server address %q", addr)
}

// Ping checks whether a server is answering at addr. Ordinary
// unavailability is reported as false, never as an error.
func Ping(addr string, timeout time.Duration, opt *Options) bool {
	if opt == nil {
		opt = &Options{}
	}
	switch {
	case isSocketAddress(addr):
		return pingSocket(addr, timeout)
	case strings.HasPrefix(addr, scheme_http):
		return pingHTTP(addr, timeout)
	case strings.HasPrefix(addr, scheme_memory):
		return pingMemory(addr)
	case strings.HasPrefix(addr, scheme_thread):
		return pingThread(addr, timeout, opt.ThreadRegistry)
	}
	return false
}

// ShutdownServer asks the server at addr to shut down and waits up to
// timeout for its SHUTDOWN_ACK. Best-effort: an unreachable server yields
// false (memory and thread treat a vanished server as already stopped).
func ShutdownServer(addr string, timeout time.Duration, opt *Options) bool {
	if opt == nil {
		opt = &Options{}
	}
	switch {
	case isSocketAddress(addr):
		return shutdownSocket(addr, timeout)
	case strings.HasPrefix(addr, scheme_http):
		return shutdownHTTP(addr, timeout)
	case strings.HasPrefix(addr, scheme_memory):
		return shutdownMemory(addr, timeout)
	case strings.HasPrefix(addr, scheme_thread):
		return shutdownThread(addr, timeout, opt.ThreadRegistry)
	}
	return false
}

// parseReply unpacks CRM_REPLY bytes into the result payload, surfacing a
// populated error sub-message as a typed error.
func parseReply(replyBytes []byte) ([]byte, error) {
	ev, err := event.Deserialize(replyBytes)
	if err != nil {
		return nil, err
	}
	if ev.Tag != event.CRM_REPLY {
		return nil, errs.New(errs.ERROR_AT_COMPO_CLIENT,
			"unexpected event tag %q, expected %q", ev.Tag, event.CRM_REPLY)
	}
	errBytes, result, err := splitReplyData(ev.Data)
	if err != nil {
		return nil, err
	}
	if remote := errs.Deserialize(errBytes); remote != nil {
		return nil, remote
	}
	return result, nil
}

func splitReplyData(data []byte) ([]byte, []byte, error) {
	errBytes, result, err := wire.UnframePair(data)
	if err != nil {
		return nil, nil, errs.New(errs.ERROR_AT_COMPO_OUTPUT_DESERIALIZING,
			"expected exactly 2 sub-messages (error and result): %s", err.Error())
	}
	return errBytes, result, nil
}
