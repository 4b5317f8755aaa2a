/*
Package client is the caller-side entry point: it selects a transport by
address scheme and exposes blocking calls against a remote CRM. Call blocks
with no upper bound unless a call timeout was configured, because CRM
methods may be long-running; Ping and Shutdown always carry a short timeout
and report plain booleans.
*/
package client

import (
	"time"

	"github.com/crm-rpc/crmrpc/log"
	"github.com/crm-rpc/crmrpc/transport"
)

const default_control_timeout = 500 * time.Millisecond

type Client struct {
	addr      string
	transport transport.ClientTransport
}

type Option func(*transport.Options)

// WithThreadRegistry supplies the registry a thread:// address resolves
// against.
func WithThreadRegistry(r *transport.ThreadRegistry) Option {
	return func(o *transport.Options) { o.ThreadRegistry = r }
}

// WithCallTimeout bounds every Call and Relay on this client. Zero, the
// default, blocks indefinitely.
func WithCallTimeout(d time.Duration) Option {
	return func(o *transport.Options) { o.CallTimeout = d }
}

func buildOptions(opts []Option) *transport.Options {
	o := &transport.Options{}
	for _, apply := range opts {
		apply(o)
	}
	return o
}

// New connects to the server at addr. The transport is selected by the
// address scheme.
func New(addr string, opts ...Option) (*Client, error) {
	tr, err := transport.NewClientTransport(addr, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	return &Client{addr: addr, transport: tr}, nil
}

/*
Call invokes method with the serialized argument payload and blocks until
the reply arrives. A failure on the server side surfaces as the original
typed error, not a generic transport failure; the returned bytes are the
serialized result for a Transferable to decode.
*/
func (c *Client) Call(method string, data []byte) ([]byte, error) {
	rpcid := log.GetLogToken()
	log.CRM_log(log.LOGLEVEL_DEBUG, rpcid, "calling", method, "on", c.addr)

	result, err := c.transport.Call(method, data)
	if err != nil {
		log.CRM_log(log.LOGLEVEL_DEBUG, rpcid, "call failed:", err.Error())
	} else {
		log.CRM_log(log.LOGLEVEL_DEBUG, rpcid, "call returned", len(result), "bytes")
	}
	return result, err
}

// Relay forwards already-serialized event bytes unchanged and returns the
// raw reply bytes.
func (c *Client) Relay(eventBytes []byte) ([]byte, error) {
	return c.transport.Relay(eventBytes)
}

// Terminate releases client-side resources only. The server keeps running.
func (c *Client) Terminate() {
	c.transport.Terminate()
}

// Addr returns the server address this client talks to.
func (c *Client) Addr() string {
	return c.addr
}

// Ping reports whether a server answers at addr within timeout. A timeout
// of zero uses a short default.
func Ping(addr string, timeout time.Duration, opts ...Option) bool {
	if timeout <= 0 {
		timeout = default_control_timeout
	}
	return transport.Ping(addr, timeout, buildOptions(opts))
}

// Shutdown asks the server at addr to stop and waits up to timeout for the
// acknowledgment. An already absent server counts as shut down where the
// transport can tell.
func Shutdown(addr string, timeout time.Duration, opts ...Option) bool {
	if timeout <= 0 {
		timeout = default_control_timeout
	}
	return transport.ShutdownServer(addr, timeout, buildOptions(opts))
}
