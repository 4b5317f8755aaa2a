/*
Package crmrpc is an RPC core for calling methods on a remote resource
model (a CRM) as if they were local. It consists of a length-prefixed wire
protocol (wire), a tagged event protocol and queue (event), a shape-matching
serializer registry (transferable), four interchangeable transports selected
by address scheme (transport), a single-threaded serving loop (server), a
caller-side facade (client) and interface-declaration proxy/dispatcher
generation (icrm).

Address schemes:

	tcp://host:port     ZeroMQ request/reply over TCP
	ipc://path          ZeroMQ request/reply over a Unix socket
	http://host:port/p  HTTP POST of event bytes
	memory://region     memory-mapped file exchange in a temp directory
	thread://id         in-process channel pairs via an explicit registry

This package re-exports the two entry points most programs need; everything
else is imported from its own package.
*/
package crmrpc

import (
	"time"

	"github.com/crm-rpc/crmrpc/client"
	"github.com/crm-rpc/crmrpc/server"
)

// NewServer binds crm to addr. See package server.
func NewServer(addr string, crm server.CRM, opts ...server.Option) *server.Server {
	return server.NewServer(addr, crm, opts...)
}

// NewClient connects to addr. See package client.
func NewClient(addr string, opts ...client.Option) (*client.Client, error) {
	return client.New(addr, opts...)
}

// Ping reports whether a server answers at addr.
func Ping(addr string, timeout time.Duration, opts ...client.Option) bool {
	return client.Ping(addr, timeout, opts...)
}

// Shutdown asks the server at addr to stop.
func Shutdown(addr string, timeout time.Duration, opts ...client.Option) bool {
	return client.Shutdown(addr, timeout, opts...)
}
