package client

import (
	"bytes"
	"testing"
	"time"

	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/event"
	"github.com/crm-rpc/crmrpc/server"
	"github.com/crm-rpc/crmrpc/transport"
	"github.com/crm-rpc/crmrpc/wire"
)

type echoCRM struct{}

func (echoCRM) Invoke(method string, args []byte) []byte {
	return wire.FramePair(errs.Serialize(nil), args)
}

func TestClientAgainstThreadServer(t *testing.T) {
	registry := transport.NewThreadRegistry()
	addr := "thread://client-pkg-test"
	srv := server.NewServer(addr, echoCRM{}, server.WithThreadRegistry(registry))
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	cl, err := New(addr, WithThreadRegistry(registry), WithCallTimeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Terminate()

	if cl.Addr() != addr {
		t.Errorf("Addr() = %q, want %q", cl.Addr(), addr)
	}

	result, err := cl.Call("echo", []byte("over the facade"))
	if err != nil {
		t.Fatal("call:", err)
	}
	if !bytes.Equal(result, []byte("over the facade")) {
		t.Errorf("got %q", result)
	}

	// Relay carries raw event bytes end to end.
	raw, err := cl.Relay(event.PingBytes)
	if err != nil {
		t.Fatal("relay:", err)
	}
	reply, everr := event.Deserialize(raw)
	if everr != nil || reply.Tag != event.PONG {
		t.Errorf("relay of ping returned %v, %v", reply, everr)
	}
}

func TestClientUnsupportedScheme(t *testing.T) {
	if _, err := New("gopher://nope"); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestPingDefaultTimeout(t *testing.T) {
	// Zero timeout must not block indefinitely against a dead address.
	start := time.Now()
	if Ping("thread://nobody", 0, WithThreadRegistry(transport.NewThreadRegistry())) {
		t.Error("ping of unserved address must be false")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("ping took %v despite default timeout", elapsed)
	}
}
