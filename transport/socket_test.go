package transport

import (
	"testing"
	"time"

	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/event"
)

/*
A malformed request is answered directly by the serve loop, which does not
wait on reply_done for it. That answer must not deposit a reply_done token:
a stale token would let the loop skip the wait for the next real call's
reply and poll concurrently with the processing loop from then on.
*/
func TestSocketMalformedRequestLeavesNoReplyToken(t *testing.T) {
	addr := "tcp://127.0.0.1:18734"
	srv := NewSocketServer(addr)
	q := event.NewQueue()
	srv.BindQueue(q)
	if err := srv.Start(); err != nil {
		t.Fatal("start:", err)
	}
	done := serveEcho(t, srv, q)

	cl, err := NewSocketClient(addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := cl.Relay([]byte("not an event"))
	if err != nil {
		t.Fatal("relay:", err)
	}
	reply, everr := event.Deserialize(raw)
	if everr != nil || reply.Tag != event.CRM_REPLY {
		t.Fatalf("malformed request answered with %v, %v", reply, everr)
	}
	if remote, _, err := splitReplyData(reply.Data); err != nil || errs.Deserialize(remote) == nil {
		t.Error("expected a populated error sub-message")
	}

	select {
	case <-srv.reply_done:
		t.Error("protocol-error reply deposited a reply_done token")
	default:
	}

	// The next real call still paces correctly.
	result, err := cl.Call("echo", []byte("after the garbage"))
	if err != nil {
		t.Fatal("call after malformed request:", err)
	}
	if string(result) != "after the garbage" {
		t.Errorf("got %q", result)
	}

	cl.Terminate()
	if !shutdownSocket(addr, 2*time.Second) {
		t.Error("shutdown not acknowledged")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop did not exit")
	}
}
