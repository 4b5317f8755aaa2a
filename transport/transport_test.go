package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/event"
	"github.com/crm-rpc/crmrpc/wire"
)

/*
serveEcho drains the queue like a processing loop would: ping is answered
with pong, calls are answered with an empty error and the argument payload
echoed back, and a client shutdown is acknowledged before stopping the
transport. Returns a channel closed when the loop exits.
*/
func serveEcho(t *testing.T, st ServerTransport, q *event.Queue) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			ev := q.Poll(100 * time.Millisecond)
			switch ev.Tag {
			case event.EMPTY:
				continue
			case event.PING:
				st.Reply(event.Event{Tag: event.PONG, RequestID: ev.RequestID})
			case event.CRM_CALL:
				method, args, err := wire.UnframePair(ev.Data)
				if err != nil {
					t.Error("bad call payload:", err)
					return
				}
				_ = method
				reply := wire.FramePair(errs.Serialize(nil), args)
				st.Reply(event.Event{Tag: event.CRM_REPLY, Data: reply, RequestID: ev.RequestID})
			case event.SHUTDOWN_FROM_CLIENT:
				st.Reply(event.Event{Tag: event.SHUTDOWN_ACK, RequestID: ev.RequestID})
				st.Shutdown()
				st.Destroy()
				q.Shutdown()
				return
			case event.SHUTDOWN_FROM_SERVER:
				return
			}
		}
	}()
	return done
}

func runEchoCycle(t *testing.T, addr string, opt *Options) {
	st, err := NewServerTransport(addr, opt)
	if err != nil {
		t.Fatal("server transport:", err)
	}
	q := event.NewQueue()
	st.BindQueue(q)
	if err := st.Start(); err != nil {
		t.Fatal("start:", err)
	}
	done := serveEcho(t, st, q)

	if !Ping(addr, 2*time.Second, opt) {
		t.Fatal("server does not answer ping")
	}

	ct, err := NewClientTransport(addr, opt)
	if err != nil {
		t.Fatal("client transport:", err)
	}
	payload := []byte("hello over " + addr)
	result, err := ct.Call("echo", payload)
	if err != nil {
		t.Fatal("call:", err)
	}
	if !bytes.Equal(result, payload) {
		t.Errorf("echo returned %q, want %q", result, payload)
	}
	ct.Terminate()

	if !ShutdownServer(addr, 2*time.Second, opt) {
		t.Error("shutdown not acknowledged")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop did not exit after shutdown")
	}
}

func TestThreadTransportCycle(t *testing.T) {
	opt := &Options{ThreadRegistry: NewThreadRegistry(), CallTimeout: 2 * time.Second}
	runEchoCycle(t, "thread://cycle-test", opt)
}

func TestMemoryTransportCycle(t *testing.T) {
	t.Setenv(memory_temp_dir_env, t.TempDir())
	runEchoCycle(t, "memory://cycle-test", &Options{CallTimeout: 5 * time.Second})
}

func TestHTTPTransportCycle(t *testing.T) {
	runEchoCycle(t, "http://127.0.0.1:18732/api", &Options{CallTimeout: 5 * time.Second})
}

func TestSocketTransportCycle(t *testing.T) {
	runEchoCycle(t, "tcp://127.0.0.1:18733", &Options{CallTimeout: 5 * time.Second})
}

func TestUnsupportedScheme(t *testing.T) {
	if _, err := NewServerTransport("ftp://nope", nil); err == nil {
		t.Error("expected error for unsupported scheme")
	}
	if _, err := NewClientTransport("ftp://nope", nil); err == nil {
		t.Error("expected error for unsupported scheme")
	}
	if Ping("ftp://nope", time.Second, nil) {
		t.Error("ping on unsupported scheme must be false")
	}
}

func TestThreadTransportNeedsRegistry(t *testing.T) {
	if _, err := NewServerTransport("thread://x", nil); err == nil {
		t.Error("expected error without registry")
	}
	if _, err := NewClientTransport("thread://x", nil); err == nil {
		t.Error("expected error without registry")
	}
}

func TestPingUnreachable(t *testing.T) {
	opt := &Options{ThreadRegistry: NewThreadRegistry()}
	if Ping("thread://nobody", 100*time.Millisecond, opt) {
		t.Error("ping must fail for unknown thread id")
	}
	if Ping("memory://nobody", 100*time.Millisecond, nil) {
		t.Error("ping must fail for unserved region")
	}
	if Ping("http://127.0.0.1:1/none", 200*time.Millisecond, nil) {
		t.Error("ping must fail for closed port")
	}
}

func TestShutdownAbsentServerIsIdempotent(t *testing.T) {
	opt := &Options{ThreadRegistry: NewThreadRegistry()}
	if !ShutdownServer("thread://gone", 100*time.Millisecond, opt) {
		t.Error("shutting down an unregistered thread server should report success")
	}
	t.Setenv(memory_temp_dir_env, t.TempDir())
	if !ShutdownServer("memory://gone", 100*time.Millisecond, nil) {
		t.Error("shutting down a stopped memory region should report success")
	}
}

func TestThreadCancelAllCalls(t *testing.T) {
	registry := NewThreadRegistry()
	addr := "thread://cancel-test"
	st, err := NewServerTransport(addr, &Options{ThreadRegistry: registry})
	if err != nil {
		t.Fatal(err)
	}
	q := event.NewQueue()
	st.BindQueue(q)
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}

	ct, _ := NewClientTransport(addr, &Options{ThreadRegistry: registry})
	errc := make(chan error, 1)
	go func() {
		_, err := ct.Call("blocked", nil)
		errc <- err
	}()

	// Let the call park its waiter, then cancel instead of replying.
	time.Sleep(50 * time.Millisecond)
	st.CancelAllCalls()

	select {
	case err := <-errc:
		if err == nil {
			t.Error("cancelled call must fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled call still blocked")
	}
	st.Shutdown()
	st.Destroy()
}

func TestMemoryControlFileDisappearance(t *testing.T) {
	t.Setenv(memory_temp_dir_env, t.TempDir())
	addr := "memory://vanish-test"
	st, err := NewServerTransport(addr, nil)
	if err != nil {
		t.Fatal(err)
	}
	q := event.NewQueue()
	st.BindQueue(q)
	if err := st.Start(); err != nil {
		t.Fatal(err)
	}

	ct, _ := NewClientTransport(addr, nil)
	errc := make(chan error, 1)
	go func() {
		_, err := ct.Call("blocked", nil)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	st.Shutdown()
	st.CancelAllCalls()

	select {
	case err := <-errc:
		if err == nil {
			t.Error("call against destroyed region must fail")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client still polling after region went away")
	}
	st.Destroy()
}
