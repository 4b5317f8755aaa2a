package icrm

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/crm-rpc/crmrpc/client"
	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/server"
	"github.com/crm-rpc/crmrpc/transferable"
	"github.com/crm-rpc/crmrpc/transport"
)

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func calcDecl() Decl {
	return Decl{
		{Name: "add", Params: transferable.Shape{{Name: "a", Type: "int"}, {Name: "b", Type: "int"}}, Returns: []string{"int"}},
		{Name: "reset", Params: nil, Returns: nil},
		{Name: "fail", Params: nil, Returns: []string{"int"}},
	}
}

func calcRegistry(t *testing.T) *transferable.Registry {
	reg := transferable.NewRegistry()
	reg.Register(transferable.New("add_args",
		transferable.Shape{{Name: "a", Type: "int"}, {Name: "b", Type: "int"}},
		func(args ...interface{}) ([]byte, error) {
			return json.Marshal(addArgs{A: args[0].(int), B: args[1].(int)})
		},
		func(data []byte) ([]interface{}, error) {
			var a addArgs
			if err := json.Unmarshal(data, &a); err != nil {
				return nil, err
			}
			return []interface{}{a.A, a.B}, nil
		}))
	reg.Register(transferable.New("int",
		transferable.Shape{{Name: "value", Type: "int"}},
		func(args ...interface{}) ([]byte, error) {
			return json.Marshal(args[0].(int))
		},
		func(data []byte) ([]interface{}, error) {
			var v int
			if err := json.Unmarshal(data, &v); err != nil {
				return nil, err
			}
			return []interface{}{v}, nil
		}))
	return reg
}

func calcDispatcher(t *testing.T, reg *transferable.Registry) (*Dispatcher, *int, *int) {
	d := NewDispatcher(calcDecl(), reg)
	resets := new(int)
	terminated := new(int)
	d.Register("add", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{args[0].(int) + args[1].(int)}, nil
	})
	d.Register("reset", func(args []interface{}) ([]interface{}, error) {
		*resets++
		return nil, nil
	})
	d.Register("fail", func(args []interface{}) ([]interface{}, error) {
		return nil, errors.New("arithmetic refused")
	})
	d.OnTerminate(func() error {
		*terminated++
		return nil
	})
	return d, resets, terminated
}

func TestProxyDispatcherOverThreadTransport(t *testing.T) {
	reg := calcRegistry(t)
	d, resets, terminated := calcDispatcher(t, reg)

	registry := transport.NewThreadRegistry()
	addr := "thread://icrm-calc"
	srv := server.NewServer(addr, d, server.WithThreadRegistry(registry))
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}

	cl, err := client.New(addr,
		client.WithThreadRegistry(registry), client.WithCallTimeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	proxy := NewProxy(calcDecl(), reg, cl)

	results, err := proxy.Call("add", 40, 2)
	if err != nil {
		t.Fatal("add:", err)
	}
	if len(results) != 1 || results[0].(int) != 42 {
		t.Errorf("add returned %v, want [42]", results)
	}

	if results, err = proxy.Call("reset"); err != nil {
		t.Fatal("reset:", err)
	}
	if results != nil {
		t.Errorf("void method returned %v", results)
	}

	if _, err = proxy.Call("fail"); err == nil {
		t.Error("failing method must surface an error")
	} else if e, ok := err.(*errs.Error); !ok || e.Code != errs.ERROR_AT_CRM_FUNCTION_EXECUTING {
		t.Errorf("unexpected error: %v", err)
	}

	if _, err = proxy.Call("undeclared"); err == nil {
		t.Error("undeclared method must be rejected locally")
	}

	cl.Terminate()
	srv.Stop()
	if *resets != 1 {
		t.Errorf("reset ran %d times, want 1", *resets)
	}
	if *terminated != 1 {
		t.Errorf("termination hook ran %d times, want 1", *terminated)
	}
}

func TestDispatcherRejectsUndeclared(t *testing.T) {
	d := NewDispatcher(calcDecl(), transferable.NewRegistry())
	if err := d.Register("nope", func([]interface{}) ([]interface{}, error) { return nil, nil }); err == nil {
		t.Error("registering an undeclared method must fail")
	}
}

func TestDispatcherUnimplementedMethod(t *testing.T) {
	reg := calcRegistry(t)
	d := NewDispatcher(calcDecl(), reg)

	// Declared but never registered.
	reply := d.Invoke("add", nil)
	if reply == nil {
		t.Fatal("Invoke must always produce a reply payload")
	}
	proxy := NewProxy(calcDecl(), reg, callerFunc(func(method string, data []byte) ([]byte, error) {
		return nil, errs.New(errs.ERROR_AT_CRM_SERVER, "no such method: %s", method)
	}))
	if _, err := proxy.Call("add", 1, 2); err == nil {
		t.Error("unimplemented method must surface an error")
	}
}

type callerFunc func(method string, data []byte) ([]byte, error)

func (f callerFunc) Call(method string, data []byte) ([]byte, error) { return f(method, data) }

func TestProxyFallbackCodecs(t *testing.T) {
	// Nothing registered; both directions synthesize generic codecs.
	reg := transferable.NewRegistry()
	d, _, _ := calcDispatcher(t, reg)

	registry := transport.NewThreadRegistry()
	addr := "thread://icrm-fallback"
	srv := server.NewServer(addr, d, server.WithThreadRegistry(registry))
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	cl, err := client.New(addr,
		client.WithThreadRegistry(registry), client.WithCallTimeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	proxy := NewProxy(calcDecl(), reg, cl)

	results, err := proxy.Call("add", 20, 22)
	if err != nil {
		t.Fatal("add via fallback:", err)
	}
	if len(results) != 1 || results[0].(int) != 42 {
		t.Errorf("fallback add returned %v, want [42]", results)
	}
}
