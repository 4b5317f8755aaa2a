/*
Package icrm turns a shared interface declaration into the two sides of an
RPC boundary: a caller-side Proxy that marshals arguments and unmarshals
results, and a callee-side Dispatcher that does the inverse around the
registered implementation functions. Both sides resolve their Transferables
from the same declaration, so a method signature compiled once against the
registry marshals identically no matter which side uses it. Direction is
fixed at construction; a Proxy never dispatches and a Dispatcher never
calls out.
*/
package icrm

import (
	"sync"

	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/log"
	"github.com/crm-rpc/crmrpc/transferable"
	"github.com/crm-rpc/crmrpc/wire"
)

// Method declares one RPC method: its name, parameter shape and declared
// return type names. Empty Returns declares a void method.
type Method struct {
	Name    string
	Params  transferable.Shape
	Returns []string
}

// Decl is the shared interface declaration both sides are built from.
type Decl []Method

// binding is a method with its Transferables resolved. output is nil for
// void methods.
type binding struct {
	method Method
	input  *transferable.Transferable
	output *transferable.Transferable
}

func resolve(decl Decl, reg *transferable.Registry) map[string]*binding {
	bindings := make(map[string]*binding, len(decl))
	for _, m := range decl {
		sig := transferable.Signature{Method: m.Name, Params: m.Params, Returns: m.Returns}
		bindings[m.Name] = &binding{
			method: m,
			input:  reg.ResolveInput(sig),
			output: reg.ResolveOutput(sig),
		}
	}
	return bindings
}

// Caller is the transport-facing side a Proxy sends through. *client.Client
// satisfies it.
type Caller interface {
	Call(method string, data []byte) ([]byte, error)
}

/*
Proxy is the caller side of a declaration. All Transferables are resolved
once at construction, so resolution warnings fire at startup rather than on
the first call.
*/
type Proxy struct {
	caller   Caller
	bindings map[string]*binding
}

func NewProxy(decl Decl, reg *transferable.Registry, caller Caller) *Proxy {
	if reg == nil {
		reg = transferable.Default
	}
	return &Proxy{caller: caller, bindings: resolve(decl, reg)}
}

/*
Call marshals args per the declaration, invokes the remote method and
unmarshals the reply. Void methods return a nil slice. A failure on the
serving side comes back as the original typed error.
*/
func (p *Proxy) Call(name string, args ...interface{}) ([]interface{}, error) {
	b := p.bindings[name]
	if b == nil {
		return nil, errs.New(errs.ERROR_AT_COMPO_CRM_CALLING, "method %s is not declared", name)
	}

	var payload []byte
	if b.input != nil {
		var err error
		payload, err = b.input.Serialize(args...)
		if err != nil {
			return nil, errs.New(errs.ERROR_AT_COMPO_INPUT_SERIALIZING,
				"serializing arguments of %s: %s", name, err.Error())
		}
	}

	result, err := p.caller.Call(name, payload)
	if err != nil {
		return nil, err
	}

	if b.output == nil {
		return nil, nil
	}
	values, err := b.output.Deserialize(result)
	if err != nil {
		return nil, errs.New(errs.ERROR_AT_COMPO_OUTPUT_DESERIALIZING,
			"deserializing result of %s: %s", name, err.Error())
	}
	return values, nil
}

// Impl is a registered server-side method body. It receives the decoded
// argument values in declaration order and returns the result values.
type Impl func(args []interface{}) ([]interface{}, error)

/*
Dispatcher is the callee side of a declaration: it decodes argument bytes,
runs the registered implementation and encodes the reply pair of serialized
error and serialized result. It satisfies the server's CRM contract, and
its termination hook when one was set.
*/
type Dispatcher struct {
	mu        sync.Mutex
	bindings  map[string]*binding
	impls     map[string]Impl
	terminate func() error
}

func NewDispatcher(decl Decl, reg *transferable.Registry) *Dispatcher {
	if reg == nil {
		reg = transferable.Default
	}
	return &Dispatcher{
		bindings: resolve(decl, reg),
		impls:    make(map[string]Impl),
	}
}

// Register binds the implementation of a declared method. Unknown names
// are rejected so typos surface at startup.
func (d *Dispatcher) Register(name string, impl Impl) error {
	if d.bindings[name] == nil {
		return errs.New(errs.ERROR_AT_CRM_SERVER, "method %s is not declared", name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.impls[name]; ok {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Replacing implementation of", name)
	}
	d.impls[name] = impl
	return nil
}

// OnTerminate sets the hook run once when the owning server shuts down.
func (d *Dispatcher) OnTerminate(hook func() error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminate = hook
}

func (d *Dispatcher) Terminate() error {
	d.mu.Lock()
	hook := d.terminate
	d.mu.Unlock()
	if hook == nil {
		return nil
	}
	return hook()
}

// Invoke decodes, executes and encodes one call. Failures of any stage are
// contained in the reply's error sub-message; Invoke itself never fails.
func (d *Dispatcher) Invoke(method string, args []byte) []byte {
	e, result := d.invoke(method, args)
	return wire.FramePair(errs.Serialize(e), result)
}

func (d *Dispatcher) invoke(method string, args []byte) (*errs.Error, []byte) {
	b := d.bindings[method]
	d.mu.Lock()
	impl := d.impls[method]
	d.mu.Unlock()

	if b == nil || impl == nil {
		return errs.New(errs.ERROR_AT_CRM_SERVER, "no such method: %s", method), nil
	}

	var values []interface{}
	if b.input != nil {
		var err error
		values, err = b.input.Deserialize(args)
		if err != nil {
			return errs.New(errs.ERROR_AT_CRM_INPUT_DESERIALIZING,
				"deserializing arguments of %s: %s", method, err.Error()), nil
		}
	}

	results, err := impl(values)
	if err != nil {
		if typed, ok := err.(*errs.Error); ok {
			return typed, nil
		}
		return errs.New(errs.ERROR_AT_CRM_FUNCTION_EXECUTING,
			"%s failed: %s", method, err.Error()), nil
	}

	if b.output == nil {
		return nil, nil
	}
	raw, err := b.output.Serialize(results...)
	if err != nil {
		return errs.New(errs.ERROR_AT_CRM_OUTPUT_SERIALIZING,
			"serializing result of %s: %s", method, err.Error()), nil
	}
	return nil, raw
}
