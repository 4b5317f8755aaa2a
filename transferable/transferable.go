/*
Package transferable maps a call's argument/return shape to a
serialize/deserialize pair. A Transferable is registered once at process
start and looked up by shape for the remainder of the process lifetime;
matching is direction-symmetric, so one registered pair serializes on the
calling side and deserializes on the serving side.

When no registration matches a non-empty shape, a generic gob-backed
fallback is synthesized for that signature only: correct, just slower, and
it logs a performance warning.
*/
package transferable

import (
	"strings"
	"sync"

	"github.com/crm-rpc/crmrpc/log"
)

// Field is one named, typed parameter of a shape. Type is a stable type
// string as the application declares it (e.g. "int", "[]int64", "string").
type Field struct {
	Name string
	Type string
}

// Shape is the ordered parameter-name -> type mapping a Transferable was
// built for.
type Shape []Field

// Key returns the stable shape key: the ordered concatenation of
// name/type pairs. Used as the registry index instead of any runtime
// reflection.
func (s Shape) Key() string {
	var b strings.Builder
	for _, f := range s {
		b.WriteString(f.Name)
		b.WriteByte(':')
		b.WriteString(f.Type)
		b.WriteByte(';')
	}
	return b.String()
}

// Types returns the shape's value sequence in declaration order.
func (s Shape) Types() []string {
	types := make([]string, len(s))
	for i, f := range s {
		types[i] = f.Type
	}
	return types
}

// matches reports structural equality: the same set of names, and for each
// name the identical declared type. Order does not matter.
func (s Shape) matches(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	byName := make(map[string]string, len(s))
	for _, f := range s {
		byName[f.Name] = f.Type
	}
	for _, f := range other {
		declared, ok := byName[f.Name]
		if !ok || declared != f.Type {
			return false
		}
	}
	return true
}

// Signature describes one method of an interface declaration: its parameter
// shape (receiver excluded) and the declared return type names, empty for a
// void call, one entry for a plain return, several for a tuple return.
type Signature struct {
	Method  string
	Params  Shape
	Returns []string
}

type SerializeFunc func(args ...interface{}) ([]byte, error)
type DeserializeFunc func(data []byte) ([]interface{}, error)

// Transferable is a named, immutable pairing of a serializer and a
// deserializer bound to one declared shape.
type Transferable struct {
	name        string
	shape       Shape
	serialize   SerializeFunc
	deserialize DeserializeFunc
}

func New(name string, shape Shape, ser SerializeFunc, deser DeserializeFunc) *Transferable {
	return &Transferable{name: name, shape: shape, serialize: ser, deserialize: deser}
}

func (t *Transferable) Name() string { return t.name }

func (t *Transferable) Shape() Shape { return t.shape }

func (t *Transferable) Serialize(args ...interface{}) ([]byte, error) {
	return t.serialize(args...)
}

func (t *Transferable) Deserialize(data []byte) ([]interface{}, error) {
	return t.deserialize(data)
}

/*
Registry holds registered Transferables. It is effectively append-only after
startup: reads vastly outnumber the rare writes, and a registration race for
the same shape resolves to last-registered-wins without disturbing other
entries.
*/
type Registry struct {
	mu      sync.RWMutex
	by_name map[string]*Transferable
	ordered []*Transferable
}

func NewRegistry() *Registry {
	return &Registry{by_name: make(map[string]*Transferable)}
}

// Register stores t under its (possibly module-qualified) name. Exact shape
// matches against registered entries take priority over synthesized
// fallbacks in later resolution.
func (r *Registry) Register(t *Transferable) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.by_name[t.name]; exists {
		log.CRM_log(log.LOGLEVEL_WARNINGS, "Re-registering transferable:", t.name)
		for i := range r.ordered {
			if r.ordered[i].name == t.name {
				r.ordered[i] = t
				break
			}
		}
	} else {
		r.ordered = append(r.ordered, t)
	}
	r.by_name[t.name] = t

	log.CRM_log(log.LOGLEVEL_DEBUG, "Registered transferable:", t.name)
}

// Lookup returns the Transferable registered under name, or nil.
func (r *Registry) Lookup(name string) *Transferable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.by_name[name]
}

/*
ResolveInput finds the Transferable for a method's argument shape: a
registered entry whose declared shape is structurally identical wins; an
unmatched non-empty shape synthesizes a generic fallback bound to this
signature only. A method without parameters needs no input Transferable.
*/
func (r *Registry) ResolveInput(sig Signature) *Transferable {
	if len(sig.Params) == 0 {
		return nil
	}

	r.mu.RLock()
	for _, t := range r.ordered {
		if t.shape.matches(sig.Params) {
			r.mu.RUnlock()
			return t
		}
	}
	r.mu.RUnlock()

	log.CRM_log(log.LOGLEVEL_WARNINGS,
		"No registered transferable for input shape of", sig.Method,
		"- falling back to generic encoding (slower)")
	return newFallbackInput(sig)
}

/*
ResolveOutput finds the Transferable for a method's return value. A return
type whose name is itself registered is used directly; a tuple return is
matched positionally against registered shapes' value sequences; anything
else synthesizes the generic fallback. A void method yields nil.
*/
func (r *Registry) ResolveOutput(sig Signature) *Transferable {
	if len(sig.Returns) == 0 {
		return nil
	}

	if len(sig.Returns) == 1 {
		if t := r.Lookup(sig.Returns[0]); t != nil {
			return t
		}
	}

	r.mu.RLock()
	for _, t := range r.ordered {
		if typesEqual(t.shape.Types(), sig.Returns) {
			r.mu.RUnlock()
			return t
		}
	}
	r.mu.RUnlock()

	log.CRM_log(log.LOGLEVEL_WARNINGS,
		"No registered transferable for output of", sig.Method,
		"- falling back to generic encoding (slower)")
	return newFallbackOutput(sig)
}

func typesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// The process-wide default registry, mirroring the usual single registration
// site at startup. Callers composing several independent runtimes pass their
// own Registry instead.
var Default = NewRegistry()

func Register(t *Transferable)                        { Default.Register(t) }
func Lookup(name string) *Transferable                { return Default.Lookup(name) }
func ResolveInput(sig Signature) *Transferable        { return Default.ResolveInput(sig) }
func ResolveOutput(sig Signature) *Transferable       { return Default.ResolveOutput(sig) }
