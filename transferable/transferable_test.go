package transferable

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"strings"
	"testing"

	pb "github.com/gogo/protobuf/proto"
	"github.com/gogo/protobuf/types"

	"github.com/crm-rpc/crmrpc/errs"
)

// A hand-authored transferable for (level int, global_ids []int), the way an
// application would register one at startup.
func gridInfoTransferable() *Transferable {
	shape := Shape{{"level", "int"}, {"global_ids", "[]int"}}
	type payload struct {
		Level     int   `json:"level"`
		GlobalIDs []int `json:"global_ids"`
	}
	ser := func(args ...interface{}) ([]byte, error) {
		return json.Marshal(payload{Level: args[0].(int), GlobalIDs: args[1].([]int)})
	}
	deser := func(data []byte) ([]interface{}, error) {
		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return []interface{}{p.Level, p.GlobalIDs}, nil
	}
	return New("grid.GridInfos", shape, ser, deser)
}

func TestResolveInputExactShape(t *testing.T) {
	reg := NewRegistry()
	reg.Register(gridInfoTransferable())

	sig := Signature{
		Method: "GetGridInfos",
		Params: Shape{{"level", "int"}, {"global_ids", "[]int"}},
	}
	got := reg.ResolveInput(sig)
	if got == nil || got.Name() != "grid.GridInfos" {
		t.Fatal("exact shape match not resolved, got", got)
	}

	// Parameter order must not matter, only the name set and per-name types.
	sig.Params = Shape{{"global_ids", "[]int"}, {"level", "int"}}
	if got = reg.ResolveInput(sig); got == nil || got.Name() != "grid.GridInfos" {
		t.Fatal("shape match must be order-insensitive")
	}
}

func TestResolveInputTypeMismatch(t *testing.T) {
	reg := NewRegistry()
	reg.Register(gridInfoTransferable())

	sig := Signature{
		Method: "GetGridInfos",
		Params: Shape{{"level", "int64"}, {"global_ids", "[]int"}},
	}
	got := reg.ResolveInput(sig)
	if got == nil || got.Name() == "grid.GridInfos" {
		t.Fatal("differing declared type must not match; want synthesized fallback")
	}
}

func TestResolveInputEmptyShape(t *testing.T) {
	reg := NewRegistry()
	if reg.ResolveInput(Signature{Method: "NoArgs"}) != nil {
		t.Fatal("void input must resolve to nil")
	}
}

func TestFallbackRoundtrip(t *testing.T) {
	reg := NewRegistry()
	sig := Signature{
		Method: "Activate",
		Params: Shape{{"level", "int"}, {"ratio", "float64"}, {"names", "[]string"}},
	}
	tr := reg.ResolveInput(sig)
	if tr == nil {
		t.Fatal("fallback not synthesized")
	}

	data, err := tr.Serialize(7, 0.5, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	vals, err := tr.Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 3 {
		t.Fatal("wrong arity after roundtrip:", len(vals))
	}
	if vals[0].(int) != 7 || vals[1].(float64) != 0.5 {
		t.Fatal("scalar values mangled:", vals)
	}
	names := vals[2].([]string)
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatal("slice value mangled:", names)
	}
}

func TestFallbackOutputRoundtrip(t *testing.T) {
	reg := NewRegistry()
	sig := Signature{Method: "Stats", Returns: []string{"int", "float64"}}
	tr := reg.ResolveOutput(sig)
	if tr == nil {
		t.Fatal("fallback not synthesized")
	}

	data, err := tr.Serialize(41, 2.5)
	if err != nil {
		t.Fatal(err)
	}
	vals, err := tr.Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 2 || vals[0].(int) != 41 || vals[1].(float64) != 2.5 {
		t.Fatal("tuple mangled:", vals)
	}
}

func TestResolveOutputByName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(gridInfoTransferable())

	got := reg.ResolveOutput(Signature{Method: "Lookup", Returns: []string{"grid.GridInfos"}})
	if got == nil || got.Name() != "grid.GridInfos" {
		t.Fatal("registered return type name not resolved directly")
	}
}

func TestResolveOutputPositional(t *testing.T) {
	reg := NewRegistry()
	reg.Register(gridInfoTransferable())

	// Tuple return (int, []int) matches the registered shape's value sequence.
	got := reg.ResolveOutput(Signature{Method: "Dump", Returns: []string{"int", "[]int"}})
	if got == nil || got.Name() != "grid.GridInfos" {
		t.Fatal("positional tuple match failed")
	}
}

func TestResolveOutputVoid(t *testing.T) {
	reg := NewRegistry()
	if reg.ResolveOutput(Signature{Method: "Fire"}) != nil {
		t.Fatal("void return must resolve to nil")
	}
}

func TestDirectionSymmetry(t *testing.T) {
	// Caller and callee resolve independently but must agree on the pair.
	caller := NewRegistry()
	callee := NewRegistry()
	caller.Register(gridInfoTransferable())
	callee.Register(gridInfoTransferable())

	sig := Signature{Method: "GetGridInfos", Params: Shape{{"level", "int"}, {"global_ids", "[]int"}}}
	out := caller.ResolveInput(sig)
	in := callee.ResolveInput(sig)

	data, err := out.Serialize(2, []int{10, 11, 12})
	if err != nil {
		t.Fatal(err)
	}
	vals, err := in.Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	if vals[0].(int) != 2 || len(vals[1].([]int)) != 3 {
		t.Fatal("both sides disagree on the encoding")
	}
}

func TestLastRegistrationWins(t *testing.T) {
	reg := NewRegistry()
	reg.Register(New("dup", Shape{{"x", "int"}}, nil, nil))
	second := New("dup", Shape{{"x", "int"}}, nil, nil)
	reg.Register(second)

	if reg.Lookup("dup") != second {
		t.Fatal("re-registration must replace the earlier entry")
	}
}

func TestProtoTransferable(t *testing.T) {
	tr := Proto("wrappers.Int64Value", Shape{{"value", "int64"}},
		func() pb.Message { return &types.Int64Value{} })

	data, err := tr.Serialize(&types.Int64Value{Value: 41})
	if err != nil {
		t.Fatal(err)
	}
	vals, err := tr.Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	msg := vals[0].(*types.Int64Value)
	if msg.Value != 41 {
		t.Fatal("protobuf value mangled:", msg.Value)
	}

	if _, err = tr.Serialize("not a message"); err == nil {
		t.Fatal("non-message argument must fail serialization")
	}
}

func TestProtoResolvedByName(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Proto("wrappers.BytesValue", Shape{{"value", "[]byte"}},
		func() pb.Message { return &types.BytesValue{} }))

	tr := reg.ResolveOutput(Signature{Method: "Raw", Returns: []string{"wrappers.BytesValue"}})
	if tr == nil {
		t.Fatal("proto transferable not resolvable by return type name")
	}
	data, err := tr.Serialize(&types.BytesValue{Value: []byte{1, 2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	vals, err := tr.Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(vals[0].(*types.BytesValue).Value, []byte{1, 2, 3}) {
		t.Fail()
	}
}

func TestFallbackInputMissingParameter(t *testing.T) {
	sig := Signature{Method: "calc", Params: Shape{{"a", "int"}, {"b", "int"}}}
	fb := newFallbackInput(sig)

	// A payload that only carries "a", as a mismatched peer would send.
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(map[string]interface{}{"a": 1}); err != nil {
		t.Fatal(err)
	}

	_, err := fb.Deserialize(buf.Bytes())
	if err == nil {
		t.Fatal("missing parameter must fail decoding, not shift arguments")
	}
	e, ok := err.(*errs.Error)
	if !ok || e.Code != errs.ERROR_AT_CRM_INPUT_DESERIALIZING {
		t.Errorf("unexpected error: %v", err)
	}
	if !strings.Contains(err.Error(), "missing parameter b") {
		t.Errorf("error does not name the missing parameter: %v", err)
	}
}
