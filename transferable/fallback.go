package transferable

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"strings"

	"github.com/crm-rpc/crmrpc/errs"
)

// Concrete types the generic fallback can carry inside interface values.
// gob needs them registered up front; anything else must use a hand-authored
// Transferable.
func init() {
	gob.Register(int(0))
	gob.Register(int32(0))
	gob.Register(int64(0))
	gob.Register(uint64(0))
	gob.Register(float32(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register("")
	gob.Register([]byte(nil))
	gob.Register([]int(nil))
	gob.Register([]int64(nil))
	gob.Register([]float64(nil))
	gob.Register([]string(nil))
	gob.Register([]interface{}(nil))
	gob.Register(map[string]interface{}(nil))
	gob.Register(map[string]string(nil))
	gob.Register(map[string]int(nil))
}

const extra_arg_prefix = "extra_arg_"

/*
newFallbackInput synthesizes the generic argument codec for one signature:
a gob-encoded parameter-name -> value map, reconstructed in declaration
order on the other side. Not registered globally; it is bound to the
signature it was synthesized for.
*/
func newFallbackInput(sig Signature) *Transferable {
	shape := sig.Params
	name := "fallback." + sig.Method + ".in"

	ser := func(args ...interface{}) ([]byte, error) {
		fields := make(map[string]interface{}, len(args))
		for i, arg := range args {
			if i < len(shape) {
				fields[shape[i].Name] = arg
			} else {
				fields[fmt.Sprintf("%s%d", extra_arg_prefix, i)] = arg
			}
		}
		buf := new(bytes.Buffer)
		if err := gob.NewEncoder(buf).Encode(fields); err != nil {
			return nil, errs.New(errs.ERROR_AT_COMPO_INPUT_SERIALIZING,
				"generic encoding of %s arguments: %s", sig.Method, err.Error())
		}
		return buf.Bytes(), nil
	}

	deser := func(data []byte) ([]interface{}, error) {
		if len(data) == 0 {
			return nil, nil
		}
		var fields map[string]interface{}
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&fields); err != nil {
			return nil, errs.New(errs.ERROR_AT_CRM_INPUT_DESERIALIZING,
				"generic decoding of %s arguments: %s", sig.Method, err.Error())
		}

		args := make([]interface{}, 0, len(fields))
		for _, f := range shape {
			v, ok := fields[f.Name]
			if !ok {
				// Skipping would shift every later argument one position
				// left and fail far from the cause.
				return nil, errs.New(errs.ERROR_AT_CRM_INPUT_DESERIALIZING,
					"generic decoding of %s arguments: missing parameter %s", sig.Method, f.Name)
			}
			args = append(args, v)
		}
		// Positional extras, in index order
		var extras []string
		for k := range fields {
			if strings.HasPrefix(k, extra_arg_prefix) {
				extras = append(extras, k)
			}
		}
		sort.Strings(extras)
		for _, k := range extras {
			args = append(args, fields[k])
		}
		return args, nil
	}

	return New(name, shape, ser, deser)
}

// newFallbackOutput synthesizes the generic result codec: the return tuple
// gob-encoded positionally.
func newFallbackOutput(sig Signature) *Transferable {
	name := "fallback." + sig.Method + ".out"

	shape := make(Shape, len(sig.Returns))
	for i, typ := range sig.Returns {
		shape[i] = Field{Name: fmt.Sprintf("r%d", i), Type: typ}
	}

	ser := func(args ...interface{}) ([]byte, error) {
		buf := new(bytes.Buffer)
		if err := gob.NewEncoder(buf).Encode(args); err != nil {
			return nil, errs.New(errs.ERROR_AT_CRM_OUTPUT_SERIALIZING,
				"generic encoding of %s result: %s", sig.Method, err.Error())
		}
		return buf.Bytes(), nil
	}

	deser := func(data []byte) ([]interface{}, error) {
		if len(data) == 0 {
			return nil, nil
		}
		var vals []interface{}
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&vals); err != nil {
			return nil, errs.New(errs.ERROR_AT_COMPO_OUTPUT_DESERIALIZING,
				"generic decoding of %s result: %s", sig.Method, err.Error())
		}
		return vals, nil
	}

	return New(name, shape, ser, deser)
}
