package transferable

import (
	pb "github.com/gogo/protobuf/proto"

	"github.com/crm-rpc/crmrpc/errs"
)

/*
Proto builds a hand-authored Transferable over a protobuf message. The
single argument/return value is the message itself; newMsg produces a fresh
instance for deserialization. This is the fast path for schemas the
application bothered to declare.
*/
func Proto(name string, shape Shape, newMsg func() pb.Message) *Transferable {
	ser := func(args ...interface{}) ([]byte, error) {
		if len(args) != 1 {
			return nil, errs.New(errs.ERROR_AT_COMPO_INPUT_SERIALIZING,
				"%s expects exactly one protobuf message, got %d values", name, len(args))
		}
		msg, ok := args[0].(pb.Message)
		if !ok {
			return nil, errs.New(errs.ERROR_AT_COMPO_INPUT_SERIALIZING,
				"%s expects a protobuf message, got %T", name, args[0])
		}
		out, err := pb.Marshal(msg)
		if err != nil {
			return nil, errs.New(errs.ERROR_AT_COMPO_INPUT_SERIALIZING,
				"%s: %s", name, err.Error())
		}
		return out, nil
	}

	deser := func(data []byte) ([]interface{}, error) {
		msg := newMsg()
		if err := pb.Unmarshal(data, msg); err != nil {
			return nil, errs.New(errs.ERROR_AT_CRM_INPUT_DESERIALIZING,
				"%s: %s", name, err.Error())
		}
		return []interface{}{msg}, nil
	}

	return New(name, shape, ser, deser)
}
