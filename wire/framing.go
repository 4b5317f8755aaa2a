/*
Package wire implements the length-prefixed framing primitive underlying the
whole protocol: every sub-message is prepended with an 8-byte big-endian
length, and a payload is the plain concatenation of such frames.
*/
package wire

import (
	"encoding/binary"
	"fmt"
)

// Size of the length prefix in bytes.
const PrefixSize = 8

// A FramingError is returned whenever a buffer cannot be split back into
// its sub-messages.
type FramingError struct {
	msg string
}

func (e *FramingError) Error() string {
	return "framing error: " + e.msg
}

func framingErrorf(format string, args ...interface{}) *FramingError {
	return &FramingError{msg: fmt.Sprintf(format, args...)}
}

// Frame prepends the 8-byte big-endian length prefix to b. A nil slice is
// framed as a zero-length sub-message.
func Frame(b []byte) []byte {
	out := make([]byte, PrefixSize+len(b))
	binary.BigEndian.PutUint64(out, uint64(len(b)))
	copy(out[PrefixSize:], b)
	return out
}

// FramePair packs exactly two sub-messages into one payload. Every CRM_CALL
// and CRM_REPLY body is built through this.
func FramePair(a, b []byte) []byte {
	out := make([]byte, 0, 2*PrefixSize+len(a)+len(b))
	out = append(out, Frame(a)...)
	out = append(out, Frame(b)...)
	return out
}

// Unframe splits buf into its sub-messages. The returned slices alias buf.
//
// It fails if a length prefix is truncated, if a declared length exceeds the
// remaining buffer, or if anything but complete frames is left at the end.
func Unframe(buf []byte) ([][]byte, error) {
	var msgs [][]byte
	rest := buf
	for len(rest) > 0 {
		if len(rest) < PrefixSize {
			return nil, framingErrorf("truncated length prefix: %d trailing bytes", len(rest))
		}
		declared := binary.BigEndian.Uint64(rest)
		rest = rest[PrefixSize:]
		if declared > uint64(len(rest)) {
			return nil, framingErrorf("declared length %d exceeds remaining %d bytes", declared, len(rest))
		}
		msgs = append(msgs, rest[:declared])
		rest = rest[declared:]
	}
	return msgs, nil
}

// UnframePair unpacks a payload that must consist of exactly two
// sub-messages.
func UnframePair(buf []byte) ([]byte, []byte, error) {
	msgs, err := Unframe(buf)
	if err != nil {
		return nil, nil, err
	}
	if len(msgs) != 2 {
		return nil, nil, framingErrorf("expected exactly 2 sub-messages, got %d", len(msgs))
	}
	return msgs[0], msgs[1], nil
}
