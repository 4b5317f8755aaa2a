/*
Package errs provides the standardised errors exchanged between the two sides
of a CRM call. An Error travels inside the first sub-message of a CRM_REPLY
payload as "code:message"; an empty first sub-message means the call
succeeded.
*/
package errs

import (
	"fmt"
	"strconv"
	"strings"
)

type Code int

const (
	ERROR_UNKNOWN Code = iota
	ERROR_AT_CRM_INPUT_DESERIALIZING
	ERROR_AT_CRM_OUTPUT_SERIALIZING
	ERROR_AT_CRM_FUNCTION_EXECUTING
	ERROR_AT_CRM_SERVER
	ERROR_AT_COMPO_INPUT_SERIALIZING
	ERROR_AT_COMPO_OUTPUT_DESERIALIZING
	ERROR_AT_COMPO_CRM_CALLING
	ERROR_AT_COMPO_CLIENT
	ERROR_AT_EVENT_SERIALIZING
	ERROR_AT_EVENT_DESERIALIZING
)

var code_names = map[Code]string{
	ERROR_UNKNOWN:                       "ERROR_UNKNOWN",
	ERROR_AT_CRM_INPUT_DESERIALIZING:    "ERROR_AT_CRM_INPUT_DESERIALIZING",
	ERROR_AT_CRM_OUTPUT_SERIALIZING:     "ERROR_AT_CRM_OUTPUT_SERIALIZING",
	ERROR_AT_CRM_FUNCTION_EXECUTING:     "ERROR_AT_CRM_FUNCTION_EXECUTING",
	ERROR_AT_CRM_SERVER:                 "ERROR_AT_CRM_SERVER",
	ERROR_AT_COMPO_INPUT_SERIALIZING:    "ERROR_AT_COMPO_INPUT_SERIALIZING",
	ERROR_AT_COMPO_OUTPUT_DESERIALIZING: "ERROR_AT_COMPO_OUTPUT_DESERIALIZING",
	ERROR_AT_COMPO_CRM_CALLING:          "ERROR_AT_COMPO_CRM_CALLING",
	ERROR_AT_COMPO_CLIENT:               "ERROR_AT_COMPO_CLIENT",
	ERROR_AT_EVENT_SERIALIZING:          "ERROR_AT_EVENT_SERIALIZING",
	ERROR_AT_EVENT_DESERIALIZING:        "ERROR_AT_EVENT_DESERIALIZING",
}

func (c Code) String() string {
	if name, ok := code_names[c]; ok {
		return name
	}
	return code_names[ERROR_UNKNOWN]
}

// Error carries a taxonomy code plus the original failure's textual context.
// The caller of a failed CRM call sees this, not a generic "RPC failed".
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code Code, format string, params ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, params...)}
}

// Serialize turns err into its wire form. nil serializes to the empty slice,
// meaning "no error".
func Serialize(err *Error) []byte {
	if err == nil {
		return nil
	}
	return []byte(strconv.Itoa(int(err.Code)) + ":" + err.Message)
}

// Deserialize parses the wire form back into an Error. Empty input yields
// nil. An unparseable code maps to ERROR_UNKNOWN rather than failing: the
// message is still worth surfacing.
func Deserialize(data []byte) *Error {
	if len(data) == 0 {
		return nil
	}
	text := string(data)
	code_part, message := text, ""
	if i := strings.IndexByte(text, ':'); i >= 0 {
		code_part, message = text[:i], text[i+1:]
	}
	code_value, err := strconv.Atoi(code_part)
	if err != nil {
		return &Error{Code: ERROR_UNKNOWN, Message: text}
	}
	code := Code(code_value)
	if _, ok := code_names[code]; !ok {
		code = ERROR_UNKNOWN
	}
	return &Error{Code: code, Message: message}
}
