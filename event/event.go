/*
Package event defines the tagged envelope carried over every transport, plus
the queue that hands delivered events to the server's single processing loop.

The wire form of an Event is Frame(tag name) + Frame(data); an event with
tag CRM_CALL carries exactly two further sub-messages inside data (method
name and argument payload), and CRM_REPLY carries (error, result).
*/
package event

import (
	"github.com/crm-rpc/crmrpc/errs"
	"github.com/crm-rpc/crmrpc/wire"
)

// Tag identifies the role of an Event. The values are the wire names.
type Tag string

const (
	PING                 Tag = "ping"
	PONG                 Tag = "pong"
	EMPTY                Tag = "empty"
	CRM_CALL             Tag = "crm_call"
	CRM_REPLY            Tag = "crm_reply"
	SHUTDOWN_ACK         Tag = "shutdown_ack"
	SHUTDOWN_FROM_SERVER Tag = "shutdown_from_server"
	SHUTDOWN_FROM_CLIENT Tag = "shutdown_from_client"
)

var valid_tags = map[Tag]bool{
	PING:                 true,
	PONG:                 true,
	EMPTY:                true,
	CRM_CALL:             true,
	CRM_REPLY:            true,
	SHUTDOWN_ACK:         true,
	SHUTDOWN_FROM_SERVER: true,
	SHUTDOWN_FROM_CLIENT: true,
}

// Completion annotates how an Event left the queue. It is queue-local and
// never serialized.
type Completion int

const (
	// Freshly produced, not yet through the queue
	OP_REQUEST Completion = iota
	// Poll window elapsed without an event
	OP_TIMEOUT
	// Delivered to the consumer
	OP_COMPLETE
)

// Event is the unit of protocol exchange.
//
// RequestID correlates an asynchronous reply with its request; the HTTP,
// memory and thread transports always assign one, the socket transport's
// strict request/reply pattern makes it optional. It does not travel inside
// the serialized form; each transport carries it its own way (HTTP pending
// map, memory file names, thread waiter map).
type Event struct {
	Tag        Tag
	Data       []byte
	RequestID  string
	Completion Completion
}

// Serialize converts the event to its wire form.
func (e Event) Serialize() []byte {
	return wire.FramePair([]byte(e.Tag), e.Data)
}

// Deserialize parses a wire-form event. An empty buffer, a wrong sub-message
// count and an unrecognized tag are protocol errors.
func Deserialize(content []byte) (Event, error) {
	if len(content) == 0 {
		return Event{}, errs.New(errs.ERROR_AT_EVENT_DESERIALIZING, "event content is empty")
	}
	tag_bytes, data, err := wire.UnframePair(content)
	if err != nil {
		return Event{}, errs.New(errs.ERROR_AT_EVENT_DESERIALIZING, "malformed event: %s", err.Error())
	}
	tag := Tag(tag_bytes)
	if !valid_tags[tag] {
		return Event{}, errs.New(errs.ERROR_AT_EVENT_DESERIALIZING, "unrecognized event tag %q", string(tag_bytes))
	}
	if len(data) == 0 {
		data = nil
	}
	return Event{Tag: tag, Data: data}, nil
}

// Pre-serialized control events, so the hot control paths don't re-serialize
// on every ping or shutdown call.
var (
	PingBytes               = Event{Tag: PING}.Serialize()
	ShutdownFromClientBytes = Event{Tag: SHUTDOWN_FROM_CLIENT}.Serialize()
)

// NewCall builds a CRM_CALL event for a method and its serialized argument
// payload.
func NewCall(method string, data []byte, requestID string) Event {
	return Event{
		Tag:       CRM_CALL,
		Data:      wire.FramePair([]byte(method), data),
		RequestID: requestID,
	}
}
