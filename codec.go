package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage reports an envelope that carries the wrong protocol
// version or matches no message variant. It is never fatal to a transport;
// the offending envelope is dropped and the stream continues.
var ErrInvalidMessage = errors.New("invalid message")

// Message is one of the four protocol message variants: Request,
// Notification, Response, or ErrorResponse. Variants are classified from the
// wire envelope by shape, never by inspecting runtime types of payloads.
type Message interface {
	message()
}

// Request is a method call that expects a response correlated by ID.
type Request struct {
	ID     MessageID
	Method string
	Params json.RawMessage
}

// Notification is a method call with side effects only; it never carries an
// id and never receives a response.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response is a successful answer to the request with the matching ID.
type Response struct {
	ID     MessageID
	Result json.RawMessage
}

// ErrorResponse is a failed answer. The ID may be absent when the failure
// could not be attributed to a particular request, such as a parse error.
type ErrorResponse struct {
	ID  MessageID
	Err JSONRPCError
}

func (Request) message()       {}
func (Notification) message()  {}
func (Response) message()      {}
func (ErrorResponse) message() {}

// DecodeMessage classifies a wire envelope into a message variant by shape:
// a method with an id is a Request, a method without an id is a Notification,
// an error field is an ErrorResponse, and a result is a Response. It returns
// ErrInvalidMessage when the jsonrpc version field mismatches or no rule
// applies.
func DecodeMessage(msg JSONRPCMessage) (Message, error) {
	if msg.JSONRPC != JSONRPCVersion {
		return nil, fmt.Errorf("%w: unsupported jsonrpc version %q", ErrInvalidMessage, msg.JSONRPC)
	}

	switch {
	case msg.Method != "" && !msg.ID.IsZero():
		return Request{ID: msg.ID, Method: msg.Method, Params: msg.Params}, nil
	case msg.Method != "":
		return Notification{Method: msg.Method, Params: msg.Params}, nil
	case msg.Error != nil:
		return ErrorResponse{ID: msg.ID, Err: *msg.Error}, nil
	case msg.Result != nil:
		return Response{ID: msg.ID, Result: msg.Result}, nil
	default:
		return nil, fmt.Errorf("%w: envelope matches no message variant", ErrInvalidMessage)
	}
}

// EncodeMessage converts a message variant back into a wire envelope. It is
// the inverse of DecodeMessage: for every valid envelope e,
// EncodeMessage(DecodeMessage(e)) reproduces e.
func EncodeMessage(msg Message) JSONRPCMessage {
	out := JSONRPCMessage{JSONRPC: JSONRPCVersion}

	switch m := msg.(type) {
	case Request:
		out.ID = m.ID
		out.Method = m.Method
		out.Params = m.Params
	case Notification:
		out.Method = m.Method
		out.Params = m.Params
	case Response:
		out.ID = m.ID
		out.Result = m.Result
	case ErrorResponse:
		out.ID = m.ID
		err := m.Err
		out.Error = &err
	}

	return out
}
