package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message is the envelope for every request and response on the wire. Which
// fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Action is the wire action name, used to route requests to the
	// registered handler on the receiving node.
	Action string `json:"action,omitempty"`

	// Payload carries the serialized domain request or response.
	Payload []byte `json:"payload,omitempty"`

	// Response only fields
	ErrKind ErrorKind `json:"err_kind,omitempty"` // classification of Err, used for retry decisions
	Err     string    `json:"err,omitempty"`      // empty if no error occurred
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewRequest creates a new request envelope for the given action.
func NewRequest(action string, payload []byte) *Message {
	return &Message{
		MsgType: MsgTRequest,
		Action:  action,
		Payload: payload,
	}
}

// NewResponse creates a new success response envelope.
func NewResponse(payload []byte) *Message {
	return &Message{
		MsgType: MsgTResponse,
		Payload: payload,
	}
}

// NewErrorResponse creates a new error response envelope.
func NewErrorResponse(kind ErrorKind, err string) *Message {
	return &Message{
		MsgType: MsgTError,
		ErrKind: kind,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

const (
	MsgTUnknown  MessageType = iota
	MsgTRequest              // A request for a named action
	MsgTResponse             // A successful action response
	MsgTError                // An error response
)

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTRequest:
		return "request"
	case MsgTResponse:
		return "response"
	case MsgTError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "request":
		*t = MsgTRequest
	case "response":
		*t = MsgTResponse
	case "error":
		*t = MsgTError
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Error Kind Definition
// --------------------------------------------------------------------------

// ErrorKind classifies an error response so the sending side can decide
// whether the failure is worth a retry against a newly elected coordinator.
type ErrorKind uint8

const (
	ErrKindNone       ErrorKind = iota
	ErrKindDomain               // The action itself failed - terminal for the caller
	ErrKindNodeClosed           // The target node was shutting down while the request was routed to it
	ErrKindNotFound             // No handler registered for the requested action
)

// String returns the string representation of an ErrorKind.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindNone:
		return "none"
	case ErrKindDomain:
		return "domain"
	case ErrKindNodeClosed:
		return "node_closed"
	case ErrKindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for ErrorKind.
func (k ErrorKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for ErrorKind.
func (k *ErrorKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "none":
		*k = ErrKindNone
	case "domain":
		*k = ErrKindDomain
	case "node_closed":
		*k = ErrKindNodeClosed
	case "not_found":
		*k = ErrKindNotFound
	default:
		return fmt.Errorf("unknown error kind: %s", s)
	}

	return nil
}
