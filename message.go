package mcpway

import (
	"encoding/json"
	"errors"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// MessageType is an enumeration of the types of messages in the JSON-RPC protocol.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeNotification MessageType = "notification"
	MessageTypeResponse     MessageType = "response"
)

// Message is a wrapper around the different types of JSON-RPC messages.
type Message struct {
	Type         MessageType
	Request      *Request
	Notification *Notification
	Response     *Response
}

// Method returns the method of a request or notification message, otherwise "".
func (m *Message) Method() string {
	switch m.Type {
	case MessageTypeRequest:
		return m.Request.Method
	case MessageTypeNotification:
		return m.Notification.Method
	}
	return ""
}

// Id returns the message id for requests and responses, nil otherwise.
func (m *Message) Id() RequestId {
	switch m.Type {
	case MessageTypeRequest:
		return m.Request.Id
	case MessageTypeResponse:
		return m.Response.Id
	}
	return nil
}

// MarshalJSON is a custom JSON marshaler for the Message type.
func (m *Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessageTypeRequest:
		return json.Marshal(m.Request)
	case MessageTypeNotification:
		return json.Marshal(m.Notification)
	case MessageTypeResponse:
		return json.Marshal(m.Response)
	}
	return nil, errors.New("unknown message type, couldn't marshal")
}

// NewRequestMessage creates a new JSON-RPC message of type Request.
func NewRequestMessage(request *Request) *Message {
	return &Message{Type: MessageTypeRequest, Request: request}
}

// NewNotificationMessage creates a new JSON-RPC message of type Notification.
func NewNotificationMessage(notification *Notification) *Message {
	return &Message{Type: MessageTypeNotification, Notification: notification}
}

// NewResponseMessage creates a new JSON-RPC message of type Response.
func NewResponseMessage(response *Response) *Message {
	return &Message{Type: MessageTypeResponse, Response: response}
}

// NewErrorMessage creates a response message carrying an error object.
func NewErrorMessage(id RequestId, anError *Error) *Message {
	return NewResponseMessage(&Response{Id: id, Jsonrpc: Version, Error: anError})
}

type probe struct {
	Id     RequestId       `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// DetectType returns the message type of raw frame data.
func DetectType(data []byte) MessageType {
	aProbe := &probe{}
	_ = gojson.Unmarshal(data, aProbe)
	if aProbe.Method != "" {
		if aProbe.Id == nil {
			return MessageTypeNotification
		}
		return MessageTypeRequest
	}
	return MessageTypeResponse
}

// DecodeMessage parses a single non-batch JSON-RPC frame.
func DecodeMessage(data []byte) (*Message, error) {
	switch DetectType(data) {
	case MessageTypeRequest:
		request := &Request{}
		if err := json.Unmarshal(data, request); err != nil {
			return nil, fmt.Errorf("failed to parse request: %w", err)
		}
		return NewRequestMessage(request), nil
	case MessageTypeNotification:
		notification := &Notification{}
		if err := json.Unmarshal(data, notification); err != nil {
			return nil, fmt.Errorf("failed to parse notification: %w", err)
		}
		return NewNotificationMessage(notification), nil
	}
	response := &Response{}
	if err := json.Unmarshal(data, response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return NewResponseMessage(response), nil
}

// RecoverId extracts a request id from raw frame data that may fail
// full decoding, so a parse error response can still be correlated.
func RecoverId(data []byte) RequestId {
	aProbe := &probe{}
	if err := gojson.Unmarshal(data, aProbe); err != nil {
		return nil
	}
	return aProbe.Id
}
