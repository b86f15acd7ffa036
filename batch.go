package mcpway

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Batch represents a JSON-RPC 2.0 batch: an ordered sequence of non-batch messages.
type Batch []*Message

// MarshalJSON encodes the batch as a JSON array preserving element order.
func (b Batch) MarshalJSON() ([]byte, error) {
	return json.Marshal([]*Message(b))
}

// IsBatch reports whether raw frame data is a JSON array.
func IsBatch(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}

// DecodeFrame parses raw wire data into its messages. For a batch frame it
// returns every element in order with isBatch true; an empty batch is
// invalid per the JSON-RPC specs.
func DecodeFrame(data []byte) (messages []*Message, isBatch bool, err error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false, errors.New("empty frame")
	}
	if !IsBatch(data) {
		message, err := DecodeMessage(data)
		if err != nil {
			return nil, false, err
		}
		return []*Message{message}, false, nil
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, true, err
	}
	if len(elements) == 0 {
		return nil, true, errors.New("invalid batch request: empty array")
	}
	messages = make([]*Message, 0, len(elements))
	for _, element := range elements {
		message, err := DecodeMessage(element)
		if err != nil {
			return nil, true, err
		}
		messages = append(messages, message)
	}
	return messages, true, nil
}
