package mcpway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectType(t *testing.T) {
	testCases := []struct {
		description string
		input       string
		expect      MessageType
	}{
		{
			description: "request with id and method",
			input:       `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			expect:      MessageTypeRequest,
		},
		{
			description: "notification without id",
			input:       `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			expect:      MessageTypeNotification,
		},
		{
			description: "success response",
			input:       `{"jsonrpc":"2.0","id":1,"result":{}}`,
			expect:      MessageTypeResponse,
		},
		{
			description: "error response",
			input:       `{"jsonrpc":"2.0","id":4,"error":{"code":-32601,"message":"method not found"}}`,
			expect:      MessageTypeResponse,
		},
		{
			description: "string id request",
			input:       `{"jsonrpc":"2.0","id":"abc","method":"ping"}`,
			expect:      MessageTypeRequest,
		},
	}
	for _, testCase := range testCases {
		actual := DetectType([]byte(testCase.input))
		assert.Equal(t, testCase.expect, actual, testCase.description)
	}
}

func TestDecodeMessage(t *testing.T) {
	message, err := DecodeMessage([]byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"echo"}}`))
	require.NoError(t, err)
	require.Equal(t, MessageTypeRequest, message.Type)
	assert.Equal(t, "tools/call", message.Request.Method)
	assert.Equal(t, float64(7), message.Request.Id)

	message, err = DecodeMessage([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`))
	require.NoError(t, err)
	require.Equal(t, MessageTypeResponse, message.Type)
	assert.Nil(t, message.Response.Error)

	_, err = DecodeMessage([]byte(`{"jsonrpc":"2.0","method":""}`))
	assert.Error(t, err)
}

func TestRequestUnmarshalRequiredFields(t *testing.T) {
	request := &Request{}
	err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping"}`), request)
	assert.Error(t, err, "id is required")

	err = json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), request)
	require.NoError(t, err)
	assert.Equal(t, "ping", request.Method)
}

func TestNotificationRejectsId(t *testing.T) {
	notification := &Notification{}
	err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":3,"method":"ping"}`), notification)
	assert.Error(t, err)
}

func TestResponseRequiresResultOrError(t *testing.T) {
	response := &Response{}
	err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1}`), response)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":"session timed out"}}`), response)
	require.NoError(t, err)
	assert.Equal(t, SessionTimedOut, response.Error.Code)
}

func TestDecodeFrameBatch(t *testing.T) {
	messages, isBatch, err := DecodeFrame([]byte(`[
		{"jsonrpc":"2.0","id":1,"method":"a"},
		{"jsonrpc":"2.0","method":"b"},
		{"jsonrpc":"2.0","id":2,"result":{}}
	]`))
	require.NoError(t, err)
	assert.True(t, isBatch)
	require.Len(t, messages, 3)
	assert.Equal(t, MessageTypeRequest, messages[0].Type)
	assert.Equal(t, MessageTypeNotification, messages[1].Type)
	assert.Equal(t, MessageTypeResponse, messages[2].Type)

	_, _, err = DecodeFrame([]byte(`[]`))
	assert.Error(t, err, "empty batch is invalid")

	_, _, err = DecodeFrame([]byte(``))
	assert.Error(t, err, "empty frame is invalid")

	messages, isBatch, err = DecodeFrame([]byte(`{"jsonrpc":"2.0","id":9,"method":"single"}`))
	require.NoError(t, err)
	assert.False(t, isBatch)
	assert.Len(t, messages, 1)
}

func TestRecoverId(t *testing.T) {
	assert.Equal(t, float64(5), RecoverId([]byte(`{"id":5,"jsonrpc":"2.0"}`)))
	assert.Nil(t, RecoverId([]byte(`not json at all`)))
}

func TestEqualIds(t *testing.T) {
	assert.True(t, EqualIds(1, float64(1)))
	assert.True(t, EqualIds("a", "a"))
	assert.False(t, EqualIds("1", 1))
	assert.False(t, EqualIds(nil, 1))
	assert.True(t, EqualIds(nil, nil))
}

func TestBatchMarshalPreservesOrder(t *testing.T) {
	request, err := NewRequest("first", nil)
	require.NoError(t, err)
	request.Id = 1
	notification, err := NewNotification("second", nil)
	require.NoError(t, err)
	batch := Batch{NewRequestMessage(request), NewNotificationMessage(notification)}
	data, err := json.Marshal(batch)
	require.NoError(t, err)
	var elements []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &elements))
	require.Len(t, elements, 2)
	assert.Equal(t, "first", elements[0]["method"])
	assert.Equal(t, "second", elements[1]["method"])
}
