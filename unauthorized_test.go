package mcpway

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnauthorizedErrorText(t *testing.T) {
	err := NewUnauthorizedError(401, nil)
	assert.Equal(t, "unauthorized (status 401)", err.Error())

	err = NewUnauthorizedError(401, []byte("token expired"))
	assert.Equal(t, "unauthorized (status 401): token expired", err.Error())

	// oversized bodies are truncated, not echoed wholesale
	err = NewUnauthorizedError(401, bytes.Repeat([]byte("x"), 4096))
	assert.LessOrEqual(t, len(err.Error()), unauthorizedBodyLimit+64)
}

func TestUnauthorizedErrorSnapshotsBody(t *testing.T) {
	body := []byte("original")
	err := NewUnauthorizedError(401, body)
	copy(body, []byte("mutated!"))
	assert.True(t, strings.Contains(err.Error(), "original"))
}

func TestIsUnauthorizedUnwraps(t *testing.T) {
	inner := NewUnauthorizedError(401, nil)
	assert.True(t, IsUnauthorized(inner))
	assert.True(t, IsUnauthorized(fmt.Errorf("dial upstream: %w", inner)))
	assert.True(t, IsUnauthorized(NewGatewayError(KindAuthorization, inner)))
	assert.False(t, IsUnauthorized(fmt.Errorf("plain failure")))
}

func TestUnauthorizedJSONError(t *testing.T) {
	jsonErr := NewUnauthorizedError(401, []byte("nope")).JSONError()
	require.NotNil(t, jsonErr)
	assert.Equal(t, Unauthorized, jsonErr.Code)
	assert.Equal(t, "unauthorized", jsonErr.Message)
	assert.Contains(t, fmt.Sprint(jsonErr.Data), "nope")
}
