package common

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCORSExactAndRegexOrigins(t *testing.T) {
	cors, err := NewCORS([]string{"https://app.example.com", `/^https://.*\.trusted\.dev$/`})
	require.NoError(t, err)

	assert.True(t, cors.Allowed("https://app.example.com"))
	assert.True(t, cors.Allowed("https://tool.trusted.dev"))
	assert.False(t, cors.Allowed("https://evil.example.com"))
	assert.False(t, cors.Allowed(""))
}

func TestCORSInvalidRegex(t *testing.T) {
	_, err := NewCORS([]string{"/[unclosed/"})
	assert.Error(t, err)
}

func TestCORSPreflight(t *testing.T) {
	cors, err := NewCORS([]string{"https://app.example.com"})
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/mcp", nil)
	request.Header.Set("Origin", "https://app.example.com")
	handled := cors.Apply(recorder, request)

	require.True(t, handled)
	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, "https://app.example.com", recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST, OPTIONS", recorder.Header().Get("Access-Control-Allow-Methods"))
	assert.Contains(t, recorder.Header().Get("Access-Control-Allow-Headers"), "Mcp-Session-Id")
	assert.Contains(t, recorder.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestCORSDisabledWhenEmpty(t *testing.T) {
	cors, err := NewCORS(nil)
	require.NoError(t, err)
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/mcp", nil)
	assert.False(t, cors.Apply(recorder, request))
}

func TestClientHostPrefersForwardedHeaders(t *testing.T) {
	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Host = "internal:8080"
	assert.Equal(t, "internal", ClientHost(request))

	request.Header.Set("X-Forwarded-Host", "public.example.com, proxy")
	assert.Equal(t, "public.example.com", ClientHost(request))

	request.Header.Set("Forwarded", `host="edge.example.com";proto=https`)
	assert.Equal(t, "edge.example.com", ClientHost(request))
}

func TestTopDomain(t *testing.T) {
	domain, err := TopDomain("app.example.co.uk")
	require.NoError(t, err)
	assert.Equal(t, "example.co.uk", domain)

	domain, err = TopDomain("localhost")
	require.NoError(t, err)
	assert.Empty(t, domain)

	domain, err = TopDomain("127.0.0.1")
	require.NoError(t, err)
	assert.Empty(t, domain)
}
