package apperrors

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgateway/gateway/internal/unified"
)

func TestRenderForDialect_Chat(t *testing.T) {
	e := InvalidRequest(CodeModelNotFound, "unknown model or alias: gpt-bogus")
	body, err := e.RenderForDialect(unified.DialectChat)
	require.NoError(t, err)

	var decoded map[string]map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "unknown model or alias: gpt-bogus", decoded["error"]["message"])
	assert.Equal(t, CodeModelNotFound, decoded["error"]["code"])
}

func TestRenderForDialect_Messages(t *testing.T) {
	e := Authentication("invalid api key")
	body, err := e.RenderForDialect(unified.DialectMessages)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "error", decoded["type"])
	errBody := decoded["error"].(map[string]any)
	assert.Equal(t, "authentication_error", errBody["type"])
	assert.Equal(t, "invalid api key", errBody["message"])
}

func TestRenderForDialect_Gemini(t *testing.T) {
	e := APIError(CodeNoHealthyTarget, 503, "no healthy target")
	body, err := e.RenderForDialect(unified.DialectGemini)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	errBody := decoded["error"].(map[string]any)
	assert.Equal(t, float64(503), errBody["code"])
	assert.Equal(t, "UNAVAILABLE", errBody["status"])
}
