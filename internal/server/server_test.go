package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgateway/gateway/internal/behaviorhook"
	"github.com/llmgateway/gateway/internal/config"
	"github.com/llmgateway/gateway/internal/cooldown"
	"github.com/llmgateway/gateway/internal/dispatcher"
	"github.com/llmgateway/gateway/internal/eventbus"
	"github.com/llmgateway/gateway/internal/metrics"
	"github.com/llmgateway/gateway/internal/providerclient"
	"github.com/llmgateway/gateway/internal/transformer"
	"github.com/llmgateway/gateway/internal/usagelog"
)

func newTestServer(t *testing.T, apiKeys map[string]string, providerHandler http.HandlerFunc) (*Server, *httptest.Server) {
	t.Helper()
	upstream := httptest.NewServer(providerHandler)
	t.Cleanup(upstream.Close)

	cfgYAML := `
providers:
  openai:
    enabled: true
    auth_type: bearer
    api_key: test-key
    supported_dialects: [chat]
    endpoints:
      chat: ` + upstream.URL + `

aliases:
  smart:
    selector: in_order
    targets:
      - provider: openai
        model: gpt-5
        api_type: chat
`
	if len(apiKeys) > 0 {
		var b strings.Builder
		b.WriteString("\nserver:\n  api_keys:\n")
		for secret, name := range apiKeys {
			b.WriteString("    " + secret + ": " + name + "\n")
		}
		cfgYAML += b.String()
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfgYAML), 0644))
	watcher, err := config.NewWatcher(path)
	require.NoError(t, err)

	cooldownMgr, err := cooldown.New(context.Background(), cooldown.Bounds{
		Min: time.Second, Max: time.Hour,
		DefaultByReason: map[cooldown.Reason]time.Duration{cooldown.ReasonServerError: 30 * time.Second},
	}, nil)
	require.NoError(t, err)

	metricsColl := metrics.New(5*time.Minute, 4, prometheus.NewRegistry())
	client := providerclient.NewFromHTTPClient(upstream.Client())
	behaviors := behaviorhook.New(nil)
	transformers := transformer.NewRegistry()
	usage := usagelog.New(usagelog.NewMemoryStore())
	events := eventbus.New(8)

	d := dispatcher.New(watcher, cooldownMgr, metricsColl, client, behaviors, transformers, usage, events)
	return New(watcher, d, events), upstream
}

func TestServer_HealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t, nil, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ChatCompletionsNoAuthRequired(t *testing.T) {
	chatBody := `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-5","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`
	srv, _ := newTestServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatBody))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"smart","messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, chatBody, rec.Body.String())
}

func TestServer_RequiresAPIKeyWhenConfigured(t *testing.T) {
	srv, _ := newTestServer(t, map[string]string{"secret-123": "ci"}, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider should not be reached without auth")
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"smart"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	errBody := body["error"].(map[string]any)
	assert.Equal(t, "authentication_error", errBody["type"])
}

func TestServer_AcceptsValidAPIKey(t *testing.T) {
	chatBody := `{"id":"c1","object":"chat.completion","created":1,"model":"gpt-5","choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`
	srv, _ := newTestServer(t, map[string]string{"secret-123": "ci"}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatBody))
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"smart","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer secret-123")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_UnknownModelRendersDialectError(t *testing.T) {
	srv, _ := newTestServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider should never be called")
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"model":"does-not-exist","messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}]}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["type"])
}

func TestServer_ModelsListsConfiguredAliases(t *testing.T) {
	srv, _ := newTestServer(t, nil, func(w http.ResponseWriter, r *http.Request) {})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	data := body["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "smart", data[0].(map[string]any)["id"])
}
