package dispatcher

import (
	"context"
	"encoding/json"
	"io"
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

	"github.com/llmgateway/gateway/internal/apperrors"
	"github.com/llmgateway/gateway/internal/behaviorhook"
	"github.com/llmgateway/gateway/internal/config"
	"github.com/llmgateway/gateway/internal/cooldown"
	"github.com/llmgateway/gateway/internal/eventbus"
	"github.com/llmgateway/gateway/internal/metrics"
	"github.com/llmgateway/gateway/internal/providerclient"
	"github.com/llmgateway/gateway/internal/transformer"
	"github.com/llmgateway/gateway/internal/unified"
	"github.com/llmgateway/gateway/internal/usagelog"
)

func writeConfig(t *testing.T, yamlContent string) *config.Watcher {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))
	w, err := config.NewWatcher(path)
	require.NoError(t, err)
	return w
}

type harness struct {
	dispatcher *Dispatcher
	cooldown   *cooldown.Manager
	metrics    *metrics.Collector
	usageStore *usagelog.MemoryStore
	events     *eventbus.Bus
	server     *httptest.Server
}

// baseConfig returns a one-provider, one-alias config; withEndpoint
// substitutes the PLACEHOLDER endpoint URL with the test server's.
func baseConfig(apiType string) string {
	return `
providers:
  openai:
    enabled: true
    auth_type: bearer
    api_key: test-key
    supported_dialects: [` + apiType + `]
    endpoints:
      ` + apiType + `: PLACEHOLDER

aliases:
  smart:
    selector: in_order
    targets:
      - provider: openai
        model: gpt-5
        api_type: ` + apiType
}

func withEndpoint(yamlContent, url string) string {
	return strings.ReplaceAll(yamlContent, "PLACEHOLDER", url)
}

func newHarnessWithEndpoint(t *testing.T, apiType string, handler http.HandlerFunc) *harness {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	watcher := writeConfig(t, withEndpoint(baseConfig(apiType), srv.URL))

	cooldownMgr, err := cooldown.New(context.Background(), cooldown.Bounds{
		Min:             time.Second,
		Max:             time.Hour,
		DefaultByReason: map[cooldown.Reason]time.Duration{cooldown.ReasonServerError: 30 * time.Second},
	}, nil)
	require.NoError(t, err)

	metricsColl := metrics.New(5*time.Minute, 4, prometheus.NewRegistry())
	client := providerclient.NewFromHTTPClient(srv.Client())
	behaviors := behaviorhook.New(nil)
	transformers := transformer.NewRegistry()
	store := usagelog.NewMemoryStore()
	usage := usagelog.New(store)
	events := eventbus.New(8)

	d := New(watcher, cooldownMgr, metricsColl, client, behaviors, transformers, usage, events)

	return &harness{dispatcher: d, cooldown: cooldownMgr, metrics: metricsColl, usageStore: store, events: events, server: srv}
}

func TestDispatch_IdentityPathPassesBodyThrough(t *testing.T) {
	chatBody := `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-5","choices":[{"index":0,"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`

	h := newHarnessWithEndpoint(t, "chat", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatBody))
	})

	out, rerr := h.dispatcher.Dispatch(context.Background(), Input{
		RequestID:     "req-1",
		ClientDialect: unified.DialectChat,
		Model:         "smart",
		RawBody:       []byte(`{"model":"smart","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.Nil(t, rerr)
	require.NotNil(t, out)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.JSONEq(t, chatBody, string(out.Body))

	records, err := h.usageStore.Query(context.Background(), usagelog.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, usagelog.StatusSuccess, records[0].Status)
	assert.Equal(t, "openai", records[0].Provider)
	assert.Equal(t, 5, records[0].Usage.TotalTokens)
}

func TestDispatch_CrossDialectTransformsRequestAndResponse(t *testing.T) {
	msgsBody := `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3","content":[{"type":"text","text":"hello there"}],"stop_reason":"end_turn","usage":{"input_tokens":6,"output_tokens":4}}`

	var gotReq map[string]any
	h := newHarnessWithEndpoint(t, "messages", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &gotReq))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(msgsBody))
	})

	out, rerr := h.dispatcher.Dispatch(context.Background(), Input{
		RequestID:     "req-2",
		ClientDialect: unified.DialectChat,
		Model:         "smart",
		RawBody:       []byte(`{"model":"smart","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.Nil(t, rerr)
	require.NotNil(t, out)

	// provider received an Anthropic-shaped request with the resolved
	// target model substituted for the alias name.
	assert.Equal(t, "gpt-5", gotReq["model"])
	require.Contains(t, gotReq, "max_tokens")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Body, &decoded))
	choices := decoded["choices"].([]any)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "hello there", msg["content"])
}

func TestDispatch_UnknownAliasReturnsModelNotFound(t *testing.T) {
	h := newHarnessWithEndpoint(t, "chat", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider should never be called")
	})

	_, rerr := h.dispatcher.Dispatch(context.Background(), Input{
		RequestID:     "req-3",
		ClientDialect: unified.DialectChat,
		Model:         "does-not-exist",
		RawBody:       []byte(`{}`),
	})
	require.NotNil(t, rerr)
	assert.Equal(t, apperrors.CodeModelNotFound, rerr.Code)
}

func TestDispatch_UpstreamServerErrorSetsCooldown(t *testing.T) {
	h := newHarnessWithEndpoint(t, "chat", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	})

	_, rerr := h.dispatcher.Dispatch(context.Background(), Input{
		RequestID:     "req-4",
		ClientDialect: unified.DialectChat,
		Model:         "smart",
		RawBody:       []byte(`{"model":"smart","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NotNil(t, rerr)
	assert.Equal(t, http.StatusInternalServerError, rerr.Status)

	assert.True(t, h.cooldown.IsOnCooldown(cooldown.Key{Provider: "openai", Model: "gpt-5"}))

	records, err := h.usageStore.Query(context.Background(), usagelog.Filter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, usagelog.StatusFailed, records[0].Status)
}

func TestDispatch_NoHealthyTargetWhenOnCooldown(t *testing.T) {
	h := newHarnessWithEndpoint(t, "chat", func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("provider should never be called once on cooldown")
	})

	h.cooldown.Set(cooldown.SetRequest{
		Key:    cooldown.Key{Provider: "openai", Model: "gpt-5"},
		Reason: cooldown.ReasonServerError,
	})

	_, rerr := h.dispatcher.Dispatch(context.Background(), Input{
		RequestID:     "req-5",
		ClientDialect: unified.DialectChat,
		Model:         "smart",
		RawBody:       []byte(`{"model":"smart","messages":[{"role":"user","content":"hi"}]}`),
	})
	require.NotNil(t, rerr)
	assert.Equal(t, apperrors.CodeNoHealthyTarget, rerr.Code)
}

func TestDispatch_StreamingIdentityPassesFramesThroughAndFinalizes(t *testing.T) {
	sseBody := "data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"},\"finish_reason\":null}]}\n\n" +
		"data: {\"id\":\"1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":1,\"total_tokens\":2}}\n\n" +
		"data: [DONE]\n\n"

	h := newHarnessWithEndpoint(t, "chat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sseBody))
	})

	out, rerr := h.dispatcher.Dispatch(context.Background(), Input{
		RequestID:     "req-6",
		ClientDialect: unified.DialectChat,
		Model:         "smart",
		Stream:        true,
		RawBody:       []byte(`{"model":"smart","stream":true,"messages":[{"role":"user","content":"hi"}]}`),
	})
	require.Nil(t, rerr)
	require.NotNil(t, out)
	require.True(t, out.Streaming)

	got, err := io.ReadAll(out.Stream)
	require.NoError(t, err)
	assert.Contains(t, string(got), `"content":"hi"`)
	assert.Contains(t, string(got), "[DONE]")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		records, qerr := h.usageStore.Query(context.Background(), usagelog.Filter{})
		require.NoError(t, qerr)
		if len(records) == 1 && records[0].Status == usagelog.StatusSuccess {
			assert.Equal(t, 2, records[0].Usage.TotalTokens)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("usage record was never finalized to success")
}

