package providerclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gopkg.in/dnaeon/go-vcr.v4/cassette"
	"gopkg.in/dnaeon/go-vcr.v4/recorder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Do_SendsHeadersAndBody(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(5 * time.Second)
	resp, err := c.Do(context.Background(), Request{
		Method:  http.MethodPost,
		URL:     srv.URL,
		Body:    []byte(`{"model":"gpt-5"}`),
		Headers: AuthHeaders("bearer", "sk-test"),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, `{"model":"gpt-5"}`, gotBody)
	assert.Contains(t, string(resp.Body), "ok")
}

func TestAuthHeaders(t *testing.T) {
	assert.Equal(t, map[string]string{"Authorization": "Bearer k"}, AuthHeaders("bearer", "k"))
	assert.Equal(t, "k", AuthHeaders("x-api-key", "k")["x-api-key"])
	assert.Equal(t, "2023-06-01", AuthHeaders("x-api-key", "k")["anthropic-version"])
	assert.Equal(t, "k", AuthHeaders("x-goog-api-key", "k")["x-goog-api-key"])
	assert.Nil(t, AuthHeaders("bearer", ""))
}

func TestMergeExtraBody(t *testing.T) {
	out, err := MergeExtraBody([]byte(`{"model":"m","temperature":0.5}`), map[string]any{"temperature": 0.9, "safety_settings": "off"})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"temperature":0.9`)
	assert.Contains(t, string(out), `"safety_settings":"off"`)
}

func TestMergeExtraBody_NoExtraIsNoop(t *testing.T) {
	body := []byte(`{"model":"m"}`)
	out, err := MergeExtraBody(body, nil)
	require.NoError(t, err)
	assert.Equal(t, body, out)
}

func TestParseRetryAfter_Seconds(t *testing.T) {
	d, ok := ParseRetryAfter("30", time.Now())
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)
}

func TestParseRetryAfter_HTTPDate(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(2 * time.Minute)
	d, ok := ParseRetryAfter(future.Format(http.TimeFormat), now)
	require.True(t, ok)
	assert.InDelta(t, 2*time.Minute, d, float64(time.Second))
}

func TestParseRetryAfter_Invalid(t *testing.T) {
	_, ok := ParseRetryAfter("not-a-value", time.Now())
	assert.False(t, ok)

	_, ok = ParseRetryAfter("", time.Now())
	assert.False(t, ok)
}

// TestClient_Do_ReplaysRecordedCassette exercises the client against a
// pre-recorded interaction instead of a live server, the way provider
// integration tests are meant to run without network access or live
// API keys.
func TestClient_Do_ReplaysRecordedCassette(t *testing.T) {
	rec, err := recorder.New("fixtures/chat_completion",
		recorder.WithMode(recorder.ModeReplayOnly),
		recorder.WithMatcher(cassette.DefaultMatcher),
	)
	require.NoError(t, err)
	defer rec.Stop()

	c := NewFromHTTPClient(rec.GetDefaultClient())
	resp, err := c.Do(context.Background(), Request{
		Method: http.MethodPost,
		URL:    "https://api.openai.example/v1/chat/completions",
		Body:   []byte(`{"model":"gpt-5","messages":[{"role":"user","content":"hi"}]}`),
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer test-key",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, string(resp.Body), "hello there")
}
