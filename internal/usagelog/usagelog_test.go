package usagelog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llmgateway/gateway/internal/unified"
)

func strPtr(s string) *string { return &s }

func TestLogger_LogRequestAppendsPending(t *testing.T) {
	store := NewMemoryStore()
	logger := New(store)

	rec := &Record{ID: "req-1", Provider: "openai", Alias: "gpt-5"}
	require.NoError(t, logger.LogRequest(context.Background(), rec))
	assert.Equal(t, StatusPending, rec.Status)
	assert.False(t, rec.StartedAt.IsZero())

	got, err := store.Query(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "req-1", got[0].ID)
}

func TestLogger_MarkFirstToken(t *testing.T) {
	store := NewMemoryStore()
	logger := New(store)
	rec := &Record{ID: "req-2"}
	require.NoError(t, logger.LogRequest(context.Background(), rec))

	require.NoError(t, logger.MarkFirstToken(context.Background(), rec))
	require.NotNil(t, rec.FirstTokenAt)
}

func TestLogger_FinalizeSuccessNoMismatch(t *testing.T) {
	store := NewMemoryStore()
	logger := New(store)
	rec := &Record{ID: "req-3"}
	require.NoError(t, logger.LogRequest(context.Background(), rec))

	client := &unified.Response{Content: strPtr("hello world"), ToolCalls: nil, Usage: unified.Usage{OutputTokens: 2}}
	provider := &unified.Response{Content: strPtr("hello world"), ToolCalls: nil}

	require.NoError(t, logger.Finalize(context.Background(), rec, client, provider, StatusSuccess, "", []byte("trace")))
	assert.Equal(t, StatusSuccess, rec.Status)
	assert.Empty(t, rec.ConsistencyNote)
	assert.Equal(t, 2, rec.Usage.OutputTokens)
	assert.Equal(t, []byte("trace"), rec.DebugTrace)
	require.NotNil(t, rec.CompletedAt)
}

func TestLogger_FinalizeDetectsToolCallMismatch(t *testing.T) {
	store := NewMemoryStore()
	logger := New(store)
	rec := &Record{ID: "req-4"}
	require.NoError(t, logger.LogRequest(context.Background(), rec))

	client := &unified.Response{ToolCalls: []unified.ToolCall{{ID: "a"}}}
	provider := &unified.Response{ToolCalls: []unified.ToolCall{{ID: "a"}, {ID: "b"}}}

	require.NoError(t, logger.Finalize(context.Background(), rec, client, provider, StatusSuccess, "", nil))
	assert.Contains(t, rec.ConsistencyNote, "tool_call count mismatch")
}

func TestLogger_FinalizeDetectsContentLengthMismatch(t *testing.T) {
	store := NewMemoryStore()
	logger := New(store)
	rec := &Record{ID: "req-5"}
	require.NoError(t, logger.LogRequest(context.Background(), rec))

	client := &unified.Response{Content: strPtr("short")}
	provider := &unified.Response{Content: strPtr("a much longer response body")}

	require.NoError(t, logger.Finalize(context.Background(), rec, client, provider, StatusSuccess, "", nil))
	assert.Contains(t, rec.ConsistencyNote, "content length mismatch")
}

func TestLogger_FinalizeFailureDoesNotRequireProviderResponse(t *testing.T) {
	store := NewMemoryStore()
	logger := New(store)
	rec := &Record{ID: "req-6"}
	require.NoError(t, logger.LogRequest(context.Background(), rec))

	require.NoError(t, logger.Finalize(context.Background(), rec, nil, nil, StatusFailed, "upstream 500", nil))
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "upstream 500", rec.ErrorMessage)
	assert.Empty(t, rec.ConsistencyNote)
}

func TestMemoryStore_QueryFiltersByProviderAndStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &Record{ID: "1", Provider: "openai", Status: StatusSuccess, StartedAt: time.Now()}))
	require.NoError(t, store.Append(ctx, &Record{ID: "2", Provider: "anthropic", Status: StatusFailed, StartedAt: time.Now()}))

	got, err := store.Query(ctx, Filter{Provider: "openai"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)

	got, err = store.Query(ctx, Filter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)
}

func TestMemoryStore_AppendDuplicateErrors(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &Record{ID: "dup"}))
	assert.Error(t, store.Append(ctx, &Record{ID: "dup"}))
}

func TestMemoryStore_UpdateUnknownErrors(t *testing.T) {
	store := NewMemoryStore()
	assert.Error(t, store.Update(context.Background(), &Record{ID: "missing"}))
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, &Record{ID: "gone"}))
	require.NoError(t, store.Delete(ctx, "gone"))

	got, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}
