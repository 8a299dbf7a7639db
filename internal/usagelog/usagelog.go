// Package usagelog records one entry per dispatched request — request
// metadata, timing, token usage, and a best-effort debug trace — per
// spec §4.9/§4.10. Its Finalize step reconciles the client-visible and
// provider-visible reconstructions of a streamed response as a
// non-failing consistency signal, never as a reason to reject a
// response that otherwise succeeded.
package usagelog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/llmgateway/gateway/internal/unified"
)

// Status is the terminal or in-flight state of one logged request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is one request's full accounting entry.
type Record struct {
	ID        string
	RequestID string
	Alias     string
	Provider  string
	Model     string
	Dialect   unified.Dialect
	Status    Status

	StartedAt    time.Time
	FirstTokenAt *time.Time
	CompletedAt  *time.Time

	Usage unified.Usage

	// ConsistencyNote records a non-failing observation from Finalize
	// (a tool-call count or content length mismatch between the
	// client-side and provider-side reconstructions). Empty when nothing
	// noteworthy was found.
	ConsistencyNote string

	ErrorMessage string
	DebugTrace   []byte
}

// Store is the persistence boundary for usage records (spec §6).
type Store interface {
	Append(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	Query(ctx context.Context, filter Filter) ([]Record, error)
	Delete(ctx context.Context, id string) error
}

// Filter narrows Query results. Zero-value fields are unfiltered.
type Filter struct {
	Provider string
	Alias    string
	Status   Status
	Since    time.Time
}

func (f Filter) matches(r Record) bool {
	if f.Provider != "" && r.Provider != f.Provider {
		return false
	}
	if f.Alias != "" && r.Alias != f.Alias {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
		return false
	}
	return true
}

// MemoryStore is an in-process Store, sufficient for a single-instance
// gateway or for tests; a durable deployment supplies its own Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Append(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("usagelog: record %q already exists", rec.ID)
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Update(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; !exists {
		return fmt.Errorf("usagelog: record %q not found", rec.ID)
	}
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) Query(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if filter.matches(*r) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Logger is the application-facing API the dispatcher drives.
type Logger struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Logger {
	return &Logger{store: store, now: time.Now}
}

// LogRequest appends a new pending record at dispatch start.
func (l *Logger) LogRequest(ctx context.Context, rec *Record) error {
	rec.Status = StatusPending
	if rec.StartedAt.IsZero() {
		rec.StartedAt = l.now()
	}
	return l.store.Append(ctx, rec)
}

// MarkFirstToken stamps the first-token timestamp on an existing record.
func (l *Logger) MarkFirstToken(ctx context.Context, rec *Record) error {
	at := l.now()
	rec.FirstTokenAt = &at
	return l.store.Update(ctx, rec)
}

// UpdateUsageFromReconstructed overwrites rec's usage with the figures
// derived from fully reconstructing a streamed response, which is the
// authoritative source once reconstruction completes (spec §9:
// "reconstructed usage wins over the final frame's usage field when
// both are present").
func (l *Logger) UpdateUsageFromReconstructed(ctx context.Context, rec *Record, usage unified.Usage) error {
	rec.Usage = usage
	return l.store.Update(ctx, rec)
}

// Finalize reconciles the client-visible reconstruction against the
// provider-visible one (when both are available), extracts final
// usage, sets the terminal status, and persists the debug trace.
// Consistency mismatches are recorded as a note on the record, never as
// a reason to report failure for a request that otherwise succeeded.
func (l *Logger) Finalize(ctx context.Context, rec *Record, clientResp, providerResp *unified.Response, status Status, errMsg string, debugTrace []byte) error {
	now := l.now()
	rec.CompletedAt = &now
	rec.Status = status
	rec.ErrorMessage = errMsg
	rec.DebugTrace = debugTrace

	if clientResp != nil {
		rec.Usage = clientResp.Usage
	}
	if clientResp != nil && providerResp != nil {
		if note := consistencyNote(clientResp, providerResp); note != "" {
			rec.ConsistencyNote = note
		}
	}

	return l.store.Update(ctx, rec)
}

// consistencyNote compares tool-call counts and content length between
// the client-side and provider-side reconstructions of the same
// response. A mismatch usually means a chunk was dropped somewhere in
// transformation, which is worth surfacing for debugging without
// failing an otherwise-successful request.
func consistencyNote(client, provider *unified.Response) string {
	if len(client.ToolCalls) != len(provider.ToolCalls) {
		return fmt.Sprintf("tool_call count mismatch: client=%d provider=%d", len(client.ToolCalls), len(provider.ToolCalls))
	}
	clientLen, providerLen := contentLen(client.Content), contentLen(provider.Content)
	if clientLen != providerLen {
		return fmt.Sprintf("content length mismatch: client=%d provider=%d", clientLen, providerLen)
	}
	return ""
}

func contentLen(s *string) int {
	if s == nil {
		return 0
	}
	return len(*s)
}
