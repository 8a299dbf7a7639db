package dispatcher

import (
	"bytes"
	"encoding/json"
	"sync"
)

// traceCapture accumulates the raw bytes observed by both stream taps
// for one request, so finalization can flush a single debug trace
// (spec §4.8: "records every chunk to the debug capture keyed by
// request_id").
type traceCapture struct {
	mu       sync.Mutex
	provider bytes.Buffer
	client   bytes.Buffer
}

func (t *traceCapture) appendProvider(chunk []byte) {
	t.mu.Lock()
	t.provider.Write(chunk)
	t.mu.Unlock()
}

func (t *traceCapture) appendClient(chunk []byte) {
	t.mu.Lock()
	t.client.Write(chunk)
	t.mu.Unlock()
}

type traceFlush struct {
	ProviderBytes int    `json:"provider_bytes"`
	ClientBytes   int    `json:"client_bytes"`
	Provider      string `json:"provider,omitempty"`
	Client        string `json:"client,omitempty"`
}

// flush renders the capture as the JSON blob usagelog.Record.DebugTrace
// stores. Bodies are kept in full — the debug trace exists precisely to
// let an operator see what actually crossed the wire.
func (t *traceCapture) flush() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out, _ := json.Marshal(traceFlush{
		ProviderBytes: t.provider.Len(),
		ClientBytes:   t.client.Len(),
		Provider:      t.provider.String(),
		Client:        t.client.String(),
	})
	return out
}

// traceStore holds one traceCapture per in-flight streaming request id.
type traceStore struct {
	mu    sync.Mutex
	byReq map[string]*traceCapture
}

func newTraceStore() *traceStore {
	return &traceStore{byReq: make(map[string]*traceCapture)}
}

func (s *traceStore) start(requestID string) *traceCapture {
	tc := &traceCapture{}
	s.mu.Lock()
	s.byReq[requestID] = tc
	s.mu.Unlock()
	return tc
}

// take removes and returns requestID's capture, so a concurrent
// duplicate finalize trigger finds nothing left to flush twice.
func (s *traceStore) take(requestID string) (*traceCapture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.byReq[requestID]
	if ok {
		delete(s.byReq, requestID)
	}
	return tc, ok
}
