package transformer

import (
	"sort"

	"github.com/llmgateway/gateway/internal/unified"
)

// Reconstructor folds a sequence of unified.StreamEvent deltas into the
// single unified.Response a non-streaming client would have seen, per
// spec §4.9/§4.10: text is concatenated in arrival order, tool-call
// fragments are joined by ascending index, and finish_reason/usage take
// the last non-nil value seen.
type Reconstructor struct {
	id, model string
	created   int64
	role      string

	content   []byte
	reasoning []byte

	toolCalls map[int]*unified.ToolCall
	toolOrder []int

	finishReason string
	usage        *unified.Usage
}

// NewReconstructor returns an empty accumulator.
func NewReconstructor() *Reconstructor {
	return &Reconstructor{toolCalls: make(map[int]*unified.ToolCall)}
}

// Ingest folds one stream event into the accumulator. Events must be
// supplied in arrival order.
func (r *Reconstructor) Ingest(ev *unified.StreamEvent) {
	if ev == nil {
		return
	}
	if ev.ID != "" {
		r.id = ev.ID
	}
	if ev.Model != "" {
		r.model = ev.Model
	}
	if ev.Created != 0 {
		r.created = ev.Created
	}
	if ev.Delta.Role != "" {
		r.role = ev.Delta.Role
	}
	r.content = append(r.content, ev.Delta.Content...)
	r.reasoning = append(r.reasoning, ev.Delta.ReasoningContent...)

	for _, tc := range ev.Delta.ToolCalls {
		existing, ok := r.toolCalls[tc.Index]
		if !ok {
			existing = &unified.ToolCall{}
			r.toolCalls[tc.Index] = existing
			r.toolOrder = append(r.toolOrder, tc.Index)
		}
		if tc.ID != nil {
			existing.ID = *tc.ID
		}
		if tc.Name != nil {
			existing.Name = *tc.Name
		}
		existing.Arguments += tc.Arguments
	}

	if ev.FinishReason != nil {
		r.finishReason = *ev.FinishReason
	}
	if ev.Usage != nil {
		usage := *ev.Usage
		r.usage = &usage
	}
}

// Response materializes the accumulated state as a unified.Response.
func (r *Reconstructor) Response() *unified.Response {
	sort.Ints(r.toolOrder)
	calls := make([]unified.ToolCall, 0, len(r.toolOrder))
	for _, idx := range r.toolOrder {
		calls = append(calls, *r.toolCalls[idx])
	}

	resp := &unified.Response{
		ID:           r.id,
		Model:        r.model,
		Created:      r.created,
		ToolCalls:    calls,
		FinishReason: r.finishReason,
	}
	if len(r.content) > 0 || r.role != "" {
		content := string(r.content)
		resp.Content = &content
	}
	if len(r.reasoning) > 0 {
		reasoning := string(r.reasoning)
		resp.ReasoningContent = &reasoning
	}
	if r.usage != nil {
		resp.Usage = *r.usage
	}
	return resp
}
