// Package transformer translates between the three client/provider
// dialects and the unified pivot representation (spec §4.1). Each
// dialect gets one file (chat.go, messages.go, gemini.go) implementing
// Transformer; registry.go wires them into a dense array indexed by
// unified.Dialect so lookup never touches a map on the request path.
package transformer

import "github.com/llmgateway/gateway/internal/unified"

// Transformer is the full parse/format surface for one dialect. A
// dialect acts as both a possible client dialect (ParseRequest/
// FormatResponse) and a possible provider dialect (FormatRequest/
// ParseResponse) — the dispatcher picks whichever direction it needs.
type Transformer interface {
	Dialect() unified.Dialect

	ParseRequest(body []byte) (*unified.Request, error)
	FormatRequest(req *unified.Request) ([]byte, error)

	ParseResponse(body []byte) (*unified.Response, error)
	FormatResponse(resp *unified.Response) ([]byte, error)

	// ParseStreamFrame consumes one raw SSE frame from a provider
	// response and turns it into zero or one unified stream events.
	// Returning (nil, false, nil) means the frame carried no
	// client-visible delta (e.g. an Anthropic ping or content_block_stop).
	ParseStreamFrame(frame Frame, state *StreamState) (*unified.StreamEvent, bool, error)

	// FormatStreamStart returns any frames a dialect emits before the
	// first delta (Anthropic's message_start + content_block_start;
	// OpenAI and Gemini need none, and return nil).
	FormatStreamStart(ev *unified.StreamEvent, state *StreamState) ([]Frame, error)

	// FormatStreamFrame renders one unified stream event as zero or more
	// of this dialect's wire frames, ready to hand to WriteFrame.
	FormatStreamFrame(ev *unified.StreamEvent, state *StreamState) ([]Frame, error)

	// FormatStreamEnd returns any frames a dialect emits after the last
	// delta (Anthropic's content_block_stop + message_delta +
	// message_stop). OpenAI and Gemini need none.
	FormatStreamEnd(ev *unified.StreamEvent, state *StreamState) ([]Frame, error)

	// UsesDoneSentinel reports whether this dialect terminates a stream
	// with a literal "data: [DONE]" frame (OpenAI does; Anthropic and
	// Gemini close the connection instead).
	UsesDoneSentinel() bool
}

// StreamState holds the per-connection mutable state a dialect's
// streaming parser or formatter needs across frames (e.g. Anthropic's
// message id, captured once from message_start and reused on every
// later frame). A fresh StreamState must be used per stream.
type StreamState struct {
	ID            string
	Model         string
	Created       int64
	InputTokens   int
	Role          string
	toolBlockKind map[int]unified.PartType // anthropic: content block index -> kind
}

// NewStreamState returns a zeroed StreamState ready for one stream.
func NewStreamState() *StreamState {
	return &StreamState{toolBlockKind: make(map[int]unified.PartType)}
}

// Registry is a dense, array-indexed lookup table of one Transformer
// per dialect.
type Registry struct {
	byDialect [unified.NumDialects]Transformer
}

// NewRegistry builds the standard registry wiring all three dialects.
func NewRegistry() *Registry {
	r := &Registry{}
	r.register(NewChatTransformer())
	r.register(NewMessagesTransformer())
	r.register(NewGeminiTransformer())
	return r
}

func (r *Registry) register(t Transformer) {
	r.byDialect[t.Dialect().Index()] = t
}

// Get returns the Transformer for d. d must be Valid(); callers resolve
// dialects from route registration, never from untrusted input, so no
// error return is needed here.
func (r *Registry) Get(d unified.Dialect) Transformer {
	return r.byDialect[d.Index()]
}
