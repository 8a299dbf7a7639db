package unified

// Response is the pivot response format (spec: UnifiedResponse).
type Response struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`

	// Content and ReasoningContent are nil when the dialect's response
	// carries no text in that slot — distinct from "", which would mean
	// "the model returned empty text".
	Content          *string `json:"content"`
	ReasoningContent *string `json:"reasoning_content"`

	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Images    []Image    `json:"images,omitempty"`

	FinishReason string `json:"finish_reason,omitempty"`

	Usage Usage `json:"usage"`
}

// ToolCall is one tool invocation the model produced. Arguments is kept
// as a single concatenated JSON string (not a parsed map) per spec §3:
// "arguments accumulated as a single concatenated JSON string for
// streaming fidelity" — fragments arrive piecewise during a stream and
// are only guaranteed to be valid JSON once fully concatenated.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Image is a generated image output (e.g. multimodal response parts).
type Image struct {
	URL    string `json:"url,omitempty"`
	Base64 string `json:"base64,omitempty"`
	MIME   string `json:"mime,omitempty"`
}

// Usage is the pivot token-accounting format (spec: UnifiedUsage). All
// fields are non-negative; the optional ones are nil when the dialect's
// response doesn't report them at all, distinct from reporting zero.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`

	ReasoningTokens      *int `json:"reasoning_tokens,omitempty"`
	CacheReadTokens      *int `json:"cache_read_tokens,omitempty"`
	CacheCreationTokens  *int `json:"cache_creation_tokens,omitempty"`
}

// Add returns the element-wise sum of u and o. An optional field is nil
// in the result only when it is nil in both operands.
func (u Usage) Add(o Usage) Usage {
	out := Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
	}
	out.ReasoningTokens = addIntPtr(u.ReasoningTokens, o.ReasoningTokens)
	out.CacheReadTokens = addIntPtr(u.CacheReadTokens, o.CacheReadTokens)
	out.CacheCreationTokens = addIntPtr(u.CacheCreationTokens, o.CacheCreationTokens)
	return out
}

func addIntPtr(a, b *int) *int {
	if a == nil && b == nil {
		return nil
	}
	sum := 0
	if a != nil {
		sum += *a
	}
	if b != nil {
		sum += *b
	}
	return &sum
}

// StreamEvent is the pivot streaming event format (spec: UnifiedStreamEvent).
type StreamEvent struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Created int64  `json:"created"`

	Delta StreamDelta `json:"delta"`

	// FinishReason is nil until the final event of the stream.
	FinishReason *string `json:"finish_reason"`

	// Usage is only populated on the terminal event (when the dialect
	// reports it there at all).
	Usage *Usage `json:"usage,omitempty"`
}

// StreamDelta carries the incremental content of one StreamEvent.
type StreamDelta struct {
	Role             string               `json:"role,omitempty"`
	Content          string               `json:"content,omitempty"`
	ReasoningContent string               `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCallDelta      `json:"tool_calls,omitempty"`
}

// ToolCallDelta is one fragment of a streamed tool call. Index identifies
// which tool call the fragment belongs to (fragments sharing an Index are
// joined in arrival order); Name/ID typically arrive once (on the first
// fragment) and Arguments arrives piecewise.
type ToolCallDelta struct {
	Index     int     `json:"index"`
	ID        *string `json:"id,omitempty"`
	Type      *string `json:"type,omitempty"`
	Name      *string `json:"name,omitempty"`
	Arguments string  `json:"arguments,omitempty"`
}
