package unified

// Request is the pivot request format (spec: UnifiedRequest). Every
// dialect's parse_request produces one of these; every dialect's
// format_request consumes one. Fields that don't exist in a given
// dialect are simply left at their zero value on parse, and dropped
// (best-effort) on format — see the per-dialect transformer files for
// which fields survive which round trip.
type Request struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	MaxTokens        *int     `json:"max_tokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	StopSequences    []string `json:"stop,omitempty"`

	Stream bool `json:"stream"`

	Tools      []ToolDefinition `json:"tools,omitempty"`
	ToolChoice any              `json:"tool_choice,omitempty"`

	Reasoning      *ReasoningDirective `json:"reasoning,omitempty"`
	ResponseFormat any                 `json:"response_format,omitempty"`
	Modalities     []string            `json:"modalities,omitempty"`
	ImageConfig    any                 `json:"image_config,omitempty"`
	LogitBias      map[string]float64  `json:"logit_bias,omitempty"`
	User           string              `json:"user,omitempty"`

	// Extra carries fields a dialect knows about but that have no unified
	// home yet (e.g. a provider-specific extension). Transformers MAY
	// stash raw values here so a same-dialect round trip can still
	// recover them; this is the concrete mechanism behind "best-effort
	// otherwise" in spec §3.
	Extra map[string]any `json:"-"`
}

// Message is one turn in the conversation. Content is an ordered list of
// parts rather than a single string so that tool calls, tool results,
// and multi-part (text + image) turns all fit the same shape.
type Message struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// PartType discriminates the kinds of content a Message can carry.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartImage      PartType = "image"
	PartThinking   PartType = "thinking"
)

// ContentPart is one piece of a Message's content. Only the fields
// relevant to Type are populated; the rest are zero values, mirroring
// the discriminated-union-via-struct pattern the teacher uses for
// Anthropic's streaming events.
type ContentPart struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`

	// Thinking holds reasoning/thinking-block text (Anthropic "thinking",
	// Gemini parts flagged "thought": true).
	Thinking string `json:"thinking,omitempty"`

	// Tool call fields (Type == PartToolCall).
	ToolCallID   string `json:"tool_call_id,omitempty"`
	ToolName     string `json:"tool_name,omitempty"`
	ToolArgsJSON string `json:"tool_args,omitempty"` // raw JSON-encoded arguments

	// Tool result fields (Type == PartToolResult).
	ToolResultForID string `json:"tool_result_for_id,omitempty"`
	ToolResultText  string `json:"tool_result_text,omitempty"`
	ToolResultError bool   `json:"tool_result_error,omitempty"`

	// Image fields (Type == PartImage).
	ImageURL     string `json:"image_url,omitempty"`
	ImageBase64  string `json:"image_base64,omitempty"`
	ImageMIME    string `json:"image_mime,omitempty"`
}

// ToolDefinition is a function tool the model may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ReasoningDirective controls extended/adaptive-thinking behavior. Its
// zero value means "no reasoning directive given".
type ReasoningDirective struct {
	Effort       string `json:"effort,omitempty"`        // "low" | "medium" | "high"
	MaxTokens    int    `json:"max_tokens,omitempty"`
	Adaptive     bool   `json:"adaptive,omitempty"`
}

// Clone returns a deep-enough copy of r so a dispatcher can safely hand
// mutated copies to behavior hooks without aliasing the original's
// slices. Maps and slices are copied one level deep, which is all the
// mutation sites in this codebase need.
func (r *Request) Clone() *Request {
	clone := *r
	clone.Messages = append([]Message(nil), r.Messages...)
	clone.StopSequences = append([]string(nil), r.StopSequences...)
	clone.Tools = append([]ToolDefinition(nil), r.Tools...)
	clone.Modalities = append([]string(nil), r.Modalities...)
	if r.LogitBias != nil {
		clone.LogitBias = make(map[string]float64, len(r.LogitBias))
		for k, v := range r.LogitBias {
			clone.LogitBias[k] = v
		}
	}
	if r.Extra != nil {
		clone.Extra = make(map[string]any, len(r.Extra))
		for k, v := range r.Extra {
			clone.Extra[k] = v
		}
	}
	return &clone
}
