package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/llmgateway/gateway/internal/apperrors"
	"github.com/llmgateway/gateway/internal/unified"
)

const anthropicDefaultMaxTokens = 1024

// MessagesTransformer implements the Anthropic-style /v1/messages
// dialect, including its named-event SSE stream and content-block model.
type MessagesTransformer struct{}

func NewMessagesTransformer() *MessagesTransformer { return &MessagesTransformer{} }

func (MessagesTransformer) Dialect() unified.Dialect { return unified.DialectMessages }

func (MessagesTransformer) UsesDoneSentinel() bool { return false }

// --- wire shapes ---

type msgsRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Messages      []msgsMessage   `json:"messages"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []msgsTool      `json:"tools,omitempty"`
	ToolChoice    any             `json:"tool_choice,omitempty"`
	Thinking      *msgsThinking   `json:"thinking,omitempty"`
}

type msgsThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type msgsMessage struct {
	Role    string      `json:"role"`
	Content []msgsBlock `json:"content"`
}

type msgsBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Source    *msgsImageSource `json:"source,omitempty"`
}

type msgsImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type msgsTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type msgsResponse struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	Role         string      `json:"role"`
	Model        string      `json:"model"`
	Content      []msgsBlock `json:"content"`
	StopReason   string      `json:"stop_reason,omitempty"`
	StopSequence *string     `json:"stop_sequence"`
	Usage        msgsUsage   `json:"usage"`
}

type msgsUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// --- request ---

func (MessagesTransformer) ParseRequest(body []byte) (*unified.Request, error) {
	var wire msgsRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, apperrors.InvalidRequest(apperrors.CodeMalformedJSON, "malformed messages request: "+err.Error())
	}
	if wire.Model == "" {
		return nil, apperrors.InvalidRequest(apperrors.CodeMissingField, "model is required")
	}

	req := &unified.Request{
		Model:         wire.Model,
		Temperature:   wire.Temperature,
		TopP:          wire.TopP,
		StopSequences: wire.StopSequences,
		Stream:        wire.Stream,
		ToolChoice:    wire.ToolChoice,
	}
	maxTokens := wire.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	req.MaxTokens = &maxTokens

	if wire.Thinking != nil && wire.Thinking.Type == "enabled" {
		req.Reasoning = &unified.ReasoningDirective{MaxTokens: wire.Thinking.BudgetTokens, Adaptive: true}
	}
	if wire.System != "" {
		req.Messages = append(req.Messages, unified.Message{
			Role:    "system",
			Content: []unified.ContentPart{{Type: unified.PartText, Text: wire.System}},
		})
	}
	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, unified.ToolDefinition{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
	}
	for _, m := range wire.Messages {
		req.Messages = append(req.Messages, parseMsgsMessage(m))
	}
	return req, nil
}

func parseMsgsMessage(m msgsMessage) unified.Message {
	out := unified.Message{Role: m.Role}
	for _, b := range m.Content {
		switch b.Type {
		case "text":
			out.Content = append(out.Content, unified.ContentPart{Type: unified.PartText, Text: b.Text})
		case "thinking":
			out.Content = append(out.Content, unified.ContentPart{Type: unified.PartThinking, Thinking: b.Thinking})
		case "tool_use":
			out.Content = append(out.Content, unified.ContentPart{
				Type: unified.PartToolCall, ToolCallID: b.ID, ToolName: b.Name, ToolArgsJSON: string(b.Input),
			})
		case "tool_result":
			out.Content = append(out.Content, unified.ContentPart{
				Type: unified.PartToolResult, ToolResultForID: b.ToolUseID,
				ToolResultText: toolResultText(b.Content), ToolResultError: b.IsError,
			})
		case "image":
			if b.Source != nil {
				out.Content = append(out.Content, unified.ContentPart{
					Type: unified.PartImage, ImageBase64: b.Source.Data, ImageURL: b.Source.URL, ImageMIME: b.Source.MediaType,
				})
			}
		}
	}
	return out
}

func toolResultText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func (MessagesTransformer) FormatRequest(req *unified.Request) ([]byte, error) {
	wire := msgsRequest{
		Model:         req.Model,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
		ToolChoice:    req.ToolChoice,
	}
	if req.MaxTokens != nil {
		wire.MaxTokens = *req.MaxTokens
	} else {
		wire.MaxTokens = anthropicDefaultMaxTokens
	}
	if req.Reasoning != nil && req.Reasoning.Adaptive {
		wire.Thinking = &msgsThinking{Type: "enabled", BudgetTokens: req.Reasoning.MaxTokens}
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, msgsTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters})
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == "system" {
			for _, p := range m.Content {
				if p.Type == unified.PartText {
					system = append(system, p.Text)
				}
			}
			continue
		}
		wire.Messages = append(wire.Messages, formatMsgsMessage(m))
	}
	if len(system) > 0 {
		wire.System = joinNonEmpty(system)
	}
	return json.Marshal(wire)
}

func joinNonEmpty(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n\n" + p
	}
	return out
}

func formatMsgsMessage(m unified.Message) msgsMessage {
	out := msgsMessage{Role: m.Role}
	for _, p := range m.Content {
		switch p.Type {
		case unified.PartText:
			out.Content = append(out.Content, msgsBlock{Type: "text", Text: p.Text})
		case unified.PartThinking:
			out.Content = append(out.Content, msgsBlock{Type: "thinking", Thinking: p.Thinking})
		case unified.PartToolCall:
			out.Content = append(out.Content, msgsBlock{Type: "tool_use", ID: p.ToolCallID, Name: p.ToolName, Input: json.RawMessage(p.ToolArgsJSON)})
		case unified.PartToolResult:
			content, _ := json.Marshal(p.ToolResultText)
			out.Content = append(out.Content, msgsBlock{Type: "tool_result", ToolUseID: p.ToolResultForID, Content: content, IsError: p.ToolResultError})
		case unified.PartImage:
			out.Content = append(out.Content, msgsBlock{Type: "image", Source: &msgsImageSource{
				Type: sourceType(p), MediaType: p.ImageMIME, Data: p.ImageBase64, URL: p.ImageURL,
			}})
		}
	}
	return out
}

func sourceType(p unified.ContentPart) string {
	if p.ImageBase64 != "" {
		return "base64"
	}
	return "url"
}

// --- response ---

func (MessagesTransformer) ParseResponse(body []byte) (*unified.Response, error) {
	var wire msgsResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, apperrors.Wrap(apperrors.TypeAPIError, apperrors.CodeTransformFailed, 502, "parsing messages response", err)
	}
	resp := &unified.Response{
		ID: wire.ID, Model: wire.Model, FinishReason: mapAnthropicStopReason(wire.StopReason),
		Usage: msgsUsageToUnified(wire.Usage),
	}
	var text, thinking []byte
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			text = append(text, b.Text...)
		case "thinking":
			thinking = append(thinking, b.Thinking...)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, unified.ToolCall{ID: b.ID, Name: b.Name, Arguments: string(b.Input)})
		}
	}
	if len(text) > 0 {
		s := string(text)
		resp.Content = &s
	}
	if len(thinking) > 0 {
		s := string(thinking)
		resp.ReasoningContent = &s
	}
	return resp, nil
}

func msgsUsageToUnified(u msgsUsage) unified.Usage {
	out := unified.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.InputTokens + u.OutputTokens,
	}
	if u.CacheReadInputTokens > 0 {
		v := u.CacheReadInputTokens
		out.CacheReadTokens = &v
	}
	if u.CacheCreationInputTokens > 0 {
		v := u.CacheCreationInputTokens
		out.CacheCreationTokens = &v
	}
	return out
}

func unifiedUsageToMsgs(u unified.Usage) msgsUsage {
	out := msgsUsage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
	if u.CacheReadTokens != nil {
		out.CacheReadInputTokens = *u.CacheReadTokens
	}
	if u.CacheCreationTokens != nil {
		out.CacheCreationInputTokens = *u.CacheCreationTokens
	}
	return out
}

// mapAnthropicStopReason and its inverse translate between Anthropic's
// stop_reason vocabulary and the OpenAI-ish finish_reason vocabulary the
// unified model standardizes on.
func mapAnthropicStopReason(r string) string {
	switch r {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return r
	}
}

func unmapFinishReason(r string) string {
	switch r {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return r
	}
}

func (MessagesTransformer) FormatResponse(resp *unified.Response) ([]byte, error) {
	wire := msgsResponse{
		ID: resp.ID, Type: "message", Role: "assistant", Model: resp.Model,
		StopReason: unmapFinishReason(resp.FinishReason),
		Usage:      unifiedUsageToMsgs(resp.Usage),
	}
	if resp.ReasoningContent != nil && *resp.ReasoningContent != "" {
		wire.Content = append(wire.Content, msgsBlock{Type: "thinking", Thinking: *resp.ReasoningContent})
	}
	if resp.Content != nil && *resp.Content != "" {
		wire.Content = append(wire.Content, msgsBlock{Type: "text", Text: *resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		wire.Content = append(wire.Content, msgsBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: json.RawMessage(orEmptyObject(tc.Arguments))})
	}
	return json.Marshal(wire)
}

func orEmptyObject(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

// --- streaming ---

type msgsStreamEvent struct {
	Type         string  `json:"type"`
	Message      *msgsResponse `json:"message,omitempty"`
	Index        int     `json:"index"`
	ContentBlock *msgsBlock `json:"content_block,omitempty"`
	Delta        *msgsStreamDelta `json:"delta,omitempty"`
	Usage        *msgsUsage `json:"usage,omitempty"`
}

type msgsStreamDelta struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	PartialJSON  string `json:"partial_json,omitempty"`
	StopReason   string `json:"stop_reason,omitempty"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

func (MessagesTransformer) ParseStreamFrame(frame Frame, state *StreamState) (*unified.StreamEvent, bool, error) {
	var wire msgsStreamEvent
	if err := json.Unmarshal([]byte(frame.Data), &wire); err != nil {
		return nil, false, fmt.Errorf("parsing messages stream event %q: %w", frame.Event, err)
	}

	switch wire.Type {
	case "message_start":
		if wire.Message != nil {
			state.ID = wire.Message.ID
			state.Model = wire.Message.Model
			state.InputTokens = wire.Message.Usage.InputTokens
		}
		return &unified.StreamEvent{ID: state.ID, Model: state.Model, Delta: unified.StreamDelta{Role: "assistant"}}, true, nil

	case "content_block_start":
		if wire.ContentBlock != nil && wire.ContentBlock.Type == "tool_use" {
			state.toolBlockKind[wire.Index] = unified.PartToolCall
			id, name := wire.ContentBlock.ID, wire.ContentBlock.Name
			return &unified.StreamEvent{ID: state.ID, Model: state.Model, Delta: unified.StreamDelta{
				ToolCalls: []unified.ToolCallDelta{{Index: wire.Index, ID: &id, Name: &name}},
			}}, true, nil
		}
		return nil, false, nil

	case "content_block_delta":
		if wire.Delta == nil {
			return nil, false, nil
		}
		switch wire.Delta.Type {
		case "text_delta":
			return &unified.StreamEvent{ID: state.ID, Model: state.Model, Delta: unified.StreamDelta{Content: wire.Delta.Text}}, true, nil
		case "thinking_delta":
			return &unified.StreamEvent{ID: state.ID, Model: state.Model, Delta: unified.StreamDelta{ReasoningContent: wire.Delta.Thinking}}, true, nil
		case "input_json_delta":
			return &unified.StreamEvent{ID: state.ID, Model: state.Model, Delta: unified.StreamDelta{
				ToolCalls: []unified.ToolCallDelta{{Index: wire.Index, Arguments: wire.Delta.PartialJSON}},
			}}, true, nil
		}
		return nil, false, nil

	case "message_delta":
		ev := &unified.StreamEvent{ID: state.ID, Model: state.Model}
		if wire.Delta != nil && wire.Delta.StopReason != "" {
			reason := mapAnthropicStopReason(wire.Delta.StopReason)
			ev.FinishReason = &reason
		}
		if wire.Usage != nil {
			u := msgsUsageToUnified(*wire.Usage)
			u.InputTokens = state.InputTokens
			u.TotalTokens = state.InputTokens + u.OutputTokens
			ev.Usage = &u
		}
		return ev, true, nil

	default: // content_block_stop, message_stop, ping
		return nil, false, nil
	}
}

func (MessagesTransformer) FormatStreamStart(ev *unified.StreamEvent, state *StreamState) ([]Frame, error) {
	state.ID, state.Model = ev.ID, ev.Model
	msg := msgsResponse{
		ID: ev.ID, Type: "message", Role: "assistant", Model: ev.Model,
		Content: []msgsBlock{}, Usage: msgsUsage{InputTokens: state.InputTokens},
	}
	startData, err := json.Marshal(struct {
		Type    string       `json:"type"`
		Message msgsResponse `json:"message"`
	}{Type: "message_start", Message: msg})
	if err != nil {
		return nil, err
	}
	blockData, err := json.Marshal(struct {
		Type         string    `json:"type"`
		Index        int       `json:"index"`
		ContentBlock msgsBlock `json:"content_block"`
	}{Type: "content_block_start", Index: 0, ContentBlock: msgsBlock{Type: "text", Text: ""}})
	if err != nil {
		return nil, err
	}
	return []Frame{
		{Event: "message_start", Data: string(startData)},
		{Event: "content_block_start", Data: string(blockData)},
	}, nil
}

func (MessagesTransformer) FormatStreamFrame(ev *unified.StreamEvent, state *StreamState) ([]Frame, error) {
	var frames []Frame
	if ev.Delta.Content != "" {
		data, err := json.Marshal(struct {
			Type  string          `json:"type"`
			Index int             `json:"index"`
			Delta msgsStreamDelta `json:"delta"`
		}{Type: "content_block_delta", Index: 0, Delta: msgsStreamDelta{Type: "text_delta", Text: ev.Delta.Content}})
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame{Event: "content_block_delta", Data: string(data)})
	}
	if ev.Delta.ReasoningContent != "" {
		data, err := json.Marshal(struct {
			Type  string          `json:"type"`
			Index int             `json:"index"`
			Delta msgsStreamDelta `json:"delta"`
		}{Type: "content_block_delta", Index: 0, Delta: msgsStreamDelta{Type: "thinking_delta", Thinking: ev.Delta.ReasoningContent}})
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame{Event: "content_block_delta", Data: string(data)})
	}
	for _, tc := range ev.Delta.ToolCalls {
		data, err := json.Marshal(struct {
			Type  string          `json:"type"`
			Index int             `json:"index"`
			Delta msgsStreamDelta `json:"delta"`
		}{Type: "content_block_delta", Index: tc.Index + 1, Delta: msgsStreamDelta{Type: "input_json_delta", PartialJSON: tc.Arguments}})
		if err != nil {
			return nil, err
		}
		frames = append(frames, Frame{Event: "content_block_delta", Data: string(data)})
	}
	return frames, nil
}

func (MessagesTransformer) FormatStreamEnd(ev *unified.StreamEvent, state *StreamState) ([]Frame, error) {
	stopData, err := json.Marshal(struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
	}{Type: "content_block_stop", Index: 0})
	if err != nil {
		return nil, err
	}

	stopReason := "end_turn"
	if ev.FinishReason != nil {
		stopReason = unmapFinishReason(*ev.FinishReason)
	}
	usage := msgsUsage{}
	if ev.Usage != nil {
		usage = unifiedUsageToMsgs(*ev.Usage)
	}
	deltaData, err := json.Marshal(struct {
		Type  string          `json:"type"`
		Delta msgsStreamDelta `json:"delta"`
		Usage msgsUsage       `json:"usage"`
	}{Type: "message_delta", Delta: msgsStreamDelta{StopReason: stopReason}, Usage: usage})
	if err != nil {
		return nil, err
	}

	finalData, err := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "message_stop"})
	if err != nil {
		return nil, err
	}

	return []Frame{
		{Event: "content_block_stop", Data: string(stopData)},
		{Event: "message_delta", Data: string(deltaData)},
		{Event: "message_stop", Data: string(finalData)},
	}, nil
}
