package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/llmgateway/gateway/internal/apperrors"
	"github.com/llmgateway/gateway/internal/unified"
)

// ChatTransformer implements the OpenAI-style chat/completions dialect.
type ChatTransformer struct{}

func NewChatTransformer() *ChatTransformer { return &ChatTransformer{} }

func (ChatTransformer) Dialect() unified.Dialect { return unified.DialectChat }

func (ChatTransformer) UsesDoneSentinel() bool { return true }

// --- wire shapes ---

type chatRequest struct {
	Model            string             `json:"model"`
	Messages         []chatMessage      `json:"messages"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
	Stream           bool               `json:"stream,omitempty"`
	Tools            []chatTool         `json:"tools,omitempty"`
	ToolChoice       any                `json:"tool_choice,omitempty"`
	ResponseFormat   any                `json:"response_format,omitempty"`
	Modalities       []string           `json:"modalities,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	User             string             `json:"user,omitempty"`
	ReasoningEffort  string             `json:"reasoning_effort,omitempty"`
}

type chatMessage struct {
	Role       string            `json:"role"`
	Content    json.RawMessage   `json:"content,omitempty"`
	ToolCalls  []chatToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
}

type chatContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatAssistantMessage `json:"message,omitempty"`
	Delta        *chatAssistantDelta   `json:"delta,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type chatAssistantMessage struct {
	Role             string         `json:"role"`
	Content          *string        `json:"content"`
	ReasoningContent *string        `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCall `json:"tool_calls,omitempty"`
}

type chatAssistantDelta struct {
	Role             string              `json:"role,omitempty"`
	Content          string              `json:"content,omitempty"`
	ReasoningContent string              `json:"reasoning_content,omitempty"`
	ToolCalls        []chatToolCallDelta `json:"tool_calls,omitempty"`
}

type chatToolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details,omitempty"`
}

// --- request ---

func (ChatTransformer) ParseRequest(body []byte) (*unified.Request, error) {
	var wire chatRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, apperrors.InvalidRequest(apperrors.CodeMalformedJSON, "malformed chat completion request: "+err.Error())
	}
	if wire.Model == "" {
		return nil, apperrors.InvalidRequest(apperrors.CodeMissingField, "model is required")
	}

	req := &unified.Request{
		Model:            wire.Model,
		MaxTokens:        wire.MaxTokens,
		Temperature:      wire.Temperature,
		TopP:             wire.TopP,
		PresencePenalty:  wire.PresencePenalty,
		FrequencyPenalty: wire.FrequencyPenalty,
		StopSequences:    wire.Stop,
		Stream:           wire.Stream,
		ToolChoice:       wire.ToolChoice,
		ResponseFormat:   wire.ResponseFormat,
		Modalities:       wire.Modalities,
		LogitBias:        wire.LogitBias,
		User:             wire.User,
	}
	if wire.ReasoningEffort != "" {
		req.Reasoning = &unified.ReasoningDirective{Effort: wire.ReasoningEffort}
	}
	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, unified.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	for _, m := range wire.Messages {
		msg, err := parseChatMessage(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}
	return req, nil
}

func parseChatMessage(m chatMessage) (unified.Message, error) {
	out := unified.Message{Role: m.Role}

	if m.ToolCallID != "" {
		out.Content = append(out.Content, unified.ContentPart{
			Type:            unified.PartToolResult,
			ToolResultForID: m.ToolCallID,
			ToolResultText:  rawToText(m.Content),
		})
	}
	for _, tc := range m.ToolCalls {
		out.Content = append(out.Content, unified.ContentPart{
			Type:         unified.PartToolCall,
			ToolCallID:   tc.ID,
			ToolName:     tc.Function.Name,
			ToolArgsJSON: tc.Function.Arguments,
		})
	}
	if len(m.Content) > 0 && m.ToolCallID == "" {
		parts, err := parseChatContent(m.Content)
		if err != nil {
			return out, err
		}
		out.Content = append(out.Content, parts...)
	}
	return out, nil
}

func rawToText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func parseChatContent(raw json.RawMessage) ([]unified.ContentPart, error) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []unified.ContentPart{{Type: unified.PartText, Text: asString}}, nil
	}

	var parts []chatContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, apperrors.InvalidRequest(apperrors.CodeMalformedJSON, "message content must be a string or an array of parts")
	}
	out := make([]unified.ContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, unified.ContentPart{Type: unified.PartText, Text: p.Text})
		case "image_url":
			if p.ImageURL != nil {
				out = append(out, unified.ContentPart{Type: unified.PartImage, ImageURL: p.ImageURL.URL})
			}
		}
	}
	return out, nil
}

func (ChatTransformer) FormatRequest(req *unified.Request) ([]byte, error) {
	wire := chatRequest{
		Model:            req.Model,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		Stop:             req.StopSequences,
		Stream:           req.Stream,
		ToolChoice:       req.ToolChoice,
		ResponseFormat:   req.ResponseFormat,
		Modalities:       req.Modalities,
		LogitBias:        req.LogitBias,
		User:             req.User,
	}
	if req.Reasoning != nil {
		wire.ReasoningEffort = req.Reasoning.Effort
	}
	for _, t := range req.Tools {
		var ct chatTool
		ct.Type = "function"
		ct.Function.Name = t.Name
		ct.Function.Description = t.Description
		ct.Function.Parameters = t.Parameters
		wire.Tools = append(wire.Tools, ct)
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, formatChatMessage(m))
	}
	return json.Marshal(wire)
}

func formatChatMessage(m unified.Message) chatMessage {
	out := chatMessage{Role: m.Role}
	var textParts []chatContentPart

	for _, p := range m.Content {
		switch p.Type {
		case unified.PartText:
			textParts = append(textParts, chatContentPart{Type: "text", Text: p.Text})
		case unified.PartImage:
			textParts = append(textParts, chatContentPart{Type: "image_url", ImageURL: &struct {
				URL string `json:"url"`
			}{URL: p.ImageURL}})
		case unified.PartToolCall:
			tc := chatToolCall{ID: p.ToolCallID, Type: "function"}
			tc.Function.Name = p.ToolName
			tc.Function.Arguments = p.ToolArgsJSON
			out.ToolCalls = append(out.ToolCalls, tc)
		case unified.PartToolResult:
			out.ToolCallID = p.ToolResultForID
			out.Content, _ = json.Marshal(p.ToolResultText)
		}
	}
	if out.ToolCallID == "" && len(textParts) > 0 {
		if len(textParts) == 1 && textParts[0].Type == "text" {
			out.Content, _ = json.Marshal(textParts[0].Text)
		} else {
			out.Content, _ = json.Marshal(textParts)
		}
	}
	return out
}

// --- response ---

func (ChatTransformer) ParseResponse(body []byte) (*unified.Response, error) {
	var wire chatResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, apperrors.Wrap(apperrors.TypeAPIError, apperrors.CodeTransformFailed, 502, "parsing chat completion response", err)
	}
	if len(wire.Choices) == 0 {
		return nil, apperrors.New(apperrors.TypeAPIError, apperrors.CodeTransformFailed, 502, "chat completion response had no choices")
	}
	choice := wire.Choices[0]
	resp := &unified.Response{ID: wire.ID, Model: wire.Model, Created: wire.Created}
	if choice.FinishReason != nil {
		resp.FinishReason = *choice.FinishReason
	}
	if choice.Message != nil {
		resp.Content = choice.Message.Content
		resp.ReasoningContent = choice.Message.ReasoningContent
		for _, tc := range choice.Message.ToolCalls {
			resp.ToolCalls = append(resp.ToolCalls, unified.ToolCall{
				ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments,
			})
		}
	}
	if wire.Usage != nil {
		resp.Usage = chatUsageToUnified(*wire.Usage)
	}
	return resp, nil
}

func chatUsageToUnified(u chatUsage) unified.Usage {
	out := unified.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		cached := u.PromptTokensDetails.CachedTokens
		out.CacheReadTokens = &cached
	}
	if u.CompletionTokensDetails != nil {
		reasoning := u.CompletionTokensDetails.ReasoningTokens
		out.ReasoningTokens = &reasoning
	}
	return out
}

func (ChatTransformer) FormatResponse(resp *unified.Response) ([]byte, error) {
	wire := chatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   resp.Model,
	}
	msg := &chatAssistantMessage{Role: "assistant", Content: resp.Content, ReasoningContent: resp.ReasoningContent}
	for _, tc := range resp.ToolCalls {
		wtc := chatToolCall{ID: tc.ID, Type: "function"}
		wtc.Function.Name = tc.Name
		wtc.Function.Arguments = tc.Arguments
		msg.ToolCalls = append(msg.ToolCalls, wtc)
	}
	finish := resp.FinishReason
	wire.Choices = []chatChoice{{Index: 0, Message: msg, FinishReason: &finish}}
	wire.Usage = unifiedUsageToChat(resp.Usage)
	return json.Marshal(wire)
}

func unifiedUsageToChat(u unified.Usage) *chatUsage {
	out := &chatUsage{PromptTokens: u.InputTokens, CompletionTokens: u.OutputTokens, TotalTokens: u.TotalTokens}
	if u.ReasoningTokens != nil {
		out.CompletionTokensDetails = &struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		}{ReasoningTokens: *u.ReasoningTokens}
	}
	if u.CacheReadTokens != nil {
		out.PromptTokensDetails = &struct {
			CachedTokens int `json:"cached_tokens"`
		}{CachedTokens: *u.CacheReadTokens}
	}
	return out
}

// --- streaming ---

func (ChatTransformer) ParseStreamFrame(frame Frame, state *StreamState) (*unified.StreamEvent, bool, error) {
	if frame.Data == "[DONE]" {
		return nil, false, nil
	}
	var wire chatResponse
	if err := json.Unmarshal([]byte(frame.Data), &wire); err != nil {
		return nil, false, fmt.Errorf("parsing chat stream chunk: %w", err)
	}
	ev := &unified.StreamEvent{ID: wire.ID, Model: wire.Model, Created: wire.Created}
	if len(wire.Choices) > 0 {
		c := wire.Choices[0]
		if c.Delta != nil {
			ev.Delta.Role = c.Delta.Role
			ev.Delta.Content = c.Delta.Content
			ev.Delta.ReasoningContent = c.Delta.ReasoningContent
			for _, tc := range c.Delta.ToolCalls {
				d := unified.ToolCallDelta{Index: tc.Index, Arguments: tc.Function.Arguments}
				if tc.ID != "" {
					id := tc.ID
					d.ID = &id
				}
				if tc.Function.Name != "" {
					name := tc.Function.Name
					d.Name = &name
				}
				ev.Delta.ToolCalls = append(ev.Delta.ToolCalls, d)
			}
		}
		if c.FinishReason != nil {
			ev.FinishReason = c.FinishReason
		}
	}
	if wire.Usage != nil {
		u := chatUsageToUnified(*wire.Usage)
		ev.Usage = &u
	}
	return ev, true, nil
}

func (ChatTransformer) FormatStreamStart(ev *unified.StreamEvent, state *StreamState) ([]Frame, error) {
	return nil, nil
}

func (ChatTransformer) FormatStreamEnd(ev *unified.StreamEvent, state *StreamState) ([]Frame, error) {
	return nil, nil
}

func (ChatTransformer) FormatStreamFrame(ev *unified.StreamEvent, state *StreamState) ([]Frame, error) {
	wire := chatResponse{ID: ev.ID, Object: "chat.completion.chunk", Created: ev.Created, Model: ev.Model}
	delta := &chatAssistantDelta{Role: ev.Delta.Role, Content: ev.Delta.Content, ReasoningContent: ev.Delta.ReasoningContent}
	for _, tc := range ev.Delta.ToolCalls {
		wd := chatToolCallDelta{Index: tc.Index}
		if tc.ID != nil {
			wd.ID = *tc.ID
		}
		if tc.Name != nil {
			wd.Function.Name = *tc.Name
		}
		wd.Function.Arguments = tc.Arguments
		delta.ToolCalls = append(delta.ToolCalls, wd)
	}
	wire.Choices = []chatChoice{{Index: 0, Delta: delta, FinishReason: ev.FinishReason}}
	if ev.Usage != nil {
		wire.Usage = unifiedUsageToChat(*ev.Usage)
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	return []Frame{{Data: string(data)}}, nil
}
