package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/llmgateway/gateway/internal/apperrors"
	"github.com/llmgateway/gateway/internal/unified"
)

// GeminiTransformer implements the Google /v1beta/models/{model}:{action}
// dialect. Gemini has no incremental SSE delta format of its own — each
// streamed frame is itself a full (partial) candidate — so the
// streaming and non-streaming wire shapes are identical.
type GeminiTransformer struct{}

func NewGeminiTransformer() *GeminiTransformer { return &GeminiTransformer{} }

func (GeminiTransformer) Dialect() unified.Dialect { return unified.DialectGemini }

func (GeminiTransformer) UsesDoneSentinel() bool { return false }

// --- wire shapes ---

type geminiRequest struct {
	Contents          []geminiContent    `json:"contents"`
	SystemInstruction *geminiContent     `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig   `json:"generationConfig,omitempty"`
	Tools             []geminiTool       `json:"tools,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
	ThinkingConfig  *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiThinkingConfig struct {
	ThinkingBudget int  `json:"thinkingBudget,omitempty"`
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string               `json:"text,omitempty"`
	Thought          bool                 `json:"thought,omitempty"`
	ThoughtSignature string               `json:"thoughtSignature,omitempty"`
	FunctionCall     *geminiFunctionCall  `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionReply `json:"functionResponse,omitempty"`
	InlineData       *geminiInlineData    `json:"inlineData,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionReply struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations,omitempty"`
}

type geminiFunctionDecl struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
	ResponseID    string            `json:"responseId,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// --- request ---

func (GeminiTransformer) ParseRequest(body []byte) (*unified.Request, error) {
	var wire geminiRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, apperrors.InvalidRequest(apperrors.CodeMalformedJSON, "malformed generateContent request: "+err.Error())
	}

	req := &unified.Request{Stream: false}
	if wire.GenerationConfig != nil {
		gc := wire.GenerationConfig
		req.MaxTokens = gc.MaxOutputTokens
		req.Temperature = gc.Temperature
		req.TopP = gc.TopP
		req.StopSequences = gc.StopSequences
		if gc.ThinkingConfig != nil {
			req.Reasoning = &unified.ReasoningDirective{MaxTokens: gc.ThinkingConfig.ThinkingBudget, Adaptive: gc.ThinkingConfig.IncludeThoughts}
		}
	}
	for _, t := range wire.Tools {
		for _, fd := range t.FunctionDeclarations {
			req.Tools = append(req.Tools, unified.ToolDefinition{Name: fd.Name, Description: fd.Description, Parameters: fd.Parameters})
		}
	}
	if wire.SystemInstruction != nil {
		req.Messages = append(req.Messages, geminiContentToMessage(*wire.SystemInstruction, "system"))
	}
	for _, c := range wire.Contents {
		role := c.Role
		if role == "model" {
			role = "assistant"
		}
		req.Messages = append(req.Messages, geminiContentToMessage(c, role))
	}
	return req, nil
}

func geminiContentToMessage(c geminiContent, role string) unified.Message {
	out := unified.Message{Role: role}
	for _, p := range c.Parts {
		switch {
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			out.Content = append(out.Content, unified.ContentPart{Type: unified.PartToolCall, ToolName: p.FunctionCall.Name, ToolArgsJSON: string(args)})
		case p.FunctionResponse != nil:
			resp, _ := json.Marshal(p.FunctionResponse.Response)
			out.Content = append(out.Content, unified.ContentPart{Type: unified.PartToolResult, ToolResultForID: p.FunctionResponse.Name, ToolResultText: string(resp)})
		case p.InlineData != nil:
			out.Content = append(out.Content, unified.ContentPart{Type: unified.PartImage, ImageBase64: p.InlineData.Data, ImageMIME: p.InlineData.MimeType})
		case p.Thought:
			out.Content = append(out.Content, unified.ContentPart{Type: unified.PartThinking, Thinking: p.Text})
		default:
			out.Content = append(out.Content, unified.ContentPart{Type: unified.PartText, Text: p.Text})
		}
	}
	return out
}

func (GeminiTransformer) FormatRequest(req *unified.Request) ([]byte, error) {
	wire := geminiRequest{}
	gc := &geminiGenConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		StopSequences:   req.StopSequences,
	}
	if req.Reasoning != nil {
		gc.ThinkingConfig = &geminiThinkingConfig{ThinkingBudget: req.Reasoning.MaxTokens, IncludeThoughts: req.Reasoning.Adaptive}
	}
	wire.GenerationConfig = gc

	if len(req.Tools) > 0 {
		var decls []geminiFunctionDecl
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
		wire.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	for _, m := range req.Messages {
		content := messageToGeminiContent(m)
		if m.Role == "system" {
			wire.SystemInstruction = &content
			continue
		}
		wire.Contents = append(wire.Contents, content)
	}
	return json.Marshal(wire)
}

func messageToGeminiContent(m unified.Message) geminiContent {
	role := m.Role
	if role == "assistant" {
		role = "model"
	}
	out := geminiContent{Role: role}
	for _, p := range m.Content {
		switch p.Type {
		case unified.PartText:
			out.Parts = append(out.Parts, geminiPart{Text: p.Text})
		case unified.PartThinking:
			out.Parts = append(out.Parts, geminiPart{Text: p.Thinking, Thought: true})
		case unified.PartToolCall:
			var args map[string]any
			_ = json.Unmarshal([]byte(p.ToolArgsJSON), &args)
			out.Parts = append(out.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: p.ToolName, Args: args}})
		case unified.PartToolResult:
			var resp map[string]any
			if json.Unmarshal([]byte(p.ToolResultText), &resp) != nil {
				resp = map[string]any{"result": p.ToolResultText}
			}
			out.Parts = append(out.Parts, geminiPart{FunctionResponse: &geminiFunctionReply{Name: p.ToolResultForID, Response: resp}})
		case unified.PartImage:
			out.Parts = append(out.Parts, geminiPart{InlineData: &geminiInlineData{MimeType: p.ImageMIME, Data: p.ImageBase64}})
		}
	}
	return out
}

// --- response ---

func (GeminiTransformer) ParseResponse(body []byte) (*unified.Response, error) {
	var wire geminiResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, apperrors.Wrap(apperrors.TypeAPIError, apperrors.CodeTransformFailed, 502, "parsing generateContent response", err)
	}
	if len(wire.Candidates) == 0 {
		return nil, apperrors.New(apperrors.TypeAPIError, apperrors.CodeTransformFailed, 502, "generateContent response had no candidates")
	}
	resp := geminiCandidateToResponse(wire.Candidates[0], wire.ResponseID)
	if wire.UsageMetadata != nil {
		resp.Usage = geminiUsageToUnified(*wire.UsageMetadata)
	}
	return resp, nil
}

func geminiCandidateToResponse(c geminiCandidate, id string) *unified.Response {
	resp := &unified.Response{ID: id, FinishReason: mapGeminiFinishReason(c.FinishReason)}
	var text, thinking []byte
	for _, p := range c.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			resp.ToolCalls = append(resp.ToolCalls, unified.ToolCall{Name: p.FunctionCall.Name, Arguments: string(args)})
		case p.Thought:
			thinking = append(thinking, p.Text...)
		default:
			text = append(text, p.Text...)
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
	return resp
}

func geminiUsageToUnified(u geminiUsage) unified.Usage {
	out := unified.Usage{InputTokens: u.PromptTokenCount, OutputTokens: u.CandidatesTokenCount, TotalTokens: u.TotalTokenCount}
	if u.ThoughtsTokenCount > 0 {
		v := u.ThoughtsTokenCount
		out.ReasoningTokens = &v
	}
	if u.CachedContentTokenCount > 0 {
		v := u.CachedContentTokenCount
		out.CacheReadTokens = &v
	}
	return out
}

func unifiedUsageToGemini(u unified.Usage) *geminiUsage {
	out := &geminiUsage{PromptTokenCount: u.InputTokens, CandidatesTokenCount: u.OutputTokens, TotalTokenCount: u.TotalTokens}
	if u.ReasoningTokens != nil {
		out.ThoughtsTokenCount = *u.ReasoningTokens
	}
	if u.CacheReadTokens != nil {
		out.CachedContentTokenCount = *u.CacheReadTokens
	}
	return out
}

func mapGeminiFinishReason(r string) string {
	switch r {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "", "FINISH_REASON_UNSPECIFIED":
		return ""
	default:
		return r
	}
}

func unmapFinishReasonGemini(r string) string {
	switch r {
	case "stop":
		return "STOP"
	case "length":
		return "MAX_TOKENS"
	case "tool_calls":
		return "STOP"
	default:
		return "STOP"
	}
}

func (GeminiTransformer) FormatResponse(resp *unified.Response) ([]byte, error) {
	wire := geminiResponse{ResponseID: resp.ID, UsageMetadata: unifiedUsageToGemini(resp.Usage)}
	wire.Candidates = []geminiCandidate{{
		Content:      responseToGeminiContent(resp),
		FinishReason: unmapFinishReasonGemini(resp.FinishReason),
	}}
	return json.Marshal(wire)
}

func responseToGeminiContent(resp *unified.Response) geminiContent {
	content := geminiContent{Role: "model"}
	if resp.ReasoningContent != nil && *resp.ReasoningContent != "" {
		content.Parts = append(content.Parts, geminiPart{Text: *resp.ReasoningContent, Thought: true})
	}
	if resp.Content != nil && *resp.Content != "" {
		content.Parts = append(content.Parts, geminiPart{Text: *resp.Content})
	}
	for _, tc := range resp.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Arguments), &args)
		content.Parts = append(content.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args}})
	}
	return content
}

// --- streaming ---
//
// Gemini's streamGenerateContent returns a sequence of (partial)
// GenerateContentResponse objects rather than an incremental delta
// format; each frame's text is itself the delta to emit, since the API
// does not replay previously-sent text in later chunks.

func (GeminiTransformer) ParseStreamFrame(frame Frame, state *StreamState) (*unified.StreamEvent, bool, error) {
	var wire geminiResponse
	if err := json.Unmarshal([]byte(frame.Data), &wire); err != nil {
		return nil, false, fmt.Errorf("parsing generateContent stream chunk: %w", err)
	}
	if len(wire.Candidates) == 0 {
		return nil, false, nil
	}
	c := wire.Candidates[0]

	ev := &unified.StreamEvent{ID: state.ID, Model: state.Model}
	for i, p := range c.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			args, _ := json.Marshal(p.FunctionCall.Args)
			name := p.FunctionCall.Name
			ev.Delta.ToolCalls = append(ev.Delta.ToolCalls, unified.ToolCallDelta{Index: i, Name: &name, Arguments: string(args)})
		case p.Thought:
			ev.Delta.ReasoningContent += p.Text
		default:
			ev.Delta.Content += p.Text
		}
	}
	if c.FinishReason != "" {
		reason := mapGeminiFinishReason(c.FinishReason)
		ev.FinishReason = &reason
	}
	if wire.UsageMetadata != nil {
		u := geminiUsageToUnified(*wire.UsageMetadata)
		ev.Usage = &u
	}
	return ev, true, nil
}

func (GeminiTransformer) FormatStreamStart(ev *unified.StreamEvent, state *StreamState) ([]Frame, error) {
	state.ID, state.Model = ev.ID, ev.Model
	return nil, nil
}

func (GeminiTransformer) FormatStreamFrame(ev *unified.StreamEvent, state *StreamState) ([]Frame, error) {
	content := geminiContent{Role: "model"}
	if ev.Delta.ReasoningContent != "" {
		content.Parts = append(content.Parts, geminiPart{Text: ev.Delta.ReasoningContent, Thought: true})
	}
	if ev.Delta.Content != "" {
		content.Parts = append(content.Parts, geminiPart{Text: ev.Delta.Content})
	}
	for _, tc := range ev.Delta.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Arguments), &args)
		name := ""
		if tc.Name != nil {
			name = *tc.Name
		}
		content.Parts = append(content.Parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: name, Args: args}})
	}
	if len(content.Parts) == 0 && ev.FinishReason == nil {
		return nil, nil
	}

	wire := geminiResponse{ResponseID: ev.ID}
	finishReason := ""
	if ev.FinishReason != nil {
		finishReason = unmapFinishReasonGemini(*ev.FinishReason)
	}
	wire.Candidates = []geminiCandidate{{Content: content, FinishReason: finishReason}}
	if ev.Usage != nil {
		wire.UsageMetadata = unifiedUsageToGemini(*ev.Usage)
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	return []Frame{{Data: string(data)}}, nil
}

func (GeminiTransformer) FormatStreamEnd(ev *unified.StreamEvent, state *StreamState) ([]Frame, error) {
	return nil, nil
}
