package apperrors

import (
	"encoding/json"

	"github.com/llmgateway/gateway/internal/unified"
)

// RenderForDialect encodes e in the client dialect's own native error
// envelope, so a client never has to special-case the gateway's
// internal error shape on top of the provider's (spec §7: errors
// "surfaced to client formatted in its dialect").
func (e *Error) RenderForDialect(dialect unified.Dialect) ([]byte, error) {
	switch dialect {
	case unified.DialectMessages:
		return json.Marshal(messagesErrorEnvelope{
			Type: "error",
			Error: messagesErrorBody{
				Type:    anthropicErrorType(e),
				Message: e.Message,
			},
		})
	case unified.DialectGemini:
		return json.Marshal(geminiErrorEnvelope{
			Error: geminiErrorBody{
				Code:    e.Status,
				Message: e.Message,
				Status:  geminiStatusName(e),
			},
		})
	default: // chat, and any future dialect falls back to OpenAI's shape
		return json.Marshal(chatErrorEnvelope{
			Error: chatErrorBody{
				Message: e.Message,
				Type:    string(e.Type),
				Code:    e.Code,
			},
		})
	}
}

type chatErrorEnvelope struct {
	Error chatErrorBody `json:"error"`
}

type chatErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type messagesErrorEnvelope struct {
	Type  string            `json:"type"`
	Error messagesErrorBody `json:"error"`
}

type messagesErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func anthropicErrorType(e *Error) string {
	switch e.Type {
	case TypeInvalidRequest:
		return "invalid_request_error"
	case TypeAuthentication:
		return "authentication_error"
	default:
		if e.Status == 429 {
			return "rate_limit_error"
		}
		if e.Status >= 500 {
			return "api_error"
		}
		return "invalid_request_error"
	}
}

type geminiErrorEnvelope struct {
	Error geminiErrorBody `json:"error"`
}

type geminiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func geminiStatusName(e *Error) string {
	switch e.Status {
	case 400:
		return "INVALID_ARGUMENT"
	case 401:
		return "UNAUTHENTICATED"
	case 403:
		return "PERMISSION_DENIED"
	case 404:
		return "NOT_FOUND"
	case 429:
		return "RESOURCE_EXHAUSTED"
	case 503:
		return "UNAVAILABLE"
	default:
		if e.Status >= 500 {
			return "INTERNAL"
		}
		return "UNKNOWN"
	}
}
