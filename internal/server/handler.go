package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/llmgateway/gateway/internal/apperrors"
	"github.com/llmgateway/gateway/internal/dispatcher"
	"github.com/llmgateway/gateway/internal/unified"
)

type contextKey string

const apiKeyNameContextKey contextKey = "api_key_name"

// authenticate enforces the configured API keys (spec §6: requests
// authenticate via Authorization: Bearer, x-api-key, or x-goog-api-key,
// matching whichever header the client's dialect natively uses). A
// gateway with no configured keys runs open, which is convenient for
// local development.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys := s.watcher.Get().Server.APIKeys
		if len(keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		presented := bearerToken(r.Header.Get("Authorization"))
		if presented == "" {
			presented = r.Header.Get("x-api-key")
		}
		if presented == "" {
			presented = r.Header.Get("x-goog-api-key")
		}

		name, ok := keys[presented]
		if !ok {
			writeError(w, guessDialect(r), apperrors.Authentication("missing or invalid API key"))
			return
		}

		ctx := context.WithValue(r.Context(), apiKeyNameContextKey, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// guessDialect infers which error envelope to render for a request that
// never made it to a dialect-specific handler (e.g. a failed auth
// check). It can't know the real dialect without parsing the body, so
// it goes by path shape, defaulting to chat's OpenAI-style envelope.
func guessDialect(r *http.Request) unified.Dialect {
	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/messages"):
		return unified.DialectMessages
	case strings.HasPrefix(r.URL.Path, "/v1beta/"):
		return unified.DialectGemini
	default:
		return unified.DialectChat
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime_sec": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	cfg := s.watcher.Get()
	if len(cfg.Aliases) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "reason": "no aliases configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	aliases := s.dispatcher.Aliases()
	data := make([]map[string]any, 0, len(aliases))
	for _, a := range aliases {
		data = append(data, map[string]any{"id": a.Name, "object": "model", "owned_by": "gateway"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ch, unsubscribe := s.events.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// chatOrMessagesPeek reads the two fields the dispatcher needs before it
// can even resolve an alias, without paying for a full dialect parse
// (spec's Input.Model/Input.Stream contract — see dispatcher.Input).
type chatOrMessagesPeek struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.dispatchRequest(w, r, unified.DialectChat)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.dispatchRequest(w, r, unified.DialectMessages)
}

func (s *Server) dispatchRequest(w http.ResponseWriter, r *http.Request, dialect unified.Dialect) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, dialect, apperrors.InvalidRequest(apperrors.CodeMalformedJSON, "reading request body: "+err.Error()))
		return
	}

	var peek chatOrMessagesPeek
	if err := json.Unmarshal(body, &peek); err != nil {
		writeError(w, dialect, apperrors.InvalidRequest(apperrors.CodeMalformedJSON, "request body is not valid JSON"))
		return
	}

	s.dispatchAndRespond(w, r, dispatcher.Input{
		RequestID:     middleware.GetReqID(r.Context()),
		ClientDialect: dialect,
		ClientIP:      r.RemoteAddr,
		APIKeyName:    apiKeyName(r),
		Model:         peek.Model,
		Stream:        peek.Stream,
		RawBody:       body,
	})
}

func (s *Server) handleGemini(w http.ResponseWriter, r *http.Request) {
	modelAndAction := chi.URLParam(r, "modelAndAction")
	idx := strings.LastIndex(modelAndAction, ":")
	if idx < 0 {
		writeError(w, unified.DialectGemini, apperrors.InvalidRequest(apperrors.CodeMissingField, "path must be /v1beta/models/{model}:{action}"))
		return
	}
	model, action := modelAndAction[:idx], modelAndAction[idx+1:]

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, unified.DialectGemini, apperrors.InvalidRequest(apperrors.CodeMalformedJSON, "reading request body: "+err.Error()))
		return
	}

	s.dispatchAndRespond(w, r, dispatcher.Input{
		RequestID:     middleware.GetReqID(r.Context()),
		ClientDialect: unified.DialectGemini,
		ClientIP:      r.RemoteAddr,
		APIKeyName:    apiKeyName(r),
		Model:         model,
		Stream:        strings.Contains(action, "streamGenerateContent"),
		RawBody:       body,
	})
}

func (s *Server) dispatchAndRespond(w http.ResponseWriter, r *http.Request, in dispatcher.Input) {
	outcome, rerr := s.dispatcher.Dispatch(r.Context(), in)
	if rerr != nil {
		writeError(w, in.ClientDialect, rerr)
		return
	}

	for k, v := range outcome.Headers {
		w.Header()[k] = v
	}

	if !outcome.Streaming {
		w.WriteHeader(outcome.Status)
		_, _ = w.Write(outcome.Body)
		return
	}

	defer outcome.Stream.Close()
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(outcome.Status)
		_, _ = io.Copy(w, outcome.Stream)
		return
	}

	w.WriteHeader(outcome.Status)
	buf := make([]byte, 4096)
	for {
		n, readErr := outcome.Stream.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			flusher.Flush()
		}
		if readErr != nil {
			return
		}
	}
}

func apiKeyName(r *http.Request) string {
	name, _ := r.Context().Value(apiKeyNameContextKey).(string)
	return name
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, dialect unified.Dialect, e *apperrors.Error) {
	body, err := e.RenderForDialect(dialect)
	if err != nil {
		http.Error(w, e.Message, e.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_, _ = w.Write(body)
}
