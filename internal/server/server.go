// Package server wires the gateway's HTTP surface: the three dialect
// endpoints, health/readiness probes, and the supplemented metrics and
// event-stream surfaces (spec §6).
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llmgateway/gateway/internal/config"
	"github.com/llmgateway/gateway/internal/dispatcher"
	"github.com/llmgateway/gateway/internal/eventbus"
)

// Server holds the HTTP router and every collaborator a handler needs.
type Server struct {
	router     chi.Router
	watcher    *config.Watcher
	dispatcher *dispatcher.Dispatcher
	events     *eventbus.Bus

	startedAt time.Time
}

// New builds a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
func New(watcher *config.Watcher, d *dispatcher.Dispatcher, events *eventbus.Bus) *Server {
	s := &Server{watcher: watcher, dispatcher: d, events: events, startedAt: time.Now()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "x-api-key", "x-goog-api-key", "anthropic-version"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/v1/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/v1/models", s.handleModels)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/messages", s.handleMessages)
		// chi treats ":" as ordinary text within a {} segment, so
		// /v1beta/models/{model}:{action} can't be two named params in
		// one segment; the handler splits modelAndAction on the last ':'.
		r.Post("/v1beta/models/{modelAndAction}", s.handleGemini)
	})

	s.router = r
}

// ServeHTTP makes Server satisfy http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
