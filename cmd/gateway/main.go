// Package main is the entry point for the gateway.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/llmgateway/gateway/internal/behaviorhook"
	"github.com/llmgateway/gateway/internal/config"
	"github.com/llmgateway/gateway/internal/cooldown"
	"github.com/llmgateway/gateway/internal/dispatcher"
	"github.com/llmgateway/gateway/internal/eventbus"
	"github.com/llmgateway/gateway/internal/metrics"
	"github.com/llmgateway/gateway/internal/providerclient"
	"github.com/llmgateway/gateway/internal/server"
	"github.com/llmgateway/gateway/internal/transformer"
	"github.com/llmgateway/gateway/internal/usagelog"
)

const providerRequestTimeout = 5 * time.Minute

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	watcher, err := config.NewWatcher(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := watcher.Start(); err != nil {
		log.Fatalf("failed to start config watcher: %v", err)
	}
	defer watcher.Close()

	cfg := watcher.Get()

	var cooldownStore cooldown.Store
	if cfg.Cooldown.RedisAddr != "" {
		cooldownStore = cooldown.NewRedisStore(cfg.Cooldown.RedisAddr)
		log.Printf("cooldown state persisted to redis at %s", cfg.Cooldown.RedisAddr)
	}
	cooldownMgr, err := cooldown.New(context.Background(), cooldown.Bounds{
		Min:             cfg.Cooldown.MinDuration,
		Max:             cfg.Cooldown.MaxDuration,
		DefaultByReason: reasonMap(cfg.Cooldown.DefaultByReason),
	}, cooldownStore)
	if err != nil {
		log.Fatalf("failed to initialize cooldown manager: %v", err)
	}

	metricsColl := metrics.New(cfg.Metrics.WindowDuration, cfg.Metrics.Stripes, prometheus.DefaultRegisterer)
	client := providerclient.New(providerRequestTimeout)
	behaviors := behaviorhook.New(cfg.Behaviors)
	transformers := transformer.NewRegistry()
	usage := usagelog.New(usagelog.NewMemoryStore())
	events := eventbus.New(256)

	d := dispatcher.New(watcher, cooldownMgr, metricsColl, client, behaviors, transformers, usage, events)
	srv := server.New(watcher, d, events)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("gateway listening on :%d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

// reasonMap adapts the config's string-keyed default-by-reason map
// (koanf can't unmarshal directly into a map keyed by a defined string
// type) into the cooldown.Reason-keyed map Bounds expects.
func reasonMap(in map[string]time.Duration) map[cooldown.Reason]time.Duration {
	out := make(map[cooldown.Reason]time.Duration, len(in))
	for k, v := range in {
		out[cooldown.Reason(k)] = v
	}
	return out
}
