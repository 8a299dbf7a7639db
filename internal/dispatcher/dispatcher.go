// Package dispatcher implements the gateway's single orchestration
// entry point (spec §4.7): resolve a client-facing alias, pick a live
// target, transform the request into and out of the unified pivot,
// call the provider, and route the outcome back through cooldown,
// metrics, and usage accounting.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/atomic"

	"github.com/llmgateway/gateway/internal/apperrors"
	"github.com/llmgateway/gateway/internal/behaviorhook"
	"github.com/llmgateway/gateway/internal/config"
	"github.com/llmgateway/gateway/internal/cooldown"
	"github.com/llmgateway/gateway/internal/eventbus"
	"github.com/llmgateway/gateway/internal/metrics"
	"github.com/llmgateway/gateway/internal/providerclient"
	"github.com/llmgateway/gateway/internal/router"
	"github.com/llmgateway/gateway/internal/selector"
	"github.com/llmgateway/gateway/internal/transformer"
	"github.com/llmgateway/gateway/internal/unified"
	"github.com/llmgateway/gateway/internal/usagelog"
)

// Input is everything Dispatch needs from the inbound HTTP request. The
// HTTP layer (internal/server) is responsible for extracting Model and
// Stream cheaply (a field peek, not a full dialect parse) so the
// dispatcher never has to guess which dialect-specific JSON shape the
// model name or streaming flag live in.
type Input struct {
	RequestID     string
	ClientDialect unified.Dialect
	ClientIP      string
	APIKeyName    string
	Model         string
	Stream        bool
	RawBody       []byte
}

// Outcome is what Dispatch hands back to the HTTP layer to write.
type Outcome struct {
	Status  int
	Headers http.Header

	// Streaming is false for a buffered response (Body set) and true
	// for an SSE response (Stream set); the HTTP layer copies Stream to
	// the client, flushing after every write.
	Streaming bool
	Body      []byte
	Stream    io.ReadCloser
}

// Dispatcher wires together every collaborator the pipeline needs.
type Dispatcher struct {
	watcher      *config.Watcher
	cooldownMgr  *cooldown.Manager
	metricsColl  *metrics.Collector
	client       *providerclient.Client
	behaviors    *behaviorhook.Engine
	transformers *transformer.Registry
	usage        *usagelog.Logger
	events       *eventbus.Bus

	traces *traceStore

	router atomic.Pointer[router.Router]

	now func() time.Time
}

// New builds a Dispatcher and subscribes it to the watcher so its
// cached Router is rebuilt once per config reload rather than once per
// request (router.New is a map build over every configured alias).
func New(
	watcher *config.Watcher,
	cooldownMgr *cooldown.Manager,
	metricsColl *metrics.Collector,
	client *providerclient.Client,
	behaviors *behaviorhook.Engine,
	transformers *transformer.Registry,
	usage *usagelog.Logger,
	events *eventbus.Bus,
) *Dispatcher {
	d := &Dispatcher{
		watcher:      watcher,
		cooldownMgr:  cooldownMgr,
		metricsColl:  metricsColl,
		client:       client,
		behaviors:    behaviors,
		transformers: transformers,
		usage:        usage,
		events:       events,
		traces:       newTraceStore(),
		now:          time.Now,
	}
	d.router.Store(router.New(watcher.Get().Aliases))
	watcher.OnChange(func(cfg *config.Config) {
		d.router.Store(router.New(cfg.Aliases))
	})
	return d
}

// Aliases returns every configured alias sorted by name, for
// the /v1/models surface (spec §6). It reads the router's current
// snapshot, so it always reflects the latest config reload.
func (d *Dispatcher) Aliases() []router.Result {
	return d.router.Load().List()
}

// Dispatch runs the full pipeline for one inbound request. A non-nil
// *apperrors.Error means the caller renders it in in.ClientDialect and
// writes e.Status; a non-nil Outcome on success carries either a
// buffered body or a live SSE stream to copy through.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input) (*Outcome, *apperrors.Error) {
	rc := newRequestContext(in)
	cfg := d.watcher.Get()

	alias, rerr := d.router.Load().Resolve(in.Model)
	if rerr != nil {
		return nil, apperrors.As(rerr)
	}
	rc.AliasUsed = alias.Name

	targets := alias.Alias.Targets
	if strings.EqualFold(alias.Alias.Priority, "api_match") {
		targets = router.OrderTargets(targets, string(in.ClientDialect))
	}

	candidates := d.buildCandidates(cfg, targets, in.ClientDialect)
	rnd := rand.New(rand.NewSource(d.now().UnixNano()))
	chosen, ok := selector.Select(candidates, selector.Strategy(alias.Alias.Selector), nil, rnd)
	if !ok {
		return nil, apperrors.APIError(apperrors.CodeNoHealthyTarget, 503, fmt.Sprintf("no healthy target for alias %q", alias.Name))
	}

	rc.ActualProvider = chosen.Target.Provider
	rc.ActualModel = chosen.Target.Model
	rc.TargetDialect = unified.Dialect(chosen.Target.APIType)
	if !rc.TargetDialect.Valid() {
		return nil, apperrors.InvalidRequest(apperrors.CodeUnsupportedAlias, fmt.Sprintf("alias %q targets unsupported api_type %q", alias.Name, chosen.Target.APIType))
	}
	identity := rc.ClientDialect == rc.TargetDialect

	providerBody, providerErr := d.buildProviderRequest(in, rc, alias.Alias.Behaviors, chosen.Provider, identity)
	if providerErr != nil {
		return nil, providerErr
	}

	endpoint, epErr := endpointFor(chosen.Provider, rc.TargetDialect, rc.ActualModel, in.Stream)
	if epErr != nil {
		return nil, epErr
	}
	endpoint = applyQueryAuth(endpoint, chosen.Provider.AuthType, chosen.Provider.APIKey)

	headers := map[string]string{}
	for k, v := range chosen.Provider.Headers {
		headers[k] = v
	}
	for k, v := range providerclient.AuthHeaders(chosen.Provider.AuthType, chosen.Provider.APIKey) {
		headers[k] = v
	}

	d.metricsColl.RecordStart(rc.ActualProvider)
	attemptStart := d.now()

	resp, err := d.client.Stream(ctx, providerclient.Request{
		Method:    http.MethodPost,
		URL:       endpoint,
		Body:      providerBody,
		Headers:   headers,
		RequestID: rc.ID,
	})
	if err != nil {
		return nil, d.handleConnectionError(rc, chosen, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, d.handleUpstreamFailure(rc, chosen, resp)
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		outcome, sErr := d.beginStreamingOutcome(ctx, rc, chosen, identity, resp)
		if sErr != nil {
			resp.Body.Close()
			return nil, sErr
		}
		return outcome, nil
	}

	return d.handleBufferedSuccess(rc, chosen, identity, resp, attemptStart)
}

func (d *Dispatcher) buildProviderRequest(in Input, rc *RequestContext, behaviors []string, provider config.ProviderConfig, identity bool) ([]byte, *apperrors.Error) {
	if identity {
		merged, err := providerclient.MergeExtraBody(in.RawBody, provider.ExtraBody)
		if err != nil {
			return nil, apperrors.As(err)
		}
		return merged, nil
	}

	clientTx := d.transformers.Get(rc.ClientDialect)
	req, err := clientTx.ParseRequest(in.RawBody)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.TypeInvalidRequest, apperrors.CodeMalformedJSON, 400, "parsing request body", err)
	}
	req.Model = rc.ActualModel

	req, err = d.behaviors.Apply(behaviors, req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.TypeAPIError, apperrors.CodeTransformFailed, 500, "applying alias behaviors", err)
	}

	targetTx := d.transformers.Get(rc.TargetDialect)
	body, err := targetTx.FormatRequest(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.TypeAPIError, apperrors.CodeTransformFailed, 500, "formatting request for provider dialect", err)
	}

	body, err = providerclient.MergeExtraBody(body, provider.ExtraBody)
	if err != nil {
		return nil, apperrors.As(err)
	}
	return body, nil
}

func (d *Dispatcher) buildCandidates(cfg *config.Config, targets []config.AliasTarget, clientDialect unified.Dialect) []selector.Candidate {
	out := make([]selector.Candidate, 0, len(targets))
	for _, t := range targets {
		p, ok := cfg.Providers[t.Provider]
		if !ok || !p.Enabled {
			continue
		}
		dialect := t.APIType
		if dialect == "" {
			dialect = string(clientDialect)
		}
		if !supportsDialect(p, dialect) {
			continue
		}
		t.APIType = dialect
		out = append(out, selector.Candidate{
			Target:     t,
			Provider:   p,
			Stats:      d.metricsColl.SnapshotOne(t.Provider),
			OnCooldown: d.cooldownMgr.IsOnCooldown(cooldown.Key{Provider: t.Provider, Model: t.Model}),
		})
	}
	return out
}

func supportsDialect(p config.ProviderConfig, dialect string) bool {
	if len(p.SupportedDialects) == 0 {
		_, ok := p.Endpoints[dialect]
		return ok
	}
	for _, d := range p.SupportedDialects {
		if strings.EqualFold(d, dialect) {
			return true
		}
	}
	return false
}

// endpointFor resolves the actual URL to call. For chat and messages,
// the configured endpoint is the full URL. For gemini, the configured
// endpoint is the API's base URL and the model and action are appended
// per the REST convention /models/{model}:{action}, with ?alt=sse for
// the streaming action so Google returns SSE framing instead of a JSON
// array (spec §4.1 "Gemini specifics").
func endpointFor(p config.ProviderConfig, dialect unified.Dialect, model string, stream bool) (string, *apperrors.Error) {
	base, ok := p.Endpoints[string(dialect)]
	if !ok || base == "" {
		return "", apperrors.APIError(apperrors.CodeNoHealthyTarget, 503, fmt.Sprintf("provider has no endpoint configured for dialect %q", dialect))
	}
	if dialect != unified.DialectGemini {
		return base, nil
	}
	action := "generateContent"
	if stream {
		action = "streamGenerateContent"
	}
	url := strings.TrimRight(base, "/") + "/models/" + model + ":" + action
	if stream {
		url += "?alt=sse"
	}
	return url, nil
}

func applyQueryAuth(url, authType, apiKey string) string {
	if authType != "query" || apiKey == "" {
		return url
	}
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "key=" + apiKey
}

func isEventStream(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "text/event-stream")
}

func computeCost(p config.ProviderConfig, usage unified.Usage) float64 {
	cost := float64(usage.InputTokens)/1_000_000*p.CostPerMillionIn + float64(usage.OutputTokens)/1_000_000*p.CostPerMillionOut
	if p.Discount > 0 && p.Discount < 1 {
		cost *= 1 - p.Discount
	}
	return cost
}

// handleConnectionError covers step 10: a network-layer failure during
// the provider call itself triggers a connection_error cooldown before
// the error propagates to the client.
func (d *Dispatcher) handleConnectionError(rc *RequestContext, chosen selector.Candidate, err error) *apperrors.Error {
	if cooldown.IsConnectionError(err) {
		d.cooldownMgr.Set(cooldown.SetRequest{
			Key:     cooldown.Key{Provider: chosen.Target.Provider, Model: chosen.Target.Model},
			Reason:  cooldown.ReasonConnectionError,
			Message: err.Error(),
		})
	}
	d.metricsColl.RecordFailure(chosen.Target.Provider, 0)
	d.logFailedRequest(rc, chosen, err.Error())
	return apperrors.Wrap(apperrors.TypeAPIError, apperrors.CodeUpstreamFailure, 502, "provider request failed", err)
}

func (d *Dispatcher) handleUpstreamFailure(rc *RequestContext, chosen selector.Candidate, resp *http.Response) *apperrors.Error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if reason, ok := cooldown.ReasonForStatus(resp.StatusCode); ok {
		var retryAfter *time.Duration
		if parsed, ok := providerclient.ParseRetryAfter(resp.Header.Get("Retry-After"), d.now()); ok {
			retryAfter = &parsed
		}
		d.cooldownMgr.Set(cooldown.SetRequest{
			Key:        cooldown.Key{Provider: chosen.Target.Provider, Model: chosen.Target.Model},
			Reason:     reason,
			HTTPStatus: resp.StatusCode,
			Message:    string(body),
			RetryAfter: retryAfter,
		})
	}

	d.metricsColl.RecordFailure(chosen.Target.Provider, resp.StatusCode)
	d.logFailedRequest(rc, chosen, fmt.Sprintf("upstream status %d: %s", resp.StatusCode, truncate(string(body), 500)))

	return apperrors.Upstream(resp.StatusCode, fmt.Sprintf("upstream provider returned status %d", resp.StatusCode))
}

func (d *Dispatcher) logFailedRequest(rc *RequestContext, chosen selector.Candidate, message string) {
	rec := &usagelog.Record{
		ID:        rc.ID,
		RequestID: rc.ID,
		Alias:     rc.AliasUsed,
		Provider:  chosen.Target.Provider,
		Model:     chosen.Target.Model,
		Dialect:   rc.TargetDialect,
	}
	if err := d.usage.LogRequest(context.Background(), rec); err != nil {
		log.Printf("[usagelog] logging request %s failed: %v", rc.ID, err)
	}
	if err := d.usage.Finalize(context.Background(), rec, nil, nil, usagelog.StatusFailed, message, nil); err != nil {
		log.Printf("[usagelog] finalizing failed request %s: %v", rc.ID, err)
	}
	d.events.Emit("dispatch.failure", map[string]any{"request_id": rc.ID, "provider": chosen.Target.Provider, "message": message})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (d *Dispatcher) handleBufferedSuccess(rc *RequestContext, chosen selector.Candidate, identity bool, resp *http.Response, attemptStart time.Time) (*Outcome, *apperrors.Error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.TypeAPIError, apperrors.CodeUpstreamFailure, 502, "reading provider response body", err)
	}

	targetTx := d.transformers.Get(rc.TargetDialect)
	providerResp, err := targetTx.ParseResponse(body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.TypeAPIError, apperrors.CodeTransformFailed, 500, "parsing provider response", err)
	}

	clientBody := body
	if !identity {
		clientTx := d.transformers.Get(rc.ClientDialect)
		clientBody, err = clientTx.FormatResponse(providerResp)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.TypeAPIError, apperrors.CodeTransformFailed, 500, "formatting response for client dialect", err)
		}
	}

	duration := d.now().Sub(attemptStart)
	cost := computeCost(chosen.Provider, providerResp.Usage)
	d.metricsColl.RecordSuccess(rc.ActualProvider, duration, providerResp.Usage.OutputTokens, providerResp.Usage.InputTokens, cost)

	rec := &usagelog.Record{
		ID:        rc.ID,
		RequestID: rc.ID,
		Alias:     rc.AliasUsed,
		Provider:  rc.ActualProvider,
		Model:     rc.ActualModel,
		Dialect:   rc.TargetDialect,
	}
	if err := d.usage.LogRequest(context.Background(), rec); err != nil {
		log.Printf("[usagelog] logging request %s failed: %v", rc.ID, err)
	}
	if err := d.usage.Finalize(context.Background(), rec, providerResp, providerResp, usagelog.StatusSuccess, "", nil); err != nil {
		log.Printf("[usagelog] finalizing request %s: %v", rc.ID, err)
	}
	d.events.Emit("dispatch.success", map[string]any{"request_id": rc.ID, "provider": rc.ActualProvider})

	headers := http.Header{}
	headers.Set("Content-Type", resp.Header.Get("Content-Type"))
	return &Outcome{Status: http.StatusOK, Headers: headers, Body: clientBody}, nil
}
