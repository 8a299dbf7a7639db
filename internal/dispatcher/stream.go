package dispatcher

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/llmgateway/gateway/internal/apperrors"
	"github.com/llmgateway/gateway/internal/selector"
	"github.com/llmgateway/gateway/internal/streamtap"
	"github.com/llmgateway/gateway/internal/transformer"
	"github.com/llmgateway/gateway/internal/unified"
	"github.com/llmgateway/gateway/internal/usagelog"
)

// beginStreamingOutcome implements spec §4.7 step 9's streaming branch:
// an initial pending usage record, two chained stream taps around the
// transformation pipeline, and a finalize trigger wired to the
// client-facing tap (the one the HTTP layer ultimately reads to
// completion or cancels).
func (d *Dispatcher) beginStreamingOutcome(ctx context.Context, rc *RequestContext, chosen selector.Candidate, identity bool, resp *http.Response) (*Outcome, *apperrors.Error) {
	rc.Streaming = true

	rec := &usagelog.Record{
		ID:        rc.ID,
		RequestID: rc.ID,
		Alias:     rc.AliasUsed,
		Provider:  rc.ActualProvider,
		Model:     rc.ActualModel,
		Dialect:   rc.TargetDialect,
	}
	if err := d.usage.LogRequest(context.Background(), rec); err != nil {
		return nil, apperrors.Wrap(apperrors.TypeAPIError, apperrors.CodeInternal, 500, "logging pending usage record", err)
	}

	trace := d.traces.start(rc.ID)

	var finalizeOnce sync.Once
	finalize := func(reason streamtap.FinalizeReason) {
		finalizeOnce.Do(func() {
			d.finalizeStream(rc, chosen, rec, trace, reason)
		})
	}

	providerTap := streamtap.New(streamtap.DefaultWatchdog, func(elapsed time.Duration) {
		now := d.now()
		rc.ProviderFirstTokenAt = &now
		d.metricsColl.RecordFirstToken(rc.ActualProvider, "provider", elapsed)
		if err := d.usage.MarkFirstToken(context.Background(), rec); err != nil {
			log.Printf("[usagelog] marking first token for %s failed: %v", rc.ID, err)
		}
	}, trace.appendProvider, func(streamtap.FinalizeReason) {})
	providerTapReader := streamtap.NewReader(resp.Body, providerTap, func() { _ = resp.Body.Close() })

	pr, pw := io.Pipe()
	go func() {
		var err error
		if identity {
			_, err = io.Copy(pw, providerTapReader)
		} else {
			err = d.transformStream(providerTapReader, pw, rc)
		}
		pw.CloseWithError(err)
		providerTapReader.Close()
	}()

	clientTap := streamtap.New(streamtap.DefaultWatchdog, func(elapsed time.Duration) {
		now := d.now()
		rc.ClientFirstTokenAt = &now
	}, trace.appendClient, finalize)
	clientTapReader := streamtap.NewReader(pr, clientTap, func() { _ = pr.Close() })

	headers := http.Header{}
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	return &Outcome{Status: http.StatusOK, Headers: headers, Streaming: true, Stream: clientTapReader}, nil
}

// transformStream drives the non-identity streaming path: parse each
// upstream frame into a unified event via the provider dialect, then
// render it in the client dialect, bracketing the first/last event with
// whatever start/end frames the client dialect needs (spec §4.1/§4.7).
func (d *Dispatcher) transformStream(src io.Reader, dst io.Writer, rc *RequestContext) error {
	providerTx := d.transformers.Get(rc.TargetDialect)
	clientTx := d.transformers.Get(rc.ClientDialect)
	state := transformer.NewStreamState()

	var started bool
	var lastEv *unified.StreamEvent

	err := transformer.ScanFrames(src, func(frame transformer.Frame) error {
		ev, ok, err := providerTx.ParseStreamFrame(frame, state)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		lastEv = ev

		if !started {
			started = true
			startFrames, err := clientTx.FormatStreamStart(ev, state)
			if err != nil {
				return err
			}
			if err := writeFrames(dst, startFrames); err != nil {
				return err
			}
		}

		frames, err := clientTx.FormatStreamFrame(ev, state)
		if err != nil {
			return err
		}
		return writeFrames(dst, frames)
	})
	if err != nil {
		return err
	}
	if !started {
		// upstream produced no client-visible deltas at all (e.g. an
		// immediately empty stream); nothing to bracket.
		return nil
	}

	if lastEv == nil {
		lastEv = &unified.StreamEvent{ID: state.ID, Model: state.Model}
	}
	endFrames, err := clientTx.FormatStreamEnd(lastEv, state)
	if err != nil {
		return err
	}
	if err := writeFrames(dst, endFrames); err != nil {
		return err
	}
	if clientTx.UsesDoneSentinel() {
		return transformer.WriteDone(dst)
	}
	return nil
}

func writeFrames(w io.Writer, frames []transformer.Frame) error {
	for _, f := range frames {
		if err := transformer.WriteFrame(w, f.Event, []byte(f.Data)); err != nil {
			return err
		}
	}
	return nil
}

// finalizeStream implements spec §4.10, triggered exactly once by
// whichever of normal completion, cancellation, or watchdog timeout
// happens first.
func (d *Dispatcher) finalizeStream(rc *RequestContext, chosen selector.Candidate, rec *usagelog.Record, trace *traceCapture, reason streamtap.FinalizeReason) {
	tc, ok := d.traces.take(rc.ID)
	if !ok {
		tc = trace
	}

	tc.mu.Lock()
	providerBytes := append([]byte(nil), tc.provider.Bytes()...)
	clientBytes := append([]byte(nil), tc.client.Bytes()...)
	tc.mu.Unlock()

	providerResp := d.reconstructFromCapture(providerBytes, rc.TargetDialect)
	clientResp := d.reconstructFromCapture(clientBytes, rc.ClientDialect)

	status := usagelog.StatusSuccess
	if reason == streamtap.FinalizeCancelled {
		status = usagelog.StatusCancelled
	} else if reason == streamtap.FinalizeError || reason == streamtap.FinalizeTimeout {
		status = usagelog.StatusFailed
	}

	cost := computeCost(chosen.Provider, clientResp.Usage)
	duration := d.now().Sub(rc.StartTime)
	if status == usagelog.StatusSuccess {
		d.metricsColl.RecordSuccess(rc.ActualProvider, duration, clientResp.Usage.OutputTokens, clientResp.Usage.InputTokens, cost)
	} else {
		d.metricsColl.RecordFailure(rc.ActualProvider, 0)
	}

	if err := d.usage.UpdateUsageFromReconstructed(context.Background(), rec, clientResp.Usage); err != nil {
		log.Printf("[usagelog] updating usage from reconstructed stream for %s failed: %v", rc.ID, err)
	}
	if err := d.usage.Finalize(context.Background(), rec, clientResp, providerResp, status, string(reason), tc.flush()); err != nil {
		log.Printf("[usagelog] finalizing stream %s failed: %v", rc.ID, err)
	}

	d.events.Emit("dispatch.stream_end", map[string]any{"request_id": rc.ID, "provider": rc.ActualProvider, "reason": reason})
}

// reconstructFromCapture replays a captured SSE byte trace through
// dialect's stream parser to rebuild the unified.Response it implied
// (spec §4.10 step 1). Malformed frames in the capture are skipped
// rather than failing finalization — by the time this runs the
// response has already been delivered to the client.
func (d *Dispatcher) reconstructFromCapture(data []byte, dialect unified.Dialect) *unified.Response {
	tx := d.transformers.Get(dialect)
	state := transformer.NewStreamState()
	recon := transformer.NewReconstructor()

	_ = transformer.ScanFrames(bytes.NewReader(data), func(f transformer.Frame) error {
		ev, ok, err := tx.ParseStreamFrame(f, state)
		if err != nil {
			return nil
		}
		if ok {
			recon.Ingest(ev)
		}
		return nil
	})
	return recon.Response()
}
