// Package streamtap wraps a provider's streaming response body so the
// dispatcher can observe it — recording chunks, timing the first
// token, and watching for stalls — without altering a single byte of
// what the client ultimately receives (spec §4.8).
package streamtap

import (
	"bytes"
	"io"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// FinalizeReason identifies how a tapped stream ended. A tap finalizes
// exactly once regardless of which reason fires first.
type FinalizeReason string

const (
	FinalizeNormal    FinalizeReason = "normal"
	FinalizeCancelled FinalizeReason = "cancelled"
	FinalizeTimeout   FinalizeReason = "timeout"
	FinalizeError     FinalizeReason = "error"
)

// DefaultWatchdog is how long the tap waits for a chunk before treating
// the stream as stalled (spec §4.8 default).
const DefaultWatchdog = 300 * time.Second

// Tap observes a stream's bytes and lifecycle. Callbacks run
// synchronously on whichever goroutine calls Observe/Finalize, or on the
// watchdog timer's goroutine, so they must be fast and non-blocking.
type Tap struct {
	onFirstToken func(elapsed time.Duration)
	onChunk      func(chunk []byte)
	onFinalize   func(reason FinalizeReason)

	start              time.Time
	firstTokenRecorded atomic.Bool
	finalizeOnce       sync.Once

	watchdogDuration time.Duration
	mu               sync.Mutex
	timer            *time.Timer
	stopped          bool
}

// New builds a Tap. Any callback may be nil. watchdogDuration<=0 uses
// DefaultWatchdog.
func New(watchdogDuration time.Duration, onFirstToken func(time.Duration), onChunk func([]byte), onFinalize func(FinalizeReason)) *Tap {
	if watchdogDuration <= 0 {
		watchdogDuration = DefaultWatchdog
	}
	if onFirstToken == nil {
		onFirstToken = func(time.Duration) {}
	}
	if onChunk == nil {
		onChunk = func([]byte) {}
	}
	if onFinalize == nil {
		onFinalize = func(FinalizeReason) {}
	}
	return &Tap{
		onFirstToken:     onFirstToken,
		onChunk:          onChunk,
		onFinalize:       onFinalize,
		start:            time.Now(),
		watchdogDuration: watchdogDuration,
	}
}

// StartWatchdog arms the stall timer. onStall is invoked (in addition
// to Finalize(FinalizeTimeout) being called) when the stream produces
// nothing for watchdogDuration — typically wired to cancel the
// in-flight HTTP request's context.
func (t *Tap) StartWatchdog(onStall func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer = time.AfterFunc(t.watchdogDuration, func() {
		t.Finalize(FinalizeTimeout)
		if onStall != nil {
			onStall()
		}
	})
}

func (t *Tap) resetWatchdog() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil && !t.stopped {
		t.timer.Reset(t.watchdogDuration)
	}
}

func (t *Tap) stopWatchdog() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

var whitespace = []byte(" \t\r\n")

func isWhitespaceOnly(chunk []byte) bool {
	return len(bytes.Trim(chunk, string(whitespace))) == 0
}

// Observe records one chunk exactly as received. It is the caller's
// responsibility to still forward chunk to the real destination —
// Observe never mutates or buffers it beyond the callback's lifetime.
func (t *Tap) Observe(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if !isWhitespaceOnly(chunk) && t.firstTokenRecorded.CompareAndSwap(false, true) {
		t.onFirstToken(time.Since(t.start))
	}
	t.onChunk(chunk)
	t.resetWatchdog()
}

// Finalize runs the finalize callback exactly once, regardless of how
// many times or from how many goroutines it's called (spec §4.8:
// "finalize exactly once, whichever of normal completion, client
// cancellation, or watchdog timeout happens first").
func (t *Tap) Finalize(reason FinalizeReason) {
	t.finalizeOnce.Do(func() {
		t.stopWatchdog()
		t.onFinalize(reason)
	})
}

// Reader wraps an io.ReadCloser, tapping every Read without altering
// the bytes the caller receives.
type Reader struct {
	src io.ReadCloser
	tap *Tap
}

// NewReader wraps src with tap, arming the watchdog immediately. onStall
// is forwarded to tap.StartWatchdog.
func NewReader(src io.ReadCloser, tap *Tap, onStall func()) *Reader {
	tap.StartWatchdog(onStall)
	return &Reader{src: src, tap: tap}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.tap.Observe(p[:n])
	}
	switch err {
	case nil:
	case io.EOF:
		r.tap.Finalize(FinalizeNormal)
	default:
		r.tap.Finalize(FinalizeError)
	}
	return n, err
}

// Close finalizes as cancelled if nothing else has finalized yet (the
// caller closed the body early, e.g. because the client disconnected),
// then closes the underlying body.
func (r *Reader) Close() error {
	r.tap.Finalize(FinalizeCancelled)
	return r.src.Close()
}
