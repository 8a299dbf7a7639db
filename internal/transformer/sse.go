package transformer

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Frame is one parsed server-sent event, stripped of wire framing.
// Event is empty for dialects (OpenAI, Gemini) that never name their
// events; Anthropic sets it on every frame.
type Frame struct {
	Event string
	Data  string
}

// ScanFrames reads r as an SSE byte stream and invokes fn once per
// frame, in order. Comment lines (leading ':', used by some providers
// as keepalives) and unrecognized fields (id:, retry:) are ignored, not
// treated as errors — a gateway has to keep working even if a provider
// adds a field we don't understand yet.
func ScanFrames(r io.Reader, fn func(Frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var cur Frame
	var dataLines []string
	started := false

	flush := func() error {
		if !started {
			return nil
		}
		cur.Data = strings.Join(dataLines, "\n")
		err := fn(cur)
		cur = Frame{}
		dataLines = nil
		started = false
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			started = true
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			started = true
		default:
			// id:, retry:, or a field we don't care about
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning SSE stream: %w", err)
	}
	return flush()
}

// WriteFrame writes one SSE frame to w and flushes immediately if w
// supports http.Flusher, matching the teacher's per-chunk flush in its
// chat-completions stream writer so clients see tokens as they arrive
// rather than batched by the transport's buffering.
func WriteFrame(w io.Writer, event string, data []byte) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(data)
	b.WriteString("\n\n")

	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// WriteDone writes the "data: [DONE]\n\n" sentinel OpenAI-dialect
// streams terminate with. Anthropic and Gemini streams end on their own
// terminal event instead and never call this.
func WriteDone(w io.Writer) error {
	return WriteFrame(w, "", []byte("[DONE]"))
}
