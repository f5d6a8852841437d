// Package sse encodes server-sent events in the line-delimited
// "data: <json>" wire format used by the streaming endpoints.
package sse

import (
	"encoding/json"
	"fmt"
	"io"
)

// Done is the terminal sentinel line.
const Done = "data: [DONE]\n\n"

// WriteEvent marshals v and writes one "data:" frame.
func WriteEvent(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal sse event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// WriteDone writes the terminal sentinel.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, Done)
	return err
}

// Flusher is implemented by writers that can push buffered frames to the
// client between events.
type Flusher interface {
	Flush()
}

// WriteEventAndFlush writes one frame and flushes if the writer supports it.
func WriteEventAndFlush(w io.Writer, v any) error {
	if err := WriteEvent(w, v); err != nil {
		return err
	}
	if f, ok := w.(Flusher); ok {
		f.Flush()
	}
	return nil
}
