package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SSE event types emitted by POST /query.
const (
	EventReferences = "references"
	EventToken      = "token"
	EventError      = "error"
	EventDone       = "done"
)

type sseEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// eventWriter writes `data: <json>\n\n` frames and flushes after each one.
type eventWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newEventWriter(w http.ResponseWriter) (*eventWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming is not supported by response writer")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventWriter{w: w, flusher: flusher}, nil
}

func (e *eventWriter) send(eventType string, data any) error {
	payload, err := json.Marshal(sseEvent{Type: eventType, Data: data})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}
