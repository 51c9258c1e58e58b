package agentd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// sseWriter serializes JSON-frame writes to a text/event-stream response
// (spec §6: "Response: text/event-stream of JSON frames"). Tool/engine
// callbacks and the keepalive ticker can write concurrently, so every
// write is serialized through mu, mirroring the teacher's writeSSE
// pattern.
type sseWriter struct {
	w  http.ResponseWriter
	fl http.Flusher
	mu sync.Mutex
}

// newSSEWriter sets the streaming response headers spec §6 requires and
// returns a writer, or nil if the ResponseWriter doesn't support
// flushing.
func newSSEWriter(w http.ResponseWriter, taskID, subtaskID string) *sseWriter {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	if taskID != "" {
		h.Set("X-Task-Id", taskID)
	}
	if subtaskID != "" {
		h.Set("X-Subtask-Id", subtaskID)
	}
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, fl: fl}
}

func (s *sseWriter) writeFrame(frame any) {
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "data: %s\n\n", b)
	s.fl.Flush()
}

// keepalive emits an SSE comment line every interval until stop fires,
// preventing proxies from closing an idle long-running stream.
func (s *sseWriter) keepalive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			fmt.Fprint(s.w, ": keepalive\n\n")
			s.fl.Flush()
			s.mu.Unlock()
		}
	}
}
