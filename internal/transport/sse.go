// Package transport encodes pipeline events for clients: Server-Sent Events
// frames for the HTTP surface, JSON frames for WebSocket sessions.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/graphmind/agent-gateway/internal/turn"
)

const heartbeatInterval = 30 * time.Second

// SSEWriter frames events as `data: {json}\n\n` with a flush per frame and
// an idle heartbeat. Safe for the pipeline goroutine and the heartbeat
// goroutine to share.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu        sync.Mutex
	lastWrite time.Time

	stopHeartbeat chan struct{}
	once          sync.Once
}

// NewSSEWriter prepares the response for streaming. Fails when the
// underlying writer cannot flush.
func NewSSEWriter(c *gin.Context) (*SSEWriter, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{
		w:             c.Writer,
		flusher:       flusher,
		lastWrite:     time.Now(),
		stopHeartbeat: make(chan struct{}),
	}, nil
}

// Emit writes one pipeline event as a frame.
func (s *SSEWriter) Emit(ctx context.Context, ev turn.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeJSON(ev)
}

// EmitRaw writes an arbitrary JSON payload as a frame, used for the done
// and heartbeat events that are not part of the pipeline sequence.
func (s *SSEWriter) EmitRaw(v any) error {
	return s.writeJSON(v)
}

func (s *SSEWriter) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode sse frame: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	s.lastWrite = time.Now()
	return nil
}

// StartHeartbeat emits a keep-alive frame whenever no event has been
// written for the heartbeat interval. Runs until ctx is done or Close.
func (s *SSEWriter) StartHeartbeat(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(heartbeatInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopHeartbeat:
				return
			case <-ticker.C:
				s.mu.Lock()
				idle := time.Since(s.lastWrite)
				s.mu.Unlock()
				if idle >= heartbeatInterval {
					_ = s.EmitRaw(map[string]any{
						"type":      "heartbeat",
						"timestamp": time.Now().UTC().Format(time.RFC3339),
					})
				}
			}
		}
	}()
}

// Close stops the heartbeat goroutine.
func (s *SSEWriter) Close() {
	s.once.Do(func() { close(s.stopHeartbeat) })
}
