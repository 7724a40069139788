package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/agui/pkg/models"
)

// SSEWriter streams protocol events to one HTTP response as server-sent
// events. It implements agent.EventSink.
//
// The first write failure marks the stream disconnected and runs the
// disconnect callback once; later events are dropped. After Close no
// further bytes reach the response writer.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *slog.Logger

	mu           sync.Mutex
	disconnected bool
	closed       bool
	onDisconnect func()
	once         sync.Once
}

// NewSSEWriter prepares w for streaming. It fails when the writer cannot
// flush.
func NewSSEWriter(w http.ResponseWriter, logger *slog.Logger, onDisconnect func()) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by %T", w)
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEWriter{w: w, flusher: flusher, logger: logger, onDisconnect: onDisconnect}, nil
}

// Emit writes one event frame and flushes it.
func (s *SSEWriter) Emit(ctx context.Context, e models.ProtocolEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.WarnContext(ctx, "dropping unencodable event",
			"event", e.Event,
			"conversation_id", e.ConversationID,
			"sequence", e.Sequence,
			"error", err,
		)
		return
	}
	s.write(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Event, data))
}

// Ping writes a comment frame. Clients ignore it; proxies see traffic.
func (s *SSEWriter) Ping() {
	s.write(": ping\n\n")
}

// Close stops all further writes. The handler calls it before returning,
// since the ResponseWriter is invalid once ServeHTTP has finished.
func (s *SSEWriter) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Disconnected reports whether a write has failed.
func (s *SSEWriter) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected
}

func (s *SSEWriter) write(frame string) {
	s.mu.Lock()
	if s.disconnected || s.closed {
		s.mu.Unlock()
		return
	}
	_, err := fmt.Fprint(s.w, frame)
	if err == nil {
		s.flusher.Flush()
	} else {
		s.disconnected = true
	}
	s.mu.Unlock()

	if err != nil {
		s.disconnect()
	}
}

func (s *SSEWriter) disconnect() {
	s.once.Do(func() {
		if s.onDisconnect != nil {
			s.onDisconnect()
		}
	})
}

// keepAlive pings until ctx is done. A non-positive interval disables it.
func (s *SSEWriter) keepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Ping()
		}
	}
}
