package httpapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/applyfeed/internal/broadcast"
	"github.com/agentworkforce/applyfeed/internal/logging"
)

// sseConnection writes hub events onto a text/event-stream response.
type sseConnection struct {
	id           string
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration

	mu        sync.Mutex
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
}

func newSSEConnection(w http.ResponseWriter, writeTimeout time.Duration) *sseConnection {
	return &sseConnection{
		id:           uuid.NewString(),
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *sseConnection) ID() string {
	return c.id
}

func (c *sseConnection) Send(event broadcast.Event) error {
	frame, err := broadcast.EncodeSSE(event)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return broadcast.ErrConnectionClosed
	}
	_ = c.rc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	return c.rc.Flush()
}

func (c *sseConnection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", nil, getCorrelationID(r))
		return
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	conn := newSSEConnection(w, s.cfg.WriteTimeout)
	logger := logging.From(r.Context()).With(slog.String("connection_id", conn.ID()))
	if err := s.hub.Register(conn); err != nil {
		logger.Warn("live connection rejected", slog.Any("error", err))
		return
	}
	logger.Info("live connection opened", slog.String("transport", "sse"), slog.Int("connections", s.hub.Len()))

	select {
	case <-r.Context().Done():
	case <-conn.done:
	}
	s.hub.Remove(conn)
	logger.Info("live connection closed", slog.String("transport", "sse"))
}
