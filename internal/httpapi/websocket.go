package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/applyfeed/internal/broadcast"
	"github.com/agentworkforce/applyfeed/internal/logging"
)

// wsConnection sends each hub event as one JSON text message.
type wsConnection struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func newWSConnection(conn *websocket.Conn, writeTimeout time.Duration) *wsConnection {
	return &wsConnection{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *wsConnection) ID() string {
	return c.id
}

func (c *wsConnection) Send(event broadcast.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return broadcast.ErrConnectionClosed
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *wsConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.cfg.CORSOrigins) == 1 && s.cfg.CORSOrigins[0] == "*" {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = s.cfg.CORSOrigins
	}
	raw, err := websocket.Accept(w, r, opts)
	if err != nil {
		logging.From(r.Context()).Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	conn := newWSConnection(raw, s.cfg.WriteTimeout)
	logger := logging.From(r.Context()).With(slog.String("connection_id", conn.ID()))
	// Inbound frames are not part of the protocol; CloseRead reports when the
	// peer goes away.
	ctx := raw.CloseRead(r.Context())
	if err := s.hub.Register(conn); err != nil {
		logger.Warn("live connection rejected", slog.Any("error", err))
		return
	}
	logger.Info("live connection opened", slog.String("transport", "websocket"), slog.Int("connections", s.hub.Len()))

	select {
	case <-ctx.Done():
	case <-conn.done:
	}
	s.hub.Remove(conn)
	logger.Info("live connection closed", slog.String("transport", "websocket"))
}
