package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/applyfeed/internal/applyfeed"
)

const DefaultHeartbeatInterval = 30 * time.Second

var ErrConnectionClosed = errors.New("connection closed")

// Connection is a live-update sink owned by the hub once registered.
type Connection interface {
	ID() string
	Send(event Event) error
	Close() error
}

type ConnectionErrorKind string

const ConnectionWriteFailed ConnectionErrorKind = "write_failed"

type ConnectionError struct {
	Kind         ConnectionErrorKind
	ConnectionID string
	Err          error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s write failed: %v", e.ConnectionID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

type HubOptions struct {
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

// Hub fans events out to every registered connection. Registration,
// publishing and heartbeats share one lock, so each event reaches the
// members in the same order and the set never changes mid-iteration.
type Hub struct {
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	members []Connection
}

func NewHub(opts HubOptions) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		interval: opts.HeartbeatInterval,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// Register sends the connected event and adds the connection. A connection
// that cannot take the first write is closed and never joins.
func (h *Hub) Register(conn Connection) error {
	h.mu.Lock()
	if err := conn.Send(Connected(h.now())); err != nil {
		h.mu.Unlock()
		_ = conn.Close()
		return &ConnectionError{Kind: ConnectionWriteFailed, ConnectionID: conn.ID(), Err: err}
	}
	h.members = append(h.members, conn)
	count := len(h.members)
	hubConnections.Set(float64(count))
	h.mu.Unlock()
	h.logger.Debug("live connection registered", slog.String("connection_id", conn.ID()), slog.Int("connections", count))
	return nil
}

// Remove drops and closes a connection. Removing an unknown connection is a
// no-op.
func (h *Hub) Remove(conn Connection) {
	h.mu.Lock()
	removed := h.removeLocked(conn.ID())
	h.mu.Unlock()
	if removed {
		_ = conn.Close()
	}
}

// Publish writes the event to every member and returns how many writes
// succeeded. Failed members are pruned once the fan-out is done and closed
// after the lock is released.
func (h *Hub) Publish(event Event) int {
	h.mu.Lock()
	var failed []*ConnectionError
	delivered := 0
	for _, conn := range h.members {
		if err := conn.Send(event); err != nil {
			failed = append(failed, &ConnectionError{Kind: ConnectionWriteFailed, ConnectionID: conn.ID(), Err: err})
			continue
		}
		delivered++
	}
	hubEventsTotal.WithLabelValues(string(event.Type)).Inc()

	pruned := make([]Connection, 0, len(failed))
	for _, connErr := range failed {
		conn := h.memberLocked(connErr.ConnectionID)
		if conn == nil {
			continue
		}
		h.removeLocked(connErr.ConnectionID)
		pruned = append(pruned, conn)
		hubPrunedTotal.Inc()
		h.logger.Info("live connection pruned", slog.String("connection_id", connErr.ConnectionID), slog.Any("error", connErr.Err))
	}
	h.mu.Unlock()

	for _, conn := range pruned {
		_ = conn.Close()
	}
	return delivered
}

func (h *Hub) PublishRecord(record applyfeed.ApplicationRecord) {
	h.Publish(NewRecord(record))
}

// Run emits heartbeats until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.Publish(Heartbeat(h.now()))
		}
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members)
}

// Close closes and forgets every member.
func (h *Hub) Close() {
	h.mu.Lock()
	members := h.members
	h.members = nil
	hubConnections.Set(0)
	h.mu.Unlock()
	for _, conn := range members {
		_ = conn.Close()
	}
}

func (h *Hub) memberLocked(id string) Connection {
	for _, conn := range h.members {
		if conn.ID() == id {
			return conn
		}
	}
	return nil
}

func (h *Hub) removeLocked(id string) bool {
	for i, conn := range h.members {
		if conn.ID() != id {
			continue
		}
		h.members = append(h.members[:i], h.members[i+1:]...)
		hubConnections.Set(float64(len(h.members)))
		return true
	}
	return false
}
