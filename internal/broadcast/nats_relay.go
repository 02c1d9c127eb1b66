package broadcast

import (
	"encoding/json"
	"log/slog"
	"strings"

	natspkg "github.com/nats-io/nats.go"

	"github.com/agentworkforce/applyfeed/internal/applyfeed"
)

const DefaultNATSSubject = "applyfeed.records"

// NATSRelay shares stored records between service instances. Every instance
// publishes to the subject and delivers whatever it receives, its own
// messages included, to its local hub.
type NATSRelay struct {
	nc      *natspkg.Conn
	sub     *natspkg.Subscription
	subject string
	hub     *Hub
	logger  *slog.Logger
}

func NewNATSRelay(url, subject string, hub *Hub, logger *slog.Logger) (*NATSRelay, error) {
	nc, err := natspkg.Connect(url, natspkg.Name("applyfeed"), natspkg.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	return newNATSRelay(nc, subject, hub, logger), nil
}

func newNATSRelay(nc *natspkg.Conn, subject string, hub *Hub, logger *slog.Logger) *NATSRelay {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultNATSSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSRelay{nc: nc, subject: subject, hub: hub, logger: logger}
}

// Start subscribes to the relay subject.
func (r *NATSRelay) Start() error {
	sub, err := r.nc.Subscribe(r.subject, func(msg *natspkg.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil || event.Type != TypeNewEmail {
			relayMessagesTotal.WithLabelValues("in", "invalid").Inc()
			r.logger.Warn("dropping relay message", slog.String("subject", msg.Subject), slog.Any("error", err))
			return
		}
		relayMessagesTotal.WithLabelValues("in", "ok").Inc()
		r.hub.Publish(event)
	})
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// PublishRecord sends the record to every instance. While the connection is
// down or reconnecting the record goes straight to this instance's
// connections; nats.go would otherwise buffer it until the server returns.
func (r *NATSRelay) PublishRecord(record applyfeed.ApplicationRecord) {
	if !r.Connected() {
		relayMessagesTotal.WithLabelValues("out", "local").Inc()
		r.logger.Warn("nats not connected, delivering locally", slog.String("record_id", record.ID))
		r.hub.PublishRecord(record)
		return
	}
	payload, err := json.Marshal(NewRecord(record))
	if err == nil {
		err = r.nc.Publish(r.subject, payload)
	}
	if err != nil {
		relayMessagesTotal.WithLabelValues("out", "error").Inc()
		r.logger.Warn("nats publish failed, delivering locally", slog.String("record_id", record.ID), slog.Any("error", err))
		r.hub.PublishRecord(record)
		return
	}
	relayMessagesTotal.WithLabelValues("out", "ok").Inc()
}

// Connected reports whether the relay can currently reach the server.
func (r *NATSRelay) Connected() bool {
	return r.nc != nil && r.nc.Status() == natspkg.CONNECTED
}

func (r *NATSRelay) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.nc != nil {
		_ = r.nc.Drain()
	}
}
