package broadcast

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/applyfeed/internal/applyfeed"
)

type EventType string

const (
	TypeConnected EventType = "connected"
	TypeHeartbeat EventType = "heartbeat"
	TypeNewEmail  EventType = "new_email"
)

var ErrInvalidEvent = errors.New("invalid broadcast event")

// Event is one message on a live-update connection. Timestamp is set for
// connected and heartbeat events, Record for new_email.
type Event struct {
	Type      EventType
	Timestamp int64
	Record    *applyfeed.ApplicationRecord
}

func Connected(now time.Time) Event {
	return Event{Type: TypeConnected, Timestamp: now.UnixMilli()}
}

func Heartbeat(now time.Time) Event {
	return Event{Type: TypeHeartbeat, Timestamp: now.UnixMilli()}
}

func NewRecord(record applyfeed.ApplicationRecord) Event {
	return Event{Type: TypeNewEmail, Record: &record}
}

type connectedWire struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
}

type recordWire struct {
	Type   EventType                    `json:"type"`
	Record *applyfeed.ApplicationRecord `json:"email"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case TypeConnected, TypeHeartbeat:
		return json.Marshal(connectedWire{Type: e.Type, Timestamp: e.Timestamp})
	case TypeNewEmail:
		if e.Record == nil {
			return nil, fmt.Errorf("%w: new_email without record", ErrInvalidEvent)
		}
		return json.Marshal(recordWire{Type: e.Type, Record: e.Record})
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
}

// UnmarshalJSON accepts unknown event types so older clients keep working
// when new variants appear; callers skip what they do not handle.
func (e *Event) UnmarshalJSON(data []byte) error {
	var head struct {
		Type      EventType       `json:"type"`
		Timestamp int64           `json:"timestamp"`
		Email     json.RawMessage `json:"email"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if head.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	out := Event{Type: head.Type, Timestamp: head.Timestamp}
	if head.Type == TypeNewEmail {
		if len(head.Email) == 0 || bytes.Equal(head.Email, []byte("null")) {
			return fmt.Errorf("%w: new_email without email", ErrInvalidEvent)
		}
		var record applyfeed.ApplicationRecord
		if err := json.Unmarshal(head.Email, &record); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		out.Record = &record
	}
	*e = out
	return nil
}

// EncodeSSE frames an event as a server-sent-events data block.
func EncodeSSE(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(payload)+8)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, '\n', '\n')
	return buf, nil
}

// DecodeSSEData parses the value of a "data:" field.
func DecodeSSEData(data string) (Event, error) {
	var e Event
	if err := e.UnmarshalJSON([]byte(strings.TrimSpace(data))); err != nil {
		return Event{}, err
	}
	return e, nil
}
